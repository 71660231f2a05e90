package websocket

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/azrael3199/gis-tool-dashboard/metric"
)

// Metrics holds Prometheus metrics for the WebSocket server.
type Metrics struct {
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	framesDropped      prometheus.Counter
	queuedBytes        prometheus.Gauge
	errorsTotal        *prometheus.CounterVec
}

// newMetrics creates and registers server metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pointstream",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Currently connected WebSocket clients",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "WebSocket connections accepted",
		}),
		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "websocket",
			Name:      "disconnections_total",
			Help:      "WebSocket disconnections by reason",
		}, []string{"reason"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "websocket",
			Name:      "messages_received_total",
			Help:      "Client messages received by type",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "websocket",
			Name:      "frames_dropped_total",
			Help:      "Queued frames discarded because their session was cancelled",
		}),
		queuedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pointstream",
			Subsystem: "websocket",
			Name:      "queued_bytes",
			Help:      "Bytes queued for writing across all connections",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "WebSocket errors by type",
		}, []string{"type"}),
	}

	registry.MustRegister("websocket",
		m.clientsConnected,
		m.connectionTotal,
		m.disconnectionTotal,
		m.messagesReceived,
		m.framesDropped,
		m.queuedBytes,
		m.errorsTotal,
	)
	return m
}

func (m *Metrics) connected(count int) {
	if m == nil {
		return
	}
	m.connectionTotal.Inc()
	m.clientsConnected.Set(float64(count))
}

func (m *Metrics) disconnected(reason string, count int) {
	if m == nil {
		return
	}
	m.disconnectionTotal.WithLabelValues(reason).Inc()
	m.clientsConnected.Set(float64(count))
}

func (m *Metrics) received(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) queued(delta int) {
	if m == nil {
		return
	}
	m.queuedBytes.Add(float64(delta))
}

func (m *Metrics) errored(errType string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(errType).Inc()
}
