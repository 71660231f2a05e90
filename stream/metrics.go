package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/azrael3199/gis-tool-dashboard/metric"
)

// Metrics holds Prometheus metrics for the streaming pipeline.
type Metrics struct {
	sessionsActive  *prometheus.GaugeVec
	sessionsTotal   *prometheus.CounterVec
	terminations    *prometheus.CounterVec
	pointsSent      *prometheus.CounterVec
	bytesSent       *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	drainWaits      *prometheus.CounterVec
	frameSizeBytes  prometheus.Histogram
	storeBatchTime  prometheus.Histogram
	validationFails *prometheus.CounterVec
}

// NewMetrics creates and registers pipeline metrics. A nil registry yields
// nil metrics; every method is nil-safe.
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pointstream",
			Subsystem: "stream",
			Name:      "sessions_active",
			Help:      "Streaming sessions currently running",
		}, []string{"transport"}),

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "stream",
			Name:      "sessions_total",
			Help:      "Streaming sessions started",
		}, []string{"transport"}),

		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "stream",
			Name:      "session_terminations_total",
			Help:      "Session terminations by reason",
		}, []string{"transport", "reason"}),

		pointsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "stream",
			Name:      "points_sent_total",
			Help:      "Point records written to transports",
		}, []string{"transport"}),

		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "stream",
			Name:      "bytes_sent_total",
			Help:      "Encoded bytes written to transports",
		}, []string{"transport"}),

		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "stream",
			Name:      "frames_sent_total",
			Help:      "Frames flushed to transports",
		}, []string{"transport"}),

		drainWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "stream",
			Name:      "drain_waits_total",
			Help:      "Times the sink suspended because the transport was over capacity",
		}, []string{"transport"}),

		frameSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pointstream",
			Subsystem: "stream",
			Name:      "frame_size_bytes",
			Help:      "Size distribution of flushed frames",
			Buckets:   []float64{1500, 15000, 32768, 65536, 65550, 131072},
		}),

		storeBatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pointstream",
			Subsystem: "store",
			Name:      "batch_fetch_seconds",
			Help:      "Time to fetch one cursor batch",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		validationFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "stream",
			Name:      "rejected_queries_total",
			Help:      "Queries rejected before streaming started",
		}, []string{"transport"}),
	}

	registry.MustRegister("stream",
		m.sessionsActive,
		m.sessionsTotal,
		m.terminations,
		m.pointsSent,
		m.bytesSent,
		m.framesSent,
		m.drainWaits,
		m.frameSizeBytes,
		m.storeBatchTime,
		m.validationFails,
	)

	return m
}

func (m *Metrics) sessionStarted(kind string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(kind).Inc()
	m.sessionsActive.WithLabelValues(kind).Inc()
}

func (m *Metrics) sessionEnded(kind string, reason Reason) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind).Dec()
	m.terminations.WithLabelValues(kind, string(reason)).Inc()
}

func (m *Metrics) frameWritten(kind string, bytes int, points int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(kind).Inc()
	m.bytesSent.WithLabelValues(kind).Add(float64(bytes))
	m.pointsSent.WithLabelValues(kind).Add(float64(points))
	m.frameSizeBytes.Observe(float64(bytes))
}

func (m *Metrics) drainWait(kind string) {
	if m == nil {
		return
	}
	m.drainWaits.WithLabelValues(kind).Inc()
}

func (m *Metrics) batchFetched(seconds float64) {
	if m == nil {
		return
	}
	m.storeBatchTime.Observe(seconds)
}

func (m *Metrics) queryRejected(kind string) {
	if m == nil {
		return
	}
	m.validationFails.WithLabelValues(kind).Inc()
}
