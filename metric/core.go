package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the server-level metrics every deployment exports, separate
// from the streaming metrics registered by the stream and websocket packages.
type Metrics struct {
	BuildInfo      *prometheus.GaugeVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	HealthStatus   *prometheus.GaugeVec
	StoreBreaker   prometheus.Gauge
	NATSConnected  prometheus.Gauge
	NATSRTT        prometheus.Gauge
	FilesIngested  prometheus.Counter
	PointsIngested prometheus.Counter
}

// NewMetrics creates the server-level metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pointstream",
			Name:      "build_info",
			Help:      "Always 1; labelled with the running version",
		}, []string{"version"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),

		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pointstream",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration; streaming routes measure the whole stream",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 30, 120},
		}, []string{"route"}),

		HealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pointstream",
			Subsystem: "health",
			Name:      "status",
			Help:      "Component health (0=unhealthy, 1=degraded, 2=healthy)",
		}, []string{"component"}),

		StoreBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pointstream",
			Subsystem: "store",
			Name:      "circuit_breaker",
			Help:      "Point store circuit breaker (0=closed, 1=half-open, 2=open)",
		}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pointstream",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pointstream",
			Subsystem: "nats",
			Name:      "rtt_milliseconds",
			Help:      "NATS round-trip time in milliseconds",
		}),

		FilesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Files created through POST /files",
		}),

		PointsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pointstream",
			Subsystem: "ingest",
			Name:      "points_total",
			Help:      "Points appended through POST /files",
		}),
	}
}

func (m *Metrics) register(r *prometheus.Registry) {
	r.MustRegister(
		m.BuildInfo,
		m.HTTPRequests,
		m.HTTPDuration,
		m.HealthStatus,
		m.StoreBreaker,
		m.NATSConnected,
		m.NATSRTT,
		m.FilesIngested,
		m.PointsIngested,
	)
}

// RecordBuildInfo sets the build_info series for version.
func (m *Metrics) RecordBuildInfo(version string) {
	m.BuildInfo.WithLabelValues(version).Set(1)
}

// RecordRequest counts one finished HTTP request.
func (m *Metrics) RecordRequest(route string, code int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordHealth stores a component's health level.
func (m *Metrics) RecordHealth(component string, level int) {
	m.HealthStatus.WithLabelValues(component).Set(float64(level))
}

// RecordStoreBreaker stores the point store breaker state.
func (m *Metrics) RecordStoreBreaker(state int) {
	m.StoreBreaker.Set(float64(state))
}

// RecordNATSHealth stores NATS connectivity and round-trip time.
func (m *Metrics) RecordNATSHealth(connected bool, rtt time.Duration) {
	v := 0.0
	if connected {
		v = 1
	}
	m.NATSConnected.Set(v)
	m.NATSRTT.Set(float64(rtt) / float64(time.Millisecond))
}

// RecordIngest counts one ingested file and its points.
func (m *Metrics) RecordIngest(points int) {
	m.FilesIngested.Inc()
	m.PointsIngested.Add(float64(points))
}
