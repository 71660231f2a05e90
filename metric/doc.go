// Package metric owns the Prometheus registry shared by every component of
// the point streaming server.
//
// NewMetricsRegistry creates the registry with the server-level metrics
// (HTTP requests, component health, store breaker state, NATS connectivity,
// ingestion counters) and the Go runtime and process collectors. Components
// add their own collectors under a component name:
//
//	registry := metric.NewMetricsRegistry()
//	streamer := stream.NewStreamer(store, stream.DefaultSinkConfig(), stream.NewMetrics(registry), logger)
//	mux.Handle("/metrics", registry.Handler())
//
// Register rejects a second collector under the same component and name,
// and collectors whose descriptors clash with existing ones, as invalid
// errors. Components that build their metrics once at startup use
// MustRegister instead.
//
// A nil *MetricsRegistry is accepted by every component constructor and
// disables that component's metrics.
package metric
