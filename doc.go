// Package pointstream serves large 3D point files to visualisation clients.
//
// A client asks for the points of one file inside an axis-aligned bounding
// box. The server pulls them from a point store in batches and streams them
// back as fixed 15-byte records, either as a chunked HTTP response or as
// binary WebSocket frames. A newer query from the same client supersedes the
// older one, so panning a view never leaves stale streams running.
//
// # Layout
//
//	codec/              point record encoding (12 bytes of float32 position, 3 of RGB)
//	pointstore/         Store interface with memory, bbolt and SQLite backends,
//	                    plus a gobreaker circuit breaker
//	stream/             query sessions, supersede registry, flushing sink
//	output/httpstream/  POST /visible-points chunked transport
//	output/websocket/   /ws transport with owner-scoped cancellation
//	catalog/            uploaded file metadata (store-derived or NATS KV)
//	natsclient/         NATS connection management and JetStream KV access
//	decoder/            client-side incremental record decoder
//	client/             HTTP and WebSocket fetchers built on decoder
//	gateway/http/       route table, upload ingestion, lifecycle
//	config/             layered JSON/YAML/env configuration
//	health/, metric/    health monitor and Prometheus registry
//	errors/             classified errors (invalid, transient, fatal)
//	pkg/retry           exponential backoff
//	pkg/tlsutil         TLS for the listener and clients
//
// # Commands
//
//	cmd/pointstream     the server
//	cmd/pointfetch      a CLI client: list, upload, fetch
package pointstream
