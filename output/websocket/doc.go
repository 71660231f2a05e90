// Package websocket streams point queries over WebSocket connections.
//
// # Protocol
//
// Clients send JSON text messages:
//
//	{"type": "getVisiblePoints", "fileId": "f1", "boundingBox": {"min": {...}, "max": {...}}, "id": "q7", "format": 1}
//	{"type": "stop"}
//
// "type" may be omitted for point queries; "id" and "format" are optional.
// The server answers a query with binary messages, each holding a whole
// number of 15-byte point records, followed by a text {"type":"end"}. Errors
// are text {"error": "..."}. Both echo the query's "id" when one was given.
//
// Unknown message types are answered with {"error":"Unknown request type"},
// a format other than 1 with {"error":"Unsupported point format"}.
//
// # Sessions
//
// Each connection owns at most one running query. A new query supersedes the
// running one: its session is cancelled, its cursor released, and frames it
// already queued are discarded before they reach the socket. "stop" cancels
// without starting anything new. Closing the socket cancels the running
// query.
//
// # Backpressure
//
// Every connection has one writer goroutine draining an outbound queue. The
// queued-but-unwritten byte count plays the role of a browser socket's
// bufferedAmount: while it is at or above Config.MaxBuffered, sessions wait
// for a one-shot drain signal before queueing more frames.
//
// # Keepalive
//
// The server pings every Config.PingInterval and drops clients that stay
// silent for Config.PongWait. Queries are rate limited per connection with
// golang.org/x/time/rate.
package websocket
