// Package errors classifies failures of the point streaming service.
//
// # Classes
//
//   - Transient: network timeouts, peer disconnects, open circuit breakers.
//     A session that hits one is torn down; the client may simply re-query.
//   - Invalid: malformed or missing query parameters. Rejected before a cursor
//     is opened, reported as HTTP 400 or a WebSocket error message.
//   - Fatal: store failures and corrupted data. The session ends and the
//     error is reported over the stream's own error channel.
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: %w":
//
//	if err != nil {
//	    return errors.WrapFatal(err, "BoltStore", "Query", "open read transaction")
//	}
//
// Sentinels such as ErrMissingParameters carry the exact text sent to remote
// clients, so PublicMessage can expose them without leaking internals.
package errors
