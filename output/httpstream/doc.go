// Package httpstream serves point queries as chunked HTTP responses.
//
// POST /visible-points takes {"fileId": ..., "boundingBox": {"min": ..., "max": ...}}
// and answers with application/octet-stream: concatenated 15-byte point
// records, flushed in frames of roughly 64 KiB. End of body is end of stream.
// Validation failures answer 400 with {"error": "..."} before any point is
// read. A failure after the first frame drops the connection so the client
// sees a truncated body rather than a short but clean one.
//
// Requests carrying the same X-Stream-Owner header supersede each other: a
// new query from an owner cancels that owner's running stream.
package httpstream
