// Package stream turns a bounding-box query into a stream of encoded point
// records on a transport.
//
// A Streamer validates the query, opens a session in the Registry, asks the
// point store for a cursor and hands both to a Sink. The Sink encodes records
// into frames of roughly SinkConfig.FlushThreshold bytes and writes them
// through the Transport interface, suspending while the transport reports it
// is over capacity. When the cursor is exhausted the sink flushes what is left
// and signals end-of-stream.
//
// Sessions end exactly once. Peer disconnects, write failures, supersede by a
// newer query from the same owner, explicit stops and server shutdown all
// funnel into Session.Cancel, which releases the cursor and detaches the
// transport before returning:
//
//	st := stream.NewStreamer(store, stream.DefaultSinkConfig(), metrics, logger)
//	res, err := st.Stream(ctx, ownerID, query, transport)
//
// Transports live in output/httpstream and output/websocket.
package stream
