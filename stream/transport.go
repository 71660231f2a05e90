package stream

import "context"

// Transport is the capability set the Sink writes through. It is implemented
// by the chunked HTTP adapter (output/httpstream) and the WebSocket adapter
// (output/websocket).
//
// Write takes ownership of frame; callers must not reuse the slice. A frame
// always holds a whole number of encoded records.
//
// Drained returns a one-shot channel that is closed as soon as the transport
// is no longer over capacity. If it is not over capacity at call time the
// returned channel is already closed. Each wait asks for a fresh channel, so
// no listener outlives the wait that created it.
//
// Close detaches the session from the transport. After Close returns no
// further bytes from this session reach the peer.
type Transport interface {
	Kind() string
	Write(ctx context.Context, frame []byte) error
	OverCapacity() bool
	Drained() <-chan struct{}
	SignalEnd(ctx context.Context) error
	SignalError(ctx context.Context, message string) error
	PeerClosed() <-chan struct{}
	Close() error
}

// closedChan is handed out by transports that are never over capacity.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// ClosedChannel returns a channel that is already closed.
func ClosedChannel() <-chan struct{} {
	return closedChan
}
