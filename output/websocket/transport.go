package websocket

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/stream"
)

// sessionView is one session's window onto a shared connection. Several
// views can have messages queued at once when a query supersedes another;
// the writer discards the queued frames of a view closed before it ended.
type sessionView struct {
	client    *clientInfo
	requestID string

	closed atomic.Bool

	// mu guards ended and discard. It is never held across a socket write,
	// so Close cannot stall behind a slow peer.
	mu      sync.Mutex
	ended   bool
	discard bool
}

var _ stream.Transport = (*sessionView)(nil)

func newSessionView(c *clientInfo, requestID string) *sessionView {
	return &sessionView{client: c, requestID: requestID}
}

// Kind implements stream.Transport.
func (v *sessionView) Kind() string { return "websocket" }

// Write queues a binary frame.
func (v *sessionView) Write(_ context.Context, frame []byte) error {
	if v.closed.Load() {
		return errors.ErrSessionCancelled
	}
	return v.client.enqueue(outbound{
		messageType: websocket.BinaryMessage,
		data:        frame,
		view:        v,
	}, true)
}

// OverCapacity implements stream.Transport.
func (v *sessionView) OverCapacity() bool { return v.client.overCapacity() }

// Drained implements stream.Transport.
func (v *sessionView) Drained() <-chan struct{} { return v.client.drained() }

// SignalEnd queues {"type":"end"}.
func (v *sessionView) SignalEnd(_ context.Context) error {
	return v.terminal(endMessage{Type: "end", ID: v.requestID})
}

// SignalError queues {"error": message}.
func (v *sessionView) SignalError(_ context.Context, message string) error {
	return v.terminal(errorMessage{Error: message, ID: v.requestID})
}

func (v *sessionView) terminal(msg any) error {
	if v.closed.Load() {
		return errors.ErrSessionCancelled
	}
	data, err := marshal(msg)
	if err != nil {
		return errors.WrapFatal(err, "WebSocketTransport", "terminal", "encode message")
	}
	v.mu.Lock()
	v.ended = true
	v.mu.Unlock()
	return v.client.enqueue(outbound{
		messageType: websocket.TextMessage,
		data:        data,
		view:        v,
	}, false)
}

// PeerClosed implements stream.Transport.
func (v *sessionView) PeerClosed() <-chan struct{} { return v.client.done }

// Close detaches the view. Frames still queued are discarded unless the
// session already queued its end or error message. A frame the writer has
// already started is allowed to finish; the writer is sequential, so it still
// precedes anything queued afterwards.
func (v *sessionView) Close() error {
	v.closed.Store(true)
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.ended {
		v.discard = true
	}
	return nil
}

func (v *sessionView) discarded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.discard
}
