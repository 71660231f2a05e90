package httpstream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/azrael3199/gis-tool-dashboard/codec"
	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/stream"
)

// Transport streams frames into a chunked HTTP response. Each frame is
// written and flushed synchronously, so write completion is the backpressure
// and the transport is never over capacity.
type Transport struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	peer         <-chan struct{}
	writeTimeout time.Duration

	// mu serialises writes to the response.
	mu          sync.Mutex
	wroteHeader bool
	errorSent   bool
	ended       bool

	closed atomic.Bool
}

var _ stream.Transport = (*Transport)(nil)

// NewTransport wraps a response. writeTimeout bounds each frame write; zero
// disables it.
func NewTransport(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) *Transport {
	return &Transport{
		w:            w,
		rc:           http.NewResponseController(w),
		peer:         r.Context().Done(),
		writeTimeout: writeTimeout,
	}
}

// Kind implements stream.Transport.
func (t *Transport) Kind() string { return "http" }

func (t *Transport) writeHeaderLocked() {
	if t.wroteHeader {
		return
	}
	h := t.w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("X-Point-Format", strconv.Itoa(codec.FormatVersion))
	h.Set("Cache-Control", "no-store")
	t.w.WriteHeader(http.StatusOK)
	t.wroteHeader = true
}

// Write implements stream.Transport.
func (t *Transport) Write(_ context.Context, frame []byte) error {
	if t.closed.Load() {
		return errors.ErrSessionCancelled
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.writeHeaderLocked()
	if t.writeTimeout > 0 {
		// Not every ResponseWriter supports deadlines.
		_ = t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if _, err := t.w.Write(frame); err != nil {
		return errors.WrapTransient(err, "HTTPTransport", "Write", "write frame")
	}
	if err := t.rc.Flush(); err != nil {
		return errors.WrapTransient(err, "HTTPTransport", "Write", "flush frame")
	}
	return nil
}

// OverCapacity implements stream.Transport.
func (t *Transport) OverCapacity() bool { return false }

// Drained implements stream.Transport.
func (t *Transport) Drained() <-chan struct{} { return stream.ClosedChannel() }

// SignalEnd flushes headers and pending bytes. Returning from the handler
// terminates the chunked body.
func (t *Transport) SignalEnd(_ context.Context) error {
	if t.closed.Load() {
		return errors.ErrSessionCancelled
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.writeHeaderLocked()
	t.ended = true
	if err := t.rc.Flush(); err != nil {
		return errors.WrapTransient(err, "HTTPTransport", "SignalEnd", "flush")
	}
	return nil
}

// SignalError reports a failure. Before the first frame this is a 503 JSON
// response; once the body has started the status can no longer change and
// the handler aborts the body instead.
func (t *Transport) SignalError(_ context.Context, message string) error {
	if t.closed.Load() {
		return errors.ErrSessionCancelled
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.wroteHeader {
		return nil
	}
	t.wroteHeader = true
	t.errorSent = true
	WriteError(t.w, http.StatusServiceUnavailable, message)
	return nil
}

// PeerClosed implements stream.Transport.
func (t *Transport) PeerClosed() <-chan struct{} { return t.peer }

// Close detaches the transport. Writes started after Close are refused.
func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}

// Truncated reports whether the body was started but never ended cleanly.
func (t *Transport) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wroteHeader && !t.errorSent && !t.ended
}

// Started reports whether anything was written to the response.
func (t *Transport) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wroteHeader
}

// WriteError writes a JSON error body of the form {"error": message}.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
