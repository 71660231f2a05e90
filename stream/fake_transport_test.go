package stream

import (
	"context"
	"sync"

	"github.com/azrael3199/gis-tool-dashboard/errors"
)

// fakeTransport models a socket with a bounded outgoing buffer. A frame is
// counted as buffered until drain releases it.
type fakeTransport struct {
	mu          sync.Mutex
	maxBuffered int
	buffered    int
	peakBuffer  int
	frames      [][]byte
	ends        int
	errs        []string
	closed      bool
	writesAfter int // writes attempted after Close
	writeErr    error
	waiters     []chan struct{}
	peerClosed  chan struct{}
	onWrite     func(total int)
}

func newFakeTransport(maxBuffered int) *fakeTransport {
	return &fakeTransport{
		maxBuffered: maxBuffered,
		peerClosed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Kind() string { return "fake" }

func (f *fakeTransport) Write(_ context.Context, frame []byte) error {
	f.mu.Lock()
	if f.closed {
		f.writesAfter++
		f.mu.Unlock()
		return errors.ErrSessionCancelled
	}
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return err
	}
	f.frames = append(f.frames, frame)
	if f.maxBuffered > 0 {
		f.buffered += len(frame)
		if f.buffered > f.peakBuffer {
			f.peakBuffer = f.buffered
		}
	}
	total := f.totalLocked()
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(total)
	}
	return nil
}

func (f *fakeTransport) OverCapacity() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxBuffered > 0 && f.buffered >= f.maxBuffered
}

func (f *fakeTransport) Drained() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	if f.maxBuffered == 0 || f.buffered < f.maxBuffered {
		close(ch)
		return ch
	}
	f.waiters = append(f.waiters, ch)
	return ch
}

// drain releases up to n buffered bytes and wakes waiters once below the cap.
func (f *fakeTransport) drain(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffered -= n
	if f.buffered < 0 {
		f.buffered = 0
	}
	if f.buffered < f.maxBuffered {
		for _, ch := range f.waiters {
			close(ch)
		}
		f.waiters = nil
	}
}

func (f *fakeTransport) SignalEnd(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.ErrSessionCancelled
	}
	f.ends++
	return nil
}

func (f *fakeTransport) SignalError(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.ErrSessionCancelled
	}
	f.errs = append(f.errs, message)
	return nil
}

func (f *fakeTransport) PeerClosed() <-chan struct{} { return f.peerClosed }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) disconnect() { close(f.peerClosed) }

func (f *fakeTransport) totalLocked() int {
	n := 0
	for _, fr := range f.frames {
		n += len(fr)
	}
	return n
}

func (f *fakeTransport) payload() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, 0, f.totalLocked())
	for _, fr := range f.frames {
		out = append(out, fr...)
	}
	return out
}

func (f *fakeTransport) snapshot() (frames int, ends int, errs []string, writesAfter int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames), f.ends, append([]string(nil), f.errs...), f.writesAfter
}
