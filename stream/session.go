package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
)

// Reason records why a session ended.
type Reason string

// Termination reasons. Only ReasonCompleted is a normal end.
const (
	ReasonCompleted  Reason = "completed"
	ReasonPeerClosed Reason = "peer_closed"
	ReasonWriteError Reason = "write_error"
	ReasonSuperseded Reason = "superseded"
	ReasonStopped    Reason = "stopped"
	ReasonStoreError Reason = "store_error"
	ReasonShutdown   Reason = "shutdown"
)

// Session is the lifetime of one query's stream. It owns at most one cursor
// and its transport view. Termination is a single-fire latch: the first
// Cancel (or the normal end) wins, later calls are no-ops.
type Session struct {
	ID        string
	Owner     string
	Query     Query
	StartedAt time.Time

	transport Transport
	registry  *Registry

	ctx       context.Context
	cancelCtx context.CancelFunc
	done      chan struct{}
	cancelled atomic.Bool
	once      sync.Once
	reason    atomic.Value // Reason

	cursorMu sync.Mutex
	cursor   pointstore.Cursor
	released bool

	onTerminate func(*Session, Reason)
}

func newSession(parent context.Context, owner string, q Query, t Transport) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	if owner == "" {
		owner = id
	}
	return &Session{
		ID:        id,
		Owner:     owner,
		Query:     q,
		StartedAt: time.Now(),
		transport: t,
		ctx:       ctx,
		cancelCtx: cancel,
		done:      make(chan struct{}),
	}
}

// Context is cancelled when the session terminates. Blocking store fetches
// use it so cancellation interrupts them.
func (s *Session) Context() context.Context { return s.ctx }

// Done is the session's cancellation token.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancelled reports whether the session was cancelled. Once true it stays true.
func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// Reason returns why the session ended, or "" while it is live.
func (s *Session) Reason() Reason {
	if r, ok := s.reason.Load().(Reason); ok {
		return r
	}
	return ""
}

// Cancel tears the session down: it latches cancelled, releases the cursor,
// closes the transport view and leaves the registry. It runs synchronously,
// so no bytes of this session are written once it returns. Returns true only
// for the call that actually fired.
func (s *Session) Cancel(reason Reason) bool {
	return s.terminate(reason, true)
}

// complete ends a session that ran to exhaustion.
func (s *Session) complete() bool {
	return s.terminate(ReasonCompleted, false)
}

func (s *Session) terminate(reason Reason, cancel bool) bool {
	fired := false
	s.once.Do(func() {
		fired = true
		if cancel {
			s.cancelled.Store(true)
		}
		s.reason.Store(reason)
		s.cancelCtx()
		close(s.done)
		s.releaseCursor()
		if s.transport != nil {
			_ = s.transport.Close()
		}
		if s.registry != nil {
			s.registry.remove(s)
		}
		if s.onTerminate != nil {
			s.onTerminate(s, reason)
		}
	})
	return fired
}

// attachCursor hands the cursor to the session. If the session already ended
// the cursor is closed immediately and ErrSessionCancelled is returned.
func (s *Session) attachCursor(c pointstore.Cursor) error {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	if s.released {
		_ = c.Close()
		return errors.ErrSessionCancelled
	}
	s.cursor = c
	return nil
}

func (s *Session) releaseCursor() {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	if s.released {
		return
	}
	s.released = true
	if s.cursor != nil {
		_ = s.cursor.Close()
	}
}
