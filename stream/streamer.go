package stream

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
)

// Streamer wires queries, the point store and transports together. One
// Streamer serves every transport in the process.
type Streamer struct {
	store    pointstore.Querier
	registry *Registry
	sink     *Sink
	metrics  *Metrics
	logger   *slog.Logger
}

// NewStreamer creates a streamer over the given store.
func NewStreamer(store pointstore.Querier, cfg SinkConfig, metrics *Metrics, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		store:    store,
		registry: NewRegistry(),
		sink:     NewSink(cfg, metrics),
		metrics:  metrics,
		logger:   logger.With("component", "streamer"),
	}
}

// Registry exposes the live session table.
func (st *Streamer) Registry() *Registry { return st.registry }

// Stream runs one query to completion over t and blocks until the session
// has ended. owner groups sessions for supersede: a new Stream for an owner
// cancels that owner's current session. An empty owner never supersedes.
//
// Validation errors are returned before any store resources are allocated
// and are the caller's to report. Every other outcome has already been
// reported on t when Stream returns: end-of-stream after success, an error
// signal after a store failure, nothing on cancellation.
func (st *Streamer) Stream(ctx context.Context, owner string, q Query, t Transport) (Result, error) {
	s, err := st.Open(ctx, owner, q, t)
	if err != nil {
		return Result{}, err
	}
	return st.Run(s)
}

// Open validates q and registers a new session for it, superseding the
// owner's previous session. Callers that accept queries on one goroutine and
// stream on another use Open then Run, so supersede follows arrival order.
// A session returned by Open must be passed to Run or cancelled.
func (st *Streamer) Open(ctx context.Context, owner string, q Query, t Transport) (*Session, error) {
	if err := q.Validate(); err != nil {
		st.metrics.queryRejected(t.Kind())
		return nil, err
	}

	s := newSession(ctx, owner, q, t)
	kind := t.Kind()
	s.onTerminate = func(s *Session, reason Reason) {
		st.metrics.sessionEnded(kind, reason)
		st.logger.Debug("Session ended",
			"session", s.ID,
			"owner", s.Owner,
			"reason", string(reason),
			"elapsed", time.Since(s.StartedAt))
	}
	st.metrics.sessionStarted(kind)
	st.registry.Begin(s)

	go st.watch(ctx, s)
	return s, nil
}

// Run streams an opened session until it ends.
func (st *Streamer) Run(s *Session) (Result, error) {
	if s.Cancelled() {
		return Result{}, errors.ErrSessionCancelled
	}
	q := s.Query

	cur, err := st.store.Query(s.ctx, q.FileID, *q.BoundingBox)
	if err != nil {
		return Result{}, st.storeFailed(s, err)
	}
	if err := s.attachCursor(cur); err != nil {
		return Result{}, err
	}

	res, err := st.sink.Run(s, cur)
	switch {
	case err == nil:
		st.logger.Debug("Session completed",
			"session", s.ID,
			"file_id", q.FileID,
			"points", res.Points,
			"frames", res.Frames)
		return res, nil
	case stderrors.Is(err, errors.ErrSessionCancelled):
		return res, err
	case s.Cancelled():
		// Write failures cancel the session inside the sink.
		return res, err
	default:
		return res, st.storeFailed(s, err)
	}
}

// watch ends the session when the peer goes away or the server shuts down.
// Transports may derive the peer signal from ctx, so a done ctx only counts
// as a shutdown when the peer is still there.
func (st *Streamer) watch(ctx context.Context, s *Session) {
	peer := s.transport.PeerClosed()
	select {
	case <-peer:
		s.Cancel(ReasonPeerClosed)
	case <-ctx.Done():
		select {
		case <-peer:
			s.Cancel(ReasonPeerClosed)
		default:
			s.Cancel(ReasonShutdown)
		}
	case <-s.Done():
	}
}

func (st *Streamer) storeFailed(s *Session, err error) error {
	if s.Cancelled() {
		return errors.ErrSessionCancelled
	}
	st.logger.Error("Point store failed during stream",
		"session", s.ID,
		"file_id", s.Query.FileID,
		"error", err)
	_ = s.transport.SignalError(s.ctx, errors.PublicMessage(err))
	s.Cancel(ReasonStoreError)
	return errors.Wrap(err, "Streamer", "Stream", "read point store")
}

// Shutdown cancels every live session.
func (st *Streamer) Shutdown() int {
	return st.registry.CancelAll(ReasonShutdown)
}
