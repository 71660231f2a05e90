package stream

import (
	stderrors "errors"
	"io"
	"time"

	"github.com/azrael3199/gis-tool-dashboard/codec"
	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
)

// DefaultFlushThreshold is the frame size the sink aims for.
const DefaultFlushThreshold = 64 * 1024

// SinkConfig tunes frame sizing.
type SinkConfig struct {
	FlushThreshold int `json:"flush_threshold" yaml:"flush_threshold"`
}

// DefaultSinkConfig returns the default frame sizing.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{FlushThreshold: DefaultFlushThreshold}
}

// Result summarises what a sink wrote.
type Result struct {
	Points int64
	Bytes  int64
	Frames int64
}

// Sink moves records from a cursor to a transport. It encodes into a staging
// buffer and hands whole frames to the transport once the buffer reaches the
// flush threshold, waiting for the transport to drain whenever it is over
// capacity. Frames never split a record.
type Sink struct {
	threshold int
	metrics   *Metrics
}

// NewSink creates a sink.
func NewSink(cfg SinkConfig, metrics *Metrics) *Sink {
	threshold := cfg.FlushThreshold
	if threshold < codec.RecordSize {
		threshold = DefaultFlushThreshold
	}
	return &Sink{threshold: threshold, metrics: metrics}
}

// Run streams the cursor into the session's transport until the cursor is
// exhausted or the session is cancelled. On exhaustion it flushes the
// remainder, emits end-of-stream and completes the session.
//
// A cancelled session returns ErrSessionCancelled. Store failures are
// returned as-is and the caller decides how to report them; write failures
// cancel the session with ReasonWriteError (or ReasonPeerClosed).
func (k *Sink) Run(s *Session, cur pointstore.Cursor) (Result, error) {
	var res Result
	buf := k.newBuffer()

	for {
		if s.Cancelled() {
			return res, errors.ErrSessionCancelled
		}

		start := time.Now()
		batch, err := cur.Next(s.ctx)
		k.metrics.batchFetched(time.Since(start).Seconds())
		if err == io.EOF {
			break
		}
		if err != nil {
			if s.Cancelled() {
				return res, errors.ErrSessionCancelled
			}
			return res, err
		}

		for _, p := range batch {
			buf = codec.Append(buf, p)
			if len(buf) >= k.threshold {
				if err := k.flush(s, buf, &res); err != nil {
					return res, err
				}
				buf = k.newBuffer()
			}
		}
	}

	if len(buf) > 0 {
		if err := k.flush(s, buf, &res); err != nil {
			return res, err
		}
	}

	if s.Cancelled() {
		return res, errors.ErrSessionCancelled
	}
	if err := s.transport.SignalEnd(s.ctx); err != nil {
		return res, k.writeFailed(s, err, "signal end")
	}
	s.complete()
	return res, nil
}

// newBuffer allocates a fresh staging buffer. Transports take ownership of
// flushed frames, so buffers are never reused.
func (k *Sink) newBuffer() []byte {
	return make([]byte, 0, k.threshold+codec.RecordSize)
}

func (k *Sink) flush(s *Session, frame []byte, res *Result) error {
	t := s.transport
	for {
		for t.OverCapacity() {
			k.metrics.drainWait(t.Kind())
			select {
			case <-t.Drained():
			case <-s.Done():
				return errors.ErrSessionCancelled
			}
		}
		if s.Cancelled() {
			return errors.ErrSessionCancelled
		}

		err := t.Write(s.ctx, frame)
		if err == nil {
			break
		}
		if stderrors.Is(err, errors.ErrOverCapacity) {
			// Lost a race with another writer on the same connection.
			continue
		}
		return k.writeFailed(s, err, "write frame")
	}

	res.Frames++
	res.Bytes += int64(len(frame))
	res.Points += int64(len(frame) / codec.RecordSize)
	k.metrics.frameWritten(t.Kind(), len(frame), len(frame)/codec.RecordSize)
	return nil
}

func (k *Sink) writeFailed(s *Session, err error, action string) error {
	if s.Cancelled() {
		return errors.ErrSessionCancelled
	}
	reason := ReasonWriteError
	if errors.IsDisconnect(err) {
		reason = ReasonPeerClosed
	}
	s.Cancel(reason)
	return errors.WrapTransient(err, "Sink", "Run", action)
}
