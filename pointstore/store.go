// Package pointstore answers bounding-box queries over stored point clouds.
//
// A query returns a Cursor that fetches matching points lazily in batches, so
// memory use is bounded by the batch size and not by the result set. Every
// backend iterates a file's points in insertion order, which keeps streams
// reproducible.
package pointstore

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
)

// DefaultBatchSize is the number of matching points fetched per cursor batch.
const DefaultBatchSize = 10000

// scanCheckInterval bounds how many stored points a backend scans between
// context checks while filling one batch.
const scanCheckInterval = 4096

// ErrCursorClosed is returned by Next after Close.
var ErrCursorClosed = stderrors.New("cursor closed")

// Cursor is a lazy, resumable handle over one query's result set.
//
// Next returns the next non-empty batch or io.EOF once the result set is
// exhausted. Close is idempotent and may be called from another goroutine
// while Next is running; the in-flight batch completes and later calls
// return ErrCursorClosed.
type Cursor interface {
	Next(ctx context.Context) ([]PointRecord, error)
	Close() error
}

// Querier is the read side the streaming pipeline depends on.
type Querier interface {
	Query(ctx context.Context, fileID string, box BoundingBox) (Cursor, error)
}

// FileStat describes one stored file.
type FileStat struct {
	FileID string `json:"fileId"`
	Points int64  `json:"points"`
}

// Store is a complete point store backend.
type Store interface {
	Querier
	Append(ctx context.Context, fileID string, points []PointRecord) error
	// Delete drops every point of fileID. Deleting an unknown file is a
	// no-op.
	Delete(ctx context.Context, fileID string) error
	Files(ctx context.Context) ([]FileStat, error)
	Ping(ctx context.Context) error
	Close() error
}

// page fetches up to limit matches with sequence greater than after. It
// returns the last sequence it examined and whether more may follow.
type page func(ctx context.Context, after uint64, limit int) (points []PointRecord, last uint64, more bool, err error)

// pagedCursor turns a page function into a Cursor. Only the goroutine that
// calls Next touches after and done.
type pagedCursor struct {
	fetch     page
	limit     int
	after     uint64
	done      bool
	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func()
}

func newPagedCursor(fetch page, limit int, onClose func()) *pagedCursor {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	return &pagedCursor{fetch: fetch, limit: limit, onClose: onClose}
}

func (c *pagedCursor) Next(ctx context.Context) ([]PointRecord, error) {
	if c.closed.Load() {
		return nil, ErrCursorClosed
	}
	if c.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	points, last, more, err := c.fetch(ctx, c.after, c.limit)
	if err != nil {
		return nil, err
	}
	c.after = last
	if !more {
		c.done = true
	}
	if len(points) == 0 {
		c.done = true
		return nil, io.EOF
	}
	return points, nil
}

func (c *pagedCursor) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// emptyCursor is returned for unknown files.
type emptyCursor struct {
	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func()
}

func (c *emptyCursor) Next(_ context.Context) ([]PointRecord, error) {
	if c.closed.Load() {
		return nil, ErrCursorClosed
	}
	return nil, io.EOF
}

func (c *emptyCursor) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// Drain reads every batch from c into one slice and closes it. Intended for
// tests and small tools, never for the streaming path.
func Drain(ctx context.Context, c Cursor) ([]PointRecord, error) {
	defer c.Close()
	var all []PointRecord
	for {
		batch, err := c.Next(ctx)
		if stderrors.Is(err, io.EOF) {
			return all, nil
		}
		if err != nil {
			return all, err
		}
		all = append(all, batch...)
	}
}
