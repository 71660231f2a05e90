package pointstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps points in process memory. Sequence numbers are slice
// positions plus one.
type MemoryStore struct {
	mu        sync.RWMutex
	files     map[string][]PointRecord
	batchSize int

	opened atomic.Int64
	closed atomic.Int64
	failOn atomic.Pointer[error]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(batchSize int) *MemoryStore {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &MemoryStore{
		files:     make(map[string][]PointRecord),
		batchSize: batchSize,
	}
}

// Query implements Querier.
func (m *MemoryStore) Query(_ context.Context, fileID string, box BoundingBox) (Cursor, error) {
	if errp := m.failOn.Load(); errp != nil {
		return nil, *errp
	}
	m.opened.Add(1)
	onClose := func() { m.closed.Add(1) }

	m.mu.RLock()
	_, ok := m.files[fileID]
	m.mu.RUnlock()
	if !ok {
		return &emptyCursor{onClose: onClose}, nil
	}

	fetch := func(ctx context.Context, after uint64, limit int) ([]PointRecord, uint64, bool, error) {
		if errp := m.failOn.Load(); errp != nil {
			return nil, after, false, *errp
		}
		m.mu.RLock()
		defer m.mu.RUnlock()

		points := m.files[fileID]
		out := make([]PointRecord, 0, min(limit, len(points)))
		seq := after
		for i := int(after); i < len(points); i++ {
			if i%scanCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return nil, seq, false, err
				}
			}
			seq = uint64(i + 1)
			if box.Contains(points[i]) {
				out = append(out, points[i])
				if len(out) == limit {
					return out, seq, seq < uint64(len(points)), nil
				}
			}
		}
		return out, seq, false, nil
	}
	return newPagedCursor(fetch, m.batchSize, onClose), nil
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, fileID string, points []PointRecord) error {
	if errp := m.failOn.Load(); errp != nil {
		return *errp
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[fileID] = append(m.files[fileID], points...)
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, fileID string) error {
	if errp := m.failOn.Load(); errp != nil {
		return *errp
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, fileID)
	return nil
}

// Files implements Store.
func (m *MemoryStore) Files(_ context.Context) ([]FileStat, error) {
	if errp := m.failOn.Load(); errp != nil {
		return nil, *errp
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]FileStat, 0, len(m.files))
	for id, points := range m.files {
		stats = append(stats, FileStat{FileID: id, Points: int64(len(points))})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].FileID < stats[j].FileID })
	return stats, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(_ context.Context) error {
	if errp := m.failOn.Load(); errp != nil {
		return *errp
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// FailWith makes every subsequent store call return err. Passing nil
// restores normal operation. Used to simulate connectivity loss.
func (m *MemoryStore) FailWith(err error) {
	if err == nil {
		m.failOn.Store(nil)
		return
	}
	m.failOn.Store(&err)
}

// CursorsOpened returns how many cursors Query has handed out.
func (m *MemoryStore) CursorsOpened() int64 { return m.opened.Load() }

// CursorsClosed returns how many cursors have been closed.
func (m *MemoryStore) CursorsClosed() int64 { return m.closed.Load() }
