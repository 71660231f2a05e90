package stream

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azrael3199/gis-tool-dashboard/codec"
	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/metric"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
)

func boxPtr(b pointstore.BoundingBox) *pointstore.BoundingBox { return &b }

func gridPoints(n int) []pointstore.PointRecord {
	points := make([]pointstore.PointRecord, n)
	for i := range points {
		v := float32(i % 100)
		points[i] = pointstore.PointRecord{X: v, Y: v / 2, Z: 1, Color: [3]float32{0.5, 0.25, 1}}
	}
	return points
}

func seededStore(t *testing.T, batchSize int, fileID string, points []pointstore.PointRecord) *pointstore.MemoryStore {
	t.Helper()
	store := pointstore.NewMemoryStore(batchSize)
	require.NoError(t, store.Append(context.Background(), fileID, points))
	return store
}

func allQuery(fileID string) Query {
	return Query{FileID: fileID, BoundingBox: boxPtr(pointstore.Box(-1e9, -1e9, -1e9, 1e9, 1e9, 1e9))}
}

func TestStream_ScenarioA(t *testing.T) {
	store := seededStore(t, 0, "f1", []pointstore.PointRecord{
		{X: 1, Y: 1, Z: 1, Color: [3]float32{1, 0, 0}},
		{X: 20, Y: 20, Z: 20, Color: [3]float32{0, 1, 0}},
	})
	st := NewStreamer(store, DefaultSinkConfig(), nil, nil)
	tr := newFakeTransport(0)

	q := Query{FileID: "f1", BoundingBox: boxPtr(pointstore.Box(0, 0, 0, 10, 10, 10))}
	res, err := st.Stream(context.Background(), "", q, tr)
	require.NoError(t, err)

	want := []byte{
		0x00, 0x00, 0x80, 0x3f,
		0x00, 0x00, 0x80, 0x3f,
		0x00, 0x00, 0x80, 0x3f,
		255, 0, 0,
	}
	assert.Equal(t, want, tr.payload())
	assert.Equal(t, int64(1), res.Points)

	frames, ends, errs, _ := tr.snapshot()
	assert.Equal(t, 1, frames)
	assert.Equal(t, 1, ends)
	assert.Empty(t, errs)
	assert.Equal(t, int64(1), store.CursorsClosed())
	assert.Equal(t, 0, st.Registry().Len())
}

func TestStream_EmptyResultSendsOneEnd(t *testing.T) {
	store := seededStore(t, 0, "f1", gridPoints(10))
	st := NewStreamer(store, DefaultSinkConfig(), nil, nil)

	tests := []struct {
		name  string
		query Query
	}{
		{"box misses every point", Query{FileID: "f1", BoundingBox: boxPtr(pointstore.Box(500, 500, 500, 600, 600, 600))}},
		{"unknown file", allQuery("nope")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport(0)
			res, err := st.Stream(context.Background(), "", tt.query, tr)
			require.NoError(t, err)

			frames, ends, errs, _ := tr.snapshot()
			assert.Zero(t, frames)
			assert.Equal(t, 1, ends)
			assert.Empty(t, errs)
			assert.Zero(t, res.Points)
		})
	}
}

func TestStream_RejectsInvalidQueryBeforeOpeningCursor(t *testing.T) {
	store := seededStore(t, 0, "f1", gridPoints(10))
	st := NewStreamer(store, DefaultSinkConfig(), nil, nil)

	tests := []struct {
		name  string
		query Query
		want  error
	}{
		{"missing fileId", Query{BoundingBox: boxPtr(pointstore.Box(0, 0, 0, 1, 1, 1))}, errors.ErrMissingParameters},
		{"missing box", Query{FileID: "f1"}, errors.ErrMissingParameters},
		{"inverted box", Query{FileID: "f1", BoundingBox: boxPtr(pointstore.Box(1, 0, 0, 0, 1, 1))}, errors.ErrInvalidBoundingBox},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport(0)
			_, err := st.Stream(context.Background(), "", tt.query, tr)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsInvalid(err))

			frames, ends, errs, _ := tr.snapshot()
			assert.Zero(t, frames)
			assert.Zero(t, ends)
			assert.Empty(t, errs)
		})
	}
	assert.Zero(t, store.CursorsOpened())
}

func TestStream_FramesHoldWholeRecords(t *testing.T) {
	points := gridPoints(5000)
	store := seededStore(t, 333, "f1", points)
	st := NewStreamer(store, SinkConfig{FlushThreshold: 1000}, nil, nil)
	tr := newFakeTransport(0)

	res, err := st.Stream(context.Background(), "", allQuery("f1"), tr)
	require.NoError(t, err)
	assert.Equal(t, int64(len(points)), res.Points)

	tr.mu.Lock()
	for i, fr := range tr.frames {
		assert.Zero(t, len(fr)%codec.RecordSize, "frame %d", i)
		assert.LessOrEqual(t, len(fr), 1000+codec.RecordSize)
	}
	tr.mu.Unlock()

	decoded, err := codec.DecodeAll(tr.payload())
	require.NoError(t, err)
	require.Len(t, decoded, len(points))
	assert.Equal(t, points[0].X, decoded[0].X)
	assert.Equal(t, points[len(points)-1].X, decoded[len(decoded)-1].X)
}

func TestStream_BackpressureBoundsBufferedBytes(t *testing.T) {
	const (
		threshold   = 1500
		maxBuffered = 6000
	)
	points := gridPoints(20000)
	store := seededStore(t, 1000, "f1", points)
	st := NewStreamer(store, SinkConfig{FlushThreshold: threshold}, nil, nil)
	tr := newFakeTransport(maxBuffered)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(200 * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				tr.drain(threshold)
			}
		}
	}()

	res, err := st.Stream(context.Background(), "", allQuery("f1"), tr)
	close(stop)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, int64(len(points)), res.Points)

	tr.mu.Lock()
	peak := tr.peakBuffer
	tr.mu.Unlock()
	assert.Less(t, peak, maxBuffered+threshold+codec.RecordSize)
}

func TestStream_ScenarioB_DisconnectReleasesCursor(t *testing.T) {
	points := gridPoints(50000)
	store := seededStore(t, 1000, "f1", points)
	st := NewStreamer(store, DefaultSinkConfig(), nil, nil)
	tr := newFakeTransport(0)

	var once sync.Once
	tr.onWrite = func(total int) {
		if total >= 64*1024 {
			once.Do(func() {
				tr.disconnect()
				// Hold the sink until the watcher has torn the session down.
				for st.Registry().Len() != 0 {
					time.Sleep(time.Millisecond)
				}
			})
		}
	}

	res, err := st.Stream(context.Background(), "", allQuery("f1"), tr)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSessionCancelled)
	assert.Less(t, res.Points, int64(len(points)))

	assert.Eventually(t, func() bool {
		return store.CursorsClosed() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), store.CursorsOpened())

	frames, ends, errs, _ := tr.snapshot()
	assert.Equal(t, 1, frames)
	assert.Zero(t, ends)
	assert.Empty(t, errs)
}

func TestStream_SupersedeCancelsPreviousSession(t *testing.T) {
	store := seededStore(t, 100, "f1", gridPoints(10000))
	st := NewStreamer(store, SinkConfig{FlushThreshold: 1500}, nil, nil)

	// Never drains, so the first session parks on its first wait.
	first := newFakeTransport(1)
	errCh := make(chan error, 1)
	go func() {
		_, err := st.Stream(context.Background(), "conn-1", allQuery("f1"), first)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		frames, _, _, _ := first.snapshot()
		_, ok := st.Registry().Current("conn-1")
		return ok && frames == 1
	}, time.Second, 5*time.Millisecond)

	second := newFakeTransport(0)
	q := Query{FileID: "f1", BoundingBox: boxPtr(pointstore.Box(0, 0, 0, 10, 10, 10))}
	_, err := st.Stream(context.Background(), "conn-1", q, second)
	require.NoError(t, err)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errors.ErrSessionCancelled)
	case <-time.After(time.Second):
		t.Fatal("superseded session did not stop")
	}

	frames, ends, _, _ := first.snapshot()
	assert.Equal(t, 1, frames)
	assert.Zero(t, ends)
	_, ends, _, _ = second.snapshot()
	assert.Equal(t, 1, ends)
	assert.Equal(t, int64(2), store.CursorsClosed())
}

func TestStream_StoreFailureSignalsError(t *testing.T) {
	store := seededStore(t, 100, "f1", gridPoints(5000))
	st := NewStreamer(store, SinkConfig{FlushThreshold: 1500}, nil, nil)
	tr := newFakeTransport(0)
	tr.onWrite = func(int) {
		store.FailWith(errors.ErrStorageUnavailable)
	}

	_, err := st.Stream(context.Background(), "", allQuery("f1"), tr)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	frames, ends, errs, _ := tr.snapshot()
	assert.Equal(t, 1, frames)
	assert.Zero(t, ends)
	assert.Equal(t, []string{"Point store unavailable"}, errs)
	assert.Equal(t, int64(1), store.CursorsClosed())
}

func TestStream_QueryFailureSignalsError(t *testing.T) {
	store := seededStore(t, 0, "f1", gridPoints(10))
	store.FailWith(errors.ErrStorageUnavailable)
	st := NewStreamer(store, DefaultSinkConfig(), nil, nil)
	tr := newFakeTransport(0)

	_, err := st.Stream(context.Background(), "", allQuery("f1"), tr)
	require.Error(t, err)

	_, ends, errs, _ := tr.snapshot()
	assert.Zero(t, ends)
	assert.Equal(t, []string{"Point store unavailable"}, errs)
	assert.Equal(t, 0, st.Registry().Len())
}

func TestStream_FatalStoreErrorKeepsClass(t *testing.T) {
	store := seededStore(t, 0, "f1", gridPoints(10))
	store.FailWith(errors.WrapFatal(stderrors.New("disk I/O error"), "SQLStore", "Query", "select"))
	st := NewStreamer(store, DefaultSinkConfig(), nil, nil)

	_, err := st.Stream(context.Background(), "", allQuery("f1"), newFakeTransport(0))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.False(t, errors.IsTransient(err))
}

// ctxPeerTransport reports the peer gone when ctx ends, the way a request
// scoped transport does.
type ctxPeerTransport struct {
	*fakeTransport
	peer <-chan struct{}
}

func (c *ctxPeerTransport) PeerClosed() <-chan struct{} { return c.peer }

func TestStream_DisconnectIsNeverCountedAsShutdown(t *testing.T) {
	store := seededStore(t, 0, "f1", gridPoints(10))
	st := NewStreamer(store, DefaultSinkConfig(), nil, nil)

	reasons := map[Reason]int{}
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		tr := &ctxPeerTransport{fakeTransport: newFakeTransport(0), peer: ctx.Done()}
		s, err := st.Open(ctx, "", allQuery("f1"), tr)
		require.NoError(t, err)

		cancel()
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("session outlived its peer")
		}
		reasons[s.Reason()]++
	}
	assert.Equal(t, map[Reason]int{ReasonPeerClosed: 200}, reasons)
}

func TestStream_ContextEndWithLivePeerIsShutdown(t *testing.T) {
	store := seededStore(t, 0, "f1", gridPoints(10))
	st := NewStreamer(store, DefaultSinkConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := st.Open(ctx, "", allQuery("f1"), newFakeTransport(0))
	require.NoError(t, err)
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session ignored shutdown")
	}
	assert.Equal(t, ReasonShutdown, s.Reason())
}

func TestStream_WriteFailureCancelsWithoutSignals(t *testing.T) {
	store := seededStore(t, 0, "f1", gridPoints(100))
	st := NewStreamer(store, SinkConfig{FlushThreshold: 150}, nil, nil)
	tr := newFakeTransport(0)
	tr.writeErr = stderrors.New("socket exploded")

	_, err := st.Stream(context.Background(), "", allQuery("f1"), tr)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errors.ErrSessionCancelled)

	_, ends, errs, _ := tr.snapshot()
	assert.Zero(t, ends)
	assert.Empty(t, errs)
	assert.Equal(t, int64(1), store.CursorsClosed())
}

func TestStream_ShutdownCancelsParkedSession(t *testing.T) {
	store := seededStore(t, 100, "f1", gridPoints(10000))
	st := NewStreamer(store, SinkConfig{FlushThreshold: 1500}, nil, nil)
	tr := newFakeTransport(1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := st.Stream(ctx, "", allQuery("f1"), tr)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return st.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errors.ErrSessionCancelled)
	case <-time.After(time.Second):
		t.Fatal("session ignored shutdown")
	}
	assert.Equal(t, 0, st.Registry().Len())
	assert.Equal(t, int64(1), store.CursorsClosed())
}

func TestSession_CancelIsIdempotent(t *testing.T) {
	store := seededStore(t, 0, "f1", gridPoints(10))
	cur, err := store.Query(context.Background(), "f1", pointstore.Box(0, 0, 0, 1, 1, 1))
	require.NoError(t, err)

	tr := newFakeTransport(0)
	reg := NewRegistry()
	s := newSession(context.Background(), "owner", allQuery("f1"), tr)
	reg.Begin(s)
	require.NoError(t, s.attachCursor(cur))

	var wg sync.WaitGroup
	fired := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fired <- s.Cancel(ReasonStopped)
		}()
	}
	wg.Wait()
	close(fired)

	count := 0
	for f := range fired {
		if f {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.False(t, s.complete())
	assert.True(t, s.Cancelled())
	assert.Equal(t, ReasonStopped, s.Reason())
	assert.Equal(t, int64(1), store.CursorsClosed())
	assert.Equal(t, 0, reg.Len())

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
	assert.Error(t, s.Context().Err())
}

func TestSession_AttachAfterCancelClosesCursor(t *testing.T) {
	store := seededStore(t, 0, "f1", gridPoints(10))
	s := newSession(context.Background(), "", allQuery("f1"), newFakeTransport(0))
	assert.Equal(t, s.ID, s.Owner)
	s.Cancel(ReasonShutdown)

	cur, err := store.Query(context.Background(), "f1", pointstore.Box(0, 0, 0, 1, 1, 1))
	require.NoError(t, err)
	assert.ErrorIs(t, s.attachCursor(cur), errors.ErrSessionCancelled)
	assert.Equal(t, int64(1), store.CursorsClosed())
}

func TestRegistry_CancelOwnerAndAll(t *testing.T) {
	reg := NewRegistry()
	a := newSession(context.Background(), "a", allQuery("f1"), newFakeTransport(0))
	b := newSession(context.Background(), "b", allQuery("f1"), newFakeTransport(0))
	reg.Begin(a)
	reg.Begin(b)
	require.Equal(t, 2, reg.Len())

	got, ok := reg.Get(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)

	assert.True(t, reg.CancelOwner("a", ReasonStopped))
	assert.False(t, reg.CancelOwner("a", ReasonStopped))
	assert.Equal(t, ReasonStopped, a.Reason())

	assert.Equal(t, 1, reg.CancelAll(ReasonShutdown))
	assert.Equal(t, ReasonShutdown, b.Reason())
	assert.Equal(t, 0, reg.Len())
}

func TestStream_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	metrics := NewMetrics(registry)
	store := seededStore(t, 0, "f1", gridPoints(250))
	st := NewStreamer(store, SinkConfig{FlushThreshold: 1500}, metrics, nil)

	_, err := st.Stream(context.Background(), "", allQuery("f1"), newFakeTransport(0))
	require.NoError(t, err)
	_, err = st.Stream(context.Background(), "", Query{FileID: "f1"}, newFakeTransport(0))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sessionsTotal.WithLabelValues("fake")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.sessionsActive.WithLabelValues("fake")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.terminations.WithLabelValues("fake", string(ReasonCompleted))))
	assert.Equal(t, 250.0, testutil.ToFloat64(metrics.pointsSent.WithLabelValues("fake")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.framesSent.WithLabelValues("fake")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.validationFails.WithLabelValues("fake")))
}

func TestParseQuery(t *testing.T) {
	q, err := ParseQuery([]byte(`{"fileId":"f1","boundingBox":{"min":{"x":0,"y":0,"z":0},"max":{"x":10,"y":10,"z":10}}}`))
	require.NoError(t, err)
	assert.Equal(t, "f1", q.FileID)
	assert.Equal(t, 10.0, q.BoundingBox.Max.Z)

	_, err = ParseQuery([]byte(`{"fileId":"f1"}`))
	assert.ErrorIs(t, err, errors.ErrMissingParameters)

	_, err = ParseQuery([]byte(`{not json`))
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
	assert.True(t, errors.IsInvalid(err))
}
