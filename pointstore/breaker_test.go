package pointstore

import (
	"context"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azrael3199/gis-tool-dashboard/errors"
)

func TestBreakerStore_TripsOnStoreFailures(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore(10)
	require.NoError(t, mem.Append(ctx, "f", randomPoints(20, 1)))

	store := NewBreakerStore(mem, BreakerConfig{
		Name:                "test",
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
	})

	mem.FailWith(stderrors.New("connection refused"))
	for i := 0; i < 2; i++ {
		_, err := store.Query(ctx, "f", Box(-100, -100, -100, 100, 100, 100))
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, store.State())

	mem.FailWith(nil)
	_, err := store.Query(ctx, "f", Box(-100, -100, -100, 100, 100, 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
	assert.True(t, errors.IsTransient(err))
}

func TestBreakerStore_EOFAndCancelDoNotTrip(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore(5)
	require.NoError(t, mem.Append(ctx, "f", randomPoints(12, 2)))

	store := NewBreakerStore(mem, BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		cursor, err := store.Query(ctx, "f", Box(-100, -100, -100, 100, 100, 100))
		require.NoError(t, err)
		points, err := Drain(ctx, cursor)
		require.NoError(t, err)
		assert.Len(t, points, 12)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	cursor, err := store.Query(ctx, "f", Box(-100, -100, -100, 100, 100, 100))
	require.NoError(t, err)
	_, err = cursor.Next(cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	cursor, err = store.Query(ctx, "missing", Box(0, 0, 0, 1, 1, 1))
	require.NoError(t, err)
	_, err = cursor.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, gobreaker.StateClosed, store.State())
}
