package pointstore

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/azrael3199/gis-tool-dashboard/errors"
)

// BreakerConfig configures BreakerStore.
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32        // trips the breaker
	OpenTimeout         time.Duration // time in open state before trial requests
	HalfOpenRequests    uint32
	Logger              *slog.Logger
}

// DefaultBreakerConfig returns the defaults used by the server.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "pointstore",
		ConsecutiveFailures: 5,
		OpenTimeout:         10 * time.Second,
		HalfOpenRequests:    1,
	}
}

// BreakerStore guards a Store with a circuit breaker. Query and every cursor
// batch count towards the breaker; cancellation and end of results do not.
type BreakerStore struct {
	Store
	cb *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps inner.
func NewBreakerStore(inner Store, cfg BreakerConfig) *BreakerStore {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				stderrors.Is(err, io.EOF) ||
				stderrors.Is(err, ErrCursorClosed) ||
				stderrors.Is(err, context.Canceled) ||
				errors.IsInvalid(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Point store circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerStore{Store: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State exposes the breaker state for health reporting.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) execute(fn func() (interface{}, error)) (interface{}, error) {
	v, err := b.cb.Execute(fn)
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.WrapTransient(errors.ErrCircuitOpen, "BreakerStore", "execute", err.Error())
	}
	return v, err
}

// Query implements Querier.
func (b *BreakerStore) Query(ctx context.Context, fileID string, box BoundingBox) (Cursor, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.Store.Query(ctx, fileID, box)
	})
	if err != nil {
		return nil, err
	}
	return &breakerCursor{inner: v.(Cursor), b: b}, nil
}

type breakerCursor struct {
	inner Cursor
	b     *BreakerStore
}

func (c *breakerCursor) Next(ctx context.Context) ([]PointRecord, error) {
	v, err := c.b.execute(func() (interface{}, error) {
		return c.inner.Next(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]PointRecord), nil
}

func (c *breakerCursor) Close() error {
	return c.inner.Close()
}
