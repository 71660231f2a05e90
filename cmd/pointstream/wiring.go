package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/sony/gobreaker"

	"github.com/azrael3199/gis-tool-dashboard/catalog"
	"github.com/azrael3199/gis-tool-dashboard/config"
	"github.com/azrael3199/gis-tool-dashboard/health"
	"github.com/azrael3199/gis-tool-dashboard/metric"
	"github.com/azrael3199/gis-tool-dashboard/natsclient"
	"github.com/azrael3199/gis-tool-dashboard/pkg/retry"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
)

// openRetry covers a store file briefly locked by a previous process.
var openRetry = retry.Config{
	MaxAttempts:  5,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2,
	AddJitter:    true,
}

// openStore opens the configured backend and, if enabled, guards it with a
// circuit breaker whose state feeds health and metrics.
func openStore(ctx context.Context, cfg config.StoreConfig, monitor *health.Monitor,
	metrics *metric.Metrics, logger *slog.Logger,
) (pointstore.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		store pointstore.Store
		err   error
	)
	switch cfg.Driver {
	case config.DriverMemory:
		store = pointstore.NewMemoryStore(cfg.BatchSize)
	case config.DriverBolt:
		store, err = retry.DoWithResult(ctx, openRetry, func() (pointstore.Store, error) {
			return pointstore.OpenBoltStore(cfg.Path, cfg.BatchSize)
		})
	case config.DriverSQLite:
		store, err = retry.DoWithResult(ctx, openRetry, func() (pointstore.Store, error) {
			return pointstore.OpenSQLStore(ctx, pointstore.SQLConfig{DSN: cfg.Path, BatchSize: cfg.BatchSize})
		})
	default:
		err = fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	logger.Info("Point store opened", "driver", cfg.Driver, "path", cfg.Path)

	if !cfg.Breaker.Enabled {
		monitor.Register("store", health.ErrorCheck("store", store.Ping))
		return store, nil
	}

	bcfg := pointstore.DefaultBreakerConfig()
	bcfg.ConsecutiveFailures = cfg.Breaker.ConsecutiveFailures
	bcfg.OpenTimeout = cfg.Breaker.OpenTimeout.D()
	bcfg.Logger = logger
	guarded := pointstore.NewBreakerStore(store, bcfg)
	monitor.Register("store", storeCheck(guarded, metrics))
	return guarded, nil
}

// storeCheck reports an open breaker as unhealthy and a half-open one as
// degraded, before pinging the store itself.
func storeCheck(store *pointstore.BreakerStore, metrics *metric.Metrics) health.Check {
	return func(ctx context.Context) health.Status {
		state := store.State()
		if metrics != nil {
			metrics.RecordStoreBreaker(int(state))
		}
		switch state {
		case gobreaker.StateOpen:
			return health.NewUnhealthy("store", "circuit breaker open")
		case gobreaker.StateHalfOpen:
			return health.NewDegraded("store", "circuit breaker half-open")
		}
		return health.FromError("store", store.Ping(ctx))
	}
}

// openCatalog builds the configured catalog behind the TTL cache. The
// returned client is nil unless the nats backend is used.
func openCatalog(ctx context.Context, cfg *config.Config, store pointstore.Store,
	monitor *health.Monitor, metrics *metric.Metrics, logger *slog.Logger,
) (catalog.Catalog, *natsclient.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Catalog.Backend != config.CatalogNATS {
		return catalog.NewCached(catalog.NewStoreCatalog(store), cfg.Catalog.CacheTTL.D()), nil, nil
	}

	nc := cfg.NATS
	var cached atomic.Pointer[catalog.Cached]
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithReconnectWait(nc.ReconnectWait.D()),
		natsclient.WithPingInterval(nc.PingInterval.D()),
		natsclient.WithDrainTimeout(nc.DrainTimeout.D()),
		natsclient.WithConnectRetry(retry.Config{
			MaxAttempts:  nc.ConnectAttempts,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			AddJitter:    true,
		}),
		natsclient.WithDisconnectCallback(func(error) {
			if metrics != nil {
				metrics.RecordNATSHealth(false, 0)
			}
		}),
		natsclient.WithReconnectCallback(func() {
			// Other replicas may have registered files while we were away.
			if c := cached.Load(); c != nil {
				c.Flush()
			}
		}),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				monitor.Update("nats", health.NewHealthy("nats", "connected"))
			} else {
				monitor.Update("nats", health.NewDegraded("nats", "reconnecting"))
			}
		}),
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	} else if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}

	client, err := natsclient.NewClient(nc.URL, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Catalog.Bucket,
		Description: "pointstream file catalog",
		History:     1,
	})
	if err != nil {
		_ = client.Close(ctx)
		return nil, nil, fmt.Errorf("open catalog bucket: %w", err)
	}

	monitor.Register("nats", natsCheck(client, metrics))
	kv := catalog.NewKVCatalog(client.NewKVStore(bucket), logger)
	c := catalog.NewCached(kv, cfg.Catalog.CacheTTL.D())
	cached.Store(c)
	return c, client, nil
}

func natsCheck(client *natsclient.Client, metrics *metric.Metrics) health.Check {
	return func(context.Context) health.Status {
		rtt, err := client.RTT()
		connected := err == nil && client.IsHealthy()
		if metrics != nil {
			metrics.RecordNATSHealth(connected, rtt)
		}
		switch {
		case connected:
			return health.NewHealthy("nats", fmt.Sprintf("rtt %s", rtt))
		case client.Status() == natsclient.StatusReconnecting:
			return health.NewDegraded("nats", "reconnecting")
		default:
			return health.NewUnhealthy("nats", client.Status().String())
		}
	}
}
