// Package main runs the pointstream server: bounding-box point queries
// streamed over chunked HTTP and WebSocket, with a file catalog, Prometheus
// metrics and health checks on the same listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/azrael3199/gis-tool-dashboard/config"
	gateway "github.com/azrael3199/gis-tool-dashboard/gateway/http"
	"github.com/azrael3199/gis-tool-dashboard/health"
	"github.com/azrael3199/gis-tool-dashboard/metric"
	"github.com/azrael3199/gis-tool-dashboard/output/websocket"
	"github.com/azrael3199/gis-tool-dashboard/pkg/tlsutil"
	"github.com/azrael3199/gis-tool-dashboard/stream"
)

// Build information, overridden with -ldflags.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "pointstream"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(flag.NewFlagSet(appName, flag.ContinueOnError), args)
	if err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}

	logger := setupLogger(os.Stdout, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli, logger)
	if err != nil {
		return err
	}
	if cli.Validate {
		fmt.Println(cfg.String())
		return nil
	}

	logger.Info("Starting pointstream",
		"build_time", BuildTime,
		"config_path", cli.ConfigPath,
		"store", cfg.Store.Driver,
		"catalog", cfg.Catalog.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runServer(ctx, cfg, logger)
}

func loadConfig(cli *CLIConfig, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.LoadFile(cli.ConfigPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.Addr != "" {
		cfg.Server.Addr = cli.Addr
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}

// runServer wires every component, runs until ctx ends, then shuts down in
// reverse order: listener and streams first, then the catalog connection,
// then the store.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tlsConfig, err := tlsutil.LoadServerTLSConfig(cfg.Server.TLS)
	if err != nil {
		return err
	}

	registry := metric.NewMetricsRegistry()
	core := registry.CoreMetrics()
	core.RecordBuildInfo(Version)

	monitor := health.NewMonitor()
	monitor.OnUpdate(func(st health.Status) {
		core.RecordHealth(st.Component, st.Level())
	})

	store, err := openStore(ctx, cfg.Store, monitor, core, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close point store", "error", err)
		}
	}()

	cat, natsClient, err := openCatalog(ctx, cfg, store, monitor, core, logger)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := natsClient.Close(closeCtx); err != nil {
				logger.Warn("NATS close failed", "error", err)
			}
		}()
	}

	streamer := stream.NewStreamer(store,
		stream.SinkConfig{FlushThreshold: cfg.Stream.FlushThreshold},
		stream.NewMetrics(registry), logger)
	wsServer := websocket.NewServer(streamer,
		cfg.WebSocket.ServerConfig(cfg.Server.AllowedOrigins), registry, logger)

	server, err := gateway.NewServer(gateway.Config{
		Addr:            cfg.Server.Addr,
		MaxUploadSize:   cfg.Server.MaxUploadSize,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.D(),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Stream:          cfg.Server.HandlerConfig(),
		SystemName:      appName,
		TLS:             tlsConfig,
	}, gateway.Dependencies{
		Store:     store,
		Catalog:   cat,
		Streamer:  streamer,
		WebSocket: wsServer,
		Registry:  registry,
		Health:    monitor,
	}, logger)
	if err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("pointstream ready", "addr", server.Addr())

	if err := serve(ctx, server, monitor, cfg.Server.HealthInterval.D(), logger); err != nil {
		return err
	}
	logger.Info("pointstream shutdown complete")
	return nil
}

// serve runs the health monitor until ctx ends, then stops server. It
// returns once both have finished.
func serve(ctx context.Context, server interface{ Stop() error }, monitor *health.Monitor,
	interval time.Duration, logger *slog.Logger,
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx, appName, interval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
