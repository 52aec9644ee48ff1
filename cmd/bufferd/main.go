// Package main implements bufferd, the host side of buffered event streaming.
// It streams configured event schedules into receive regions on a board,
// recovers what the cores record, and writes every recorded region to a file
// once the run is stopped.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/c360/bufferlink/buffermanager"
	"github.com/c360/bufferlink/config"
	"github.com/c360/bufferlink/health"
	"github.com/c360/bufferlink/metric"
	"github.com/c360/bufferlink/natsclient"
	"github.com/c360/bufferlink/storage"
	"github.com/c360/bufferlink/storage/badgerstore"
	"github.com/c360/bufferlink/storage/memstore"
	"github.com/c360/bufferlink/storage/objectstore"
	"github.com/c360/bufferlink/transport/scp"
	"github.com/c360/bufferlink/transport/udp"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "bufferd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}
	placements, err := cfg.Placements()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "cores", len(placements))
		return nil
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	conn, err := scp.Dial(signalCtx, transceiverConfig(cfg, logger, registry.CoreMetrics()))
	if err != nil {
		return fmt.Errorf("connect to board: %w", err)
	}
	defer conn.Close()
	monitor.UpdateHealthy("board", "transceiver bound")
	newBackend, closeBackend, err := backendFactory(signalCtx, cfg, registry, monitor, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	listeners := udp.NewFactory(udp.Config{
		BindRetry: udp.DefaultConfig().BindRetry,
		Logger:    logger,
		Metrics:   registry.CoreMetrics(),
	})

	if cfg.Buffering.ExtractorCores {
		slog.Warn("extractor_cores is set but no extractor is loaded on the board; reading through the transceiver")
	}
	mgr, err := buffermanager.New(signalCtx, buffermanager.Config{
		WindowSize:     cfg.Buffering.WindowSize,
		DrainQueueSize: cfg.Buffering.DrainQueueSize,
	}, buffermanager.Deps{
		Transceiver:     conn,
		Regions:         cfg.RegionTable(),
		NewBackend:      newBackend,
		Listeners:       listeners,
		Trigger:         listeners,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("create buffer manager: %w", err)
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			slog.Error("Error closing buffer manager", "error", err)
		}
	}()

	if err := registerPlacements(signalCtx, mgr, placements); err != nil {
		return err
	}
	if err := mgr.LoadInitialBuffers(signalCtx); err != nil {
		return fmt.Errorf("load initial buffers: %w", err)
	}

	monitor.Register("buffermanager", mgr.Health)

	if err := runUntilSignal(signalCtx, cfg, mgr, registry, monitor); err != nil {
		return err
	}

	mgr.Stop()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer drainCancel()
	written, err := writeRecordings(drainCtx, mgr, cliCfg.OutDir)
	if err != nil {
		return fmt.Errorf("drain recordings: %w", err)
	}

	slog.Info("bufferd shutdown complete", "regions_written", written, "out", cliCfg.OutDir)
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		return nil, nil, false, err
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printUsage(newFlagSet(&CLIConfig{}, os.Getenv), os.Stderr)
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting bufferd",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads and validates configuration
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func transceiverConfig(cfg *config.Config, logger *slog.Logger, metrics *metric.Metrics) scp.Config {
	tc := scp.DefaultConfig(cfg.Transceiver.Host)
	tc.Port = cfg.Transceiver.Port
	tc.Timeout = cfg.Transceiver.Timeout
	if cfg.Transceiver.RetryAttempts > 0 {
		tc.Retry.MaxAttempts = cfg.Transceiver.RetryAttempts
	}
	tc.SendRate = cfg.Transceiver.SendRate
	if cfg.Transceiver.Burst > 0 {
		tc.Burst = cfg.Transceiver.Burst
	}
	tc.Logger = logger
	tc.Metrics = metrics
	return tc
}

// backendFactory returns how the manager opens its store for the configured
// storage mode, and what to release on exit.
func backendFactory(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	monitor *health.Monitor,
	logger *slog.Logger,
) (buffermanager.BackendFactory, func(), error) {
	switch cfg.Storage.Mode {
	case config.StorageModeFile:
		return func(_ context.Context, session string) (storage.Backend, error) {
			bc := badgerstore.DefaultConfig(filepath.Join(cfg.Storage.Path, session))
			bc.SyncWrites = cfg.Storage.SyncWrites
			bc.Logger = logger
			bc.Metrics = registry.CoreMetrics()
			return badgerstore.Open(bc)
		}, func() {}, nil

	case config.StorageModeObjectStore:
		client, err := connectToNATS(ctx, cfg, logger, registry)
		if err != nil {
			return nil, nil, err
		}
		monitor.Register("nats", client.Health)
		factory := func(ctx context.Context, session string) (storage.Backend, error) {
			oc := objectstore.DefaultConfig()
			oc.Bucket = cfg.Storage.Bucket + "-" + session[:8]
			oc.Description = "bufferd session " + session
			return objectstore.New(ctx, oc, objectstore.Deps{
				Client:   client,
				Registry: registry,
				Metrics:  registry.CoreMetrics(),
				Logger:   logger,
			})
		}
		release := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Close(closeCtx); err != nil {
				slog.Error("Error closing NATS connection", "error", err)
			}
		}
		return factory, release, nil

	default:
		return func(context.Context, string) (storage.Backend, error) {
			return memstore.New(), nil
		}, func() {}, nil
	}
}

// connectToNATS establishes the connection the object store backend uses
func connectToNATS(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(appName),
		natsclient.WithReconnect(cfg.NATS.MaxReconnects, cfg.NATS.ReconnectWait),
		natsclient.WithAuth(cfg.NATS.Username, cfg.NATS.Password, cfg.NATS.Token),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry.CoreMetrics()),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// registerPlacements hands every configured vertex to the manager.
func registerPlacements(ctx context.Context, mgr *buffermanager.Manager, placements []config.Placement) error {
	for _, p := range placements {
		if p.Vertex.IsSender() {
			if err := mgr.AddSender(ctx, p.Core, p.Vertex); err != nil {
				return fmt.Errorf("add sender %s: %w", p.Vertex.Label(), err)
			}
		}
		if p.Vertex.IsReceiver() {
			if err := mgr.AddReceiver(ctx, p.Core, p.Vertex); err != nil {
				return fmt.Errorf("add receiver %s: %w", p.Vertex.Label(), err)
			}
		}
	}
	slog.Info("Registered cores", "count", len(placements), "listener_port", mgr.ListenerPort())
	return nil
}

// runUntilSignal starts the drain worker and the metrics server, then blocks
// until a shutdown signal arrives or the server fails.
func runUntilSignal(
	ctx context.Context,
	cfg *config.Config,
	mgr *buffermanager.Manager,
	registry *metric.MetricsRegistry,
	monitor *health.Monitor,
) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := mgr.Start(gctx); err != nil {
		return fmt.Errorf("start buffer manager: %w", err)
	}

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, monitor.Check(appName))
		g.Go(func() error {
			slog.Info("Serving metrics", "address", server.Address())
			return server.Start(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("Received shutdown signal")
		}
		return nil
	})

	slog.Info("bufferd started", "session", mgr.Session(), "receivers", len(mgr.Receivers()))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

// writeRecordings drains every receiver and writes each region to
// <dir>/<x>_<y>_<p>_<region>.bin. A region that fails does not stop the rest.
func writeRecordings(ctx context.Context, mgr *buffermanager.Manager, dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}

	cores := mgr.Receivers()
	data, err := mgr.GetDataForVertices(ctx, cores...)
	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}

	written := 0
	for key, region := range data {
		b, err := region.Bytes(ctx)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("region %s: %w", key, err))
			continue
		}
		path := filepath.Join(dir, key.String()+".bin")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			result = multierror.Append(result, fmt.Errorf("write %s: %w", path, err))
			continue
		}
		written++
		slog.Debug("Wrote recording", "core", key.Core.String(), "region", key.Region,
			"bytes", len(b), "path", path)
	}
	return written, result.ErrorOrNil()
}
