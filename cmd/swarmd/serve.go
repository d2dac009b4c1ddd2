package main

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/swarmd/internal/alignment"
	"github.com/fyrsmithlabs/swarmd/internal/bus"
	"github.com/fyrsmithlabs/swarmd/internal/collision"
	"github.com/fyrsmithlabs/swarmd/internal/config"
	"github.com/fyrsmithlabs/swarmd/internal/hierarchy"
	"github.com/fyrsmithlabs/swarmd/internal/http"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/progress"
	"github.com/fyrsmithlabs/swarmd/internal/recovery"
	"github.com/fyrsmithlabs/swarmd/internal/spawn"
	"github.com/fyrsmithlabs/swarmd/internal/telemetry"
	"github.com/fyrsmithlabs/swarmd/internal/tracker"
	"github.com/fyrsmithlabs/swarmd/internal/watch"
)

// collisionSnapshotFile persists the collision window across graceful
// restarts, inside the workspace state directory.
const collisionSnapshotFile = "collisions.json"

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "config file path (default ~/.config/swarmd/config.yaml)")
}

// run wires the daemon and blocks until the context is cancelled.
//
// Initialization order matters: telemetry before logging (the logger can
// bridge to the OTLP provider), the store before every service that
// mutates it, and the bus before the observer that subscribes to it.
func run(ctx context.Context) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	appLogger, err := newLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() { _ = appLogger.Sync() }()
	logger := appLogger.Underlying()

	logger.Info("starting swarmd",
		zap.String("version", version),
		zap.String("state_dir", cfg.Storage.Dir),
		zap.String("enforcement_mode", cfg.Orchestration.EnforcementMode))

	// Hierarchy store: the single writer every mutation goes through.
	store, err := hierarchy.NewStore(&hierarchy.Config{
		Dir:          cfg.Storage.Dir,
		HistoryLimit: cfg.Alignment.HistoryLimit,
	}, logger.Named("hierarchy"))
	if err != nil {
		return fmt.Errorf("open hierarchy store: %w", err)
	}
	defer func() { _ = store.Close() }()

	// Collision detector, restoring the window from the last graceful
	// shutdown when a snapshot exists.
	detector := collision.NewDetector(&collision.Config{
		Window:       cfg.Collision.Window.Duration(),
		MaxResources: cfg.Collision.MaxResources,
	}, logger.Named("collision"))
	snapshotPath := filepath.Join(cfg.Storage.Dir, collisionSnapshotFile)
	if err := detector.LoadFrom(snapshotPath); err != nil {
		logger.Warn("could not restore collision window", zap.Error(err))
	}
	defer func() {
		if err := detector.SaveTo(snapshotPath); err != nil {
			logger.Warn("could not persist collision window", zap.Error(err))
		}
		detector.Close()
	}()

	// Event bus for asynchronous fan-out, embedded by default.
	var events *bus.Bus
	if cfg.Bus.Enabled {
		busCfg := bus.DefaultConfig()
		if cfg.Bus.ListenPort != 0 {
			busCfg.Port = cfg.Bus.ListenPort
		}
		events, err = bus.New(busCfg, logger.Named("bus"))
		if err != nil {
			return fmt.Errorf("start event bus: %w", err)
		}
		defer events.Close()
	}

	notifier, err := newNotifier(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("configure tracker: %w", err)
	}

	validator, err := spawn.NewValidator(&spawn.Config{
		Mode: spawn.Mode(cfg.Orchestration.EnforcementMode),
	}, store, logger.Named("spawn"))
	if err != nil {
		return err
	}

	engine, err := recovery.NewEngine(&recovery.Config{
		MaxRetries: cfg.Orchestration.MaxRetries,
	}, store, logger.Named("recovery"))
	if err != nil {
		return err
	}

	aggregator, err := progress.NewAggregator(&progress.Config{
		Thresholds: cfg.Progress.MilestoneThresholds,
	}, store, events, notifier, logger.Named("progress"))
	if err != nil {
		return err
	}
	defer aggregator.Close()

	observer, err := alignment.NewObserver(&alignment.Config{
		DriftThreshold:    cfg.Alignment.DriftThreshold,
		CriticalThreshold: cfg.Alignment.CriticalThreshold,
		ObserveInterval:   cfg.Alignment.ObserveInterval.Duration(),
	}, store, logger.Named("alignment"))
	if err != nil {
		return err
	}
	defer observer.Close()
	if events != nil {
		if err := observer.SubscribeBus(events); err != nil {
			return fmt.Errorf("subscribe alignment observer: %w", err)
		}
	}

	if cfg.Watch.Enabled {
		watcher, err := watch.NewWatcher(&watch.Config{
			PlanPath: cfg.Watch.PlanPath,
			Debounce: cfg.Watch.Debounce.Duration(),
		}, store, logger.Named("watch"))
		if err != nil {
			return fmt.Errorf("start plan watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("apply initial plan: %w", err)
		}
		defer watcher.Close()
	}

	server, err := http.NewServer(&http.Config{
		Host: "localhost",
		Port: cfg.Server.Port,
	}, store, validator, engine, aggregator, detector, observer, events, logger.Named("http"))
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	return nil
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.ServiceName = cfg.Observability.ServiceName
	tc.ServiceVersion = version
	if cfg.Observability.OTLP.Endpoint != "" {
		tc.Endpoint = cfg.Observability.OTLP.Endpoint
	}
	if cfg.Observability.OTLP.Protocol != "" {
		tc.Protocol = cfg.Observability.OTLP.Protocol
	}
	tc.Insecure = cfg.Observability.OTLP.Insecure
	return tc
}

func newLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	logCfg.Format = cfg.Observability.LogFormat
	level, err := zapcore.ParseLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Observability.LogLevel, err)
	}
	logCfg.Level = level
	logCfg.Fields = map[string]string{"service": cfg.Observability.ServiceName}

	if tel.IsEnabled() {
		logCfg.Output.OTEL = true
		return logging.NewLogger(logCfg, tel.LoggerProvider())
	}
	return logging.NewLogger(logCfg, nil)
}

// newNotifier picks the external sync implementation. Sync is
// best-effort: whichever notifier is chosen, its failures never roll
// back hierarchy state.
func newNotifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (tracker.Notifier, error) {
	switch cfg.Tracker.Provider {
	case "github":
		return tracker.NewGitHubNotifier(ctx, &tracker.GitHubConfig{
			Token:         cfg.Tracker.GitHub.Token,
			Owner:         cfg.Tracker.GitHub.Owner,
			Repo:          cfg.Tracker.GitHub.Repo,
			ProgressIssue: cfg.Tracker.GitHub.ProgressIssue,
			RatePerMinute: cfg.Tracker.GitHub.RatePerMinute,
		}, logger.Named("tracker"))
	case "none":
		return tracker.NopNotifier{}, nil
	default:
		return tracker.NewLogNotifier(logger.Named("tracker")), nil
	}
}
