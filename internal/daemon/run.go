package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"doctranslate/internal/callback"
	"doctranslate/internal/config"
	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/failures"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/lifecycle"
	"doctranslate/internal/logging"
	"doctranslate/internal/metrics"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/pii"
	"doctranslate/internal/readable"
	"doctranslate/internal/stage"
	"doctranslate/internal/tagging"
	"doctranslate/internal/translate"
	"doctranslate/internal/workflow"
)

// RunOptions configures daemon process runtime behavior.
type RunOptions struct {
	LogLevel    string
	Development bool
}

// Run starts the doctranslate daemon and blocks until ctx is cancelled or
// the process receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts RunOptions) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logOpts := logging.ConfigOptions(cfg, "doctranslated.log")
	if opts.LogLevel != "" {
		logOpts.Level = opts.LogLevel
	}
	logOpts.Development = opts.Development
	logger, err := logging.New(logOpts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "doctranslated.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	metrics.MustRegister()

	d, err := build(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("daemon wiring failed", logging.Error(err))
		return err
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check configuration, object storage and database access"),
			logging.String(logging.FieldImpact, "no jobs are processed"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("doctranslate daemon shutting down")
	return nil
}

// build opens the stores and assembles the engine, stages and event
// plumbing behind a Daemon.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Daemon, err error) {
	store, err := jobstore.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()

	bus, err := openBus(cfg, logger)
	if err != nil {
		return nil, err
	}

	relay := events.NewRelay(store, bus, events.RelayOptions{
		Interval:  cfg.RelayPollInterval(),
		BatchSize: cfg.Bus.BatchSize,
		Logger:    logger,
	})

	raw, err := objectstore.Open(ctx, cfg, logger)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("open object store: %w", err)
	}
	objects := objectstore.WithEvents(raw, store, relay.Notify)

	engineOpts := engine.OptionsFromConfig(cfg, logger)
	engineOpts.OnFinish = func(context.Context, engine.Result) { relay.Notify() }
	eng := engine.New(store, callback.NewRegistry(store), engineOpts)

	manager := workflow.NewManager(cfg, store, eng, logger)
	if err := manager.ConfigureStages(stages(cfg, store, objects, logger)...); err != nil {
		_ = eng.Close()
		_ = bus.Close()
		return nil, fmt.Errorf("configure stages: %w", err)
	}

	var expirer *objectstore.Expirer
	if retention := cfg.Retention(); retention > 0 {
		expirer = objectstore.NewExpirer(objects, retention, logger)
	}

	return New(cfg, Deps{
		Store:    store,
		Objects:  objects,
		Engine:   eng,
		Workflow: manager,
		Bus:      bus,
		Relay:    relay,
		Expirer:  expirer,
	}, logger)
}

func stages(cfg *config.Config, store *jobstore.Store, objects *objectstore.Evented, logger *slog.Logger) []stage.Stage {
	out := []stage.Stage{
		translate.New(cfg, store, objects, store, logger),
		readable.New(cfg, store, objects, logger),
		lifecycle.New(store, logger),
		failures.New(cfg, store, logger),
	}
	if cfg.PII.Enabled {
		out = append(out,
			pii.New(cfg, store, objects, store, logger),
			tagging.New(store, objects, logger),
		)
	}
	return out
}

func openBus(cfg *config.Config, logger *slog.Logger) (events.Bus, error) {
	if strings.EqualFold(cfg.Bus.Backend, config.BusBackendRedis) {
		bus, err := events.NewRedisBus(cfg.Bus.RedisURL, cfg.Bus.ChannelPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("open redis bus: %w", err)
		}
		return bus, nil
	}
	return events.NewMemoryBus(logger), nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
