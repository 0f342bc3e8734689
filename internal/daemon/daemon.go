package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"doctranslate/internal/catalog"
	"doctranslate/internal/config"
	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/resume"
	"doctranslate/internal/workflow"
)

// journalRetention bounds how long finished executions and relayed outbox
// records are kept.
const journalRetention = 30 * 24 * time.Hour

// Deps are the collaborators the daemon coordinates.
type Deps struct {
	Store    *jobstore.Store
	Objects  *objectstore.Evented
	Engine   *engine.Engine
	Workflow *workflow.Manager
	Bus      events.Bus
	Relay    *events.Relay
	Expirer  *objectstore.Expirer
}

// Daemon coordinates the background processing services and enforces
// single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	deps   Deps
	resume *resume.Handler
	api    *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                   `json:"running"`
	PID          int                    `json:"pid"`
	Workflow     workflow.StatusSummary `json:"workflow"`
	Store        jobstore.Summary       `json:"store"`
	Pipelines    []string               `json:"pipelines"`
	DatabasePath string                 `json:"databasePath"`
	LockFilePath string                 `json:"lockFilePath"`
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || deps.Store == nil || deps.Objects == nil || deps.Engine == nil || deps.Workflow == nil || deps.Bus == nil || deps.Relay == nil {
		return nil, errors.New("daemon requires config, store, objects, engine, workflow manager, bus and relay")
	}
	logger = logging.NewComponentLogger(logger, "daemon")
	lockPath := filepath.Join(cfg.Paths.DataDir, "doctranslated.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		deps:     deps,
		resume:   resume.NewHandler(deps.Engine, logger),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	deps.Workflow.Subscribe(deps.Bus)
	return d, nil
}

// Handler exposes the HTTP API (used in tests).
func (d *Daemon) Handler() http.Handler {
	return d.api.handler()
}

// Start acquires the daemon lock, seeds reference data, recovers
// interrupted executions and launches the background loops.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another doctranslate daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.start(runCtx); err != nil {
		cancel()
		d.wg.Wait()
		_ = d.lock.Unlock()
		return err
	}
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("doctranslate daemon started", logging.String("lock", d.lockPath))
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	cat, err := catalog.Load(d.cfg.Paths.CatalogFile)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if _, err := catalog.Seed(ctx, d.deps.Store, cat, d.logger); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}

	if err := d.deps.Workflow.Start(ctx); err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}

	recovered, err := d.deps.Engine.Recover(ctx)
	if err != nil {
		logging.WarnWithContext(d.logger, "execution recovery failed", "recovery_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "interrupted executions stay RUNNING until the heartbeat sweep"),
		)
	} else if recovered > 0 {
		d.logger.Info("interrupted executions resumed", logging.Int("count", recovered))
	}

	d.goLoop(ctx, "relay", d.deps.Relay.Run)
	if runner, ok := d.deps.Bus.(interface{ Run(context.Context) error }); ok {
		d.goLoop(ctx, "bus", runner.Run)
	}
	if d.deps.Expirer != nil {
		d.goLoop(ctx, "expirer", func(ctx context.Context) error {
			return d.deps.Expirer.Run(ctx, d.cfg.SweepInterval())
		})
	}
	d.goLoop(ctx, "maintenance", d.runMaintenance)

	if err := d.api.start(ctx); err != nil {
		d.deps.Workflow.Stop()
		return err
	}
	return nil
}

func (d *Daemon) goLoop(ctx context.Context, name string, run func(context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := run(ctx); err != nil && ctx.Err() == nil {
			logging.ErrorWithContext(d.logger, "background loop stopped", "loop_stopped",
				logging.String("loop", name),
				logging.Error(err),
				logging.String(logging.FieldImpact, "events or maintenance stop until the daemon restarts"),
				logging.String(logging.FieldErrorHint, "check bus and database connectivity, then restart"),
			)
		}
	}()
}

// runMaintenance prunes the execution journal and relayed outbox records
// once a day.
func (d *Daemon) runMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		d.prune(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Daemon) prune(ctx context.Context) {
	cutoff := time.Now().Add(-journalRetention)
	executions, err := d.deps.Store.PurgeExecutions(ctx, cutoff)
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("purge executions failed", logging.Error(err))
	}
	outbox, err := d.deps.Store.PruneEvents(ctx, cutoff)
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("prune outbox failed", logging.Error(err))
	}
	if executions > 0 || outbox > 0 {
		d.logger.Info("journal pruned",
			logging.Int64("executions", executions),
			logging.Int64("events", outbox),
		)
	}
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.deps.Workflow.Stop()
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("doctranslate daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	if err := d.deps.Engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.deps.Bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.deps.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	summary, err := d.deps.Store.Summarize(ctx)
	if err != nil {
		d.logger.Warn("failed to summarize store", logging.Error(err))
	}
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workflow:     d.deps.Workflow.Status(ctx),
		Store:        summary,
		Pipelines:    d.deps.Engine.Pipelines(),
		DatabasePath: d.deps.Store.Path(),
		LockFilePath: d.lockPath,
	}
}
