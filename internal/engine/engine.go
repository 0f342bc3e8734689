package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"doctranslate/internal/callback"
	"doctranslate/internal/config"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
)

// Result describes a finished execution.
type Result struct {
	Name     string
	Pipeline string
	JobID    string
	Status   jobstore.ExecutionStatus
	Output   json.RawMessage
	Err      error
}

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	// HeartbeatInterval is how often running executions refresh their
	// journal heartbeat. Zero disables heartbeats.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the heartbeat age after which Stale reports an
	// execution.
	HeartbeatTimeout time.Duration
	// ResumePollInterval is how often a suspended step rechecks the journal
	// for a payload saved by another process.
	ResumePollInterval time.Duration
	Logger             *slog.Logger
	// OnFinish runs after an execution reaches a terminal status.
	OnFinish func(ctx context.Context, result Result)
	// Sleep waits between retry attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

const defaultResumePoll = 2 * time.Second

// OptionsFromConfig derives engine options from the workflow section.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		Logger:            logger,
	}
}

// Engine registers pipelines and runs their executions.
type Engine struct {
	store     *jobstore.Store
	callbacks *callback.Registry
	logger    *slog.Logger
	opts      Options

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	pipelines map[string]*Pipeline
	live      map[string]*Execution
	waiters   map[string]chan struct{}
}

// New constructs an engine journaling into store.
func New(store *jobstore.Store, callbacks *callback.Registry, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.ResumePollInterval <= 0 {
		opts.ResumePollInterval = defaultResumePoll
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Engine{
		store:     store,
		callbacks: callbacks,
		logger:    logging.NewComponentLogger(opts.Logger, "engine"),
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		pipelines: make(map[string]*Pipeline),
		live:      make(map[string]*Execution),
		waiters:   make(map[string]chan struct{}),
	}
}

// Register validates and adds a pipeline. Names are unique.
func (e *Engine) Register(p *Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pipelines[p.Name]; exists {
		return fmt.Errorf("%w: %s registered twice", ErrInvalidPipeline, p.Name)
	}
	e.pipelines[p.Name] = p
	return nil
}

// Pipelines returns the registered pipeline names, sorted.
func (e *Engine) Pipelines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.pipelines))
	for name := range e.pipelines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Live returns the names of executions running in this process, sorted.
func (e *Engine) Live() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.live))
	for name := range e.live {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close stops every live execution and waits for them to unwind. Their
// journal entries stay RUNNING so Recover resumes them on the next start.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.cancel(errShutdown)
	e.wg.Wait()
	return nil
}

func (e *Engine) pipeline(name string) (*Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
	}
	return p, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
