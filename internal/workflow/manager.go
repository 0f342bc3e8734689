package workflow

import (
	"context"
	"log/slog"
	"sync"

	"doctranslate/internal/config"
	"doctranslate/internal/engine"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
	"doctranslate/internal/notifications"
	"doctranslate/internal/resume"
	"doctranslate/internal/stage"
)

// Manager routes bus events to pipelines registered on the engine.
type Manager struct {
	cfg      *config.Config
	store    *jobstore.Store
	engine   *engine.Engine
	resume   *resume.Handler
	notifier notifications.Service
	logger   *slog.Logger

	heartbeat *HeartbeatMonitor

	mu          sync.RWMutex
	stages      []stage.Stage
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lastErr     error
	lastTrigger *Trigger
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithNotifier replaces the notifier built from configuration.
func WithNotifier(notifier notifications.Service) ManagerOption {
	return func(m *Manager) {
		m.notifier = notifier
	}
}

// NewManager constructs a workflow manager over eng.
func NewManager(cfg *config.Config, store *jobstore.Store, eng *engine.Engine, logger *slog.Logger, opts ...ManagerOption) *Manager {
	logger = logging.NewComponentLogger(logger, "workflow-manager")
	m := &Manager{
		cfg:      cfg,
		store:    store,
		engine:   eng,
		resume:   resume.NewHandler(eng, logger),
		notifier: notifications.NewService(cfg),
		logger:   logger,
		heartbeat: NewHeartbeatMonitor(eng, logger, cfg.HeartbeatInterval()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}
