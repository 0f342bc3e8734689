package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"doctranslate/internal/engine"
	"doctranslate/internal/logging"
)

// HeartbeatMonitor restarts executions whose process stopped refreshing
// their heartbeat.
type HeartbeatMonitor struct {
	engine   *engine.Engine
	logger   *slog.Logger
	interval time.Duration
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(eng *engine.Engine, logger *slog.Logger, interval time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{engine: eng, logger: logger, interval: interval}
}

// ReclaimStale restarts stale executions from their last checkpoint and
// returns how many were restarted.
func (h *HeartbeatMonitor) ReclaimStale(ctx context.Context) (int, error) {
	stale, err := h.engine.Stale(ctx)
	if err != nil || len(stale) == 0 {
		return 0, err
	}
	for _, rec := range stale {
		h.logger.Info("execution heartbeat expired",
			logging.Execution(rec.Name),
			logging.String(logging.FieldPipeline, rec.Pipeline),
		)
	}
	restarted, err := h.engine.Recover(ctx)
	if err != nil {
		return restarted, err
	}
	if restarted > 0 {
		h.logger.Info("reclaimed stale executions", logging.Int("count", restarted))
	}
	return restarted, nil
}

// StartLoop reclaims stale executions every interval until ctx ends.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	if h.interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.ReclaimStale(ctx); err != nil && ctx.Err() == nil {
				logging.WarnWithContext(h.logger, "reclaim stale executions failed", "heartbeat_reclaim_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "orphaned executions stay RUNNING until the next sweep"),
					logging.String(logging.FieldErrorHint, "check database access"),
				)
			}
		}
	}
}
