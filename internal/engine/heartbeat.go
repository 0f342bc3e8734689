package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"doctranslate/internal/logging"
)

// heartbeatLoop refreshes the journal heartbeat of one execution until ctx
// is canceled.
func (e *Engine) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, name string) {
	defer wg.Done()
	if e.opts.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, logging.NewComponentLogger(e.opts.Logger, "engine-heartbeat"))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.TouchExecution(ctx, name); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}
