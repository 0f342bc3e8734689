package workflow

import (
	"context"
	"errors"

	"doctranslate/internal/logging"
)

// Start runs the preflight checks and begins background maintenance. Bus
// handlers must be attached separately with Subscribe.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.stages) == 0 {
		m.mu.Unlock()
		return errors.New("workflow stages not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.runPreflightChecks(runCtx); err != nil {
		m.setLastError(err)
	}
	go m.heartbeat.StartLoop(runCtx, &m.wg)

	m.logger.Info("workflow manager started",
		logging.Int("stages", len(m.stages)),
		logging.Int("pipelines", len(m.engine.Pipelines())),
	)
	return nil
}

// Stop terminates background processing and waits for completion.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastTrigger(t Trigger) {
	m.mu.Lock()
	m.lastTrigger = &t
	m.mu.Unlock()
}
