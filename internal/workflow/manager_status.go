package workflow

import (
	"context"

	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
	"doctranslate/internal/stage"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool                    `json:"running"`
	LastError   string                  `json:"lastError,omitempty"`
	LastTrigger *Trigger                `json:"lastTrigger,omitempty"`
	JobStats    map[jobstore.Status]int `json:"jobStats"`
	Live        []string                `json:"live"`
	StageHealth map[string]stage.Health `json:"stageHealth"`
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	running := m.running
	lastErr := m.lastErr
	lastTrigger := m.lastTrigger
	stages := append([]stage.Stage(nil), m.stages...)
	m.mu.RUnlock()

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read job stats", logging.Error(err))
	}

	health := make(map[string]stage.Health, len(stages))
	for _, stg := range stages {
		health[stg.Name()] = stg.HealthCheck(ctx)
	}

	summary := StatusSummary{
		Running:     running,
		JobStats:    stats,
		Live:        m.engine.Live(),
		StageHealth: health,
	}
	if lastErr != nil {
		summary.LastError = lastErr.Error()
	}
	if lastTrigger != nil {
		copy := *lastTrigger
		summary.LastTrigger = &copy
	}
	return summary
}
