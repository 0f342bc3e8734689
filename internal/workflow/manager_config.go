package workflow

import (
	"doctranslate/internal/stage"
)

// ConfigureStages registers the pipelines of every stage on the engine and
// keeps the stages for health reporting.
func (m *Manager) ConfigureStages(stages ...stage.Stage) error {
	if err := stage.Register(m.engine, stages...); err != nil {
		return err
	}
	m.mu.Lock()
	m.stages = append(m.stages, stages...)
	m.mu.Unlock()
	return nil
}
