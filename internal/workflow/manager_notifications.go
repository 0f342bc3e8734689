package workflow

import (
	"context"
	"errors"
	"strings"

	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
	"doctranslate/internal/notifications"
)

// notifyJobFinished announces a job reaching a final status. Delivery
// failures are logged and never fail the triggering event.
func (m *Manager) notifyJobFinished(ctx context.Context, job *jobstore.Job) {
	if m.notifier == nil || job == nil {
		return
	}
	event := notifications.EventJobFailed
	switch job.Status {
	case jobstore.StatusCompleted:
		event = notifications.EventJobCompleted
	case jobstore.StatusExpired:
		event = notifications.EventJobExpired
	}
	payload := notifications.Payload{
		"name":   job.Name,
		"job":    job.ID,
		"kind":   string(job.Kind),
		"status": string(job.Status),
	}
	if len(job.LanguageTargets) > 0 {
		payload["languages"] = strings.Join(job.LanguageTargets, ", ")
	}
	if err := m.notifier.Publish(ctx, event, payload); err != nil {
		logger := logging.WithContext(ctx, m.logger)
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, could not send job notification")
			return
		}
		logging.WarnWithContext(logger, "job notification failed", "notification_failed",
			logging.String("job_id", job.ID),
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the job finished but no notification was delivered"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
}
