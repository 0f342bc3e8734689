package logging

import (
	"context"
	"log/slog"

	"doctranslate/internal/services"
)

// Structured field keys shared by every component.
const (
	FieldComponent     = "component"
	FieldJobID         = "job_id"
	FieldItemID        = "item_id"
	FieldStage         = "stage"
	FieldExecution     = "execution"
	FieldPipeline      = "pipeline"
	FieldTopic         = "topic"
	FieldLanguage      = "language"
	FieldCorrelationID = "correlation_id"

	// FieldEventType classifies a warning or error for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator's next step.
	FieldErrorHint = "error_hint"
	// FieldImpact describes what the warning means for the job.
	FieldImpact = "impact"
)

// ContextFields returns the job, item, stage, execution and correlation
// attributes carried by ctx.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	lookups := []struct {
		key string
		get func(context.Context) (string, bool)
	}{
		{FieldJobID, services.JobIDFromContext},
		{FieldItemID, services.ItemIDFromContext},
		{FieldStage, services.StageFromContext},
		{FieldExecution, services.ExecutionFromContext},
		{FieldCorrelationID, services.RequestIDFromContext},
	}
	var fields []slog.Attr
	for _, l := range lookups {
		if value, ok := l.get(ctx); ok {
			fields = append(fields, slog.String(l.key, value))
		}
	}
	return fields
}

// WithContext returns logger tagged with the fields of ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return slog.New(logger.Handler().WithAttrs(fields))
}
