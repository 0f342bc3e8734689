// Package failures reconciles job state after a monitored execution fails,
// times out or is aborted.
package failures

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"doctranslate/internal/config"
	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
	"doctranslate/internal/services"
	"doctranslate/internal/stage"
)

// PipelineErrors is started for execution.failed events of monitored
// pipelines.
const PipelineErrors = "errors"

// Handler owns the errors pipeline.
type Handler struct {
	cfg    *config.Config
	store  *jobstore.Store
	logger *slog.Logger
}

// New constructs the stage.
func New(cfg *config.Config, store *jobstore.Store, logger *slog.Logger) *Handler {
	return &Handler{cfg: cfg, store: store, logger: logging.NewComponentLogger(logger, "failures")}
}

// Name implements stage.Stage.
func (h *Handler) Name() string { return "errors" }

// Pipelines implements stage.Stage.
func (h *Handler) Pipelines() []*engine.Pipeline {
	reconcile := engine.Sequence(
		engine.Choice("level",
			engine.TaskOf("mark-job", h.markJob),
			engine.When(engine.FieldEquals("itemLevel", true), engine.TaskOf("mark-item", h.markItem)),
		),
		engine.TaskOf("clear-callbacks", h.clearCallbacks),
	)
	return []*engine.Pipeline{{
		Name: PipelineErrors,
		Root: engine.Sequence(
			engine.TaskOf("resolve", h.resolve),
			engine.Choice("scoped",
				engine.TaskOf("ignore", ignore),
				engine.When(engine.FieldEquals("scoped", true), reconcile),
			),
		),
	}}
}

// HealthCheck reports the pipelines being monitored.
func (h *Handler) HealthCheck(context.Context) stage.Health {
	if len(h.cfg.Workflow.MonitoredPipelines) == 0 {
		return stage.Unhealthy(h.Name(), "no monitored pipelines configured")
	}
	return stage.Healthy(h.Name())
}

// Outcome is the output of the errors pipeline.
type Outcome struct {
	Execution string          `json:"execution"`
	Pipeline  string          `json:"pipeline"`
	JobID     string          `json:"jobId,omitempty"`
	ItemID    string          `json:"itemId,omitempty"`
	Scoped    bool            `json:"scoped"`
	ItemLevel bool            `json:"itemLevel"`
	Status    jobstore.Status `json:"status,omitempty"`
	Applied   bool            `json:"applied"`
	Error     string          `json:"error,omitempty"`
}

// StatusFor maps a terminal execution status onto the job status it
// implies.
func StatusFor(execStatus string) jobstore.Status {
	switch jobstore.ExecutionStatus(execStatus) {
	case jobstore.ExecutionTimedOut:
		return jobstore.StatusTimedOut
	case jobstore.ExecutionAborted:
		return jobstore.StatusAborted
	default:
		return jobstore.StatusFailed
	}
}

// resolve finds the job the failed execution worked on. Executions started
// for a single item only fail that item.
func (h *Handler) resolve(ctx context.Context, failure events.ExecutionFailure) (Outcome, error) {
	out := Outcome{
		Execution: failure.Execution,
		Pipeline:  failure.Pipeline,
		JobID:     failure.JobID,
		Status:    StatusFor(failure.Status),
		Error:     failure.Error,
	}
	if out.JobID == "" {
		out.JobID = engine.JobIDFromExecution(failure.Execution)
	}
	if out.JobID == "" {
		logging.WarnWithContext(logging.WithContext(ctx, h.logger), "failed execution carries no job id", "failure_unscoped",
			logging.Execution(failure.Execution),
			logging.String(logging.FieldPipeline, failure.Pipeline),
			logging.String(logging.FieldErrorHint, "start job pipelines with job-scoped execution names"),
		)
		return out, nil
	}
	out.Scoped = true

	exec, err := h.store.Execution(ctx, failure.Execution)
	if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return out, stage.StoreError(h.Name(), "load execution", err)
	}
	if exec != nil {
		var input struct {
			ItemID string `json:"itemId"`
		}
		if json.Unmarshal(exec.Input, &input) == nil && input.ItemID != "" {
			out.ItemID = input.ItemID
			out.ItemLevel = true
		}
	}
	return out, nil
}

func ignore(_ context.Context, out Outcome) (Outcome, error) {
	return out, nil
}

// markJob records the failure on the job. A job already in a later state
// keeps it; a job that is gone needs nothing.
func (h *Handler) markJob(ctx context.Context, out Outcome) (Outcome, error) {
	scope, err := h.store.Scope(ctx, out.JobID)
	if err != nil {
		return out, stage.StoreError(h.Name(), "mark job", err)
	}
	_, err = scope.SetStatus(ctx, out.Status)
	switch {
	case err == nil:
		out.Applied = true
	case errors.Is(err, jobstore.ErrNotFound), errors.Is(err, jobstore.ErrStatusRegression):
	default:
		return out, stage.StoreError(h.Name(), "mark job", err)
	}
	logger := logging.WithContext(ctx, h.logger)
	logging.WarnWithContext(logger, "job failed by execution", "job_failed",
		logging.Execution(out.Execution),
		logging.String(logging.FieldPipeline, out.Pipeline),
		logging.String("status", string(out.Status)),
		logging.Bool("applied", out.Applied),
		logging.String("error", out.Error),
		logging.String(logging.FieldErrorHint, "inspect the execution and resubmit the job"),
	)
	return out, nil
}

// markItem fails an item an execution left mid-generation.
func (h *Handler) markItem(ctx context.Context, out Outcome) (Outcome, error) {
	scope, err := h.store.Scope(ctx, out.JobID)
	if err != nil {
		return out, stage.StoreError(h.Name(), "mark item", err)
	}
	_, err = scope.SetItemStatus(ctx, out.ItemID, jobstore.ItemFailed, jobstore.ItemProcessing, jobstore.ItemGenerate)
	switch {
	case err == nil:
		out.Applied = true
	case errors.Is(err, jobstore.ErrNotFound), errors.Is(err, jobstore.ErrConditionFailed):
	default:
		return out, stage.StoreError(h.Name(), "mark item", err)
	}
	logging.WarnWithContext(logging.WithContext(ctx, h.logger), "item failed by execution", "item_failed",
		logging.Execution(out.Execution),
		logging.String("item_id", out.ItemID),
		logging.Bool("applied", out.Applied),
		logging.String("error", out.Error),
		logging.String(logging.FieldErrorHint, "mark the item for generation again"),
	)
	return out, nil
}

// clearCallbacks drops pending callback tokens so late completions for the
// failed execution are ignored.
func (h *Handler) clearCallbacks(ctx context.Context, out Outcome) (Outcome, error) {
	if _, err := h.store.ClearCallbacks(ctx, out.JobID); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return out, services.Wrap(services.ErrTransient, h.Name(), "clear callbacks", out.JobID, err)
	}
	return out, nil
}
