// Package lifecycle expires jobs whose stored content is deleted.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/logging"
	"doctranslate/internal/services"
	"doctranslate/internal/stage"
)

// PipelineLifecycle is the pipeline started for every object deletion.
const PipelineLifecycle = "lifecycle"

// Lifecycle owns the expiry pipeline.
type Lifecycle struct {
	store  *jobstore.Store
	logger *slog.Logger
}

// New constructs the stage.
func New(store *jobstore.Store, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{store: store, logger: logging.NewComponentLogger(logger, "lifecycle")}
}

// Name implements stage.Stage.
func (l *Lifecycle) Name() string { return "lifecycle" }

// Pipelines implements stage.Stage.
func (l *Lifecycle) Pipelines() []*engine.Pipeline {
	return []*engine.Pipeline{{
		Name: PipelineLifecycle,
		Root: engine.Sequence(
			engine.TaskOf("parse-key", l.parseKey),
			engine.Choice("expirable",
				engine.TaskOf("ignore", ignore),
				engine.When(engine.FieldEquals("terminal", false), engine.TaskOf("expire-job", l.expireJob)),
			),
		),
	}}
}

// HealthCheck implements stage.Stage; the stage only needs the job store.
func (l *Lifecycle) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(l.Name())
}

// Result is the output of the lifecycle pipeline.
type Result struct {
	Key      string          `json:"key"`
	JobID    string          `json:"jobId,omitempty"`
	Terminal bool            `json:"terminal"`
	Expired  bool            `json:"expired"`
	Previous jobstore.Status `json:"previous,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// parseKey identifies the job owning the deleted object. Keys outside the
// job layout fail the execution so they surface in the failure log.
func (l *Lifecycle) parseKey(_ context.Context, evt events.ObjectEvent) (Result, error) {
	key, err := keyparse.Parse(evt.Key)
	if err != nil {
		return Result{Key: evt.Key}, services.Wrap(services.ErrValidation, l.Name(), "parse key", evt.Key, err)
	}
	return Result{Key: evt.Key, JobID: key.JobID, Terminal: key.Terminal, Reason: evt.Reason}, nil
}

func ignore(_ context.Context, res Result) (Result, error) {
	return res, nil
}

// expireJob moves the owning job to EXPIRED. A job that no longer exists
// needs nothing.
func (l *Lifecycle) expireJob(ctx context.Context, res Result) (Result, error) {
	logger := logging.WithContext(ctx, l.logger)
	scope, job, err := stage.OpenJob(ctx, l.store, l.Name(), res.JobID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			logger.Info("deleted object belongs to no job", logging.String("key", res.Key))
			return res, nil
		}
		return res, err
	}
	res.Previous = job.Status
	if job.Status == jobstore.StatusExpired {
		return res, nil
	}
	if _, err := scope.SetStatus(ctx, jobstore.StatusExpired); err != nil {
		return res, stage.StoreError(l.Name(), "expire job", err)
	}
	res.Expired = true
	logger.Info("job expired",
		logging.String("key", res.Key),
		logging.String("previous_status", string(job.Status)),
		logging.String("reason", res.Reason),
	)
	return res, nil
}
