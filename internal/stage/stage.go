// Package stage defines the contract between stage executors and the
// workflow manager, plus the helpers every stage uses to reach its job.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"doctranslate/internal/engine"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/services"
)

// Stage contributes pipelines to the engine and reports its readiness.
type Stage interface {
	Name() string
	Pipelines() []*engine.Pipeline
	HealthCheck(ctx context.Context) Health
}

// Register adds the pipelines of every stage to eng.
func Register(eng *engine.Engine, stages ...Stage) error {
	for _, s := range stages {
		for _, p := range s.Pipelines() {
			if err := eng.Register(p); err != nil {
				return fmt.Errorf("register %s: %w", s.Name(), err)
			}
		}
	}
	return nil
}

// JobInput is the state document that starts job-level pipelines.
type JobInput struct {
	JobID string `json:"jobId"`
}

// OpenJob returns a scope bound to jobID and the current job record. Store
// errors are mapped onto service markers so retries skip them.
func OpenJob(ctx context.Context, store *jobstore.Store, stageName, jobID string) (*jobstore.Scope, *jobstore.Job, error) {
	scope, err := store.Scope(ctx, jobID)
	if err != nil {
		return nil, nil, StoreError(stageName, "open job", err)
	}
	job, err := scope.Job(ctx)
	if err != nil {
		return nil, nil, StoreError(stageName, "load job", err)
	}
	return scope, job, nil
}

// StoreError tags a job store failure with a service marker: missing rows
// are not found, rejected conditions and scope violations are validation
// failures, anything else is transient.
func StoreError(stageName, operation string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobstore.ErrNotFound):
		return services.Wrap(services.ErrNotFound, stageName, operation, "", err)
	case errors.Is(err, jobstore.ErrConditionFailed), errors.Is(err, jobstore.ErrForbidden), errors.Is(err, jobstore.ErrInvalid):
		return services.Wrap(services.ErrValidation, stageName, operation, "", err)
	default:
		return services.Wrap(services.ErrTransient, stageName, operation, "", err)
	}
}

// ClientToken returns an idempotency token for an external call made by the
// current execution. Replays of the same execution reuse it.
func ClientToken(ctx context.Context, parts ...string) string {
	token, _ := services.ExecutionFromContext(ctx)
	for _, part := range parts {
		token += "-" + part
	}
	return token
}

// maxStartInterval caps the backoff between external job start attempts.
const maxStartInterval = 5 * time.Minute

// StartRetry is the retry policy for starting external jobs, which are
// throttled by the remote service.
func StartRetry(maxAttempts, intervalSeconds int, backoffRate float64) engine.RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return engine.RetryPolicy{
		MaxAttempts: maxAttempts,
		Interval:    time.Duration(intervalSeconds) * time.Second,
		BackoffRate: backoffRate,
		MaxInterval: maxStartInterval,
	}
}
