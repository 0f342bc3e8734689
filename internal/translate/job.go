package translate

import (
	"context"
	"encoding/json"
	"errors"

	"doctranslate/internal/engine"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
	"doctranslate/internal/stage"
)

type claimState struct {
	JobID   string `json:"jobId"`
	Claimed bool   `json:"claimed"`
}

type branchState struct {
	JobID  string   `json:"jobId"`
	Errors []string `json:"errors,omitempty"`
}

// Outcome is the output of the job pipeline.
type Outcome struct {
	JobID   string          `json:"jobId"`
	Status  jobstore.Status `json:"status"`
	Skipped bool            `json:"skipped,omitempty"`
	Errors  []string        `json:"errors,omitempty"`
}

func (t *Translator) jobPipeline() *engine.Pipeline {
	branches := []engine.Step{engine.Subflow(PipelineTranslate)}
	if t.cfg.PII.Enabled {
		branches = append(branches, engine.Sequence(engine.Subflow(PipelinePII), engine.Subflow(PipelineTag)))
	}
	run := engine.Sequence(
		engine.Parallel("branches", branches...).WithCollect(collectBranches),
		engine.TaskOf("finalize", t.finalize),
	)
	return &engine.Pipeline{
		Name: PipelineJob,
		Root: engine.Sequence(
			engine.TaskOf("claim", t.claim),
			engine.Choice("claimed", engine.TaskOf("skip", skip),
				engine.When(engine.FieldEquals("claimed", true), run),
			),
		),
		Timeout: t.cfg.JobTimeout(),
	}
}

// claim moves the job from UPLOADED to PROCESSING. Losing the race to
// another execution is not an error; the loser exits through skip.
func (t *Translator) claim(ctx context.Context, in stage.JobInput) (claimState, error) {
	scope, err := t.store.Scope(ctx, in.JobID)
	if err != nil {
		return claimState{}, stage.StoreError(t.Name(), "claim", err)
	}
	_, err = scope.MarkProcessing(ctx)
	switch {
	case err == nil:
		return claimState{JobID: in.JobID, Claimed: true}, nil
	case errors.Is(err, jobstore.ErrConditionFailed):
		logging.WithContext(ctx, t.logger).Info("job already claimed; skipping", logging.Error(err))
		return claimState{JobID: in.JobID}, nil
	default:
		return claimState{}, stage.StoreError(t.Name(), "claim", err)
	}
}

func skip(_ context.Context, st claimState) (Outcome, error) {
	return Outcome{JobID: st.JobID, Skipped: true}, nil
}

func collectBranches(_ context.Context, input json.RawMessage, results []engine.BranchResult) (json.RawMessage, error) {
	var st claimState
	if err := engine.Decode(input, &st); err != nil {
		return nil, err
	}
	out := branchState{JobID: st.JobID}
	for _, res := range results {
		if res.Failed() {
			out.Errors = append(out.Errors, res.Error)
		}
	}
	return json.Marshal(out)
}

// finalize settles the job: COMPLETED when every language translated,
// otherwise FAILED. A job that already moved past PROCESSING, for example
// EXPIRED, keeps its status.
func (t *Translator) finalize(ctx context.Context, st branchState) (Outcome, error) {
	scope, job, err := stage.OpenJob(ctx, t.store, t.Name(), st.JobID)
	if err != nil {
		return Outcome{}, err
	}
	target := jobstore.StatusFailed
	if job.AllTranslated() {
		target = jobstore.StatusCompleted
	}
	logger := logging.WithContext(ctx, t.logger)
	updated, err := scope.SetStatus(ctx, target)
	switch {
	case err == nil:
		job = updated
	case errors.Is(err, jobstore.ErrStatusRegression):
		logger.Info("job already settled", logging.String("status", string(job.Status)))
	default:
		return Outcome{}, stage.StoreError(t.Name(), "finalize", err)
	}
	if len(st.Errors) > 0 {
		logging.WarnWithContext(logger, "job branches reported failures", "job_branch_failed",
			logging.Int("failures", len(st.Errors)),
			logging.String("first_error", st.Errors[0]),
			logging.String(logging.FieldErrorHint, "inspect the execution journal for the failing branch"),
		)
	}
	logger.Info("translation job finished", logging.String("status", string(job.Status)))
	return Outcome{JobID: st.JobID, Status: job.Status, Errors: st.Errors}, nil
}
