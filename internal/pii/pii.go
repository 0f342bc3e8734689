// Package pii implements the classification pipeline that decides whether
// a job's uploaded content contains personally identifiable information.
package pii

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"doctranslate/internal/config"
	"doctranslate/internal/engine"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/logging"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/resume"
	"doctranslate/internal/services"
	"doctranslate/internal/services/classifier"
	"doctranslate/internal/stage"
)

// Pipeline names registered by the stage.
const (
	PipelinePII   = "pii"
	PipelineAwait = "await-pii"
)

// Result values handed to the tag pipeline.
const (
	ResultTrue  = string(jobstore.PIITrue)
	ResultFalse = string(jobstore.PIIFalse)
)

// Result is the output of the pii pipeline.
type Result struct {
	JobID  string `json:"jobId"`
	Result string `json:"result"`
}

// Detector owns the pii pipelines.
type Detector struct {
	cfg         *config.Config
	store       *jobstore.Store
	service     classifier.Service
	identifiers []classifier.Identifier
	logger      *slog.Logger
}

// New constructs the stage with the local classifier.
func New(cfg *config.Config, store *jobstore.Store, objects objectstore.Store, emitter objectstore.Emitter, logger *slog.Logger) *Detector {
	return NewWithService(cfg, store, classifier.NewLocal(objects, emitter), logger)
}

// NewWithService allows injecting the classifier (used in tests).
func NewWithService(cfg *config.Config, store *jobstore.Store, service classifier.Service, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:         cfg,
		store:       store,
		service:     service,
		identifiers: classifier.IdentifiersFromConfig(cfg.PII.CustomIdentifiers),
		logger:      logging.NewComponentLogger(logger, "pii"),
	}
}

// Name implements stage.Stage.
func (d *Detector) Name() string { return "pii" }

// Pipelines implements stage.Stage.
func (d *Detector) Pipelines() []*engine.Pipeline {
	return []*engine.Pipeline{d.pipeline(), d.awaitPipeline()}
}

// HealthCheck reports configured identifiers that cannot be compiled.
func (d *Detector) HealthCheck(context.Context) stage.Health {
	if err := classifier.ValidateIdentifiers(d.identifiers); err != nil {
		return stage.Unhealthy(d.Name(), err.Error())
	}
	return stage.Healthy(d.Name())
}

type state struct {
	JobID       string   `json:"jobId"`
	Identity    string   `json:"identity"`
	Name        string   `json:"name"`
	ExternalID  string   `json:"externalId,omitempty"`
	FindingIDs  []string `json:"findingIds,omitempty"`
	HasFindings bool     `json:"hasFindings"`
}

func (d *Detector) pipeline() *engine.Pipeline {
	retry := stage.StartRetry(d.cfg.PII.RetryMaxAttempts, d.cfg.PII.RetryInterval, d.cfg.PII.RetryBackoffRate)
	classify := engine.Sequence(
		engine.TaskOf("mark-pre", d.markPre),
		engine.Retry(engine.TaskOf("start-classification", d.startClassification), retry),
		engine.Subflow(PipelineAwait),
		engine.TaskOf("list-findings", d.listFindings),
		engine.TaskOf("mark-post", d.markPost),
		engine.Choice("has-findings",
			engine.TaskOf("mark-false", d.settle(jobstore.PIIFalse)),
			engine.When(engine.FieldEquals("hasFindings", true), engine.TaskOf("mark-true", d.settle(jobstore.PIITrue))),
		),
	)
	return &engine.Pipeline{
		Name: PipelinePII,
		Root: engine.Catch(classify, engine.TaskOf("abandon", d.abandon)),
	}
}

func (d *Detector) awaitPipeline() *engine.Pipeline {
	return resume.Await(resume.Options{
		Name:    PipelineAwait,
		Purpose: classifier.Purpose,
		Key: func(_ context.Context, input json.RawMessage) (string, error) {
			var st state
			if err := engine.Decode(input, &st); err != nil {
				return "", err
			}
			return st.ExternalID, nil
		},
		Store: func(ctx context.Context, input json.RawMessage, token string) error {
			var st state
			if err := engine.Decode(input, &st); err != nil {
				return err
			}
			scope, err := d.store.Scope(ctx, st.JobID)
			if err != nil {
				return stage.StoreError(d.Name(), "store callback", err)
			}
			_, err = scope.SetPIICallback(ctx, token)
			return stage.StoreError(d.Name(), "store callback", err)
		},
		Clear: func(ctx context.Context, input json.RawMessage, token string) error {
			var st state
			if err := engine.Decode(input, &st); err != nil {
				return err
			}
			return d.clearCallback(ctx, st.JobID, token)
		},
	})
}

// clearCallback drops the job's classification token. With a non-empty
// token only that token is cleared; a newer one is kept.
func (d *Detector) clearCallback(ctx context.Context, jobID, token string) error {
	scope, err := d.store.Scope(ctx, jobID)
	if err != nil {
		return stage.StoreError(d.Name(), "clear callback", err)
	}
	_, err = scope.ClearPIICallback(ctx, token)
	if token != "" && errors.Is(err, jobstore.ErrConditionFailed) {
		logging.WithContext(ctx, d.logger).Debug("newer pii callback kept")
		return nil
	}
	return stage.StoreError(d.Name(), "clear callback", err)
}

func (d *Detector) markPre(ctx context.Context, in stage.JobInput) (state, error) {
	scope, job, err := stage.OpenJob(ctx, d.store, d.Name(), in.JobID)
	if err != nil {
		return state{}, err
	}
	if _, err := scope.AdvancePIIStatus(ctx, jobstore.PIIPre); err != nil {
		return state{}, stage.StoreError(d.Name(), "mark pre", err)
	}
	return state{JobID: job.ID, Identity: job.Identity, Name: job.Name}, nil
}

func (d *Detector) startClassification(ctx context.Context, st state) (state, error) {
	id, err := d.service.StartJob(ctx, classifier.JobRequest{
		JobName:     st.JobID + "-pii",
		ClientToken: stage.ClientToken(ctx, "pii"),
		InputPrefix: keyparse.UploadPrefix(st.Identity, st.JobID),
		Identifiers: d.identifiers,
	})
	if err != nil {
		return st, err
	}
	st.ExternalID = id
	logging.WithContext(ctx, d.logger).Info("classification job started",
		logging.String(logging.FieldCorrelationID, id),
		logging.Int("custom_identifiers", len(d.identifiers)),
	)
	return st, nil
}

func (d *Detector) listFindings(ctx context.Context, resumed resume.Resumed) (state, error) {
	var st state
	if err := engine.Decode(resumed.Input, &st); err != nil {
		return st, services.Wrap(services.ErrValidation, d.Name(), "list findings", "", err)
	}
	if resumed.Completion.Status == classifier.StatusFailed {
		return st, services.Wrap(services.ErrExternalTool, d.Name(), "list findings",
			fmt.Sprintf("classification job %s failed", st.ExternalID), nil)
	}
	findings, err := d.service.ListFindings(ctx, st.ExternalID)
	if err != nil {
		return st, err
	}
	st.FindingIDs = make([]string, 0, len(findings))
	for _, f := range findings {
		st.FindingIDs = append(st.FindingIDs, f.ID)
	}
	st.HasFindings = len(st.FindingIDs) > 0
	return st, nil
}

func (d *Detector) markPost(ctx context.Context, st state) (state, error) {
	scope, err := d.store.Scope(ctx, st.JobID)
	if err != nil {
		return st, stage.StoreError(d.Name(), "mark post", err)
	}
	if _, err := scope.AdvancePIIStatus(ctx, jobstore.PIIPost); err != nil {
		return st, stage.StoreError(d.Name(), "mark post", err)
	}
	return st, nil
}

func (d *Detector) settle(status jobstore.PIIStatus) func(context.Context, state) (Result, error) {
	return func(ctx context.Context, st state) (Result, error) {
		scope, err := d.store.Scope(ctx, st.JobID)
		if err != nil {
			return Result{}, stage.StoreError(d.Name(), "settle", err)
		}
		if _, err := scope.AdvancePIIStatus(ctx, status); err != nil {
			return Result{}, stage.StoreError(d.Name(), "settle", err)
		}
		logging.WithContext(ctx, d.logger).Info("classification settled",
			logging.String("result", string(status)),
			logging.Int("findings", len(st.FindingIDs)),
		)
		return Result{JobID: st.JobID, Result: string(status)}, nil
	}
}

// abandon drops the pending callback of a failed classification and
// re-raises the failure.
func (d *Detector) abandon(ctx context.Context, caught engine.Caught) (Result, error) {
	var in stage.JobInput
	if err := engine.Decode(caught.Input, &in); err != nil {
		return Result{}, services.Wrap(services.ErrValidation, d.Name(), "abandon", "", err)
	}
	if err := d.clearCallback(ctx, in.JobID, ""); err != nil {
		return Result{}, err
	}
	logging.WarnWithContext(logging.WithContext(ctx, d.logger), "classification failed", "pii_failed",
		logging.String("error", caught.Error),
		logging.String(logging.FieldErrorHint, "the job is translated without PII tags"),
	)
	return Result{}, services.Wrap(services.ErrExternalTool, d.Name(), "classify", caught.Error, nil)
}
