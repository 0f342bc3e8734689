package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"doctranslate/internal/config"
	"doctranslate/internal/engine"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/logging"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/resume"
	"doctranslate/internal/services"
	"doctranslate/internal/services/translation"
	"doctranslate/internal/stage"
)

// Pipeline names registered by the stage.
const (
	PipelineTranslate = "translate"
	PipelineJob       = "translate-job"
	PipelineAwait     = "await-translate"

	// PipelinePII and PipelineTag are provided by the pii and tagging
	// stages and invoked as sub-workflows of the job pipeline.
	PipelinePII = "pii"
	PipelineTag = "tag"
)

const healthTimeout = 5 * time.Second

// Translator owns the translation pipelines.
type Translator struct {
	cfg     *config.Config
	store   *jobstore.Store
	objects objectstore.Store
	service translation.Service
	logger  *slog.Logger
}

// New constructs the stage with the configured translation service.
func New(cfg *config.Config, store *jobstore.Store, objects objectstore.Store, emitter objectstore.Emitter, logger *slog.Logger) *Translator {
	return NewWithService(cfg, store, objects, translation.NewConfiguredService(cfg, objects, emitter), logger)
}

// NewWithService allows injecting the translation service (used in tests).
func NewWithService(cfg *config.Config, store *jobstore.Store, objects objectstore.Store, service translation.Service, logger *slog.Logger) *Translator {
	return &Translator{
		cfg:     cfg,
		store:   store,
		objects: objects,
		service: service,
		logger:  logging.NewComponentLogger(logger, "translate"),
	}
}

// Name implements stage.Stage.
func (t *Translator) Name() string { return "translate" }

// Pipelines implements stage.Stage.
func (t *Translator) Pipelines() []*engine.Pipeline {
	return []*engine.Pipeline{t.translatePipeline(), t.awaitPipeline(), t.jobPipeline()}
}

// HealthCheck verifies the translation service answers.
func (t *Translator) HealthCheck(ctx context.Context) stage.Health {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if _, err := t.service.ListTerminologies(ctx); err != nil {
		return stage.Unhealthy(t.Name(), err.Error())
	}
	return stage.Healthy(t.Name())
}

// jobState is the document flowing through the translate pipeline before
// the language fan-out.
type jobState struct {
	JobID         string   `json:"jobId"`
	Identity      string   `json:"identity"`
	Name          string   `json:"name"`
	ContentKey    string   `json:"contentKey"`
	ContentType   string   `json:"contentType,omitempty"`
	Source        string   `json:"source"`
	Targets       []string `json:"targets"`
	Terminologies []string `json:"terminologies"`
}

func (t *Translator) translatePipeline() *engine.Pipeline {
	languages := engine.Map("languages",
		engine.ItemsOf(t.languageItems),
		t.languageStep(),
		t.cfg.Translate.MaxConcurrency,
	).WithCollect(t.summarize)

	return &engine.Pipeline{
		Name: PipelineTranslate,
		Root: engine.Sequence(
			engine.TaskOf("mark-processing", t.markProcessing),
			engine.TaskOf("record-content", t.recordContent),
			engine.Retry(engine.TaskOf("list-terminologies", t.listTerminologies), t.startRetry()),
			languages,
		),
		Timeout: t.cfg.JobTimeout(),
	}
}

func (t *Translator) awaitPipeline() *engine.Pipeline {
	return resume.Await(resume.Options{
		Name:    PipelineAwait,
		Purpose: translation.Purpose,
		Key: func(_ context.Context, input json.RawMessage) (string, error) {
			var st languageState
			if err := engine.Decode(input, &st); err != nil {
				return "", err
			}
			return st.ExternalID, nil
		},
		Store: func(ctx context.Context, input json.RawMessage, token string) error {
			var st languageState
			if err := engine.Decode(input, &st); err != nil {
				return err
			}
			scope, err := t.store.Scope(ctx, st.JobID)
			if err != nil {
				return stage.StoreError(t.Name(), "store callback", err)
			}
			_, err = scope.SetLanguageCallback(ctx, st.Language, token)
			return stage.StoreError(t.Name(), "store callback", err)
		},
		Clear: func(ctx context.Context, input json.RawMessage, token string) error {
			var st languageState
			if err := engine.Decode(input, &st); err != nil {
				return err
			}
			scope, err := t.store.Scope(ctx, st.JobID)
			if err != nil {
				return stage.StoreError(t.Name(), "clear callback", err)
			}
			_, err = scope.ClearLanguageCallback(ctx, st.Language, token)
			if errors.Is(err, jobstore.ErrConditionFailed) {
				logging.WithContext(ctx, t.logger).Debug("newer callback kept",
					logging.String(logging.FieldLanguage, st.Language),
				)
				return nil
			}
			return stage.StoreError(t.Name(), "clear callback", err)
		},
	})
}

func (t *Translator) startRetry() engine.RetryPolicy {
	return stage.StartRetry(t.cfg.Translate.RetryMaxAttempts, t.cfg.Translate.RetryInterval, t.cfg.Translate.RetryBackoffRate)
}

// markProcessing moves an uploaded job to PROCESSING. A job the job
// pipeline already claimed passes unchanged.
func (t *Translator) markProcessing(ctx context.Context, in stage.JobInput) (stage.JobInput, error) {
	scope, _, err := stage.OpenJob(ctx, t.store, t.Name(), in.JobID)
	if err != nil {
		return in, err
	}
	if _, err := scope.SetStatus(ctx, jobstore.StatusProcessing, jobstore.StatusUploaded, jobstore.StatusProcessing); err != nil {
		return in, stage.StoreError(t.Name(), "mark processing", err)
	}
	return in, nil
}

// recordContent resolves the uploaded source document the translation runs
// against.
func (t *Translator) recordContent(ctx context.Context, in stage.JobInput) (jobState, error) {
	_, job, err := stage.OpenJob(ctx, t.store, t.Name(), in.JobID)
	if err != nil {
		return jobState{}, err
	}
	if job.Kind != jobstore.KindTranslation {
		return jobState{}, services.Wrap(services.ErrValidation, t.Name(), "record content", "job "+job.ID+" is not a translation job", nil)
	}
	contentKey := job.ContentKey
	if contentKey == "" {
		infos, err := t.objects.List(ctx, keyparse.UploadPrefix(job.Identity, job.ID))
		if err != nil {
			return jobState{}, services.Wrap(services.ErrTransient, t.Name(), "record content", "list uploads", err)
		}
		if len(infos) > 0 {
			contentKey = infos[0].Key
		}
	}
	if contentKey == "" {
		return jobState{}, services.Wrap(services.ErrValidation, t.Name(), "record content", "job "+job.ID+" has no uploaded content", nil)
	}
	logging.WithContext(ctx, t.logger).Info("translation content recorded",
		logging.String("content_key", contentKey),
		logging.Int("languages", len(job.LanguageTargets)),
	)
	return jobState{
		JobID:       job.ID,
		Identity:    job.Identity,
		Name:        job.Name,
		ContentKey:  contentKey,
		ContentType: job.ContentType,
		Source:      job.LanguageSource,
		Targets:     job.LanguageTargets,
	}, nil
}

func (t *Translator) listTerminologies(ctx context.Context, st jobState) (jobState, error) {
	names, err := t.service.ListTerminologies(ctx)
	if err != nil {
		return st, err
	}
	st.Terminologies = names
	return st, nil
}

// Summary is the output of the translate pipeline.
type Summary struct {
	JobID      string           `json:"jobId"`
	Languages  []LanguageResult `json:"languages"`
	Translated int              `json:"translated"`
	Failed     int              `json:"failed"`
}

func (t *Translator) summarize(ctx context.Context, input json.RawMessage, results []engine.BranchResult) (json.RawMessage, error) {
	var st jobState
	if err := engine.Decode(input, &st); err != nil {
		return nil, err
	}
	summary := Summary{JobID: st.JobID, Languages: make([]LanguageResult, 0, len(results))}
	for i, res := range results {
		var lr LanguageResult
		if res.Failed() {
			lr = LanguageResult{Status: jobstore.LanguageFailed, Error: res.Error}
			if i < len(st.Targets) {
				lr.Language = st.Targets[i]
			}
		} else if err := json.Unmarshal(res.Output, &lr); err != nil {
			return nil, fmt.Errorf("decode language result: %w", err)
		}
		if lr.Status == jobstore.LanguageTranslated {
			summary.Translated++
		} else {
			summary.Failed++
		}
		summary.Languages = append(summary.Languages, lr)
	}
	logging.WithContext(ctx, t.logger).Info("translation fan-out finished",
		logging.Int("translated", summary.Translated),
		logging.Int("failed", summary.Failed),
	)
	return json.Marshal(summary)
}
