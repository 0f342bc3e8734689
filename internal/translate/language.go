package translate

import (
	"context"
	"fmt"
	"path"
	"slices"

	"doctranslate/internal/engine"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/logging"
	"doctranslate/internal/resume"
	"doctranslate/internal/services"
	"doctranslate/internal/services/translation"
	"doctranslate/internal/stage"
)

// languageState is the document of one language branch.
type languageState struct {
	JobID         string   `json:"jobId"`
	Identity      string   `json:"identity"`
	Name          string   `json:"name"`
	ContentType   string   `json:"contentType,omitempty"`
	Source        string   `json:"source"`
	Language      string   `json:"language"`
	Terminologies []string `json:"terminologies,omitempty"`
	Terminology   bool     `json:"terminology"`
	ExternalID    string   `json:"externalId,omitempty"`
}

// LanguageResult is the outcome of one language branch.
type LanguageResult struct {
	Language string `json:"language"`
	Status   string `json:"status"`
	Key      string `json:"key,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (t *Translator) languageItems(_ context.Context, st jobState) ([]languageState, error) {
	items := make([]languageState, 0, len(st.Targets))
	for _, lang := range st.Targets {
		items = append(items, languageState{
			JobID:         st.JobID,
			Identity:      st.Identity,
			Name:          st.Name,
			ContentType:   st.ContentType,
			Source:        st.Source,
			Language:      lang,
			Terminologies: st.Terminologies,
		})
	}
	return items, nil
}

// languageStep translates one language. A failure marks only that language
// Failed; siblings continue.
func (t *Translator) languageStep() engine.Step {
	return engine.Catch(
		engine.Sequence(
			engine.TaskOf("mark-language", t.markLanguage),
			engine.TaskOf("check-terminology", checkTerminology),
			engine.Retry(engine.TaskOf("start-translation", t.startTranslation), t.startRetry()),
			engine.Subflow(PipelineAwait),
			engine.TaskOf("record-result", t.recordResult),
		),
		engine.TaskOf("fail-language", t.failLanguage),
	)
}

func (t *Translator) markLanguage(ctx context.Context, st languageState) (languageState, error) {
	scope, err := t.store.Scope(ctx, st.JobID)
	if err != nil {
		return st, stage.StoreError(t.Name(), "mark language", err)
	}
	if _, err := scope.SetLanguageStatus(ctx, st.Language, jobstore.LanguageProcessing); err != nil {
		return st, stage.StoreError(t.Name(), "mark language", err)
	}
	return st, nil
}

// checkTerminology flags a language whose code names a custom terminology.
// The match is exact and case-sensitive.
func checkTerminology(_ context.Context, st languageState) (languageState, error) {
	st.Terminology = slices.Contains(st.Terminologies, st.Language)
	st.Terminologies = nil
	return st, nil
}

func (t *Translator) startTranslation(ctx context.Context, st languageState) (languageState, error) {
	req := translation.JobRequest{
		JobName:        st.JobID + "-" + st.Language,
		ClientToken:    stage.ClientToken(ctx, st.Language),
		InputPrefix:    keyparse.UploadPrefix(st.Identity, st.JobID),
		OutputPrefix:   keyparse.OutputPrefix(st.Identity, st.JobID),
		ContentType:    st.ContentType,
		SourceLanguage: st.Source,
		TargetLanguage: st.Language,
	}
	if st.Terminology {
		req.Terminology = st.Language
	}
	started, err := t.service.StartJob(ctx, req)
	if err != nil {
		return st, err
	}
	if started.Status == translation.StatusFailed {
		return st, services.Wrap(services.ErrValidation, t.Name(), "start translation", "service rejected job for "+st.Language, nil)
	}
	st.ExternalID = started.JobID
	logging.WithContext(ctx, t.logger).Info("translation job started",
		logging.String(logging.FieldLanguage, st.Language),
		logging.String(logging.FieldCorrelationID, st.ExternalID),
		logging.Bool("terminology", st.Terminology),
	)
	return st, nil
}

func (t *Translator) recordResult(ctx context.Context, resumed resume.Resumed) (LanguageResult, error) {
	var st languageState
	if err := engine.Decode(resumed.Input, &st); err != nil {
		return LanguageResult{}, services.Wrap(services.ErrValidation, t.Name(), "record result", "", err)
	}
	if resumed.Completion.Status == translation.StatusFailed {
		return LanguageResult{}, services.Wrap(services.ErrExternalTool, t.Name(), "record result",
			fmt.Sprintf("translation job %s for %s failed", st.ExternalID, st.Language), nil)
	}
	result, err := translation.DecodeResult(resumed.Completion.Payload)
	if err != nil {
		return LanguageResult{}, services.Wrap(services.ErrValidation, t.Name(), "record result", "", err)
	}
	key := ""
	switch {
	case len(result.OutputKeys) > 0:
		key = result.OutputKeys[0]
	case result.JobFolder != "":
		key = path.Join(keyparse.OutputPrefix(st.Identity, st.JobID), result.JobFolder) + "/"
	default:
		return LanguageResult{}, services.Wrap(services.ErrValidation, t.Name(), "record result", "completion for "+st.Language+" names no output", nil)
	}

	scope, err := t.store.Scope(ctx, st.JobID)
	if err != nil {
		return LanguageResult{}, stage.StoreError(t.Name(), "record result", err)
	}
	if _, err := scope.SetLanguageKey(ctx, st.Language, key); err != nil {
		return LanguageResult{}, stage.StoreError(t.Name(), "record key", err)
	}
	if _, err := scope.SetLanguageStatus(ctx, st.Language, jobstore.LanguageTranslated); err != nil {
		return LanguageResult{}, stage.StoreError(t.Name(), "mark translated", err)
	}
	logging.WithContext(ctx, t.logger).Info("language translated",
		logging.String(logging.FieldLanguage, st.Language),
		logging.String("output_key", key),
	)
	return LanguageResult{Language: st.Language, Status: jobstore.LanguageTranslated, Key: key}, nil
}

// failLanguage records a failed branch and re-raises so the fan-out reports
// it.
func (t *Translator) failLanguage(ctx context.Context, caught engine.Caught) (LanguageResult, error) {
	var st languageState
	if err := engine.Decode(caught.Input, &st); err != nil {
		return LanguageResult{}, services.Wrap(services.ErrValidation, t.Name(), "fail language", "", err)
	}
	logger := logging.WithContext(ctx, t.logger)
	logging.WarnWithContext(logger, "language translation failed", "translation_failed",
		logging.String(logging.FieldLanguage, st.Language),
		logging.String("error", caught.Error),
		logging.String(logging.FieldErrorHint, "check the translation service and retry the job"),
	)
	scope, err := t.store.Scope(ctx, st.JobID)
	if err != nil {
		return LanguageResult{}, stage.StoreError(t.Name(), "fail language", err)
	}
	if _, err := scope.SetLanguageStatus(ctx, st.Language, jobstore.LanguageFailed); err != nil {
		return LanguageResult{}, stage.StoreError(t.Name(), "mark failed", err)
	}
	if _, err := scope.ClearLanguageCallback(ctx, st.Language, ""); err != nil {
		return LanguageResult{}, stage.StoreError(t.Name(), "clear callback", err)
	}
	return LanguageResult{}, services.Wrap(services.ErrExternalTool, t.Name(), "translate "+st.Language, caught.Error, nil)
}
