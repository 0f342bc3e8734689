package translation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"doctranslate/internal/config"
	"doctranslate/internal/objectstore"
)

// Purpose is the callback purpose of translation job completions.
const Purpose = "translate"

// Completion statuses reported on external.completed.
const (
	StatusSubmitted = "SUBMITTED"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// JobRequest starts one batch translation of the documents under
// InputPrefix into TargetLanguage.
type JobRequest struct {
	JobName        string `json:"jobName"`
	ClientToken    string `json:"clientToken"`
	InputPrefix    string `json:"inputPrefix"`
	OutputPrefix   string `json:"outputPrefix"`
	ContentType    string `json:"contentType,omitempty"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	Terminology    string `json:"terminology,omitempty"`
}

func (r JobRequest) validate() error {
	switch {
	case strings.TrimSpace(r.ClientToken) == "":
		return fmt.Errorf("client token required")
	case strings.TrimSpace(r.InputPrefix) == "":
		return fmt.Errorf("input prefix required")
	case strings.TrimSpace(r.OutputPrefix) == "":
		return fmt.Errorf("output prefix required")
	case strings.TrimSpace(r.TargetLanguage) == "":
		return fmt.Errorf("target language required")
	}
	return nil
}

// JobStarted acknowledges a submitted job. JobID correlates the later
// completion notification.
type JobStarted struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// Result is the payload of a translation completion.
type Result struct {
	JobFolder  string   `json:"jobFolder,omitempty"`
	OutputKeys []string `json:"outputKeys,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// DecodeResult reads a completion payload. An empty payload yields an empty
// result.
func DecodeResult(raw json.RawMessage) (Result, error) {
	var result Result
	if len(raw) == 0 || string(raw) == "null" {
		return result, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("decode translation result: %w", err)
	}
	return result, nil
}

// Service is the asynchronous batch translation engine.
type Service interface {
	ListTerminologies(ctx context.Context) ([]string, error)
	StartJob(ctx context.Context, req JobRequest) (JobStarted, error)
}

// NewConfiguredService returns the HTTP client when translate.service is
// "http" and a base URL is configured, otherwise the local simulator.
func NewConfiguredService(cfg *config.Config, objects objectstore.Store, emitter objectstore.Emitter) Service {
	if cfg != nil && cfg.Translate.Service == config.ServiceHTTP && strings.TrimSpace(cfg.Translate.BaseURL) != "" {
		return NewHTTPClient(cfg.Translate.BaseURL, cfg.Translate.APIKey, nil)
	}
	return NewLocal(objects, emitter)
}
