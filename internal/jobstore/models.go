package jobstore

import (
	"encoding/json"
	"slices"
	"time"
)

// Kind distinguishes translation jobs from readable jobs.
type Kind string

const (
	KindTranslation Kind = "translation"
	KindReadable    Kind = "readable"
)

// Status is the job-level stage label.
type Status string

const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusUploaded   Status = "UPLOADED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusAborted    Status = "ABORTED"
	StatusTimedOut   Status = "TIMED_OUT"
	StatusExpired    Status = "EXPIRED"
)

var statusRanks = map[Status]int{
	StatusSubmitted:  0,
	StatusUploaded:   1,
	StatusProcessing: 2,
	StatusCompleted:  3,
	StatusFailed:     3,
	StatusAborted:    3,
	StatusTimedOut:   3,
	StatusExpired:    4,
}

// Rank orders statuses; a job never moves to a lower rank. Terminal outcomes
// share a rank so the last writer wins between them, and EXPIRED outranks
// all of them.
func (s Status) Rank() int {
	if rank, ok := statusRanks[s]; ok {
		return rank
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRanks[s]
	return ok
}

// Terminal reports whether s ends the job's processing.
func (s Status) Terminal() bool {
	return s.Rank() >= 3
}

// AllStatuses lists statuses in rank order.
func AllStatuses() []Status {
	return []Status{
		StatusSubmitted, StatusUploaded, StatusProcessing,
		StatusCompleted, StatusFailed, StatusAborted, StatusTimedOut,
		StatusExpired,
	}
}

// Per-language translation states.
const (
	LanguageProcessing = "Processing"
	LanguageTranslated = "Translated"
	LanguageFailed     = "Failed"
)

// PIIStatus tracks the classification stage: "" -> pre -> post -> True|False.
type PIIStatus string

const (
	PIINone  PIIStatus = ""
	PIIPre   PIIStatus = "pre"
	PIIPost  PIIStatus = "post"
	PIITrue  PIIStatus = "True"
	PIIFalse PIIStatus = "False"
)

var piiTransitions = map[PIIStatus][]PIIStatus{
	PIINone: {PIIPre},
	PIIPre:  {PIIPost},
	PIIPost: {PIITrue, PIIFalse},
}

// CanAdvance reports whether the classification state may move from s to next.
func (s PIIStatus) CanAdvance(next PIIStatus) bool {
	return slices.Contains(piiTransitions[s], next)
}

// ItemType classifies readable items.
type ItemType string

const (
	ItemText     ItemType = "text"
	ItemImage    ItemType = "image"
	ItemMetadata ItemType = "metadata"
)

// ItemStatus is the readable item state.
type ItemStatus string

const (
	ItemProcessing         ItemStatus = "processing"
	ItemCompleted          ItemStatus = "completed"
	ItemUpdated            ItemStatus = "updated"
	ItemGenerate           ItemStatus = "generate"
	ItemFailed             ItemStatus = "failed"
	ItemFailedUnrecognised ItemStatus = "failed_unrecognisedModel"
)

// Job is one translation or readable request.
type Job struct {
	ID                string            `json:"id"`
	Kind              Kind              `json:"kind"`
	Identity          string            `json:"identity"`
	Name              string            `json:"name"`
	Status            Status            `json:"status"`
	ContentType       string            `json:"contentType,omitempty"`
	ContentKey        string            `json:"contentKey,omitempty"`
	LanguageSource    string            `json:"languageSource,omitempty"`
	LanguageTargets   []string          `json:"languageTargets,omitempty"`
	TranslateStatus   map[string]string `json:"translateStatus,omitempty"`
	TranslateKey      map[string]string `json:"translateKey,omitempty"`
	TranslateCallback map[string]string `json:"translateCallback,omitempty"`
	PIIStatus         PIIStatus         `json:"piiStatus,omitempty"`
	PIICallback       string            `json:"piiCallback,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// AllTranslated reports whether every target language reached Translated.
func (j *Job) AllTranslated() bool {
	if j == nil || len(j.LanguageTargets) == 0 {
		return false
	}
	for _, lang := range j.LanguageTargets {
		if j.TranslateStatus[lang] != LanguageTranslated {
			return false
		}
	}
	return true
}

// NewJob describes a job to create.
type NewJob struct {
	ID              string
	Kind            Kind
	Identity        string
	Name            string
	ContentType     string
	LanguageSource  string
	LanguageTargets []string
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Kind     Kind
	Identity string
	Statuses []Status
	Limit    int
}

// Item is one unit of readable content within a job.
type Item struct {
	JobID     string     `json:"jobId"`
	ItemID    string     `json:"itemId"`
	Type      ItemType   `json:"type"`
	Order     int        `json:"order"`
	Parent    string     `json:"parent,omitempty"`
	Input     string     `json:"input,omitempty"`
	Output    string     `json:"output,omitempty"`
	ModelID   string     `json:"modelId,omitempty"`
	Status    ItemStatus `json:"status"`
	Owner     string     `json:"owner"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// NewItem describes an item to create.
type NewItem struct {
	JobID   string
	ItemID  string
	Type    ItemType
	Order   int
	Parent  string
	Input   string
	Output  string
	ModelID string
	Status  ItemStatus
	Owner   string
}

// ItemUpdate lists the item attributes to change. Nil fields are left alone.
// When Expect is non-empty the update only applies if the current status is
// one of its values.
type ItemUpdate struct {
	Status  *ItemStatus
	Input   *string
	Output  *string
	ModelID *string
	Expect  []ItemStatus
}

// ModelStage configures one generation step of a readable model.
type ModelStage struct {
	ModelID    string         `json:"modelId" yaml:"model_id"`
	Prompt     string         `json:"prompt,omitempty" yaml:"prompt"`
	PrePrompt  string         `json:"prePrompt,omitempty" yaml:"pre_prompt"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters"`
}

// Model is readable reference data naming the generation stages to run.
type Model struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Default    bool            `json:"default"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Text       *ModelStage     `json:"text,omitempty"`
	Image      *ModelStage     `json:"image,omitempty"`
}

// PrintStyle is readable reference data for rendering output.
type PrintStyle struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Default    bool            `json:"default"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Change entities.
const (
	EntityJob  = "job"
	EntityItem = "item"
)

// Change is the payload of a job.changed outbox record.
type Change struct {
	Entity string          `json:"entity"`
	JobID  string          `json:"jobId"`
	ItemID string          `json:"itemId,omitempty"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

// Jobs decodes the before and after job images. Either may be nil.
func (c Change) Jobs() (before, after *Job, err error) {
	if before, err = decodeImage[Job](c.Before); err != nil {
		return nil, nil, err
	}
	if after, err = decodeImage[Job](c.After); err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// Items decodes the before and after item images. Either may be nil.
func (c Change) Items() (before, after *Item, err error) {
	if before, err = decodeImage[Item](c.Before); err != nil {
		return nil, nil, err
	}
	if after, err = decodeImage[Item](c.After); err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

func decodeImage[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ExecutionStatus is the state of a pipeline execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimedOut  ExecutionStatus = "TIMED_OUT"
	ExecutionAborted   ExecutionStatus = "ABORTED"
)

// Execution is the journal record of one pipeline run.
type Execution struct {
	Name        string          `json:"name"`
	Pipeline    string          `json:"pipeline"`
	JobID       string          `json:"jobId,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	HeartbeatAt *time.Time      `json:"heartbeatAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Statuses []ExecutionStatus
	JobID    string
	Limit    int
}

// Callback is a persisted suspension slot. A row with an empty Token is a
// parked delivery: the completion arrived before anything suspended on it.
type Callback struct {
	Purpose   string          `json:"purpose"`
	Key       string          `json:"key"`
	Token     string          `json:"token,omitempty"`
	Execution string          `json:"execution,omitempty"`
	Path      string          `json:"path,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Parked reports whether the row holds an early delivery.
func (c *Callback) Parked() bool {
	return c != nil && c.Token == ""
}
