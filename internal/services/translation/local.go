package translation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"doctranslate/internal/events"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/metrics"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/services"
)

const (
	localAccount = "local"
	detailsName  = "auxiliary-translation-details.json"

	// TerminologyPrefix holds the terminologies known to the local service,
	// one object per terminology named <name>.<ext>.
	TerminologyPrefix = "system/terminologies/"
)

var jobNamespace = uuid.MustParse("3f0c8f4e-5d7a-4c52-9a51-0f6f7d1e2b90")

// Local simulates the translation service on top of the object store.
type Local struct {
	objects objectstore.Store
	emitter objectstore.Emitter
	now     func() time.Time
}

// NewLocal constructs the simulator. Completions are appended to the outbox
// through emitter.
func NewLocal(objects objectstore.Store, emitter objectstore.Emitter) *Local {
	return &Local{objects: objects, emitter: emitter, now: time.Now}
}

// ListTerminologies returns the terminology names stored under
// TerminologyPrefix, sorted.
func (l *Local) ListTerminologies(ctx context.Context) ([]string, error) {
	infos, err := l.objects.List(ctx, TerminologyPrefix)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "translation", "list terminologies", "", err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		base := path.Base(info.Key)
		name := strings.TrimSuffix(base, path.Ext(base))
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

type jobDetails struct {
	JobID              string           `json:"jobId"`
	JobName            string           `json:"jobName,omitempty"`
	SourceLanguageCode string           `json:"sourceLanguageCode"`
	TargetLanguageCode string           `json:"targetLanguageCode"`
	Terminology        string           `json:"terminology,omitempty"`
	Documents          []detailDocument `json:"details"`
	FinishedAt         time.Time        `json:"finishedAt"`
}

type detailDocument struct {
	SourceFile string `json:"sourceFile"`
	TargetFile string `json:"targetFile"`
	Status     string `json:"status"`
}

// StartJob translates every document under req.InputPrefix synchronously and
// emits the completion before returning. The job id is derived from the
// client token, so a repeated request for a finished job returns the same id
// without emitting a second completion.
func (l *Local) StartJob(ctx context.Context, req JobRequest) (JobStarted, error) {
	start := time.Now()
	started, err := l.startJob(ctx, req)
	metrics.ObserveExternalCall("translation", "start_job", time.Since(start), err == nil)
	return started, err
}

func (l *Local) startJob(ctx context.Context, req JobRequest) (JobStarted, error) {
	if err := req.validate(); err != nil {
		return JobStarted{}, services.Wrap(services.ErrValidation, "translation", "start job", "", err)
	}
	jobID := uuid.NewSHA1(jobNamespace, []byte(req.ClientToken)).String()
	folder := fmt.Sprintf("%s-TranslateText-%s", localAccount, jobID)
	lang := req.TargetLanguage
	detailsKey := path.Join(req.OutputPrefix, folder, "details", lang+"."+detailsName)

	if _, err := l.objects.Stat(ctx, detailsKey); err == nil {
		return JobStarted{JobID: jobID, Status: StatusCompleted}, nil
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return JobStarted{}, services.Wrap(services.ErrTransient, "translation", "start job", "stat details", err)
	}

	inputs, err := l.objects.List(ctx, req.InputPrefix)
	if err != nil {
		return JobStarted{}, services.Wrap(services.ErrTransient, "translation", "start job", "list input", err)
	}
	if _, err := objectstore.PutBytes(ctx, l.objects, path.Join(req.OutputPrefix, keyparse.AccessCheckFile), nil, "text/plain"); err != nil {
		return JobStarted{}, services.Wrap(services.ErrTransient, "translation", "start job", "check output access", err)
	}

	details := jobDetails{
		JobID:              jobID,
		JobName:            req.JobName,
		SourceLanguageCode: req.SourceLanguage,
		TargetLanguageCode: lang,
		Terminology:        req.Terminology,
	}
	result := Result{JobFolder: path.Join(req.OutputPrefix, folder)}
	for _, input := range inputs {
		target := path.Join(req.OutputPrefix, folder, lang+"."+path.Base(input.Key))
		if _, err := l.objects.Copy(ctx, input.Key, target); err != nil {
			return JobStarted{}, services.Wrap(services.ErrTransient, "translation", "start job", "write "+target, err)
		}
		details.Documents = append(details.Documents, detailDocument{SourceFile: input.Key, TargetFile: target, Status: StatusCompleted})
		result.OutputKeys = append(result.OutputKeys, target)
	}

	status := StatusCompleted
	if len(inputs) == 0 {
		status = StatusFailed
		result.Message = "no documents under " + req.InputPrefix
	}
	details.FinishedAt = l.now().UTC()
	encoded, err := json.MarshalIndent(details, "", "  ")
	if err != nil {
		return JobStarted{}, fmt.Errorf("encode translation details: %w", err)
	}
	if _, err := objectstore.PutBytes(ctx, l.objects, detailsKey, encoded, "application/json"); err != nil {
		return JobStarted{}, services.Wrap(services.ErrTransient, "translation", "start job", "write details", err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return JobStarted{}, fmt.Errorf("encode translation result: %w", err)
	}
	completion := events.Completion{Purpose: Purpose, Key: jobID, Status: status, Payload: payload}
	if _, err := l.emitter.Emit(ctx, events.TopicExternalCompleted, jobID, completion); err != nil {
		return JobStarted{}, services.Wrap(services.ErrTransient, "translation", "start job", "emit completion", err)
	}
	return JobStarted{JobID: jobID, Status: StatusSubmitted}, nil
}
