package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"doctranslate/internal/document"
	"doctranslate/internal/events"
	"doctranslate/internal/metrics"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/services"
)

// FindingsPrefix holds the persisted results of local classification jobs.
const FindingsPrefix = "system/classifier/"

var (
	jobNamespace     = uuid.MustParse("8a3d2f61-0b4e-4f7c-b1d9-6c2e5a7f9034")
	findingNamespace = uuid.MustParse("c15e7b02-93a4-4d8e-a6f0-2b9d4c8e1f57")
)

type findingsReport struct {
	JobID      string    `json:"jobId"`
	JobName    string    `json:"jobName,omitempty"`
	Prefix     string    `json:"prefix"`
	Scanned    int       `json:"scanned"`
	Findings   []Finding `json:"findings"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Local classifies documents in process.
type Local struct {
	objects objectstore.Store
	emitter objectstore.Emitter
	now     func() time.Time
}

// NewLocal constructs the scanner.
func NewLocal(objects objectstore.Store, emitter objectstore.Emitter) *Local {
	return &Local{objects: objects, emitter: emitter, now: time.Now}
}

func findingsKey(jobID string) string {
	return path.Join(FindingsPrefix, jobID, "findings.json")
}

// StartJob scans every object under req.InputPrefix, stores the findings and
// emits the completion. The job id is derived from the client token; a
// repeated request for a finished job returns the same id without scanning
// again.
func (l *Local) StartJob(ctx context.Context, req JobRequest) (string, error) {
	start := time.Now()
	jobID, err := l.startJob(ctx, req)
	metrics.ObserveExternalCall("classifier", "start_job", time.Since(start), err == nil)
	return jobID, err
}

func (l *Local) startJob(ctx context.Context, req JobRequest) (string, error) {
	if strings.TrimSpace(req.ClientToken) == "" || strings.TrimSpace(req.InputPrefix) == "" {
		return "", services.Wrap(services.ErrValidation, "classifier", "start job", "client token and input prefix required", nil)
	}
	detectors, err := compileDetectors(req.Identifiers)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "classifier", "start job", "", err)
	}
	jobID := uuid.NewSHA1(jobNamespace, []byte(req.ClientToken)).String()
	if _, err := l.objects.Stat(ctx, findingsKey(jobID)); err == nil {
		return jobID, nil
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return "", services.Wrap(services.ErrTransient, "classifier", "start job", "stat findings", err)
	}

	infos, err := l.objects.List(ctx, req.InputPrefix)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "classifier", "start job", "list input", err)
	}
	report := findingsReport{JobID: jobID, JobName: req.JobName, Prefix: req.InputPrefix, Findings: []Finding{}}
	for _, info := range infos {
		text, ok, err := l.extract(ctx, info)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		report.Scanned++
		counts := scan(text, detectors)
		types := make([]string, 0, len(counts))
		for name := range counts {
			types = append(types, name)
		}
		sort.Strings(types)
		for _, name := range types {
			id := uuid.NewSHA1(findingNamespace, []byte(jobID+"/"+info.Key+"/"+name)).String()
			report.Findings = append(report.Findings, Finding{ID: id, Key: info.Key, Type: name, Count: counts[name]})
		}
	}
	report.FinishedAt = l.now().UTC()

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode findings: %w", err)
	}
	if _, err := objectstore.PutBytes(ctx, l.objects, findingsKey(jobID), encoded, "application/json"); err != nil {
		return "", services.Wrap(services.ErrTransient, "classifier", "start job", "write findings", err)
	}
	completion := events.Completion{Purpose: Purpose, Key: jobID, Status: StatusCompleted}
	if _, err := l.emitter.Emit(ctx, events.TopicExternalCompleted, jobID, completion); err != nil {
		return "", services.Wrap(services.ErrTransient, "classifier", "start job", "emit completion", err)
	}
	return jobID, nil
}

// extract returns the text of one object. Formats without extractable text
// are reported as not ok.
func (l *Local) extract(ctx context.Context, info objectstore.ObjectInfo) (string, bool, error) {
	data, err := objectstore.ReadAll(ctx, l.objects, info.Key)
	if err != nil {
		return "", false, services.Wrap(services.ErrTransient, "classifier", "start job", "read "+info.Key, err)
	}
	parsed, err := document.Parse(info.Key, info.ContentType, data)
	if err == nil {
		return strings.Join(parsed.Paragraphs, "\n\n"), true, nil
	}
	if errors.Is(err, document.ErrUnsupported) && utf8.Valid(data) && document.Detect(info.Key, info.ContentType, data) != document.FormatPDF {
		return string(data), true, nil
	}
	return "", false, nil
}

// ListFindings returns the findings of a finished job.
func (l *Local) ListFindings(ctx context.Context, jobID string) ([]Finding, error) {
	data, err := objectstore.ReadAll(ctx, l.objects, findingsKey(jobID))
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, services.Wrap(services.ErrNotFound, "classifier", "list findings", "job "+jobID, err)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "classifier", "list findings", "", err)
	}
	var report findingsReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "classifier", "list findings", "decode report", err)
	}
	return report.Findings, nil
}
