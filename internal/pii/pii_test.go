package pii_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"doctranslate/internal/callback"
	"doctranslate/internal/config"
	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/logging"
	"doctranslate/internal/pii"
	"doctranslate/internal/resume"
	"doctranslate/internal/services"
	"doctranslate/internal/services/classifier"
	"doctranslate/internal/stage"
	"doctranslate/internal/testsupport"
)

type fakeClassifier struct {
	mu       sync.Mutex
	findings map[string][]classifier.Finding
	requests []classifier.JobRequest
}

func (f *fakeClassifier) StartJob(_ context.Context, req classifier.JobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return "cls-" + req.JobName, nil
}

func (f *fakeClassifier) ListFindings(_ context.Context, jobID string) ([]classifier.Finding, error) {
	return f.findings[jobID], nil
}

type harness struct {
	store   *jobstore.Store
	engine  *engine.Engine
	resume  *resume.Handler
	service *fakeClassifier
}

func newHarness(t *testing.T, service *fakeClassifier) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithPII())
	cfg.PII.CustomIdentifiers = []config.CustomIdentifier{{Name: "EMPLOYEE_ID", Regex: `EMP-\d{6}`}}
	store := testsupport.MustOpenStore(t, cfg)
	eng := engine.New(store, callback.NewRegistry(store), engine.Options{ResumePollInterval: 20 * time.Millisecond})
	t.Cleanup(func() { eng.Close() })
	if err := stage.Register(eng, pii.NewWithService(cfg, store, service, logging.NewNop())); err != nil {
		t.Fatalf("register: %v", err)
	}
	return &harness{store: store, engine: eng, resume: resume.NewHandler(eng, logging.NewNop()), service: service}
}

func (h *harness) complete(t *testing.T, jobID, status string) {
	t.Helper()
	err := h.resume.Deliver(context.Background(), events.Completion{
		Purpose: classifier.Purpose,
		Key:     "cls-" + jobID + "-pii",
		Status:  status,
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
}

func (h *harness) run(t *testing.T, jobID string, seq int) (pii.Result, error) {
	t.Helper()
	exec, err := h.engine.RunAsync(context.Background(), pii.PipelinePII,
		json.RawMessage(`{"jobId":"`+jobID+`"}`), engine.ExecutionName(jobID, pii.PipelinePII, seq))
	if err != nil {
		t.Fatalf("RunAsync: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.Wait(ctx)
	if err != nil {
		return pii.Result{}, err
	}
	var result pii.Result
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return result, nil
}

func TestFindingsMarkJobTrue(t *testing.T) {
	h := newHarness(t, &fakeClassifier{findings: map[string][]classifier.Finding{
		"cls-job-1-pii": {{ID: "f-1", Key: "private/user-1/job-1/upload/Report.docx", Type: "EMAIL_ADDRESS", Count: 2}},
	}})
	testsupport.NewTranslationJob(t, h.store, "job-1")
	h.complete(t, "job-1", classifier.StatusCompleted)

	result, err := h.run(t, "job-1", 1)
	if err != nil {
		t.Fatalf("pii pipeline: %v", err)
	}
	if result != (pii.Result{JobID: "job-1", Result: pii.ResultTrue}) {
		t.Fatalf("unexpected result %+v", result)
	}
	job, err := h.store.Job(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.PIIStatus != jobstore.PIITrue || job.PIICallback != "" {
		t.Fatalf("pii status=%q callback=%q", job.PIIStatus, job.PIICallback)
	}

	req := h.service.requests[0]
	if req.InputPrefix != keyparse.UploadPrefix("user-1", "job-1") {
		t.Fatalf("input prefix = %q", req.InputPrefix)
	}
	if len(req.Identifiers) != 1 || req.Identifiers[0].Name != "EMPLOYEE_ID" {
		t.Fatalf("custom identifiers not forwarded: %+v", req.Identifiers)
	}
}

func TestNoFindingsMarkJobFalse(t *testing.T) {
	h := newHarness(t, &fakeClassifier{})
	testsupport.NewTranslationJob(t, h.store, "job-2")
	h.complete(t, "job-2", classifier.StatusCompleted)

	result, err := h.run(t, "job-2", 1)
	if err != nil {
		t.Fatalf("pii pipeline: %v", err)
	}
	if result.Result != pii.ResultFalse {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestClassificationFailureClearsCallback(t *testing.T) {
	h := newHarness(t, &fakeClassifier{})
	testsupport.NewTranslationJob(t, h.store, "job-3")
	h.complete(t, "job-3", classifier.StatusFailed)

	if _, err := h.run(t, "job-3", 1); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external failure, got %v", err)
	}
	job, err := h.store.Job(context.Background(), "job-3")
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.PIIStatus != jobstore.PIIPre || job.PIICallback != "" {
		t.Fatalf("pii status=%q callback=%q", job.PIIStatus, job.PIICallback)
	}
}

func TestSettledJobCannotBeClassifiedAgain(t *testing.T) {
	h := newHarness(t, &fakeClassifier{})
	testsupport.NewTranslationJob(t, h.store, "job-4")
	h.complete(t, "job-4", classifier.StatusCompleted)
	if _, err := h.run(t, "job-4", 1); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := h.run(t, "job-4", 2); err == nil {
		t.Fatal("pii status must not move back to pre")
	}
}
