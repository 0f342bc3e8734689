package lifecycle_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"doctranslate/internal/callback"
	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/lifecycle"
	"doctranslate/internal/logging"
	"doctranslate/internal/services"
	"doctranslate/internal/stage"
	"doctranslate/internal/testsupport"
)

func newEngine(t *testing.T, store *jobstore.Store) *engine.Engine {
	t.Helper()
	eng := engine.New(store, callback.NewRegistry(store), engine.Options{})
	t.Cleanup(func() { eng.Close() })
	if err := stage.Register(eng, lifecycle.New(store, logging.NewNop())); err != nil {
		t.Fatalf("register: %v", err)
	}
	return eng
}

func expire(t *testing.T, eng *engine.Engine, key string) (lifecycle.Result, error) {
	t.Helper()
	payload, _ := json.Marshal(events.ObjectEvent{Key: key, Reason: "expired"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := eng.Run(ctx, lifecycle.PipelineLifecycle, payload)
	if err != nil {
		return lifecycle.Result{}, err
	}
	var res lifecycle.Result
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res, nil
}

func TestDeletionExpiresJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	eng := newEngine(t, store)
	testsupport.NewTranslationJob(t, store, "job-1")
	if _, err := store.SetStatus(context.Background(), "job-1", jobstore.StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	res, err := expire(t, eng, keyparse.UploadKey("user-1", "job-1", "Report.docx"))
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	if !res.Expired || res.Previous != jobstore.StatusCompleted || res.JobID != "job-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	job, _ := store.Job(context.Background(), "job-1")
	if job.Status != jobstore.StatusExpired {
		t.Fatalf("status = %s", job.Status)
	}

	res, err = expire(t, eng, keyparse.OutputKey("user-1", "job-1", "folder", "fr", "Report.docx"))
	if err != nil || res.Expired {
		t.Fatalf("second deletion should be a no-op: %+v, %v", res, err)
	}
}

func TestDeletionEdgeCases(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	eng := newEngine(t, store)
	testsupport.NewTranslationJob(t, store, "job-1")

	res, err := expire(t, eng, keyparse.UploadKey("user-1", "gone", "Report.docx"))
	if err != nil || res.Expired {
		t.Fatalf("missing job should be ignored: %+v, %v", res, err)
	}

	if _, err := expire(t, eng, "public/whatever"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAccessCheckDeletionKeepsJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	eng := newEngine(t, store)
	testsupport.NewTranslationJob(t, store, "job-1")

	res, err := expire(t, eng, "private/user-1/job-1/output/"+keyparse.AccessCheckFile)
	if err != nil || !res.Terminal || res.Expired {
		t.Fatalf("access check file should be ignored: %+v, %v", res, err)
	}
	if job, _ := store.Job(context.Background(), "job-1"); job.Status != jobstore.StatusSubmitted {
		t.Fatalf("status changed to %s", job.Status)
	}
}
