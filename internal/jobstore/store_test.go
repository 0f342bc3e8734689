package jobstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"doctranslate/internal/events"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/services"
	"doctranslate/internal/testsupport"
)

func TestCreateJobCanonicalizesLanguages(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, jobstore.NewJob{
		ID:              "job-1",
		Kind:            jobstore.KindTranslation,
		Identity:        "user-1",
		Name:            "Report.docx",
		LanguageSource:  "EN",
		LanguageTargets: []string{"fr", "ar", "fr", "pt-br"},
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.Status != jobstore.StatusSubmitted {
		t.Fatalf("expected SUBMITTED, got %s", job.Status)
	}
	if job.LanguageSource != "en" {
		t.Fatalf("expected canonical source en, got %q", job.LanguageSource)
	}
	want := []string{"fr", "ar", "pt-BR"}
	if len(job.LanguageTargets) != len(want) {
		t.Fatalf("targets = %v, want %v", job.LanguageTargets, want)
	}
	for i := range want {
		if job.LanguageTargets[i] != want[i] {
			t.Fatalf("targets = %v, want %v", job.LanguageTargets, want)
		}
	}

	fetched, err := store.Job(ctx, "job-1")
	if err != nil {
		t.Fatalf("Job failed: %v", err)
	}
	if fetched.Name != "Report.docx" || fetched.Identity != "user-1" {
		t.Fatalf("unexpected job: %#v", fetched)
	}

	if _, err := store.CreateJob(ctx, jobstore.NewJob{
		ID: "job-1", Kind: jobstore.KindTranslation, Identity: "user-1", Name: "again",
		LanguageSource: "en", LanguageTargets: []string{"de"},
	}); !errors.Is(err, jobstore.ErrConditionFailed) {
		t.Fatalf("expected duplicate create to fail the condition, got %v", err)
	}
}

func TestCreateJobRejectsInvalidRequests(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	cases := []struct {
		name string
		req  jobstore.NewJob
	}{
		{"missing identity", jobstore.NewJob{ID: "a", Kind: jobstore.KindReadable, Name: "n"}},
		{"unknown kind", jobstore.NewJob{ID: "a", Kind: "audio", Identity: "u", Name: "n"}},
		{"no targets", jobstore.NewJob{ID: "a", Kind: jobstore.KindTranslation, Identity: "u", Name: "n", LanguageSource: "en"}},
		{"bad language", jobstore.NewJob{ID: "a", Kind: jobstore.KindTranslation, Identity: "u", Name: "n", LanguageSource: "en", LanguageTargets: []string{"not a language"}}},
		{"target equals source", jobstore.NewJob{ID: "a", Kind: jobstore.KindTranslation, Identity: "u", Name: "n", LanguageSource: "en", LanguageTargets: []string{"en"}}},
		{"underscore id", jobstore.NewJob{ID: "a_b", Kind: jobstore.KindReadable, Identity: "u", Name: "n"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.CreateJob(ctx, tc.req); !errors.Is(err, jobstore.ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewTranslationJob(t, store, "job-1")

	if _, err := store.MarkUploaded(ctx, "job-1", "private/user-1/job-1/upload/Report.docx", ""); err != nil {
		t.Fatalf("MarkUploaded failed: %v", err)
	}
	if _, err := store.MarkProcessing(ctx, "job-1"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	if _, err := store.MarkProcessing(ctx, "job-1"); !errors.Is(err, jobstore.ErrConditionFailed) {
		t.Fatalf("expected second MarkProcessing to fail the condition, got %v", err)
	}
	if _, err := store.SetStatus(ctx, "job-1", jobstore.StatusCompleted); err != nil {
		t.Fatalf("SetStatus COMPLETED failed: %v", err)
	}
	if _, err := store.SetStatus(ctx, "job-1", jobstore.StatusProcessing); !errors.Is(err, jobstore.ErrStatusRegression) {
		t.Fatalf("expected regression error, got %v", err)
	}
	if _, err := store.SetStatus(ctx, "job-1", jobstore.StatusUploaded); !errors.Is(err, jobstore.ErrConditionFailed) {
		t.Fatalf("expected regression to wrap ErrConditionFailed, got %v", err)
	}
	if _, err := store.SetStatus(ctx, "job-1", jobstore.StatusFailed); err != nil {
		t.Fatalf("terminal statuses share a rank, got %v", err)
	}
	if _, err := store.SetStatus(ctx, "job-1", jobstore.StatusExpired); err != nil {
		t.Fatalf("SetStatus EXPIRED failed: %v", err)
	}
	if _, err := store.SetStatus(ctx, "job-1", jobstore.StatusCompleted); !errors.Is(err, jobstore.ErrStatusRegression) {
		t.Fatalf("expected EXPIRED to be final, got %v", err)
	}

	job, err := store.Job(ctx, "job-1")
	if err != nil {
		t.Fatalf("Job failed: %v", err)
	}
	if job.Status != jobstore.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", job.Status)
	}
	if job.ContentKey != "private/user-1/job-1/upload/Report.docx" {
		t.Fatalf("unexpected content key %q", job.ContentKey)
	}
}

func TestMarkUploadedOnlyFromSubmitted(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewTranslationJob(t, store, "job-1")

	if _, err := store.MarkUploaded(ctx, "job-1", "k1", ""); err != nil {
		t.Fatalf("MarkUploaded failed: %v", err)
	}
	if _, err := store.MarkUploaded(ctx, "job-1", "k2", ""); !errors.Is(err, jobstore.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	job, _ := store.Job(ctx, "job-1")
	if job.ContentKey != "k1" {
		t.Fatalf("content key overwritten: %q", job.ContentKey)
	}
}

func TestLanguageWritesTouchOneEntry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewTranslationJob(t, store, "job-1", "fr", "ar")

	if _, err := store.SetLanguageStatus(ctx, "job-1", "fr", jobstore.LanguageProcessing); err != nil {
		t.Fatalf("SetLanguageStatus fr failed: %v", err)
	}
	if _, err := store.SetLanguageStatus(ctx, "job-1", "ar", jobstore.LanguageTranslated); err != nil {
		t.Fatalf("SetLanguageStatus ar failed: %v", err)
	}
	if _, err := store.SetLanguageKey(ctx, "job-1", "ar", "private/user-1/job-1/output/ar.Report.docx"); err != nil {
		t.Fatalf("SetLanguageKey failed: %v", err)
	}
	job, err := store.SetLanguageStatus(ctx, "job-1", "fr", jobstore.LanguageTranslated)
	if err != nil {
		t.Fatalf("SetLanguageStatus fr failed: %v", err)
	}
	if !job.AllTranslated() {
		t.Fatalf("expected all languages translated: %#v", job.TranslateStatus)
	}
	if job.TranslateKey["ar"] == "" || job.TranslateKey["fr"] != "" {
		t.Fatalf("unexpected keys: %#v", job.TranslateKey)
	}

	if _, err := store.SetLanguageStatus(ctx, "job-1", "de", jobstore.LanguageFailed); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown language, got %v", err)
	}
	if _, err := store.SetLanguageStatus(ctx, "job-1", "fr", "Done"); !errors.Is(err, jobstore.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unknown status, got %v", err)
	}
}

func TestCallbackFieldsAreConditional(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewTranslationJob(t, store, "job-1", "fr")

	if _, err := store.SetLanguageCallback(ctx, "job-1", "fr", "token-1"); err != nil {
		t.Fatalf("SetLanguageCallback failed: %v", err)
	}
	if _, err := store.SetLanguageCallback(ctx, "job-1", "fr", "token-1"); err != nil {
		t.Fatalf("rewriting the same token should be a no-op, got %v", err)
	}
	if _, err := store.SetLanguageCallback(ctx, "job-1", "fr", "token-2"); !errors.Is(err, jobstore.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	if _, err := store.ClearLanguageCallback(ctx, "job-1", "fr", "token-2"); !errors.Is(err, jobstore.ErrConditionFailed) {
		t.Fatalf("expected mismatched clear to fail, got %v", err)
	}

	if _, err := store.SetPIICallback(ctx, "job-1", "pii-1"); err != nil {
		t.Fatalf("SetPIICallback failed: %v", err)
	}
	if _, err := store.SetPIICallback(ctx, "job-1", "pii-2"); !errors.Is(err, jobstore.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}

	job, err := store.ClearCallbacks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ClearCallbacks failed: %v", err)
	}
	if job.PIICallback != "" || len(job.TranslateCallback) != 0 {
		t.Fatalf("callbacks not cleared: %#v", job)
	}
}

func TestPIIStatusOnlyAdvances(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewTranslationJob(t, store, "job-1")

	if _, err := store.AdvancePIIStatus(ctx, "job-1", jobstore.PIIPost); !errors.Is(err, jobstore.ErrConditionFailed) {
		t.Fatalf("expected skip to fail, got %v", err)
	}
	for _, next := range []jobstore.PIIStatus{jobstore.PIIPre, jobstore.PIIPre, jobstore.PIIPost, jobstore.PIITrue} {
		if _, err := store.AdvancePIIStatus(ctx, "job-1", next); err != nil {
			t.Fatalf("AdvancePIIStatus(%q) failed: %v", next, err)
		}
	}
	if _, err := store.AdvancePIIStatus(ctx, "job-1", jobstore.PIIFalse); !errors.Is(err, jobstore.ErrConditionFailed) {
		t.Fatalf("expected final result to be immutable, got %v", err)
	}
}

func TestExecutionContextCannotTouchOtherJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.NewTranslationJob(t, store, "job-1")
	testsupport.NewTranslationJob(t, store, "job-2")

	ctx := services.WithJobID(context.Background(), "job-1")
	if _, err := store.SetLanguageStatus(ctx, "job-2", "fr", jobstore.LanguageFailed); !errors.Is(err, jobstore.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := store.Scope(ctx, "job-2"); !errors.Is(err, jobstore.ErrForbidden) {
		t.Fatalf("expected Scope to refuse, got %v", err)
	}
	scope, err := store.Scope(ctx, "job-1")
	if err != nil {
		t.Fatalf("Scope failed: %v", err)
	}
	if _, err := scope.SetLanguageStatus(ctx, "fr", jobstore.LanguageProcessing); err != nil {
		t.Fatalf("scoped write failed: %v", err)
	}
}

func TestCreateItemIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewReadableJob(t, store, "job-r")

	req := jobstore.NewItem{JobID: "job-r", ItemID: "item-1", Order: 1, Input: "Hello", Status: jobstore.ItemUpdated}
	item, created, err := store.CreateItem(ctx, req)
	if err != nil || !created {
		t.Fatalf("CreateItem = %v, %v", created, err)
	}
	if item.Owner != "user-1" {
		t.Fatalf("expected owner to default to job identity, got %q", item.Owner)
	}
	req.Input = "Changed"
	again, created, err := store.CreateItem(ctx, req)
	if err != nil || created {
		t.Fatalf("second CreateItem = %v, %v", created, err)
	}
	if again.Input != "Hello" {
		t.Fatalf("existing item overwritten: %q", again.Input)
	}

	if _, err := store.SetItemStatus(ctx, "job-r", "item-1", jobstore.ItemCompleted, jobstore.ItemGenerate); !errors.Is(err, jobstore.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	output := "Rewritten"
	updated, err := store.UpdateItem(ctx, "job-r", "item-1", jobstore.ItemUpdate{Output: &output})
	if err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	if updated.Output != "Rewritten" || updated.Status != jobstore.ItemUpdated {
		t.Fatalf("unexpected item: %#v", updated)
	}

	items, err := store.Items(ctx, "job-r")
	if err != nil || len(items) != 1 {
		t.Fatalf("Items = %d, %v", len(items), err)
	}
}

func TestWritesAppendChangeRecords(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.NewTranslationJob(t, store, "job-1")

	if _, err := store.MarkUploaded(ctx, "job-1", "key", ""); err != nil {
		t.Fatalf("MarkUploaded failed: %v", err)
	}
	// A no-op write must not produce a record.
	if _, err := store.SetStatus(ctx, "job-1", jobstore.StatusUploaded); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	evts, err := store.EventsSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected 2 change records, got %d", len(evts))
	}
	if evts[0].Seq >= evts[1].Seq {
		t.Fatalf("records out of order: %d then %d", evts[0].Seq, evts[1].Seq)
	}
	var change jobstore.Change
	if err := evts[1].Decode(&change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if evts[1].Topic != events.TopicJobChanged || change.Entity != jobstore.EntityJob {
		t.Fatalf("unexpected record: %#v", evts[1])
	}
	before, after, err := change.Jobs()
	if err != nil {
		t.Fatalf("decode images: %v", err)
	}
	if before.Status != jobstore.StatusSubmitted || after.Status != jobstore.StatusUploaded {
		t.Fatalf("unexpected images: %s -> %s", before.Status, after.Status)
	}

	if err := store.SaveCursor(ctx, "relay", evts[1].Seq); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}
	cursor, err := store.LoadCursor(ctx, "relay")
	if err != nil || cursor != evts[1].Seq {
		t.Fatalf("LoadCursor = %d, %v", cursor, err)
	}
}

func TestExecutionJournal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	exec := jobstore.Execution{Name: "job-1_translate-7", Pipeline: "translate-job", JobID: "job-1", Input: json.RawMessage(`{"jobId":"job-1"}`)}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	if err := store.CreateExecution(ctx, exec); !errors.Is(err, jobstore.ErrExecutionExists) {
		t.Fatalf("expected ErrExecutionExists, got %v", err)
	}

	if err := store.SaveCheckpoint(ctx, exec.Name, "0", json.RawMessage(`"first"`)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, exec.Name, "0", json.RawMessage(`"second"`)); err != nil {
		t.Fatalf("SaveCheckpoint replay failed: %v", err)
	}
	output, ok, err := store.LoadCheckpoint(ctx, exec.Name, "0")
	if err != nil || !ok || string(output) != `"first"` {
		t.Fatalf("LoadCheckpoint = %s, %v, %v", output, ok, err)
	}
	if _, ok, _ := store.LoadCheckpoint(ctx, exec.Name, "1"); ok {
		t.Fatal("expected missing checkpoint")
	}

	stale, err := store.StaleExecutions(ctx, time.Now().Add(time.Minute))
	if err != nil || len(stale) != 1 {
		t.Fatalf("StaleExecutions = %d, %v", len(stale), err)
	}
	if err := store.TouchExecution(ctx, exec.Name); err != nil {
		t.Fatalf("TouchExecution failed: %v", err)
	}

	if err := store.FinishExecution(ctx, exec.Name, jobstore.ExecutionFailed, nil, "boom"); err != nil {
		t.Fatalf("FinishExecution failed: %v", err)
	}
	if err := store.FinishExecution(ctx, exec.Name, jobstore.ExecutionSucceeded, nil, ""); err != nil {
		t.Fatalf("second FinishExecution should be a no-op, got %v", err)
	}
	stored, err := store.Execution(ctx, exec.Name)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}
	if stored.Status != jobstore.ExecutionFailed || stored.Error != "boom" || stored.FinishedAt == nil {
		t.Fatalf("unexpected execution: %#v", stored)
	}

	evts, err := store.EventsSince(ctx, 0, 10)
	if err != nil || len(evts) != 1 || evts[0].Topic != events.TopicExecutionFailed {
		t.Fatalf("expected one execution.failed record, got %#v (%v)", evts, err)
	}
	var failure events.ExecutionFailure
	if err := evts[0].Decode(&failure); err != nil || failure.JobID != "job-1" {
		t.Fatalf("unexpected failure payload %#v (%v)", failure, err)
	}
}

func TestCallbackSlots(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if err := store.ParkCallback(ctx, "translate", "job-1/fr", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("ParkCallback failed: %v", err)
	}
	if err := store.ParkCallback(ctx, "translate", "job-1/fr", json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatalf("re-park failed: %v", err)
	}
	if err := store.RegisterCallback(ctx, jobstore.Callback{Purpose: "translate", Key: "job-1/fr", Token: "t1"}); !errors.Is(err, jobstore.ErrCallbackExists) {
		t.Fatalf("expected occupied slot, got %v", err)
	}
	claimed, err := store.ClaimParkedCallback(ctx, jobstore.Callback{Purpose: "translate", Key: "job-1/fr", Token: "t1", Execution: "e1", Path: "2"})
	if err != nil {
		t.Fatalf("ClaimParkedCallback failed: %v", err)
	}
	if string(claimed.Payload) != `{"n":2}` || claimed.Token != "t1" {
		t.Fatalf("unexpected claim: %#v", claimed)
	}
	if _, err := store.ClaimParkedCallback(ctx, jobstore.Callback{Purpose: "translate", Key: "job-1/fr", Token: "t2"}); !errors.Is(err, jobstore.ErrConditionFailed) {
		t.Fatalf("expected second claim to fail, got %v", err)
	}
	if err := store.ParkCallback(ctx, "translate", "job-1/fr", nil); !errors.Is(err, jobstore.ErrCallbackExists) {
		t.Fatalf("expected park on claimed slot to fail, got %v", err)
	}

	byToken, err := store.CallbackByToken(ctx, "t1")
	if err != nil || byToken.Execution != "e1" {
		t.Fatalf("CallbackByToken = %#v, %v", byToken, err)
	}
	removed, err := store.ReleaseCallbacks(ctx, "e1")
	if err != nil || removed != 1 {
		t.Fatalf("ReleaseCallbacks = %d, %v", removed, err)
	}
	if _, err := store.CallbackByToken(ctx, "t1"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected released token to be gone, got %v", err)
	}
}

func TestReferenceData(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	model := jobstore.Model{
		ID: "m1", Name: "Plain", Type: "text", Default: true,
		Text: &jobstore.ModelStage{ModelID: "gpt-4o-mini", Prompt: "Rewrite simply."},
	}
	if err := store.UpsertModel(ctx, model); err != nil {
		t.Fatalf("UpsertModel failed: %v", err)
	}
	def, err := store.DefaultModel(ctx)
	if err != nil {
		t.Fatalf("DefaultModel failed: %v", err)
	}
	if def.Text == nil || def.Text.ModelID != "gpt-4o-mini" || def.Image != nil {
		t.Fatalf("unexpected model: %#v", def)
	}
	if _, err := store.Model(ctx, "missing"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpsertPrintStyle(ctx, jobstore.PrintStyle{ID: "p1", Name: "Large", Type: "print"}); err != nil {
		t.Fatalf("UpsertPrintStyle failed: %v", err)
	}
	styles, err := store.PrintStyles(ctx)
	if err != nil || len(styles) != 1 {
		t.Fatalf("PrintStyles = %d, %v", len(styles), err)
	}
}
