package workflow_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"doctranslate/internal/callback"
	"doctranslate/internal/config"
	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/failures"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/lifecycle"
	"doctranslate/internal/logging"
	"doctranslate/internal/notifications"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/readable"
	"doctranslate/internal/services/generative"
	"doctranslate/internal/testsupport"
	"doctranslate/internal/translate"
	"doctranslate/internal/workflow"
)

type sentNotification struct {
	event   notifications.Event
	payload notifications.Payload
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentNotification{event: event, payload: payload})
	return nil
}

func (r *recordingNotifier) find(event notifications.Event, job string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.sent {
		if n.event == event && n.payload["job"] == job {
			return true
		}
	}
	return false
}

type harness struct {
	cfg      *config.Config
	store    *jobstore.Store
	objects  *objectstore.Evented
	engine   *engine.Engine
	bus      *events.MemoryBus
	relay    *events.Relay
	manager  *workflow.Manager
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	objects := testsupport.NewObjects(t, cfg, store)
	eng := engine.New(store, callback.NewRegistry(store), engine.Options{ResumePollInterval: 20 * time.Millisecond})
	t.Cleanup(func() { eng.Close() })

	notifier := &recordingNotifier{}
	manager := workflow.NewManager(cfg, store, eng, logging.NewNop(), workflow.WithNotifier(notifier))
	if err := manager.ConfigureStages(
		translate.New(cfg, store, objects, store, logging.NewNop()),
		readable.New(cfg, store, objects, logging.NewNop()),
		lifecycle.New(store, logging.NewNop()),
		failures.New(cfg, store, logging.NewNop()),
	); err != nil {
		t.Fatalf("ConfigureStages: %v", err)
	}

	bus := events.NewMemoryBus(logging.NewNop())
	manager.Subscribe(bus)
	relay := events.NewRelay(store, bus, events.RelayOptions{Interval: 20 * time.Millisecond, Logger: logging.NewNop()})
	return &harness{
		cfg:      cfg,
		store:    store,
		objects:  objects,
		engine:   eng,
		bus:      bus,
		relay:    relay,
		manager:  manager,
		notifier: notifier,
	}
}

func (h *harness) runRelay(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.relay.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) job(t *testing.T, id string) *jobstore.Job {
	t.Helper()
	job, err := h.store.Job(context.Background(), id)
	if err != nil {
		t.Fatalf("load job %s: %v", id, err)
	}
	return job
}

func TestUploadDrivesTranslationToCompletion(t *testing.T) {
	h := newHarness(t)
	h.runRelay(t)

	job := testsupport.NewTranslationJob(t, h.store, "job-1", "fr", "de")
	testsupport.PutObject(t, h.objects, keyparse.UploadKey(job.Identity, job.ID, job.Name), 64)

	testsupport.Eventually(t, 10*time.Second, func() bool {
		return h.job(t, "job-1").Status == jobstore.StatusCompleted
	}, "translation job never completed")

	got := h.job(t, "job-1")
	for _, lang := range []string{"fr", "de"} {
		if got.TranslateStatus[lang] != jobstore.LanguageTranslated || got.TranslateKey[lang] == "" {
			t.Fatalf("%s: status=%q key=%q", lang, got.TranslateStatus[lang], got.TranslateKey[lang])
		}
	}
	testsupport.Eventually(t, 5*time.Second, func() bool {
		return h.notifier.find(notifications.EventJobCompleted, "job-1")
	}, "completion notification never sent")
}

func TestUploadForReadableJobCreatesItems(t *testing.T) {
	h := newHarness(t)
	h.runRelay(t)

	testsupport.NewReadableJob(t, h.store, "job-2")
	key := keyparse.UploadKey("user-1", "job-2", "Guide.txt")
	testsupport.PutContent(t, h.objects, key, []byte("One short paragraph.\n\nAnother paragraph follows."))

	testsupport.Eventually(t, 10*time.Second, func() bool {
		return h.job(t, "job-2").Status == jobstore.StatusCompleted
	}, "parsed readable job never completed")

	items, err := h.store.Items(context.Background(), "job-2")
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected metadata plus 2 paragraphs, got %d items", len(items))
	}
}

func TestItemMarkedForGenerationRunsReadable(t *testing.T) {
	h := newHarness(t)
	h.runRelay(t)

	if err := h.store.UpsertModel(context.Background(), jobstore.Model{
		ID:      "plain",
		Name:    "Plain language",
		Default: true,
		Text:    &jobstore.ModelStage{ModelID: generative.LocalPrefix + "text", Prompt: "Simplify:"},
	}); err != nil {
		t.Fatalf("upsert model: %v", err)
	}
	testsupport.NewReadableJob(t, h.store, "job-3")
	itemID := readable.ItemID("job-3", 1)
	if _, _, err := h.store.CreateItem(context.Background(), jobstore.NewItem{
		JobID: "job-3", ItemID: itemID, Type: jobstore.ItemText, Order: 1,
		Input: "The committee deliberated at length.", Status: jobstore.ItemUpdated, Owner: "user-1",
	}); err != nil {
		t.Fatalf("create item: %v", err)
	}
	if _, err := h.store.SetItemStatus(context.Background(), "job-3", itemID, jobstore.ItemGenerate); err != nil {
		t.Fatalf("mark generate: %v", err)
	}

	testsupport.Eventually(t, 10*time.Second, func() bool {
		item, err := h.store.Item(context.Background(), "job-3", itemID)
		return err == nil && item.Status == jobstore.ItemCompleted
	}, "item never generated")
	item, err := h.store.Item(context.Background(), "job-3", itemID)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if item.Output == "" || item.ModelID != "plain" {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestDeletedObjectExpiresJob(t *testing.T) {
	h := newHarness(t)
	job := testsupport.NewTranslationJob(t, h.store, "job-4", "fr")
	key := keyparse.UploadKey(job.Identity, job.ID, job.Name)
	testsupport.PutObject(t, h.objects.Store, key, 16)

	if err := h.objects.DeleteWithReason(context.Background(), key, objectstore.ExpiredReason); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.runRelay(t)

	testsupport.Eventually(t, 10*time.Second, func() bool {
		return h.job(t, "job-4").Status == jobstore.StatusExpired
	}, "job never expired")
}

func TestMonitoredFailureMarksJob(t *testing.T) {
	h := newHarness(t)
	testsupport.NewTranslationJob(t, h.store, "job-5", "fr")
	if _, err := h.store.MarkUploaded(context.Background(), "job-5", keyparse.UploadKey("user-1", "job-5", "Report.docx"), ""); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	if _, err := h.store.MarkProcessing(context.Background(), "job-5"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	payload, err := json.Marshal(events.ExecutionFailure{
		Execution: engine.ExecutionName("job-5", translate.PipelineJob, 1),
		Pipeline:  translate.PipelineJob,
		Status:    string(jobstore.ExecutionTimedOut),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	evt := events.Event{ID: events.NewID(), Seq: 900, Topic: events.TopicExecutionFailed, Payload: payload}
	if err := h.bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	testsupport.Eventually(t, 10*time.Second, func() bool {
		return h.job(t, "job-5").Status == jobstore.StatusTimedOut
	}, "failure never reflected on the job")

	summary := h.manager.Status(context.Background())
	if summary.LastTrigger == nil || summary.LastTrigger.Pipeline != failures.PipelineErrors {
		t.Fatalf("unexpected last trigger %+v", summary.LastTrigger)
	}
	if summary.LastTrigger.Execution != "job-5_errors-900" {
		t.Fatalf("execution name = %q", summary.LastTrigger.Execution)
	}
}

func TestUnmonitoredFailureIsIgnored(t *testing.T) {
	h := newHarness(t)
	payload, err := json.Marshal(events.ExecutionFailure{
		Execution: "job-6_tag-1",
		Pipeline:  "tag",
		Status:    string(jobstore.ExecutionFailed),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	evt := events.Event{ID: events.NewID(), Seq: 901, Topic: events.TopicExecutionFailed, Payload: payload}
	if err := h.bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if summary := h.manager.Status(context.Background()); summary.LastTrigger != nil {
		t.Fatalf("unmonitored failure triggered %+v", summary.LastTrigger)
	}
}

func TestRedeliveredEventIsDeduplicated(t *testing.T) {
	h := newHarness(t)
	testsupport.NewTranslationJob(t, h.store, "job-7", "fr")
	if _, err := h.store.MarkUploaded(context.Background(), "job-7", keyparse.UploadKey("user-1", "job-7", "Report.docx"), ""); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	if _, err := h.store.MarkProcessing(context.Background(), "job-7"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	payload, err := json.Marshal(events.ExecutionFailure{
		Execution: "job-7_translate-job-4",
		Pipeline:  translate.PipelineJob,
		Status:    string(jobstore.ExecutionFailed),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	evt := events.Event{ID: events.NewID(), Seq: 902, Topic: events.TopicExecutionFailed, Payload: payload}
	for i := 0; i < 2; i++ {
		if err := h.bus.Publish(context.Background(), evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	summary := h.manager.Status(context.Background())
	if summary.LastTrigger == nil || !summary.LastTrigger.Duplicate {
		t.Fatalf("second delivery should map onto the first execution, got %+v", summary.LastTrigger)
	}
}

func TestObjectOutsideJobScopeIgnored(t *testing.T) {
	h := newHarness(t)
	testsupport.PutObject(t, h.objects, "system/terminologies/fr.csv", 8)
	if _, err := h.relay.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if summary := h.manager.Status(context.Background()); summary.LastTrigger != nil || summary.LastError != "" {
		t.Fatalf("unexpected activity %+v", summary)
	}
}

func TestStartRequiresStages(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	eng := engine.New(store, callback.NewRegistry(store), engine.Options{})
	t.Cleanup(func() { eng.Close() })

	manager := workflow.NewManager(cfg, store, eng, logging.NewNop())
	if err := manager.Start(context.Background()); err == nil {
		t.Fatal("expected error without stages")
	}

	h := newHarness(t)
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.manager.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	if !h.manager.Status(context.Background()).Running {
		t.Fatal("manager should report running")
	}
	h.manager.Stop()
	if h.manager.Status(context.Background()).Running {
		t.Fatal("manager should report stopped")
	}
}
