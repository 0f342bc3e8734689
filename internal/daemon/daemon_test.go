package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"doctranslate/internal/callback"
	"doctranslate/internal/config"
	"doctranslate/internal/daemon"
	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/lifecycle"
	"doctranslate/internal/logging"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/testsupport"
	"doctranslate/internal/workflow"
)

type fixture struct {
	cfg     *config.Config
	store   *jobstore.Store
	objects *objectstore.Evented
	daemon  *daemon.Daemon
	server  *httptest.Server
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	objects := testsupport.NewObjects(t, cfg, store)
	eng := engine.New(store, callback.NewRegistry(store), engine.Options{ResumePollInterval: 20 * time.Millisecond})
	t.Cleanup(func() { eng.Close() })

	manager := workflow.NewManager(cfg, store, eng, logging.NewNop())
	if err := manager.ConfigureStages(lifecycle.New(store, logging.NewNop())); err != nil {
		t.Fatalf("ConfigureStages: %v", err)
	}
	bus := events.NewMemoryBus(logging.NewNop())
	relay := events.NewRelay(store, bus, events.RelayOptions{Interval: 20 * time.Millisecond, Logger: logging.NewNop()})

	d, err := daemon.New(cfg, daemon.Deps{
		Store:    store,
		Objects:  objects,
		Engine:   eng,
		Workflow: manager,
		Bus:      bus,
		Relay:    relay,
	}, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	server := httptest.NewServer(d.Handler())
	t.Cleanup(server.Close)
	return &fixture{cfg: cfg, store: store, objects: objects, daemon: d, server: server}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token := f.cfg.API.Token; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var payload map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		t.Fatalf("%s %s: status %d, want %d (%v)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, payload)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestAuthRequiresBearerToken(t *testing.T) {
	f := newFixture(t, testsupport.WithAPIToken("secret"))

	resp, err := http.Get(f.server.URL + "/api/jobs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	wrong, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer wrong.Body.Close()
	if wrong.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token status %d, want 401", wrong.StatusCode)
	}

	expectStatus(t, f.do(t, http.MethodGet, "/api/jobs", nil), http.StatusOK)

	health, err := http.Get(f.server.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200 without a token", health.StatusCode)
	}
}

func TestCreateAndFetchTranslationJob(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"id":              "job-1",
		"identity":        "owner-1",
		"name":            "report.docx",
		"languageSource":  "en",
		"languageTargets": []string{"fr", "de"},
	})
	expectStatus(t, resp, http.StatusCreated)
	created := decode[jobstore.Job](t, resp)
	if created.Status != jobstore.StatusSubmitted || created.Kind != jobstore.KindTranslation {
		t.Fatalf("unexpected job %+v", created)
	}

	got := decode[jobstore.Job](t, f.do(t, http.MethodGet, "/api/jobs/job-1", nil))
	if got.Identity != "owner-1" || len(got.LanguageTargets) != 2 {
		t.Fatalf("unexpected job %+v", got)
	}

	list := decode[struct {
		Jobs []jobstore.Job `json:"jobs"`
	}](t, f.do(t, http.MethodGet, "/api/jobs?status=submitted", nil))
	if len(list.Jobs) != 1 || list.Jobs[0].ID != "job-1" {
		t.Fatalf("unexpected list %+v", list.Jobs)
	}
}

func TestCreateJobErrorsMapToStatus(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			name: "missing identity",
			body: map[string]any{"name": "a.txt", "languageSource": "en", "languageTargets": []string{"fr"}},
			want: http.StatusBadRequest,
		},
		{
			name: "target equals source",
			body: map[string]any{"identity": "o", "name": "a.txt", "languageSource": "en", "languageTargets": []string{"en"}},
			want: http.StatusBadRequest,
		},
		{
			name: "id with underscore",
			body: map[string]any{"id": "a_b", "identity": "o", "name": "a.txt", "languageSource": "en", "languageTargets": []string{"fr"}},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown field",
			body: map[string]any{"identity": "o", "name": "a.txt", "colour": "blue"},
			want: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, f.do(t, http.MethodPost, "/api/jobs", tt.body), tt.want)
		})
	}

	expectStatus(t, f.do(t, http.MethodGet, "/api/jobs/missing", nil), http.StatusNotFound)
}

func TestUploadStoresDocumentUnderJobPrefix(t *testing.T) {
	f := newFixture(t)
	job := testsupport.NewTranslationJob(t, f.store, "job-2", "fr")

	resp := f.do(t, http.MethodPut, "/api/jobs/job-2/content?name=notes.txt", []byte("hello world"))
	expectStatus(t, resp, http.StatusCreated)
	info := decode[objectstore.ObjectInfo](t, resp)

	want := keyparse.UploadKey(job.Identity, job.ID, "notes.txt")
	if info.Key != want || info.Size != int64(len("hello world")) {
		t.Fatalf("upload info %+v, want key %s", info, want)
	}
	data, err := objectstore.ReadAll(context.Background(), f.objects, want)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("stored %q", data)
	}

	if _, err := f.store.MarkUploaded(context.Background(), job.ID, want, "text/plain"); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	expectStatus(t, f.do(t, http.MethodPut, "/api/jobs/job-2/content", []byte("again")), http.StatusConflict)
}

func TestReadableItemGeneration(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/readable/jobs", map[string]any{
		"id":       "read-1",
		"identity": "owner-1",
		"name":     "leaflet.docx",
	})
	expectStatus(t, resp, http.StatusCreated)

	resp = f.do(t, http.MethodPost, "/api/readable/jobs/read-1/items", map[string]any{
		"id":    "item-1",
		"order": 1,
		"input": "The committee shall convene forthwith.",
	})
	expectStatus(t, resp, http.StatusCreated)
	item := decode[jobstore.Item](t, resp)
	if item.Status != jobstore.ItemUpdated || item.Owner != "owner-1" {
		t.Fatalf("unexpected item %+v", item)
	}

	resp = f.do(t, http.MethodPost, "/api/readable/jobs/read-1/items/item-1/generate", map[string]any{"modelId": "plain-language"})
	expectStatus(t, resp, http.StatusAccepted)
	marked := decode[jobstore.Item](t, resp)
	if marked.Status != jobstore.ItemGenerate || marked.ModelID != "plain-language" {
		t.Fatalf("unexpected item %+v", marked)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/api/readable/jobs/read-1/items/item-1/generate", nil), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodPost, "/api/readable/jobs/read-1/items/missing/generate", nil), http.StatusNotFound)

	list := decode[struct {
		Items []jobstore.Item `json:"items"`
	}](t, f.do(t, http.MethodGet, "/api/readable/jobs/read-1/items", nil))
	if len(list.Items) != 1 {
		t.Fatalf("items %+v", list.Items)
	}
}

func TestAddItemRejectsTranslationJob(t *testing.T) {
	f := newFixture(t)
	testsupport.NewTranslationJob(t, f.store, "job-3", "fr")

	resp := f.do(t, http.MethodPost, "/api/readable/jobs/job-3/items", map[string]any{"input": "text"})
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestDeleteObject(t *testing.T) {
	f := newFixture(t)
	key := keyparse.UploadKey("owner-1", "job-4", "a.txt")
	testsupport.PutObject(t, f.objects.Store, key, 16)

	expectStatus(t, f.do(t, http.MethodDelete, "/api/objects/"+key, nil), http.StatusNoContent)
	if _, err := f.objects.Stat(context.Background(), key); err == nil {
		t.Fatal("object still present after delete")
	}
	expectStatus(t, f.do(t, http.MethodDelete, "/api/objects/"+key, nil), http.StatusNotFound)
}

func TestCallbackAndExecutionErrors(t *testing.T) {
	f := newFixture(t)

	expectStatus(t, f.do(t, http.MethodPost, "/api/callbacks/no-such-token", []byte(`{"ok":true}`)), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodPost, "/api/callbacks/no-such-token", []byte(`not json`)), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodPost, "/api/executions/missing_translate-job-1/abort", nil), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodPost, "/api/events/external", map[string]any{"purpose": "translate"}), http.StatusBadRequest)

	list := decode[struct {
		Executions []jobstore.Execution `json:"executions"`
	}](t, f.do(t, http.MethodGet, "/api/executions", nil))
	if len(list.Executions) != 0 {
		t.Fatalf("executions %+v", list.Executions)
	}
}

func TestExternalCompletionIsParked(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/events/external", map[string]any{
		"purpose": "translate",
		"key":     "remote-42",
		"status":  "COMPLETED",
	})
	expectStatus(t, resp, http.StatusAccepted)

	cb, err := f.store.CallbackByKey(context.Background(), "translate", "remote-42")
	if err != nil {
		t.Fatalf("CallbackByKey: %v", err)
	}
	if !cb.Parked() {
		t.Fatalf("callback %+v, want parked", cb)
	}
}

func TestStartStopHoldsLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.daemon.Start(ctx); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("second Start error = %v", err)
	}

	status := f.daemon.Status(ctx)
	if !status.Running || status.LockFilePath != filepath.Join(f.cfg.Paths.DataDir, "doctranslated.lock") {
		t.Fatalf("unexpected status %+v", status)
	}
	other := flock.New(status.LockFilePath)
	if ok, err := other.TryLock(); err != nil || ok {
		t.Fatalf("lock acquired by second holder (ok=%v err=%v)", ok, err)
	}

	models, err := f.store.Models(ctx)
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(models) == 0 {
		t.Fatal("catalog was not seeded")
	}

	f.daemon.Stop()
	if f.daemon.Status(ctx).Running {
		t.Fatal("daemon still running after Stop")
	}
	ok, err := other.TryLock()
	if err != nil || !ok {
		t.Fatalf("lock not released (ok=%v err=%v)", ok, err)
	}
	_ = other.Unlock()
}

func TestStartFailsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	if err := f.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	holder := flock.New(filepath.Join(f.cfg.Paths.DataDir, "doctranslated.lock"))
	if ok, err := holder.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}
	defer holder.Unlock()

	err := f.daemon.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("Start error = %v", err)
	}
}
