package testsupport

import (
	"context"
	"testing"

	"doctranslate/internal/config"
	"doctranslate/internal/jobstore"
)

// MustOpenStore opens a jobstore.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *jobstore.Store {
	t.Helper()

	store, err := jobstore.Open(cfg)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewTranslationJob creates a SUBMITTED translation job from en into targets.
func NewTranslationJob(t testing.TB, store *jobstore.Store, id string, targets ...string) *jobstore.Job {
	t.Helper()

	if len(targets) == 0 {
		targets = []string{"fr"}
	}
	job, err := store.CreateJob(context.Background(), jobstore.NewJob{
		ID:              id,
		Kind:            jobstore.KindTranslation,
		Identity:        "user-1",
		Name:            "Report.docx",
		ContentType:     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		LanguageSource:  "en",
		LanguageTargets: targets,
	})
	if err != nil {
		t.Fatalf("store.CreateJob: %v", err)
	}
	return job
}

// NewReadableJob creates a SUBMITTED readable job.
func NewReadableJob(t testing.TB, store *jobstore.Store, id string) *jobstore.Job {
	t.Helper()

	job, err := store.CreateJob(context.Background(), jobstore.NewJob{
		ID:       id,
		Kind:     jobstore.KindReadable,
		Identity: "user-1",
		Name:     "Guide.docx",
	})
	if err != nil {
		t.Fatalf("store.CreateJob: %v", err)
	}
	return job
}
