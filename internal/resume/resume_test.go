package resume_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"doctranslate/internal/callback"
	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/logging"
	"doctranslate/internal/resume"
	"doctranslate/internal/services"
	"doctranslate/internal/testsupport"
)

type waitState struct {
	ExternalID string `json:"externalId"`
}

type tokenLog struct {
	mu      sync.Mutex
	stored  []string
	cleared []string
	tokens  []string
}

func (l *tokenLog) snapshot() (stored, cleared []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.stored), slices.Clone(l.cleared)
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	eng := engine.New(store, callback.NewRegistry(store), engine.Options{ResumePollInterval: 20 * time.Millisecond})
	t.Cleanup(func() { eng.Close() })
	return eng
}

func register(t *testing.T, eng *engine.Engine, log *tokenLog) {
	t.Helper()
	opts := resume.Options{
		Name:    "await-test",
		Purpose: "test",
		Key: func(_ context.Context, input json.RawMessage) (string, error) {
			var st waitState
			err := engine.Decode(input, &st)
			return st.ExternalID, err
		},
		Store: func(_ context.Context, _ json.RawMessage, token string) error {
			log.mu.Lock()
			defer log.mu.Unlock()
			log.stored = append(log.stored, token)
			return nil
		},
		Clear: func(_ context.Context, input json.RawMessage, token string) error {
			var st waitState
			if err := engine.Decode(input, &st); err != nil {
				return err
			}
			log.mu.Lock()
			defer log.mu.Unlock()
			log.cleared = append(log.cleared, st.ExternalID)
			log.tokens = append(log.tokens, token)
			return nil
		},
	}
	if err := eng.Register(resume.Await(opts)); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func completionEvent(t *testing.T, c events.Completion) events.Event {
	t.Helper()
	payload, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal completion: %v", err)
	}
	return events.Event{Topic: events.TopicExternalCompleted, Key: c.Key, Payload: payload}
}

func waitResumed(t *testing.T, exec *engine.Execution) resume.Resumed {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.Wait(ctx)
	if err != nil {
		t.Fatalf("execution failed: %v", err)
	}
	var resumed resume.Resumed
	if err := json.Unmarshal(out, &resumed); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return resumed
}

func TestAwaitResumesOnCompletion(t *testing.T) {
	eng := newEngine(t)
	log := &tokenLog{}
	register(t, eng, log)
	handler := resume.NewHandler(eng, logging.NewNop())
	ctx := context.Background()

	exec, err := eng.RunAsync(ctx, "await-test", json.RawMessage(`{"externalId":"ext-1"}`), "")
	if err != nil {
		t.Fatalf("RunAsync: %v", err)
	}
	testsupport.Eventually(t, 5*time.Second, func() bool {
		stored, _ := log.snapshot()
		return len(stored) == 1
	}, "token was never stored")

	evt := completionEvent(t, events.Completion{
		Purpose: "test",
		Key:     "ext-1",
		Status:  "COMPLETED",
		Payload: json.RawMessage(`{"ok":true}`),
	})
	if err := handler.Handle(ctx, evt); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	resumed := waitResumed(t, exec)
	if resumed.Completion.Status != "COMPLETED" || string(resumed.Completion.Payload) != `{"ok":true}` {
		t.Fatalf("unexpected completion %+v", resumed.Completion)
	}
	var st waitState
	if err := json.Unmarshal(resumed.Input, &st); err != nil || st.ExternalID != "ext-1" {
		t.Fatalf("caller state not carried through: %s", resumed.Input)
	}
	stored, cleared := log.snapshot()
	if !slices.Equal(cleared, []string{"ext-1"}) {
		t.Fatalf("cleared = %v", cleared)
	}
	if resumed.Token != stored[0] {
		t.Fatalf("resumed through %q, stored %q", resumed.Token, stored[0])
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if !slices.Equal(log.tokens, stored) {
		t.Fatalf("clear received %v, want the stored token %v", log.tokens, stored)
	}
}

func TestEarlyCompletionIsParked(t *testing.T) {
	eng := newEngine(t)
	log := &tokenLog{}
	register(t, eng, log)
	handler := resume.NewHandler(eng, logging.NewNop())
	ctx := context.Background()

	evt := completionEvent(t, events.Completion{Purpose: "test", Key: "ext-2", Status: "FAILED"})
	if err := handler.Handle(ctx, evt); err != nil {
		t.Fatalf("Handle before suspension: %v", err)
	}

	exec, err := eng.RunAsync(ctx, "await-test", json.RawMessage(`{"externalId":"ext-2"}`), "")
	if err != nil {
		t.Fatalf("RunAsync: %v", err)
	}
	resumed := waitResumed(t, exec)
	if resumed.Completion.Status != "FAILED" {
		t.Fatalf("unexpected completion %+v", resumed.Completion)
	}
	stored, cleared := log.snapshot()
	if len(stored) != 0 {
		t.Fatalf("parked completion must not store a token, got %v", stored)
	}
	if !slices.Equal(cleared, []string{"ext-2"}) {
		t.Fatalf("cleared = %v", cleared)
	}
}

func TestHandleRejectsIncompleteCompletion(t *testing.T) {
	eng := newEngine(t)
	handler := resume.NewHandler(eng, logging.NewNop())

	err := handler.Handle(context.Background(), completionEvent(t, events.Completion{Key: "ext-3"}))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	bad := events.Event{Topic: events.TopicExternalCompleted, Payload: json.RawMessage(`"nope"`)}
	if err := handler.Handle(context.Background(), bad); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected decode failure, got %v", err)
	}
}
