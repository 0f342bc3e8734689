package callback_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"doctranslate/internal/callback"
	"doctranslate/internal/testsupport"
)

func newRegistry(t *testing.T) *callback.Registry {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	return callback.NewRegistry(testsupport.MustOpenStore(t, cfg))
}

func TestSuspendResolveComplete(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	ticket, err := reg.Suspend(ctx, callback.Registration{Purpose: "translate", Key: "job-1/fr", Execution: "job-1_translate-1", Path: "1.0.2"})
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if ticket.Token == "" || ticket.Delivered {
		t.Fatalf("unexpected ticket: %#v", ticket)
	}

	resolved, err := reg.Resolve(ctx, ticket.Token)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Execution != "job-1_translate-1" || resolved.Path != "1.0.2" {
		t.Fatalf("unexpected registration: %#v", resolved)
	}

	if err := reg.Complete(ctx, ticket.Token); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := reg.Complete(ctx, ticket.Token); !errors.Is(err, callback.ErrUnknownToken) {
		t.Fatalf("expected consumed token to be unknown, got %v", err)
	}
	if _, err := reg.Resolve(ctx, "never-issued"); !errors.Is(err, callback.ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestSuspendReplayReturnsSameToken(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	r := callback.Registration{Purpose: "pii", Key: "job-1", Execution: "job-1_translate-1", Path: "1.1.0"}

	first, err := reg.Suspend(ctx, r)
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	again, err := reg.Suspend(ctx, r)
	if err != nil {
		t.Fatalf("replayed Suspend failed: %v", err)
	}
	if again.Token != first.Token {
		t.Fatalf("replay issued a new token: %s != %s", again.Token, first.Token)
	}

	other := r
	other.Execution = "job-1_translate-2"
	if _, err := reg.Suspend(ctx, other); !errors.Is(err, callback.ErrOutstanding) {
		t.Fatalf("expected ErrOutstanding, got %v", err)
	}
	if _, err := reg.Resolve(ctx, first.Token); err != nil {
		t.Fatalf("first token must stay valid, got %v", err)
	}
}

func TestEarlyDeliveryIsParked(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	delivery, err := reg.Deliver(ctx, "translate", "job-1/fr", json.RawMessage(`{"status":"ok"}`))
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if !delivery.Parked {
		t.Fatalf("expected parked delivery, got %#v", delivery)
	}

	ticket, err := reg.Suspend(ctx, callback.Registration{Purpose: "translate", Key: "job-1/fr", Execution: "e", Path: "0"})
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if !ticket.Delivered || string(ticket.Payload) != `{"status":"ok"}` {
		t.Fatalf("expected parked payload, got %#v", ticket)
	}
}

func TestRouteFindsWaitingToken(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	ticket, err := reg.Suspend(ctx, callback.Registration{Purpose: "translate", Key: "job-1/ar", Execution: "e", Path: "3"})
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	delivery, err := reg.Deliver(ctx, "translate", "job-1/ar", nil)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if delivery.Parked || delivery.Token != ticket.Token || delivery.Registration.Path != "3" {
		t.Fatalf("unexpected delivery: %#v", delivery)
	}

	released, err := reg.Release(ctx, "e")
	if err != nil || released != 1 {
		t.Fatalf("Release = %d, %v", released, err)
	}
	callbacks, err := reg.List(ctx)
	if err != nil || len(callbacks) != 0 {
		t.Fatalf("List = %d, %v", len(callbacks), err)
	}
}

func TestClearDropsParkedDelivery(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	if _, err := reg.Deliver(ctx, "pii", "job-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if err := reg.Clear(ctx, "pii", "job-1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	ticket, err := reg.Suspend(ctx, callback.Registration{Purpose: "pii", Key: "job-1", Execution: "e", Path: "0"})
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if ticket.Delivered {
		t.Fatal("cleared delivery must not be handed out")
	}
	if err := reg.Clear(ctx, "pii", "job-1"); err != nil {
		t.Fatalf("Clear of token failed: %v", err)
	}
	if _, err := reg.Resolve(ctx, ticket.Token); !errors.Is(err, callback.ErrUnknownToken) {
		t.Fatalf("expected cleared token to be unknown, got %v", err)
	}
}
