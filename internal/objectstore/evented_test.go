package objectstore

import (
	"context"
	"testing"
	"time"

	"doctranslate/internal/events"
)

type recordedEvent struct {
	topic   string
	key     string
	payload events.ObjectEvent
}

type recordingEmitter struct {
	events []recordedEvent
}

func (r *recordingEmitter) Emit(_ context.Context, topic, key string, payload any) (int64, error) {
	r.events = append(r.events, recordedEvent{topic: topic, key: key, payload: payload.(events.ObjectEvent)})
	return int64(len(r.events)), nil
}

func TestEventedEmitsCreateAndDelete(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	emitter := &recordingEmitter{}
	notified := 0
	store := WithEvents(local, emitter, func() { notified++ })
	ctx := context.Background()

	if _, err := PutBytes(ctx, store, "private/u/j/upload/a.txt", []byte("abc"), ""); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := store.Copy(ctx, "private/u/j/upload/a.txt", "private/u/j/output/j/fr.a.txt"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if err := store.Delete(ctx, "private/u/j/upload/a.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if len(emitter.events) != 3 || notified != 3 {
		t.Fatalf("expected 3 events and notifications, got %d/%d", len(emitter.events), notified)
	}
	if emitter.events[0].topic != events.TopicObjectCreated || emitter.events[0].payload.Size != 3 {
		t.Fatalf("unexpected create event: %#v", emitter.events[0])
	}
	if emitter.events[1].key != "private/u/j/output/j/fr.a.txt" {
		t.Fatalf("unexpected copy event: %#v", emitter.events[1])
	}
	if emitter.events[2].topic != events.TopicObjectDeleted || emitter.events[2].payload.Reason != "" {
		t.Fatalf("unexpected delete event: %#v", emitter.events[2])
	}
}

func TestExpirerDeletesOldObjects(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	emitter := &recordingEmitter{}
	store := WithEvents(local, emitter, nil)
	ctx := context.Background()
	for _, key := range []string{
		"private/u/j/upload/a.txt",
		"private/u/j/output/.write_access_check_file.temp",
		"system/classifier/j/findings.json",
	} {
		if _, err := PutBytes(ctx, local, key, []byte("x"), ""); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	expirer := NewExpirer(store, 24*time.Hour, nil)
	removed, err := expirer.Sweep(ctx)
	if err != nil || removed != 0 {
		t.Fatalf("fresh objects removed: %d, %v", removed, err)
	}

	expirer.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	removed, err = expirer.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d objects, want 1", removed)
	}
	if len(emitter.events) != 1 || emitter.events[0].payload.Reason != ExpiredReason {
		t.Fatalf("unexpected events: %#v", emitter.events)
	}
	if _, err := local.Stat(ctx, "system/classifier/j/findings.json"); err != nil {
		t.Fatalf("objects outside private/ must survive: %v", err)
	}
}
