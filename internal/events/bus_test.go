package events_test

import (
	"context"
	"errors"
	"testing"

	"doctranslate/internal/events"
)

func TestMemoryBusDispatchesByTopic(t *testing.T) {
	bus := events.NewMemoryBus(nil)
	var got []string
	bus.Subscribe(events.TopicJobChanged, func(_ context.Context, evt events.Event) error {
		got = append(got, "job:"+evt.Key)
		return nil
	})
	bus.Subscribe(events.AllTopics, func(_ context.Context, evt events.Event) error {
		got = append(got, "all:"+evt.Topic)
		return nil
	})

	ctx := context.Background()
	if err := bus.Publish(ctx, events.Event{Topic: events.TopicJobChanged, Key: "job-1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, events.Event{Topic: events.TopicObjectDeleted, Key: "k"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	want := []string{"job:job-1", "all:job.changed", "all:object.deleted"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMemoryBusIsolatesHandlerFailures(t *testing.T) {
	bus := events.NewMemoryBus(nil)
	ran := 0
	bus.Subscribe(events.TopicObjectCreated, func(context.Context, events.Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(events.TopicObjectCreated, func(context.Context, events.Event) error {
		panic("handler bug")
	})
	bus.Subscribe(events.TopicObjectCreated, func(context.Context, events.Event) error {
		ran++
		return nil
	})
	if err := bus.Publish(context.Background(), events.Event{Topic: events.TopicObjectCreated}); err != nil {
		t.Fatalf("Publish should not surface handler errors, got %v", err)
	}
	if ran != 1 {
		t.Fatalf("expected later handler to run once, ran %d", ran)
	}
}

func TestEventDecode(t *testing.T) {
	evt := events.Event{Payload: []byte(`{"key":"a/b","size":3}`)}
	var obj events.ObjectEvent
	if err := evt.Decode(&obj); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if obj.Key != "a/b" || obj.Size != 3 {
		t.Fatalf("unexpected payload: %#v", obj)
	}
	var empty *events.ObjectEvent
	if err := (events.Event{}).Decode(&empty); err != nil || empty != nil {
		t.Fatalf("empty payload decode = %#v, %v", empty, err)
	}
	if events.NewID() == events.NewID() {
		t.Fatal("expected distinct ids")
	}
}
