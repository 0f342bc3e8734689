package events_test

import (
	"context"
	"errors"
	"testing"

	"doctranslate/internal/events"
	"doctranslate/internal/services"
)

type fakeSource struct {
	events  []events.Event
	cursors map[string]int64
}

func (f *fakeSource) EventsSince(_ context.Context, after int64, limit int) ([]events.Event, error) {
	var out []events.Event
	for _, evt := range f.events {
		if evt.Seq > after {
			out = append(out, evt)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeSource) LoadCursor(_ context.Context, name string) (int64, error) {
	return f.cursors[name], nil
}

func (f *fakeSource) SaveCursor(_ context.Context, name string, seq int64) error {
	if f.cursors == nil {
		f.cursors = make(map[string]int64)
	}
	f.cursors[name] = seq
	return nil
}

type recordingBus struct {
	published []int64
	failAt    int64
}

func (b *recordingBus) Publish(_ context.Context, evt events.Event) error {
	if b.failAt != 0 && evt.Seq == b.failAt {
		return errors.New("bus down")
	}
	b.published = append(b.published, evt.Seq)
	return nil
}

func (b *recordingBus) Subscribe(string, events.Handler) {}

func (b *recordingBus) Close() error { return nil }

func TestRelayPublishesInOrderAndPersistsCursor(t *testing.T) {
	source := &fakeSource{}
	for seq := int64(1); seq <= 5; seq++ {
		source.events = append(source.events, events.Event{Seq: seq, Topic: events.TopicJobChanged})
	}
	bus := &recordingBus{}
	relay := events.NewRelay(source, bus, events.RelayOptions{BatchSize: 2})

	n, err := relay.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n != 5 || len(bus.published) != 5 {
		t.Fatalf("published %d (%v), want 5", n, bus.published)
	}
	for i, seq := range bus.published {
		if seq != int64(i+1) {
			t.Fatalf("out of order: %v", bus.published)
		}
	}
	if source.cursors["relay"] != 5 {
		t.Fatalf("cursor = %d, want 5", source.cursors["relay"])
	}

	n, err = relay.Poll(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second Poll = %d, %v", n, err)
	}
}

func TestRelayResumesFromStoredCursor(t *testing.T) {
	source := &fakeSource{cursors: map[string]int64{"relay": 2}}
	for seq := int64(1); seq <= 4; seq++ {
		source.events = append(source.events, events.Event{Seq: seq})
	}
	bus := &recordingBus{failAt: 4}
	relay := events.NewRelay(source, bus, events.RelayOptions{})

	n, err := relay.Poll(context.Background())
	if err == nil {
		t.Fatal("expected publish failure to surface")
	}
	if n != 1 || len(bus.published) != 1 || bus.published[0] != 3 {
		t.Fatalf("published %v, want [3]", bus.published)
	}
	if source.cursors["relay"] != 3 {
		t.Fatalf("cursor = %d, want 3", source.cursors["relay"])
	}

	bus.failAt = 0
	if _, err := relay.Poll(context.Background()); err != nil {
		t.Fatalf("retry Poll failed: %v", err)
	}
	if source.cursors["relay"] != 4 {
		t.Fatalf("cursor = %d, want 4", source.cursors["relay"])
	}
}

func TestRelayRedeliversAfterTransientHandlerFailure(t *testing.T) {
	source := &fakeSource{events: []events.Event{
		{Seq: 1, Topic: events.TopicObjectCreated},
		{Seq: 2, Topic: events.TopicObjectCreated},
	}}
	bus := events.NewMemoryBus(nil)
	flaky := map[int64]int{}
	steady := map[int64]int{}
	bus.Subscribe(events.TopicObjectCreated, func(_ context.Context, evt events.Event) error {
		flaky[evt.Seq]++
		if evt.Seq == 1 && flaky[1] == 1 {
			return errors.New("database is locked")
		}
		return nil
	})
	bus.Subscribe(events.TopicObjectCreated, func(_ context.Context, evt events.Event) error {
		steady[evt.Seq]++
		return nil
	})
	relay := events.NewRelay(source, bus, events.RelayOptions{})

	n, err := relay.Poll(context.Background())
	if err == nil || !services.IsRetryable(err) {
		t.Fatalf("expected retryable poll error, got %v", err)
	}
	if n != 0 || source.cursors["relay"] != 0 {
		t.Fatalf("cursor advanced past failed event: n=%d cursor=%d", n, source.cursors["relay"])
	}
	if steady[1] != 1 || flaky[2] != 0 {
		t.Fatalf("unexpected first delivery: flaky=%v steady=%v", flaky, steady)
	}

	n, err = relay.Poll(context.Background())
	if err != nil {
		t.Fatalf("retry Poll failed: %v", err)
	}
	if n != 2 || source.cursors["relay"] != 2 {
		t.Fatalf("published %d, cursor %d; want 2, 2", n, source.cursors["relay"])
	}
	if flaky[1] != 2 {
		t.Fatalf("failed handler ran %d times, want 2", flaky[1])
	}
	if steady[1] != 1 || steady[2] != 1 {
		t.Fatalf("succeeded handler rerun on redelivery: %v", steady)
	}
}

func TestRelaySkipsPermanentHandlerFailure(t *testing.T) {
	source := &fakeSource{events: []events.Event{{Seq: 1, Topic: events.TopicObjectDeleted}}}
	bus := events.NewMemoryBus(nil)
	calls := 0
	bus.Subscribe(events.TopicObjectDeleted, func(context.Context, events.Event) error {
		calls++
		return services.Wrap(services.ErrValidation, "test", "parse", "bad key", nil)
	})
	relay := events.NewRelay(source, bus, events.RelayOptions{})

	if _, err := relay.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if calls != 1 || source.cursors["relay"] != 1 {
		t.Fatalf("calls=%d cursor=%d, want 1, 1", calls, source.cursors["relay"])
	}
}

func TestRelayAbandonsEventAfterRepeatedFailures(t *testing.T) {
	source := &fakeSource{events: []events.Event{{Seq: 1, Topic: events.TopicJobChanged}}}
	bus := events.NewMemoryBus(nil)
	calls := 0
	bus.Subscribe(events.TopicJobChanged, func(context.Context, events.Event) error {
		calls++
		return services.Wrap(services.ErrTransient, "test", "load job", "busy", nil)
	})
	relay := events.NewRelay(source, bus, events.RelayOptions{})

	polls := 0
	for ; polls < 20; polls++ {
		if _, err := relay.Poll(context.Background()); err == nil {
			break
		}
	}
	if polls == 20 {
		t.Fatal("relay never moved past a permanently failing event")
	}
	if calls < 2 || calls != polls+1 {
		t.Fatalf("calls=%d polls=%d", calls, polls)
	}
	if source.cursors["relay"] != 1 {
		t.Fatalf("cursor = %d, want 1", source.cursors["relay"])
	}
}
