package objectstore

import (
	"context"
	"io"

	"doctranslate/internal/events"
	"doctranslate/internal/metrics"
)

// Emitter appends an event to the outbox.
type Emitter interface {
	Emit(ctx context.Context, topic, key string, payload any) (int64, error)
}

// Evented decorates a Store so writes and deletions append object.created
// and object.deleted records.
type Evented struct {
	Store
	emitter Emitter
	notify  func()
}

// WithEvents wraps store. notify, when set, runs after every emitted event so
// a relay can publish without waiting for its next poll.
func WithEvents(store Store, emitter Emitter, notify func()) *Evented {
	return &Evented{Store: store, emitter: emitter, notify: notify}
}

// Put stores the object then emits object.created.
func (e *Evented) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	info, err := e.Store.Put(ctx, key, r, size, contentType)
	if err != nil {
		return ObjectInfo{}, err
	}
	metrics.ObjectOperation(e.Backend(), "put")
	return info, e.emit(ctx, events.TopicObjectCreated, events.ObjectEvent{Key: key, Size: info.Size, ETag: info.ETag})
}

// Copy duplicates the object then emits object.created for dst.
func (e *Evented) Copy(ctx context.Context, src, dst string) (ObjectInfo, error) {
	info, err := e.Store.Copy(ctx, src, dst)
	if err != nil {
		return ObjectInfo{}, err
	}
	metrics.ObjectOperation(e.Backend(), "copy")
	return info, e.emit(ctx, events.TopicObjectCreated, events.ObjectEvent{Key: dst, Size: info.Size, ETag: info.ETag})
}

// Delete removes the object then emits object.deleted.
func (e *Evented) Delete(ctx context.Context, key string) error {
	return e.DeleteWithReason(ctx, key, "")
}

// DeleteWithReason removes the object and records why on the event.
func (e *Evented) DeleteWithReason(ctx context.Context, key, reason string) error {
	if err := e.Store.Delete(ctx, key); err != nil {
		return err
	}
	metrics.ObjectOperation(e.Backend(), "delete")
	return e.emit(ctx, events.TopicObjectDeleted, events.ObjectEvent{Key: key, Reason: reason})
}

// PutTags replaces the tag set.
func (e *Evented) PutTags(ctx context.Context, key string, tags map[string]string) error {
	if err := e.Store.PutTags(ctx, key, tags); err != nil {
		return err
	}
	metrics.ObjectOperation(e.Backend(), "tag")
	return nil
}

func (e *Evented) emit(ctx context.Context, topic string, payload events.ObjectEvent) error {
	if _, err := e.emitter.Emit(ctx, topic, payload.Key, payload); err != nil {
		return err
	}
	if e.notify != nil {
		e.notify()
	}
	return nil
}
