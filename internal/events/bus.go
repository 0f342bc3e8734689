package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"doctranslate/internal/logging"
	"doctranslate/internal/metrics"
	"doctranslate/internal/services"
)

// Handler consumes one event.
type Handler func(ctx context.Context, evt Event) error

// Bus publishes events to subscribed handlers.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(topic string, handler Handler)
	Close() error
}

// AllTopics subscribes a handler to every topic.
const AllTopics = "*"

// dispatcher fans events out to handlers registered per topic.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

func (d *dispatcher) subscribe(topic string, handler Handler) {
	if handler == nil {
		return
	}
	if topic == "" {
		topic = AllTopics
	}
	d.mu.Lock()
	d.handlers[topic] = append(d.handlers[topic], handler)
	d.mu.Unlock()
}

// maxDeliveryAttempts bounds how often one outbox record is redelivered to
// handlers that keep failing with retryable errors.
const maxDeliveryAttempts = 8

var errHandlerPanic = errors.New("handler panic")

// dispatch runs every matching handler in registration order, skipping the
// indexes marked in done. One failing handler does not stop the others. When
// redeliverable is set, the returned map holds the retryable failures by
// handler index.
func (d *dispatcher) dispatch(ctx context.Context, evt Event, done map[int]bool, redeliverable bool) (int, map[int]error) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers[evt.Topic])+len(d.handlers[AllTopics]))
	handlers = append(handlers, d.handlers[evt.Topic]...)
	handlers = append(handlers, d.handlers[AllTopics]...)
	d.mu.RUnlock()

	var failed map[int]error
	for i, handler := range handlers {
		if done[i] {
			continue
		}
		err := d.invoke(ctx, handler, evt)
		if err == nil {
			continue
		}
		retryable := redeliverable && services.IsRetryable(err) && !errors.Is(err, errHandlerPanic)
		impact := "the trigger for this event did not run"
		if retryable {
			impact = "the event is redelivered on the next relay poll"
		}
		metrics.EventHandlerFailed(evt.Topic)
		logging.WarnWithContext(d.logger, "event handler failed", "event_handler_failed",
			logging.String(logging.FieldTopic, evt.Topic),
			logging.Int64("seq", evt.Seq),
			logging.String("key", evt.Key),
			logging.Bool("retryable", retryable),
			logging.Error(err),
			logging.String(logging.FieldImpact, impact),
			logging.String(logging.FieldErrorHint, "inspect the handler error; replay by re-emitting the change"),
		)
		if retryable {
			if failed == nil {
				failed = make(map[int]error)
			}
			failed[i] = err
		}
	}
	return len(handlers), failed
}

func (d *dispatcher) invoke(ctx context.Context, handler Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return handler(ctx, evt)
}

// redelivery tracks an outbox record whose handlers did not all succeed.
type redelivery struct {
	done     map[int]bool
	attempts int
}

// MemoryBus dispatches synchronously inside the publishing goroutine.
type MemoryBus struct {
	*dispatcher

	pendingMu sync.Mutex
	pending   map[int64]*redelivery
}

// NewMemoryBus constructs an in-process bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{
		dispatcher: newDispatcher(logging.NewComponentLogger(logger, "bus")),
		pending:    make(map[int64]*redelivery),
	}
}

// Publish runs all handlers for evt before returning. When a handler fails
// with a retryable error on an outbox record, Publish returns a transient
// error so the relay keeps its cursor; the next Publish of the same record
// only runs the handlers that have not yet succeeded. Other handler
// failures are logged, not returned.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	b.pendingMu.Lock()
	state := b.pending[evt.Seq]
	b.pendingMu.Unlock()
	if state == nil {
		state = &redelivery{done: make(map[int]bool)}
	}

	count, failed := b.dispatch(ctx, evt, state.done, evt.Seq > 0)
	if len(failed) == 0 {
		b.forget(evt.Seq)
		return nil
	}
	state.attempts++
	errs := make([]error, 0, len(failed))
	for i := 0; i < count; i++ {
		if err, ok := failed[i]; ok {
			errs = append(errs, err)
			continue
		}
		state.done[i] = true
	}
	if state.attempts >= maxDeliveryAttempts {
		b.forget(evt.Seq)
		logging.ErrorWithContext(b.logger, "event abandoned after repeated handler failures", "event_abandoned",
			logging.String(logging.FieldTopic, evt.Topic),
			logging.Int64("seq", evt.Seq),
			logging.Int("attempts", state.attempts),
			logging.Error(errors.Join(errs...)),
			logging.String(logging.FieldImpact, "the trigger for this event did not run"),
			logging.String(logging.FieldErrorHint, "fix the failing dependency and re-emit the change"),
		)
		return nil
	}
	b.pendingMu.Lock()
	b.pending[evt.Seq] = state
	b.pendingMu.Unlock()
	return services.Wrap(services.ErrTransient, "bus", "publish",
		fmt.Sprintf("seq %d: %d handler(s) failed, attempt %d", evt.Seq, len(errs), state.attempts),
		errors.Join(errs...))
}

func (b *MemoryBus) forget(seq int64) {
	b.pendingMu.Lock()
	delete(b.pending, seq)
	b.pendingMu.Unlock()
}

// Subscribe registers handler for topic; AllTopics matches everything.
func (b *MemoryBus) Subscribe(topic string, handler Handler) {
	b.subscribe(topic, handler)
}

// Close is a no-op.
func (b *MemoryBus) Close() error { return nil }
