package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"doctranslate/internal/logging"
	"doctranslate/internal/metrics"
)

// Source is the outbox the relay drains.
type Source interface {
	EventsSince(ctx context.Context, after int64, limit int) ([]Event, error)
	LoadCursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, seq int64) error
}

// RelayOptions tunes a Relay.
type RelayOptions struct {
	Name      string
	Interval  time.Duration
	BatchSize int
	Logger    *slog.Logger
}

// Relay publishes outbox records on a bus in sequence order and persists its
// position after each published record.
type Relay struct {
	source   Source
	bus      Bus
	name     string
	interval time.Duration
	batch    int
	logger   *slog.Logger

	mu     sync.Mutex
	cursor int64
	loaded bool
	wake   chan struct{}
}

// NewRelay constructs a relay over source.
func NewRelay(source Source, bus Bus, opts RelayOptions) *Relay {
	if opts.Name == "" {
		opts.Name = "relay"
	}
	if opts.Interval <= 0 {
		opts.Interval = 250 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Relay{
		source:   source,
		bus:      bus,
		name:     opts.Name,
		interval: opts.Interval,
		batch:    opts.BatchSize,
		logger:   logging.NewComponentLogger(opts.Logger, "relay"),
		wake:     make(chan struct{}, 1),
	}
}

// Notify asks a running relay to poll now.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Poll publishes every pending record and returns how many were published.
// Records appended by handlers during the poll are published in the same
// call.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		cursor, err := r.source.LoadCursor(ctx, r.name)
		if err != nil {
			return 0, err
		}
		r.cursor, r.loaded = cursor, true
	}

	published := 0
	for {
		batch, err := r.source.EventsSince(ctx, r.cursor, r.batch)
		if err != nil {
			return published, err
		}
		if len(batch) == 0 {
			return published, nil
		}
		for _, evt := range batch {
			if err := r.bus.Publish(ctx, evt); err != nil {
				return published, err
			}
			r.cursor = evt.Seq
			if err := r.source.SaveCursor(ctx, r.name, r.cursor); err != nil {
				return published, err
			}
			metrics.EventRelayed(evt.Topic)
			metrics.SetRelayCursor(r.cursor)
			published++
		}
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(r.logger, "outbox relay poll failed", "relay_poll_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "events are delayed until the next poll"),
				logging.String(logging.FieldErrorHint, "check database and bus connectivity"),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}
