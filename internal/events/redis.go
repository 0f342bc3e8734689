package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"doctranslate/internal/logging"
)

// RedisBus publishes events on Redis channels named <prefix><topic> and
// dispatches events received on those channels to local handlers.
type RedisBus struct {
	*dispatcher
	client *redis.Client
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisBus connects to the Redis server at url
// (redis://[:password@]host:port/db).
func NewRedisBus(url, prefix string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisBusWithClient(redis.NewClient(opts), prefix, logger), nil
}

// NewRedisBusWithClient wraps an existing client.
func NewRedisBusWithClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	logger = logging.NewComponentLogger(logger, "redis-bus")
	return &RedisBus{
		dispatcher: newDispatcher(logger),
		client:     client,
		prefix:     prefix,
		logger:     logger,
	}
}

// Ping checks the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish sends evt to Redis. Local handlers run when the subscription loop
// receives it back.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+evt.Topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Topic, err)
	}
	return nil
}

// Subscribe registers handler for topic; AllTopics matches everything.
func (b *RedisBus) Subscribe(topic string, handler Handler) {
	b.subscribe(topic, handler)
}

// Run receives events until ctx is cancelled or the bus is closed.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s*: %w", b.prefix, err)
	}
	b.mu.Lock()
	b.pubsub = pubsub
	b.mu.Unlock()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.logger.Warn("dropping malformed bus message",
					logging.String("channel", msg.Channel),
					logging.Error(err),
					logging.String(logging.FieldEventType, "bus_message_malformed"),
					logging.String(logging.FieldErrorHint, "check publishers on the channel prefix"),
					logging.String(logging.FieldImpact, "message ignored"),
				)
				continue
			}
			if evt.Topic == "" {
				evt.Topic = strings.TrimPrefix(msg.Channel, b.prefix)
			}
			b.dispatch(ctx, evt, nil, false)
		}
	}
}

// Close stops the subscription and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	var errs []error
	if pubsub != nil {
		errs = append(errs, pubsub.Close())
	}
	errs = append(errs, b.client.Close())
	return errors.Join(errs...)
}
