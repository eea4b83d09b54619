package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher is the capability the tracker, coordinator and controller
// depend on. Implementations fan an event out to every channel it
// addresses.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// RedisPublisher publishes events to Redis pub/sub channels.
type RedisPublisher struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisPublisher creates a publisher over the given client and
// channel prefix.
func NewRedisPublisher(rdb redis.UniversalClient, prefix string, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{rdb: rdb, prefix: normalizePrefix(prefix), logger: logger}
}

// Publish encodes the event once and publishes it to each channel. The
// first broker failure aborts the fan-out and is returned; events are
// fire-and-forget, so callers typically log and move on.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}
	for _, channel := range event.Channels(p.prefix) {
		if err := p.rdb.Publish(ctx, channel, data).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", channel, err)
		}
	}
	return nil
}

// Fanout composes publishers; every event goes to each of them. The
// first failure is returned after all publishers were attempted.
func Fanout(publishers ...Publisher) Publisher {
	return fanout(publishers)
}

type fanout []Publisher

func (f fanout) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
