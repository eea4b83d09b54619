package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// LocalBus is an in-process Publisher that dispatches directly to
// registered handlers, with the same channel addressing as the broker
// transports. Useful for components living in the same process as the
// emitter, and in tests.
type LocalBus struct {
	prefix string
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]map[HandlerID]Handler
}

// NewLocalBus creates an in-process bus with the given channel prefix.
func NewLocalBus(prefix string, logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{
		prefix:   normalizePrefix(prefix),
		logger:   logger,
		handlers: make(map[string]map[HandlerID]Handler),
	}
}

// Subscribe adds a handler to a channel.
func (b *LocalBus) Subscribe(channel string, handler Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := HandlerID(uuid.NewString())
	set, ok := b.handlers[channel]
	if !ok {
		set = make(map[HandlerID]Handler)
		b.handlers[channel] = set
	}
	set[id] = handler
	return id
}

// Unsubscribe removes one handler from a channel.
func (b *LocalBus) Unsubscribe(channel string, id HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.handlers[channel]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(b.handlers, channel)
	}
}

// Publish dispatches the event synchronously to every handler bound to
// any of its channels. Handler failures are logged, never returned.
func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	for _, channel := range event.Channels(b.prefix) {
		b.mu.Lock()
		set := b.handlers[channel]
		handlers := make([]Handler, 0, len(set))
		for _, h := range set {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()

		for _, handler := range handlers {
			if err := handler(ctx, event); err != nil {
				b.logger.Error("Local event handler failed",
					"channel", channel,
					"event_type", event.EventType,
					"error", err)
			}
		}
	}
	return nil
}
