package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Handler consumes one event. Handler failures are logged and counted,
// never propagated to the subscription loop.
type Handler func(ctx context.Context, event Event) error

// HandlerID identifies a registered handler for later removal.
type HandlerID string

// SubscriberStatistics is a snapshot of subscriber counters.
type SubscriberStatistics struct {
	SubscriberID        string   `json:"subscriber_id"`
	Running             bool     `json:"is_running"`
	EventsReceived      int64    `json:"events_received"`
	EventsProcessed     int64    `json:"events_processed"`
	EventsFailed        int64    `json:"events_failed"`
	ActiveSubscriptions int      `json:"active_subscriptions"`
	TotalHandlers       int      `json:"total_handlers"`
	SubscribedChannels  []string `json:"subscribed_channels"`
}

// Subscriber binds handler sets to Redis pub/sub channels. The first
// handler for a channel opens the broker subscription; removing the
// last closes it.
type Subscriber struct {
	rdb          redis.UniversalClient
	prefix       string
	subscriberID string
	logger       *slog.Logger

	mu       sync.Mutex
	handlers map[string]map[HandlerID]Handler
	pubsub   *redis.PubSub
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	eventsReceived  int64
	eventsProcessed int64
	eventsFailed    int64
}

// SubscriberOption customizes a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the structured logger.
func WithSubscriberLogger(l *slog.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l }
}

// WithSubscriberID pins the subscriber id (useful in tests and logs).
func WithSubscriberID(id string) SubscriberOption {
	return func(s *Subscriber) { s.subscriberID = id }
}

// NewSubscriber creates a subscriber over the given client and channel
// prefix.
func NewSubscriber(rdb redis.UniversalClient, prefix string, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		rdb:          rdb,
		prefix:       normalizePrefix(prefix),
		subscriberID: uuid.NewString(),
		logger:       slog.Default(),
		handlers:     make(map[string]map[HandlerID]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the broker connection and launches the dispatch loop.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	// Subscribe with no channels yet; channels attach as handlers are
	// registered.
	s.pubsub = s.rdb.Subscribe(loopCtx)
	for channel := range s.handlers {
		if err := s.pubsub.Subscribe(loopCtx, channel); err != nil {
			s.logger.Warn("Channel subscription failed", "channel", channel, "error", err)
		}
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.subscriptionLoop(loopCtx)
	s.logger.Info("Event subscriber started", "subscriber_id", s.subscriberID)
	return nil
}

// Stop cancels the dispatch loop and closes the broker connection.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	pubsub := s.pubsub
	s.pubsub = nil
	done := s.done
	s.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
	}
	<-done
	s.logger.Info("Event subscriber stopped", "subscriber_id", s.subscriberID)
}

// SubscribeToAllEvents binds a handler to the firehose channel.
func (s *Subscriber) SubscribeToAllEvents(ctx context.Context, handler Handler) HandlerID {
	return s.SubscribeToChannel(ctx, ChannelAll(s.prefix), handler)
}

// SubscribeToEventType binds a handler to one event type.
func (s *Subscriber) SubscribeToEventType(ctx context.Context, t Type, handler Handler) HandlerID {
	return s.SubscribeToChannel(ctx, ChannelForType(s.prefix, t), handler)
}

// SubscribeToAgentEvents binds a handler to one agent's events.
func (s *Subscriber) SubscribeToAgentEvents(ctx context.Context, agentID string, handler Handler) HandlerID {
	return s.SubscribeToChannel(ctx, ChannelForAgent(s.prefix, agentID), handler)
}

// SubscribeToUserEvents binds a handler to one user's events.
func (s *Subscriber) SubscribeToUserEvents(ctx context.Context, userID string, handler Handler) HandlerID {
	return s.SubscribeToChannel(ctx, ChannelForUser(s.prefix, userID), handler)
}

// SubscribeToWorkflowEvents binds a handler to one workflow's events.
func (s *Subscriber) SubscribeToWorkflowEvents(ctx context.Context, workflowID string, handler Handler) HandlerID {
	return s.SubscribeToChannel(ctx, ChannelForWorkflow(s.prefix, workflowID), handler)
}

// SubscribeToChannel adds a handler to the channel's handler set,
// opening the broker subscription when the set was empty.
func (s *Subscriber) SubscribeToChannel(ctx context.Context, channel string, handler Handler) HandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := HandlerID(uuid.NewString())
	set, ok := s.handlers[channel]
	if !ok {
		set = make(map[HandlerID]Handler)
		s.handlers[channel] = set
		if s.pubsub != nil {
			if err := s.pubsub.Subscribe(ctx, channel); err != nil {
				s.logger.Warn("Channel subscription failed", "channel", channel, "error", err)
			}
		}
	}
	set[id] = handler
	return id
}

// UnsubscribeHandler removes one handler from a channel; the broker
// subscription is released when the handler set empties.
func (s *Subscriber) UnsubscribeHandler(ctx context.Context, channel string, id HandlerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.handlers[channel]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		s.releaseChannelLocked(ctx, channel)
	}
}

// UnsubscribeFromChannel removes every handler for a channel and
// releases the broker subscription.
func (s *Subscriber) UnsubscribeFromChannel(ctx context.Context, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[channel]; !ok {
		return
	}
	s.releaseChannelLocked(ctx, channel)
}

func (s *Subscriber) releaseChannelLocked(ctx context.Context, channel string) {
	delete(s.handlers, channel)
	if s.pubsub != nil {
		if err := s.pubsub.Unsubscribe(ctx, channel); err != nil {
			s.logger.Warn("Channel unsubscribe failed", "channel", channel, "error", err)
		}
	}
}

// subscriptionLoop dispatches broker messages until the context is
// cancelled or the pubsub channel closes. The loop has no sleep-and-retry
// path of its own; reconnection is left to the go-redis PubSub.
func (s *Subscriber) subscriptionLoop(ctx context.Context) {
	defer close(s.done)

	s.mu.Lock()
	pubsub := s.pubsub
	s.mu.Unlock()
	if pubsub == nil {
		return
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			s.eventsReceived++
			s.mu.Unlock()
			s.dispatch(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, channel string, payload []byte) {
	event, err := Decode(payload)
	if err != nil {
		s.logger.Warn("Failed to parse event", "channel", channel, "error", err)
		s.mu.Lock()
		s.eventsFailed++
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	set := s.handlers[channel]
	handlers := make([]Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	succeeded := 0
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			s.logger.Error("Event handler failed",
				"channel", channel,
				"event_type", event.EventType,
				"error", err)
			s.mu.Lock()
			s.eventsFailed++
			s.mu.Unlock()
			continue
		}
		succeeded++
	}
	if succeeded > 0 {
		s.mu.Lock()
		s.eventsProcessed++
		s.mu.Unlock()
	}
}

// Statistics returns a snapshot of subscriber counters.
func (s *Subscriber) Statistics() SubscriberStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make([]string, 0, len(s.handlers))
	total := 0
	for channel, set := range s.handlers {
		channels = append(channels, channel)
		total += len(set)
	}
	return SubscriberStatistics{
		SubscriberID:        s.subscriberID,
		Running:             s.running,
		EventsReceived:      s.eventsReceived,
		EventsProcessed:     s.eventsProcessed,
		EventsFailed:        s.eventsFailed,
		ActiveSubscriptions: len(s.handlers),
		TotalHandlers:       total,
		SubscribedChannels:  channels,
	}
}
