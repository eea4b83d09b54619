// Package coordinator implements durable message coordination over a
// shared Redis store: priority queues per (agent type, instance) with
// reservation, ack/nack, visibility timeouts, a dead-letter queue, and
// recovery of expired reservations.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/c360studio/agentcore/agent"
)

// Config holds coordinator tuning knobs.
type Config struct {
	// KeyPrefix namespaces all keys in the shared store.
	KeyPrefix string `yaml:"key_prefix"`
	// BackoffBase is the base delay applied when re-enqueueing a
	// transiently failed message.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffCap bounds the exponential backoff.
	BackoffCap time.Duration `yaml:"backoff_cap"`
	// MaxDeliveryAttempts forces a payload to the dead-letter queue when a
	// transient nack would exceed it. Zero means unlimited.
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts"`
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   DefaultKeyPrefix,
		BackoffBase: 200 * time.Millisecond,
		BackoffCap:  30 * time.Second,
	}
}

// Coordinator is the Redis-backed message coordinator. It is safe for
// concurrent use; all atomicity is store-side, no locks are held across
// store calls.
type Coordinator struct {
	rdb     redis.UniversalClient
	keys    keyspace
	cfg     Config
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	// now is swappable for tests.
	now func() time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator over the given Redis client.
func New(rdb redis.UniversalClient, cfg Config, opts ...Option) *Coordinator {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	c := &Coordinator{
		rdb:    rdb,
		keys:   newKeyspace(cfg.KeyPrefix),
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "coordinator-store",
			Timeout: 5 * time.Second,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) nowMicros() int64 {
	return c.now().UnixMicro()
}

// Send enqueues a message for the recipient. Persistence failures are
// reported through the result, never raised.
func (c *Coordinator) Send(ctx context.Context, sender, recipient agent.ID, msg agent.Message) agent.MessageResult {
	msg.Sender = sender
	msg.Recipient = recipient
	if err := msg.Validate(); err != nil {
		return agent.MessageResult{MessageID: msg.MessageID, Delivered: false, Error: err.Error()}
	}
	if msg.Timestamp == "" {
		msg.Timestamp = c.now().UTC().Format(time.RFC3339Nano)
	}

	nowUS := c.nowMicros()
	qm := agent.QueueMessage{
		Message:    msg,
		Priority:   msg.Priority,
		EnqueuedAt: nowUS,
	}
	data, err := agent.EncodeQueueMessage(&qm)
	if err != nil {
		return agent.MessageResult{MessageID: msg.MessageID, Delivered: false, Error: err.Error()}
	}

	_, err = c.breaker.Execute(func() (any, error) {
		return c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, c.keys.queue(recipient), data)
			pipe.ZAdd(ctx, c.keys.sched(recipient, msg.Priority), redis.Z{
				Score:  float64(nowUS),
				Member: data,
			})
			return nil
		})
	})
	if err != nil {
		c.logger.Warn("Failed to enqueue message",
			"message_id", msg.MessageID,
			"recipient", recipient.String(),
			"error", err)
		return agent.MessageResult{MessageID: msg.MessageID, Delivered: false, Error: err.Error()}
	}

	messagesSent.WithLabelValues(string(recipient.Type)).Inc()
	c.incrStoreMetric(ctx, "messages_sent", 1)
	return agent.MessageResult{MessageID: msg.MessageID, Delivered: true}
}

// Broadcast sends the message to each recipient independently. There is
// no atomicity across recipients; each result stands alone.
func (c *Coordinator) Broadcast(ctx context.Context, sender agent.ID, msg agent.Message, recipients []agent.ID) []agent.MessageResult {
	results := make([]agent.MessageResult, 0, len(recipients))
	for _, recipient := range recipients {
		results = append(results, c.Send(ctx, sender, recipient, msg))
	}
	return results
}

// Receive reserves the oldest message at the highest non-empty priority
// for the given agent. The reservation stays invisible to other
// consumers until Ack, Nack, or the visibility deadline passes. Returns
// nil when every priority is empty (or on store failure; callers re-poll).
func (c *Coordinator) Receive(ctx context.Context, id agent.ID, visibilityTimeout time.Duration) *agent.ReceivedMessage {
	nowUS := c.nowMicros()
	maxScore := strconv.FormatInt(nowUS, 10)

	for _, prio := range agent.ReceiveOrder {
		schedKey := c.keys.sched(id, prio)
		for {
			members, err := c.rdb.ZRangeByScore(ctx, schedKey, &redis.ZRangeBy{
				Min: "-inf", Max: maxScore, Offset: 0, Count: 1,
			}).Result()
			if err != nil {
				c.logger.Warn("Receive scan failed", "agent", id.String(), "error", err)
				return nil
			}
			if len(members) == 0 {
				break
			}
			payload := members[0]

			// ZREM is the arbiter under concurrent consumers: only the
			// caller that removes the member owns the payload.
			removed, err := c.rdb.ZRem(ctx, schedKey, payload).Result()
			if err != nil {
				c.logger.Warn("Receive claim failed", "agent", id.String(), "error", err)
				return nil
			}
			if removed == 0 {
				continue
			}

			return c.reserve(ctx, id, payload, visibilityTimeout)
		}
	}
	return nil
}

// reserve moves a claimed payload into the reservation hash and deadline
// set, incrementing its delivery attempt counter.
func (c *Coordinator) reserve(ctx context.Context, id agent.ID, payload string, visibilityTimeout time.Duration) *agent.ReceivedMessage {
	if err := c.rdb.LRem(ctx, c.keys.queue(id), 1, payload).Err(); err != nil {
		c.logger.Warn("Failed to remove queue mirror entry", "agent", id.String(), "error", err)
	}

	qm, err := agent.DecodeQueueMessage([]byte(payload))
	if err != nil {
		// Undecodable payloads cannot be delivered; dead-letter them so
		// they are not lost and not retried forever.
		c.logger.Error("Dead-lettering undecodable payload", "agent", id.String(), "error", err)
		if derr := c.rdb.RPush(ctx, c.keys.dlq(id), payload).Err(); derr != nil {
			c.logger.Error("Failed to dead-letter payload", "agent", id.String(), "error", derr)
		}
		return nil
	}
	qm.DeliveryAttempts++

	data, err := agent.EncodeQueueMessage(qm)
	if err != nil {
		c.logger.Error("Failed to re-encode reserved payload", "agent", id.String(), "error", err)
		return nil
	}

	token := uuid.NewString()
	deadline := c.now().Add(visibilityTimeout)
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, c.keys.reservedDeadlines(id), redis.Z{
			Score:  float64(deadline.UnixMicro()),
			Member: token,
		})
		pipe.HSet(ctx, c.keys.reserved(id), token, data)
		return nil
	})
	if err != nil {
		c.logger.Warn("Failed to record reservation", "agent", id.String(), "error", err)
		return nil
	}

	messagesReceived.WithLabelValues(string(id.Type)).Inc()
	c.incrStoreMetric(ctx, "messages_received", 1)
	return &agent.ReceivedMessage{
		Token:              token,
		QueueMessage:       qm,
		VisibilityDeadline: deadline,
	}
}

// Ack removes the reservation for token. Acking an unknown or already
// acked token is a no-op that still reports success.
func (c *Coordinator) Ack(ctx context.Context, id agent.ID, token string) bool {
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, c.keys.reserved(id), token)
		pipe.ZRem(ctx, c.keys.reservedDeadlines(id), token)
		return nil
	})
	if err != nil {
		c.logger.Warn("Ack failed", "agent", id.String(), "token", token, "error", err)
		return false
	}
	messagesAcked.WithLabelValues(string(id.Type)).Inc()
	return true
}

// Nack releases the reservation and routes the payload according to the
// failure type: permanent failures go to the dead-letter queue, transient
// and timeout failures are re-enqueued with exponential backoff.
func (c *Coordinator) Nack(ctx context.Context, id agent.ID, token string, failure agent.FailureType, errMsg string) bool {
	payload, err := c.rdb.HGet(ctx, c.keys.reserved(id), token).Result()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.logger.Warn("Nack lookup failed", "agent", id.String(), "token", token, "error", err)
		return false
	}

	if _, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, c.keys.reserved(id), token)
		pipe.ZRem(ctx, c.keys.reservedDeadlines(id), token)
		return nil
	}); err != nil {
		c.logger.Warn("Nack reservation cleanup failed", "agent", id.String(), "error", err)
	}

	qm, derr := agent.DecodeQueueMessage([]byte(payload))
	if derr != nil {
		c.logger.Error("Dead-lettering undecodable nacked payload", "agent", id.String(), "error", derr)
		c.deadLetter(ctx, id, payload)
		return true
	}
	if errMsg != "" {
		qm.LastError = errMsg
	}

	messagesNacked.WithLabelValues(string(id.Type), string(failure)).Inc()

	exceeded := c.cfg.MaxDeliveryAttempts > 0 && qm.DeliveryAttempts >= c.cfg.MaxDeliveryAttempts
	if failure == agent.FailurePermanent || exceeded {
		data, eerr := agent.EncodeQueueMessage(qm)
		if eerr != nil {
			c.deadLetter(ctx, id, payload)
			return true
		}
		c.deadLetter(ctx, id, string(data))
		return true
	}

	// Transient and timeout failures retry after backoff.
	backoff := backoffFor(qm.DeliveryAttempts, c.cfg.BackoffBase, c.cfg.BackoffCap)
	score := float64(c.now().Add(backoff).UnixMicro())
	data, eerr := agent.EncodeQueueMessage(qm)
	if eerr != nil {
		c.deadLetter(ctx, id, payload)
		return true
	}
	if _, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, c.keys.sched(id, qm.Priority), redis.Z{Score: score, Member: string(data)})
		pipe.RPush(ctx, c.keys.queue(id), data)
		return nil
	}); err != nil {
		// The reservation is already gone; dead-letter rather than lose
		// the payload silently.
		c.logger.Error("Re-enqueue failed, dead-lettering payload",
			"agent", id.String(), "message_id", qm.Message.MessageID, "error", err)
		c.deadLetter(ctx, id, string(data))
	}
	return true
}

func (c *Coordinator) deadLetter(ctx context.Context, id agent.ID, payload string) {
	if err := c.rdb.RPush(ctx, c.keys.dlq(id), payload).Err(); err != nil {
		c.logger.Error("Dead-letter write failed", "agent", id.String(), "error", err)
		return
	}
	messagesDeadLettered.WithLabelValues(string(id.Type)).Inc()
	c.incrStoreMetric(ctx, "messages_dead_lettered", 1)
}

// RecoverPending reclaims reservations whose visibility deadline has
// passed. With a nil id it sweeps every known agent type and discovered
// instance. Returns the number of expired reservations reclaimed: payloads
// put back into ready queues plus undecodable payloads dead-lettered.
func (c *Coordinator) RecoverPending(ctx context.Context, id *agent.ID) int {
	if id != nil {
		recovered, _ := c.recoverInstance(ctx, *id)
		return recovered
	}
	recovered := 0
	for _, t := range agent.AllTypes {
		for inst := range c.discoverInstances(ctx, t) {
			n, _ := c.recoverInstance(ctx, agent.NewID(t, inst))
			recovered += n
		}
	}
	return recovered
}

// discoverInstances unions instance names found under both the deadline
// and reservation key patterns; a single scan can miss keys written
// between iterations.
func (c *Coordinator) discoverInstances(ctx context.Context, t agent.Type) map[string]struct{} {
	instances := make(map[string]struct{})
	for _, pattern := range []string{c.keys.reservedDeadlinesPattern(t), c.keys.reservedPattern(t)} {
		iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if inst := instanceFromKey(iter.Val()); inst != "" {
				instances[inst] = struct{}{}
			}
		}
		if err := iter.Err(); err != nil {
			c.logger.Warn("Instance scan failed", "pattern", pattern, "error", err)
		}
	}
	return instances
}

// recoverInstance reclaims expired reservations for one instance. It
// returns the re-enqueue count and, separately, the number of orphaned
// deadline entries cleaned (token present in the deadline set with no
// reserved payload, e.g. after a concurrent ack).
func (c *Coordinator) recoverInstance(ctx context.Context, id agent.ID) (recovered, cleaned int) {
	nowUS := c.nowMicros()
	dkey := c.keys.reservedDeadlines(id)
	tokens, err := c.rdb.ZRangeByScore(ctx, dkey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(nowUS, 10),
	}).Result()
	if err != nil {
		c.logger.Warn("Recovery deadline scan failed", "agent", id.String(), "error", err)
		return 0, 0
	}

	for _, token := range tokens {
		payload, herr := c.rdb.HGet(ctx, c.keys.reserved(id), token).Result()
		if errors.Is(herr, redis.Nil) {
			// Acked concurrently; just drop the stale deadline entry.
			c.rdb.ZRem(ctx, dkey, token)
			cleaned++
			continue
		}
		if herr != nil {
			c.logger.Warn("Recovery payload load failed", "agent", id.String(), "token", token, "error", herr)
			continue
		}
		if c.requeueExpired(ctx, id, token, payload, nowUS) {
			recovered++
		}
	}
	if recovered > 0 {
		reservationsRecovered.Add(float64(recovered))
		c.incrStoreMetric(ctx, "reservations_recovered", int64(recovered))
		c.logger.Info("Recovered expired reservations", "agent", id.String(), "count", recovered)
	}
	return recovered, cleaned
}

// requeueExpired re-enqueues a reserved payload whose deadline passed and
// clears the reservation. Payloads that no longer decode go to the
// dead-letter queue instead of back into rotation. Safe against
// concurrent acks: a payload acked between scan and HDEL makes the HDEL
// a no-op.
func (c *Coordinator) requeueExpired(ctx context.Context, id agent.ID, token, payload string, scoreUS int64) bool {
	qm, derr := agent.DecodeQueueMessage([]byte(payload))
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if derr != nil {
			pipe.RPush(ctx, c.keys.dlq(id), payload)
		} else {
			pipe.ZAdd(ctx, c.keys.sched(id, qm.Priority), redis.Z{Score: float64(scoreUS), Member: payload})
			pipe.RPush(ctx, c.keys.queue(id), payload)
		}
		pipe.HDel(ctx, c.keys.reserved(id), token)
		pipe.ZRem(ctx, c.keys.reservedDeadlines(id), token)
		return nil
	})
	if err != nil {
		c.logger.Warn("Requeue of expired reservation failed",
			"agent", id.String(), "token", token, "error", err)
		return false
	}
	return true
}

// ReservedPayload returns the queue message currently reserved under
// token, or nil when the token holds no reservation.
func (c *Coordinator) ReservedPayload(ctx context.Context, id agent.ID, token string) (*agent.QueueMessage, error) {
	payload, err := c.rdb.HGet(ctx, c.keys.reserved(id), token).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load reserved payload: %w", err)
	}
	return agent.DecodeQueueMessage([]byte(payload))
}

func (c *Coordinator) incrStoreMetric(ctx context.Context, field string, n int64) {
	if err := c.rdb.HIncrBy(ctx, c.keys.metrics(), field, n).Err(); err != nil {
		c.logger.Debug("Store metric increment failed", "field", field, "error", err)
	}
}

// backoffFor computes min(base * 2^attempts, limit).
func backoffFor(attempts int, base, limit time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	backoff := base
	for i := 0; i < attempts; i++ {
		backoff *= 2
		if backoff >= limit {
			return limit
		}
	}
	if backoff > limit {
		return limit
	}
	return backoff
}
