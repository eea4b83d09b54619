// Package agent defines the data model for inter-agent communication:
// agent identities, message envelopes, and the reliability primitives
// (queue entries, reservations, failure classification) that the
// coordinator and validator operate on.
package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the closed set of agent types the core routes between.
type Type string

const (
	TypeInputProcessor     Type = "input_processor"
	TypeWorldBuilder       Type = "world_builder"
	TypeNarrativeGenerator Type = "narrative_generator"
)

// AllTypes lists every known agent type, in routing order.
var AllTypes = []Type{TypeInputProcessor, TypeWorldBuilder, TypeNarrativeGenerator}

// ParseType resolves a string to a Type, rejecting unknown values.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeInputProcessor, TypeWorldBuilder, TypeNarrativeGenerator:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown agent type %q", s)
}

// DefaultInstance is the sentinel used when an ID carries no instance.
const DefaultInstance = "default"

// ID identifies a typed agent, optionally sharded by instance.
type ID struct {
	Type     Type   `json:"type"`
	Instance string `json:"instance,omitempty"`
}

// NewID builds an ID, normalizing an empty instance to the sentinel.
func NewID(t Type, instance string) ID {
	if instance == "" {
		instance = DefaultInstance
	}
	return ID{Type: t, Instance: instance}
}

// InstanceOrDefault returns the instance, substituting the sentinel when
// the field was left empty.
func (id ID) InstanceOrDefault() string {
	if id.Instance == "" {
		return DefaultInstance
	}
	return id.Instance
}

func (id ID) String() string {
	return string(id.Type) + ":" + id.InstanceOrDefault()
}

// MessageType distinguishes the three envelope kinds.
type MessageType string

const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypeEvent    MessageType = "event"
)

// Priority orders delivery within a queue. Higher drains first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 9
)

// ReceiveOrder lists priorities in the order receive drains them.
var ReceiveOrder = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is one of the three defined levels.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// RoutingKey carries optional topic routing hints on a message.
type RoutingKey struct {
	Topic string   `json:"topic,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// MinMessageIDLength is the minimum accepted message id length.
const MinMessageIDLength = 6

// Message is the immutable envelope exchanged between agents.
type Message struct {
	MessageID   string         `json:"message_id"`
	Sender      ID             `json:"sender"`
	Recipient   ID             `json:"recipient"`
	MessageType MessageType    `json:"message_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    Priority       `json:"priority"`
	Routing     RoutingKey     `json:"routing,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

// Validate checks the envelope invariants before it enters the queue.
func (m *Message) Validate() error {
	if len(m.MessageID) < MinMessageIDLength {
		return fmt.Errorf("message_id must be at least %d characters", MinMessageIDLength)
	}
	switch m.MessageType {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeEvent:
	default:
		return fmt.Errorf("unknown message type %q", m.MessageType)
	}
	if m.Priority == 0 {
		m.Priority = PriorityNormal
	}
	if !m.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", m.Priority)
	}
	return nil
}

// FailureType controls nack behavior.
type FailureType string

const (
	FailureTransient FailureType = "transient"
	FailurePermanent FailureType = "permanent"
	FailureTimeout   FailureType = "timeout"
)

// QueueMessage is the wire form stored in the shared store: the envelope
// plus delivery bookkeeping.
type QueueMessage struct {
	Message          Message  `json:"message"`
	Priority         Priority `json:"priority"`
	EnqueuedAt       int64    `json:"enqueued_at,omitempty"`
	DeliveryAttempts int      `json:"delivery_attempts"`
	LastError        string   `json:"last_error,omitempty"`
}

// EncodeQueueMessage renders the canonical JSON wire form.
func EncodeQueueMessage(qm *QueueMessage) ([]byte, error) {
	data, err := json.Marshal(qm)
	if err != nil {
		return nil, fmt.Errorf("encode queue message: %w", err)
	}
	return data, nil
}

// DecodeQueueMessage parses the JSON wire form.
func DecodeQueueMessage(data []byte) (*QueueMessage, error) {
	var qm QueueMessage
	if err := json.Unmarshal(data, &qm); err != nil {
		return nil, fmt.Errorf("decode queue message: %w", err)
	}
	return &qm, nil
}

// ReceivedMessage is the reservation wrapper handed to a consumer. The
// payload stays invisible to other consumers until ack, nack, or the
// visibility deadline passes.
type ReceivedMessage struct {
	Token              string        `json:"token"`
	QueueMessage       *QueueMessage `json:"queue_message"`
	VisibilityDeadline time.Time     `json:"visibility_deadline"`
}

// Msg returns the wrapped envelope.
func (r *ReceivedMessage) Msg() *Message {
	return &r.QueueMessage.Message
}

// MessageResult reports the outcome of a send.
type MessageResult struct {
	MessageID string `json:"message_id"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}
