// Package events provides the orchestration event model and its
// transports: a broker-backed publish/subscribe layer over Redis
// channels, an in-process bus for same-process consumers, and a NATS
// bridge for deployments that fan events into a JetStream-based
// platform.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the event kinds emitted by the core.
type Type string

const (
	TypeWorkflowProgress     Type = "workflow_progress"
	TypeMessageDelivered     Type = "message_delivered"
	TypeMessageAck           Type = "message_ack"
	TypeMessageNack          Type = "message_nack"
	TypeConsequenceApplied   Type = "consequence_applied"
	TypeChoiceMade           Type = "choice_made"
	TypeSafetyCheckTriggered Type = "safety_check_triggered"
	TypeSessionUpdate        Type = "session_update"
)

// DefaultChannelPrefix namespaces broker channels.
const DefaultChannelPrefix = "ao:events"

// Event is the envelope published to broker channels.
type Event struct {
	EventID    string         `json:"event_id"`
	EventType  Type           `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"session_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh id and the current timestamp.
func New(eventType Type, data map[string]any) Event {
	return Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Encode renders the JSON wire form.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// Decode parses the JSON wire form.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// Channels computes every broker channel this event fans out to: the
// firehose, the per-type channel, and the per-agent, per-user and
// per-workflow channels when those ids are set.
func (e Event) Channels(prefix string) []string {
	prefix = normalizePrefix(prefix)
	channels := []string{
		ChannelAll(prefix),
		ChannelForType(prefix, e.EventType),
	}
	if e.AgentID != "" {
		channels = append(channels, ChannelForAgent(prefix, e.AgentID))
	}
	if e.UserID != "" {
		channels = append(channels, ChannelForUser(prefix, e.UserID))
	}
	if e.WorkflowID != "" {
		channels = append(channels, ChannelForWorkflow(prefix, e.WorkflowID))
	}
	return channels
}

// ChannelAll is the firehose channel carrying every event.
func ChannelAll(prefix string) string {
	return normalizePrefix(prefix) + ":all"
}

// ChannelForType addresses one event type.
func ChannelForType(prefix string, t Type) string {
	return normalizePrefix(prefix) + ":" + string(t)
}

// ChannelForAgent addresses events about one agent.
func ChannelForAgent(prefix, agentID string) string {
	return normalizePrefix(prefix) + ":agent:" + agentID
}

// ChannelForUser addresses events about one user.
func ChannelForUser(prefix, userID string) string {
	return normalizePrefix(prefix) + ":user:" + userID
}

// ChannelForWorkflow addresses events about one workflow.
func ChannelForWorkflow(prefix, workflowID string) string {
	return normalizePrefix(prefix) + ":workflow:" + workflowID
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return DefaultChannelPrefix
	}
	return strings.TrimRight(prefix, ":")
}
