package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		input   string
		want    Type
		wantErr bool
	}{
		{"input_processor", TypeInputProcessor, false},
		{"world_builder", TypeWorldBuilder, false},
		{"narrative_generator", TypeNarrativeGenerator, false},
		{"unknown_agent", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIDInstanceDefaulting(t *testing.T) {
	id := NewID(TypeWorldBuilder, "")
	assert.Equal(t, "default", id.Instance)
	assert.Equal(t, "world_builder:default", id.String())

	sharded := NewID(TypeWorldBuilder, "shard-3")
	assert.Equal(t, "world_builder:shard-3", sharded.String())

	// A zero-value ID still resolves to the sentinel instance.
	bare := ID{Type: TypeInputProcessor}
	assert.Equal(t, "default", bare.InstanceOrDefault())
}

func TestMessageValidate(t *testing.T) {
	valid := Message{
		MessageID:   "msg-001",
		MessageType: MessageTypeRequest,
		Priority:    PriorityHigh,
	}
	require.NoError(t, valid.Validate())

	short := Message{MessageID: "tiny", MessageType: MessageTypeRequest}
	assert.Error(t, short.Validate())

	badType := Message{MessageID: "msg-002", MessageType: "bogus"}
	assert.Error(t, badType.Validate())

	badPriority := Message{MessageID: "msg-003", MessageType: MessageTypeEvent, Priority: 4}
	assert.Error(t, badPriority.Validate())

	// An unset priority defaults to normal.
	defaulted := Message{MessageID: "msg-004", MessageType: MessageTypeResponse}
	require.NoError(t, defaulted.Validate())
	assert.Equal(t, PriorityNormal, defaulted.Priority)
}

func TestQueueMessageRoundTrip(t *testing.T) {
	qm := &QueueMessage{
		Message: Message{
			MessageID:   "msg-wire-1",
			Sender:      NewID(TypeInputProcessor, ""),
			Recipient:   NewID(TypeWorldBuilder, "shard-1"),
			MessageType: MessageTypeRequest,
			Payload:     map[string]any{"x": float64(1)},
			Priority:    PriorityHigh,
		},
		Priority:         PriorityHigh,
		EnqueuedAt:       1748779200000000,
		DeliveryAttempts: 2,
		LastError:        "transient store failure",
	}

	data, err := EncodeQueueMessage(qm)
	require.NoError(t, err)

	decoded, err := DecodeQueueMessage(data)
	require.NoError(t, err)
	assert.Equal(t, qm, decoded)

	_, err = DecodeQueueMessage([]byte("not json"))
	assert.Error(t, err)
}

func TestReceiveOrderIsHighToLow(t *testing.T) {
	assert.Equal(t, []Priority{PriorityHigh, PriorityNormal, PriorityLow}, ReceiveOrder)
}
