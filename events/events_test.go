package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventChannels(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  []string
	}{
		{
			name:  "bare event fans to firehose and type",
			event: Event{EventType: TypeWorkflowProgress},
			want:  []string{"ao:events:all", "ao:events:workflow_progress"},
		},
		{
			name: "fully addressed event",
			event: Event{
				EventType:  TypeMessageAck,
				AgentID:    "world_builder:default",
				UserID:     "user-1",
				WorkflowID: "wf-1",
			},
			want: []string{
				"ao:events:all",
				"ao:events:message_ack",
				"ao:events:agent:world_builder:default",
				"ao:events:user:user-1",
				"ao:events:workflow:wf-1",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Channels("ao:events"))
		})
	}
}

func TestEventEncodeDecode(t *testing.T) {
	event := New(TypeChoiceMade, map[string]any{"choice": "open the door"})
	event.UserID = "user-9"

	data, err := event.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, event.EventID, decoded.EventID)
	assert.Equal(t, TypeChoiceMade, decoded.EventType)
	assert.Equal(t, "user-9", decoded.UserID)

	_, err = Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestLocalBusDispatch(t *testing.T) {
	bus := NewLocalBus("ao:events", nil)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	id := bus.Subscribe(ChannelForType("ao:events", TypeSessionUpdate), func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.EventID)
		return nil
	})
	// A failing handler on the firehose must not affect the others.
	bus.Subscribe(ChannelAll("ao:events"), func(_ context.Context, _ Event) error {
		return errors.New("boom")
	})

	event := New(TypeSessionUpdate, nil)
	require.NoError(t, bus.Publish(ctx, event))

	mu.Lock()
	assert.Equal(t, []string{event.EventID}, seen)
	mu.Unlock()

	bus.Unsubscribe(ChannelForType("ao:events", TypeSessionUpdate), id)
	require.NoError(t, bus.Publish(ctx, New(TypeSessionUpdate, nil)))
	mu.Lock()
	assert.Len(t, seen, 1)
	mu.Unlock()
}

func TestSubscriberReceivesPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	publisher := NewRedisPublisher(rdb, "ao:events", nil)
	subscriber := NewSubscriber(rdb, "ao:events")
	require.NoError(t, subscriber.Start(ctx))
	t.Cleanup(subscriber.Stop)

	received := make(chan Event, 4)
	subscriber.SubscribeToEventType(ctx, TypeWorkflowProgress, func(_ context.Context, e Event) error {
		received <- e
		return nil
	})

	// Give the dynamic subscription a moment to land on the broker.
	require.Eventually(t, func() bool {
		event := New(TypeWorkflowProgress, map[string]any{"progress": 50.0})
		event.WorkflowID = "wf-sub-1"
		if err := publisher.Publish(ctx, event); err != nil {
			return false
		}
		select {
		case got := <-received:
			return got.WorkflowID == "wf-sub-1"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)

	stats := subscriber.Statistics()
	assert.True(t, stats.Running)
	assert.GreaterOrEqual(t, stats.EventsProcessed, int64(1))
	assert.Equal(t, 1, stats.ActiveSubscriptions)
}

func TestSubscriberUnsubscribeReleasesChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	subscriber := NewSubscriber(rdb, "ao:events")
	require.NoError(t, subscriber.Start(ctx))
	t.Cleanup(subscriber.Stop)

	channel := ChannelForUser("ao:events", "user-7")
	id1 := subscriber.SubscribeToUserEvents(ctx, "user-7", func(context.Context, Event) error { return nil })
	id2 := subscriber.SubscribeToUserEvents(ctx, "user-7", func(context.Context, Event) error { return nil })
	assert.Equal(t, 2, subscriber.Statistics().TotalHandlers)

	subscriber.UnsubscribeHandler(ctx, channel, id1)
	assert.Equal(t, 1, subscriber.Statistics().TotalHandlers)

	subscriber.UnsubscribeHandler(ctx, channel, id2)
	assert.Zero(t, subscriber.Statistics().ActiveSubscriptions)
}

func TestSubscriberStopBeforeStart(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	subscriber := NewSubscriber(rdb, "ao:events")
	subscriber.Stop()
}

func TestNATSSubjectMapping(t *testing.T) {
	assert.Equal(t, "ao.events.agent.world_builder.default",
		subjectFor("ao:events:agent:world_builder:default"))
	assert.Equal(t, "ao.events.all", subjectFor("ao:events:all"))
}
