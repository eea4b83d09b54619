package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentcore/agent"
	"github.com/c360studio/agentcore/coordinator"
	"github.com/c360studio/agentcore/progress"
)

var (
	sender    = agent.NewID(agent.TypeInputProcessor, "")
	recipient = agent.NewID(agent.TypeWorldBuilder, "")
)

func newTestCoordinator(t *testing.T) (*Coordinator, *progress.Tracker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	inner := coordinator.New(rdb, coordinator.DefaultConfig())
	tracker := progress.NewTracker(nil, progress.DefaultTrackerConfig())
	return New(inner, tracker), tracker
}

func testMessage(id string) agent.Message {
	return agent.Message{
		MessageID:   id,
		MessageType: agent.MessageTypeRequest,
		Priority:    agent.PriorityNormal,
	}
}

func participants() []agent.ID {
	return []agent.ID{
		agent.NewID(agent.TypeInputProcessor, ""),
		agent.NewID(agent.TypeWorldBuilder, ""),
		agent.NewID(agent.TypeNarrativeGenerator, ""),
	}
}

func TestStartWorkflowTrackingSeedsMilestones(t *testing.T) {
	wc, tracker := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, wc.StartWorkflowTracking(ctx, "wf-1", "story_generation", participants(), "user-1", 6))

	snap := tracker.GetWorkflowStatus("wf-1")
	require.NotNil(t, snap)
	require.Len(t, snap.Milestones, 3)
	assert.Equal(t, progress.StageInitializing, snap.Milestones[0].Stage)
	assert.Equal(t, progress.StageExecuting, snap.Milestones[1].Stage)
	assert.Equal(t, progress.StageFinalizing, snap.Milestones[2].Stage)

	var totalWeight float64
	for _, m := range snap.Milestones {
		totalWeight += m.Weight
	}
	assert.InDelta(t, 1.0, totalWeight, 0.001)
	assert.Equal(t, 6, snap.TotalSteps)
	assert.Equal(t, "user-1", snap.UserID)
}

func TestStartWorkflowTrackingWithoutTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	wc := New(coordinator.New(rdb, coordinator.DefaultConfig()), nil)

	assert.False(t, wc.StartWorkflowTracking(context.Background(), "wf-x", "t", participants(), "", 0))
}

func TestSendBindsMessageToWorkflow(t *testing.T) {
	wc, tracker := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, wc.StartWorkflowTracking(ctx, "wf-2", "story_generation", participants(), "", 4))

	result := wc.SendWorkflowMessage(ctx, sender, recipient, testMessage("msg-wf-1"), "wf-2")
	require.True(t, result.Delivered)

	snap := tracker.GetWorkflowStatus("wf-2")
	require.NotNil(t, snap)
	assert.Equal(t, "Message sent from input_processor to world_builder", snap.CurrentStep)

	stats := wc.GetWorkflowMessageStats("wf-2")
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.TotalMessages)
	assert.Equal(t, 3, stats.ParticipatingAgents)
}

func TestReceiveUpdatesProgress(t *testing.T) {
	wc, tracker := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, wc.StartWorkflowTracking(ctx, "wf-3", "story_generation", participants(), "", 4))
	wc.SendWorkflowMessage(ctx, sender, recipient, testMessage("msg-wf-2"), "wf-3")

	received := wc.ReceiveWorkflowMessage(ctx, recipient, 5*time.Second)
	require.NotNil(t, received)

	snap := tracker.GetWorkflowStatus("wf-3")
	require.NotNil(t, snap)
	assert.Equal(t, "Message received by world_builder", snap.CurrentStep)
}

func TestAckAdvancesCompletedSteps(t *testing.T) {
	wc, tracker := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, wc.StartWorkflowTracking(ctx, "wf-4", "story_generation", participants(), "", 4))
	wc.SendWorkflowMessage(ctx, sender, recipient, testMessage("msg-wf-3"), "wf-4")
	received := wc.ReceiveWorkflowMessage(ctx, recipient, 5*time.Second)
	require.NotNil(t, received)

	var mu sync.Mutex
	var callbackEvents []string
	_, ok := wc.AddWorkflowCallback("wf-4", func(eventType string, _ map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		callbackEvents = append(callbackEvents, eventType)
	})
	require.True(t, ok)

	require.True(t, wc.AckWorkflowMessage(ctx, recipient, received.Token, map[string]any{"result": "done"}))

	snap := tracker.GetWorkflowStatus("wf-4")
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.CompletedSteps)
	assert.Equal(t, "Message processed by world_builder", snap.CurrentStep)
	assert.InDelta(t, 25.0, snap.ProgressPercentage, 0.001)

	mu.Lock()
	assert.Equal(t, []string{"message_ack"}, callbackEvents)
	mu.Unlock()
}

func TestNackRecordsFailure(t *testing.T) {
	wc, tracker := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, wc.StartWorkflowTracking(ctx, "wf-5", "story_generation", participants(), "", 4))
	wc.SendWorkflowMessage(ctx, sender, recipient, testMessage("msg-wf-4"), "wf-5")
	received := wc.ReceiveWorkflowMessage(ctx, recipient, 5*time.Second)
	require.NotNil(t, received)

	var mu sync.Mutex
	var seenData map[string]any
	wc.AddWorkflowCallback("wf-5", func(eventType string, data map[string]any) {
		if eventType == "message_nack" {
			mu.Lock()
			seenData = data
			mu.Unlock()
		}
	})

	require.True(t, wc.NackWorkflowMessage(ctx, recipient, received.Token, agent.FailureTransient, "model overloaded"))

	snap := tracker.GetWorkflowStatus("wf-5")
	require.NotNil(t, snap)
	assert.Equal(t, "Message failed in world_builder", snap.CurrentStep)

	mu.Lock()
	require.NotNil(t, seenData)
	assert.Equal(t, "transient", seenData["failure_type"])
	assert.Equal(t, "model overloaded", seenData["error"])
	mu.Unlock()
}

func TestCompleteWorkflowClearsIndexes(t *testing.T) {
	wc, tracker := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, wc.StartWorkflowTracking(ctx, "wf-6", "story_generation", participants(), "", 2))
	wc.SendWorkflowMessage(ctx, sender, recipient, testMessage("msg-wf-5"), "wf-6")

	require.True(t, wc.CompleteWorkflow(ctx, "wf-6", true, map[string]any{"scenes": 3}, ""))
	assert.Nil(t, tracker.GetWorkflowStatus("wf-6"))
	assert.Nil(t, wc.GetWorkflowMessageStats("wf-6"))

	// Later traffic for the forgotten message no longer touches progress.
	received := wc.ReceiveWorkflowMessage(ctx, recipient, 5*time.Second)
	require.NotNil(t, received)
	require.True(t, wc.AckWorkflowMessage(ctx, recipient, received.Token, nil))
}

func TestCompleteWorkflowFailurePath(t *testing.T) {
	wc, tracker := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, wc.StartWorkflowTracking(ctx, "wf-7", "story_generation", participants(), "", 2))

	var final progress.Snapshot
	trackerCallback := func(snap progress.Snapshot) { final = snap }
	_, ok := tracker.AddWorkflowCallback("wf-7", trackerCallback)
	require.True(t, ok)

	require.True(t, wc.CompleteWorkflow(ctx, "wf-7", false, nil, "narrative generation failed"))
	assert.Equal(t, progress.StatusFailed, final.Status)
	assert.Equal(t, "narrative generation failed", final.ErrorMessage)
}

func TestUntrackedMessagesPassThrough(t *testing.T) {
	wc, _ := newTestCoordinator(t)
	ctx := context.Background()

	result := wc.SendWorkflowMessage(ctx, sender, recipient, testMessage("msg-plain"), "")
	require.True(t, result.Delivered)

	received := wc.ReceiveWorkflowMessage(ctx, recipient, 5*time.Second)
	require.NotNil(t, received)
	assert.True(t, wc.AckWorkflowMessage(ctx, recipient, received.Token, nil))
}

func TestBroadcastWorkflowMessage(t *testing.T) {
	wc, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, wc.StartWorkflowTracking(ctx, "wf-8", "story_generation", participants(), "", 4))

	recipients := []agent.ID{
		agent.NewID(agent.TypeWorldBuilder, ""),
		agent.NewID(agent.TypeNarrativeGenerator, ""),
	}
	results := wc.BroadcastWorkflowMessage(ctx, sender, testMessage("msg-wf-bcast"), recipients, "wf-8")
	require.Len(t, results, 2)

	stats := wc.GetWorkflowMessageStats("wf-8")
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.TotalMessages)
}

func TestAddCallbackToUnknownWorkflow(t *testing.T) {
	wc, _ := newTestCoordinator(t)
	_, ok := wc.AddWorkflowCallback("never-started", func(string, map[string]any) {})
	assert.False(t, ok)
}
