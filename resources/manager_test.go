package resources

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentcore/progress"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

type fakeTracker struct {
	mu      sync.Mutex
	started []string
	active  map[string]bool
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{active: make(map[string]bool)}
}

func (f *fakeTracker) StartWorkflow(_ context.Context, _ string, opts progress.StartOptions) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, opts.WorkflowID)
	f.active[opts.WorkflowID] = true
	return opts.WorkflowID
}

func (f *fakeTracker) GetWorkflowStatus(workflowID string) *progress.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[workflowID] {
		return nil
	}
	return &progress.Snapshot{WorkflowID: workflowID}
}

func (f *fakeTracker) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func request(id string, priority Priority) Request {
	return Request{
		WorkflowID:   id,
		WorkflowType: "narrative_generation",
		Priority:     priority,
	}
}

func TestImmediateAdmission(t *testing.T) {
	tracker := newFakeTracker()
	manager := NewManager(DefaultManagerConfig(), WithTracker(tracker))
	ctx := context.Background()

	require.True(t, manager.RequestWorkflowResources(ctx, request("wf-1", PriorityNormal)))

	stats := manager.Statistics()
	assert.Equal(t, 1, stats.Scheduler.RunningWorkflows)
	assert.Equal(t, 10.0, stats.Pools["cpu"].AllocatedCapacity)
	assert.Equal(t, 512.0, stats.Pools["memory"].AllocatedCapacity)
	assert.Equal(t, 1.0, stats.Pools["concurrent_workflows"].AllocatedCapacity)
	assert.Equal(t, []string{"wf-1"}, tracker.startedIDs())
}

func TestDuplicateRequestRejected(t *testing.T) {
	manager := NewManager(DefaultManagerConfig())
	ctx := context.Background()

	require.True(t, manager.RequestWorkflowResources(ctx, request("wf-dup", PriorityNormal)))
	assert.False(t, manager.RequestWorkflowResources(ctx, request("wf-dup", PriorityHigh)))
}

func TestReleaseReturnsCapacity(t *testing.T) {
	manager := NewManager(DefaultManagerConfig())
	ctx := context.Background()

	require.True(t, manager.RequestWorkflowResources(ctx, request("wf-rel", PriorityNormal)))
	require.True(t, manager.ReleaseWorkflowResources("wf-rel"))

	stats := manager.Statistics()
	assert.Zero(t, stats.Pools["cpu"].AllocatedCapacity)
	assert.Zero(t, stats.Scheduler.RunningWorkflows)
	assert.Equal(t, 1, stats.Scheduler.TotalCompleted)

	assert.False(t, manager.ReleaseWorkflowResources("wf-rel"))
	assert.False(t, manager.ReleaseWorkflowResources("never-seen"))
}

// Tight concurrency: two slots, three workflows. The queued workflow is
// admitted once a running one releases.
func TestAdmissionUnderTightConcurrency(t *testing.T) {
	tracker := newFakeTracker()
	cfg := DefaultManagerConfig()
	cfg.MaxConcurrentWorkflows = 2
	cfg.SchedulingInterval = 10 * time.Millisecond
	manager := NewManager(cfg, WithTracker(tracker))
	ctx := context.Background()

	require.True(t, manager.RequestWorkflowResources(ctx, request("wf-critical", PriorityCritical)))
	require.True(t, manager.RequestWorkflowResources(ctx, request("wf-high", PriorityHigh)))
	// The concurrent_workflows pool is exhausted; this one queues.
	require.True(t, manager.RequestWorkflowResources(ctx, request("wf-normal", PriorityNormal)))

	stats := manager.Statistics()
	assert.Equal(t, 2, stats.Scheduler.RunningWorkflows)
	assert.Equal(t, 1, stats.Scheduler.TotalQueued)
	assert.Equal(t, []string{"wf-critical", "wf-high"}, tracker.startedIDs())

	manager.Start(ctx)
	defer manager.Stop()

	require.True(t, manager.ReleaseWorkflowResources("wf-critical"))
	require.Eventually(t, func() bool {
		s := manager.Statistics()
		return s.Scheduler.RunningWorkflows == 2 && s.Scheduler.TotalQueued == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, tracker.startedIDs(), "wf-normal")
}

func TestPoolConservation(t *testing.T) {
	manager := NewManager(DefaultManagerConfig())
	ctx := context.Background()

	ids := []string{"wf-a", "wf-b", "wf-c", "wf-d"}
	for _, id := range ids {
		manager.RequestWorkflowResources(ctx, request(id, PriorityNormal))
	}
	for _, id := range ids[:2] {
		manager.ReleaseWorkflowResources(id)
	}

	stats := manager.Statistics()
	for resourceType, pool := range stats.Pools {
		assert.GreaterOrEqual(t, pool.AllocatedCapacity, 0.0, resourceType)
		assert.LessOrEqual(t, pool.AllocatedCapacity, pool.TotalCapacity, resourceType)
	}
}

func TestExplicitRequirementsRejectOversizedRequest(t *testing.T) {
	manager := NewManager(DefaultManagerConfig())
	ctx := context.Background()

	oversized := request("wf-big", PriorityCritical)
	oversized.ResourceRequirements = map[ResourceType]float64{ResourceCPU: 150.0}

	// Admission denies and the request is queued; nothing is partially
	// allocated.
	assert.True(t, manager.RequestWorkflowResources(ctx, oversized))
	stats := manager.Statistics()
	assert.Zero(t, stats.Scheduler.RunningWorkflows)
	assert.Equal(t, 1, stats.Scheduler.TotalQueued)
	assert.Zero(t, stats.Pools["cpu"].AllocatedCapacity)
}

func TestCleanupStaleAllocationsWithoutTracker(t *testing.T) {
	clock := newFakeClock()
	manager := NewManager(DefaultManagerConfig(), WithManagerClock(clock.Now))
	ctx := context.Background()

	require.True(t, manager.RequestWorkflowResources(ctx, request("wf-stale", PriorityNormal)))
	clock.Advance(2 * time.Hour)

	stale := manager.CleanupStaleAllocations()
	assert.Equal(t, []string{"wf-stale"}, stale)
	assert.Zero(t, manager.Statistics().ActiveAllocations)
}

func TestCleanupKeepsTrackedWorkflows(t *testing.T) {
	clock := newFakeClock()
	tracker := newFakeTracker()
	manager := NewManager(DefaultManagerConfig(), WithManagerClock(clock.Now), WithTracker(tracker))
	ctx := context.Background()

	require.True(t, manager.RequestWorkflowResources(ctx, request("wf-alive", PriorityNormal)))
	clock.Advance(2 * time.Hour)

	// Still known to the tracker: not stale.
	assert.Empty(t, manager.CleanupStaleAllocations())

	// Tracker forgot it: reclaimed on the next pass.
	tracker.mu.Lock()
	delete(tracker.active, "wf-alive")
	tracker.mu.Unlock()
	assert.Equal(t, []string{"wf-alive"}, manager.CleanupStaleAllocations())
}

func TestManagerStartStop(t *testing.T) {
	manager := NewManager(DefaultManagerConfig())
	ctx := context.Background()
	manager.Start(ctx)
	manager.Start(ctx)
	manager.Stop()
	manager.Stop()
}

func TestSchedulerPriorityOrder(t *testing.T) {
	s := NewScheduler(10, nil)
	require.True(t, s.Enqueue(&Request{WorkflowID: "wf-low", Priority: PriorityLow}))
	require.True(t, s.Enqueue(&Request{WorkflowID: "wf-crit", Priority: PriorityCritical}))
	require.True(t, s.Enqueue(&Request{WorkflowID: "wf-norm", Priority: PriorityNormal}))
	require.True(t, s.Enqueue(&Request{WorkflowID: "wf-high", Priority: PriorityHigh}))

	var order []string
	for r := s.Next(); r != nil; r = s.Next() {
		order = append(order, r.WorkflowID)
	}
	assert.Equal(t, []string{"wf-crit", "wf-high", "wf-norm", "wf-low"}, order)
}

func TestSchedulerRejectsDuplicates(t *testing.T) {
	s := NewScheduler(10, nil)
	require.True(t, s.Enqueue(&Request{WorkflowID: "wf-1", Priority: PriorityNormal}))
	assert.False(t, s.Enqueue(&Request{WorkflowID: "wf-1", Priority: PriorityHigh}))

	r := s.Next()
	require.NotNil(t, r)
	require.True(t, s.StartWorkflow(r))
	assert.False(t, s.Enqueue(&Request{WorkflowID: "wf-1", Priority: PriorityNormal}))
}

func TestSchedulerHonorsMaxConcurrent(t *testing.T) {
	s := NewScheduler(1, nil)
	require.True(t, s.Enqueue(&Request{WorkflowID: "wf-1", Priority: PriorityNormal}))
	require.True(t, s.Enqueue(&Request{WorkflowID: "wf-2", Priority: PriorityNormal}))

	first := s.Next()
	require.NotNil(t, first)
	require.True(t, s.StartWorkflow(first))

	assert.Nil(t, s.Next())
	require.True(t, s.CompleteWorkflow("wf-1", true))
	assert.NotNil(t, s.Next())
	assert.False(t, s.CompleteWorkflow("wf-1", true))
}

func TestLoadBalancerPrefersLeastLoaded(t *testing.T) {
	b := NewLoadBalancer()
	agents := []string{"ipa-1", "ipa-2", "ipa-3"}

	first := b.AssignAgents("wf-1", agents, 2)
	assert.Len(t, first, 2)

	// The unloaded agent must come first for the next workflow.
	second := b.AssignAgents("wf-2", agents, 1)
	require.Len(t, second, 1)
	assert.NotContains(t, first, second[0])

	b.ReleaseAgents("wf-1")
	b.ReleaseAgents("wf-1")

	stats := b.Statistics()
	assert.Equal(t, 1, stats.ActiveAssignments)
	for _, agentID := range first {
		assert.Zero(t, stats.AgentLoads[agentID])
	}
}

func TestLoadBalancerCapsAtAvailable(t *testing.T) {
	b := NewLoadBalancer()
	assigned := b.AssignAgents("wf-1", []string{"only-agent"}, 3)
	assert.Equal(t, []string{"only-agent"}, assigned)
}
