package resources

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/agentcore/progress"
)

var poolUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "agentcore",
	Subsystem: "resources",
	Name:      "pool_utilization_percent",
	Help:      "Allocated plus reserved share of each pool's capacity.",
}, []string{"resource_type"})

// WorkflowTracker is the progress capability the manager drives:
// workflows start tracking at admission and are looked up during stale
// cleanup.
type WorkflowTracker interface {
	StartWorkflow(ctx context.Context, workflowType string, opts progress.StartOptions) string
	GetWorkflowStatus(workflowID string) *progress.Snapshot
}

// ManagerConfig holds resource manager tuning knobs.
type ManagerConfig struct {
	// MaxConcurrentWorkflows caps the running set and sizes the
	// concurrent_workflows pool.
	MaxConcurrentWorkflows int `yaml:"max_concurrent_workflows"`
	// SchedulingInterval is the cadence of the queue-draining loop.
	SchedulingInterval time.Duration `yaml:"scheduling_interval"`
	// MonitoringInterval is the cadence of utilization logging and
	// stale-allocation cleanup.
	MonitoringInterval time.Duration `yaml:"resource_monitoring_interval"`
	// StaleAllocationThreshold is the age past which an allocation with
	// no tracked workflow is reclaimed.
	StaleAllocationThreshold time.Duration `yaml:"stale_allocation_threshold"`
}

// DefaultManagerConfig returns the manager defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrentWorkflows:   10,
		SchedulingInterval:       time.Second,
		MonitoringInterval:       30 * time.Second,
		StaleAllocationThreshold: time.Hour,
	}
}

// Manager owns the resource pools, the scheduler, the load balancer and
// the allocation ledger. All mutable state is guarded by one mutex;
// nothing is held across tracker or store calls.
type Manager struct {
	cfg     ManagerConfig
	tracker WorkflowTracker
	logger  *slog.Logger

	mu          sync.Mutex
	pools       map[ResourceType]*Pool
	scheduler   *Scheduler
	balancer    *LoadBalancer
	allocations map[string][]*Allocation
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	now func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the structured logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerClock overrides the wall clock.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithTracker injects a progress tracker; admitted workflows start
// tracking automatically.
func WithTracker(tracker WorkflowTracker) ManagerOption {
	return func(m *Manager) { m.tracker = tracker }
}

// NewManager creates a resource manager with the six default pools.
func NewManager(cfg ManagerConfig, opts ...ManagerOption) *Manager {
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 10
	}
	if cfg.SchedulingInterval <= 0 {
		cfg.SchedulingInterval = time.Second
	}
	if cfg.MonitoringInterval <= 0 {
		cfg.MonitoringInterval = 30 * time.Second
	}
	if cfg.StaleAllocationThreshold <= 0 {
		cfg.StaleAllocationThreshold = time.Hour
	}
	m := &Manager{
		cfg:         cfg,
		logger:      slog.Default(),
		pools:       defaultPools(cfg.MaxConcurrentWorkflows),
		balancer:    NewLoadBalancer(),
		allocations: make(map[string][]*Allocation),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.scheduler = NewScheduler(cfg.MaxConcurrentWorkflows, m.logger)
	return m
}

// Start launches the scheduling and monitoring loops.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(2)
	go m.schedulingLoop(loopCtx)
	go m.monitoringLoop(loopCtx)
	m.logger.Info("Workflow resource manager started",
		"max_concurrent_workflows", m.cfg.MaxConcurrentWorkflows)
}

// Stop cancels both loops and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Workflow resource manager stopped")
}

// RequestWorkflowResources admits the workflow immediately when every
// required pool has capacity, otherwise queues it by priority. Missing
// requirements get the standard defaults.
func (m *Manager) RequestWorkflowResources(ctx context.Context, request Request) bool {
	if request.MaxConcurrentAgents <= 0 {
		request.MaxConcurrentAgents = 5
	}
	if request.Priority == "" {
		request.Priority = PriorityNormal
	}
	if request.ResourceRequirements == nil {
		request.ResourceRequirements = map[ResourceType]float64{
			ResourceCPU:                 10.0,
			ResourceMemory:              512.0,
			ResourceAgentSlots:          float64(request.MaxConcurrentAgents),
			ResourceConcurrentWorkflows: 1.0,
		}
	}
	if request.RequestedAt.IsZero() {
		request.RequestedAt = m.now()
	}

	m.mu.Lock()
	if m.scheduler.IsRunning(request.WorkflowID) || len(m.allocations[request.WorkflowID]) > 0 {
		m.mu.Unlock()
		m.logger.Warn("Workflow already holds resources", "workflow_id", request.WorkflowID)
		return false
	}
	if !m.canAllocateLocked(&request) {
		ok := m.scheduler.Enqueue(&request)
		m.mu.Unlock()
		return ok
	}
	m.allocateLocked(&request)
	m.mu.Unlock()

	m.startTracking(ctx, &request)
	return true
}

// ReleaseWorkflowResources returns every pool amount the workflow held
// and marks it completed in the scheduler.
func (m *Manager) ReleaseWorkflowResources(workflowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(workflowID)
}

func (m *Manager) releaseLocked(workflowID string) bool {
	allocations, ok := m.allocations[workflowID]
	if !ok {
		return false
	}
	delete(m.allocations, workflowID)
	for _, allocation := range allocations {
		pool := m.pools[allocation.ResourceType]
		pool.AllocatedCapacity -= allocation.AllocatedAmount
		if pool.AllocatedCapacity < 0 {
			pool.AllocatedCapacity = 0
		}
	}
	m.scheduler.CompleteWorkflow(workflowID, true)
	m.balancer.ReleaseAgents(workflowID)
	m.logger.Info("Released workflow resources", "workflow_id", workflowID)
	return true
}

func (m *Manager) canAllocateLocked(request *Request) bool {
	for resourceType, amount := range request.ResourceRequirements {
		pool, ok := m.pools[resourceType]
		if !ok || !pool.CanAllocate(amount) {
			return false
		}
	}
	return true
}

func (m *Manager) allocateLocked(request *Request) {
	now := m.now()
	allocations := make([]*Allocation, 0, len(request.ResourceRequirements))
	for resourceType, amount := range request.ResourceRequirements {
		pool := m.pools[resourceType]
		pool.AllocatedCapacity += amount
		allocations = append(allocations, &Allocation{
			WorkflowID:      request.WorkflowID,
			ResourceType:    resourceType,
			AllocatedAmount: amount,
			MaxAmount:       pool.TotalCapacity,
			AllocatedAt:     now,
			LastUsed:        now,
		})
	}
	m.allocations[request.WorkflowID] = allocations
	m.scheduler.StartWorkflow(request)
	m.logger.Info("Allocated workflow resources",
		"workflow_id", request.WorkflowID,
		"priority", request.Priority)
}

func (m *Manager) startTracking(ctx context.Context, request *Request) {
	if m.tracker == nil {
		return
	}
	m.tracker.StartWorkflow(ctx, request.WorkflowType, progress.StartOptions{
		WorkflowID:        request.WorkflowID,
		UserID:            request.UserID,
		EstimatedDuration: request.EstimatedDuration,
	})
}

// AssignAgents distributes the workflow across the least loaded of the
// available agents.
func (m *Manager) AssignAgents(workflowID string, availableAgents []string, required int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balancer.AssignAgents(workflowID, availableAgents, required)
}

// ReleaseAgents drops the workflow's agent assignment.
func (m *Manager) ReleaseAgents(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balancer.ReleaseAgents(workflowID)
}

// schedulingLoop drains the priority queues as capacity frees up.
func (m *Manager) schedulingLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SchedulingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if request := m.scheduleNext(); request != nil {
				m.startTracking(ctx, request)
			}
		}
	}
}

// scheduleNext pops one queued request and admits it when its pools
// have capacity. A popped request that does not fit goes back to the
// front of its queue so it is not lost.
func (m *Manager) scheduleNext() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	request := m.scheduler.Next()
	if request == nil {
		return nil
	}
	if !m.canAllocateLocked(request) {
		m.scheduler.requeueFront(request)
		return nil
	}
	m.allocateLocked(request)
	return request
}

// monitoringLoop logs utilization and reclaims stale allocations.
func (m *Manager) monitoringLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MonitoringInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.monitorUtilization()
			m.CleanupStaleAllocations()
		}
	}
}

func (m *Manager) monitorUtilization() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for resourceType, pool := range m.pools {
		utilization := pool.Utilization()
		poolUtilization.WithLabelValues(string(resourceType)).Set(utilization)
		if utilization > 90.0 {
			m.logger.Warn("High resource utilization",
				"resource_type", resourceType,
				"utilization_percent", utilization)
		}
	}
}

// CleanupStaleAllocations releases workflows whose oldest allocation
// exceeds the stale threshold and which the tracker no longer knows
// about (or when no tracker is configured). Returns the ids released.
func (m *Manager) CleanupStaleAllocations() []string {
	now := m.now()

	m.mu.Lock()
	var candidates []string
	for workflowID, allocations := range m.allocations {
		if len(allocations) == 0 {
			continue
		}
		oldest := allocations[0].AllocatedAt
		for _, a := range allocations[1:] {
			if a.AllocatedAt.Before(oldest) {
				oldest = a.AllocatedAt
			}
		}
		if now.Sub(oldest) > m.cfg.StaleAllocationThreshold {
			candidates = append(candidates, workflowID)
		}
	}
	m.mu.Unlock()

	var stale []string
	for _, workflowID := range candidates {
		if m.tracker != nil && m.tracker.GetWorkflowStatus(workflowID) != nil {
			continue
		}
		m.mu.Lock()
		released := m.releaseLocked(workflowID)
		m.mu.Unlock()
		if released {
			stale = append(stale, workflowID)
			m.logger.Info("Cleaned up stale workflow", "workflow_id", workflowID)
		}
	}
	return stale
}

// PoolStatistics is the per-pool slice of manager statistics.
type PoolStatistics struct {
	TotalCapacity      float64 `json:"total_capacity"`
	AllocatedCapacity  float64 `json:"allocated_capacity"`
	AvailableCapacity  float64 `json:"available_capacity"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// ManagerStatistics is a snapshot of the manager's state.
type ManagerStatistics struct {
	Running                 bool                      `json:"is_running"`
	Pools                   map[string]PoolStatistics `json:"resource_pools"`
	Scheduler               QueueStatistics           `json:"scheduler_stats"`
	LoadBalancer            LoadStatistics            `json:"load_balancer_stats"`
	ActiveAllocations       int                       `json:"active_allocations"`
	TotalAllocatedWorkflows int                       `json:"total_allocated_workflows"`
}

// Statistics returns a consistent snapshot of pools, scheduler and
// balancer state.
func (m *Manager) Statistics() ManagerStatistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	pools := make(map[string]PoolStatistics, len(m.pools))
	for resourceType, pool := range m.pools {
		pools[string(resourceType)] = PoolStatistics{
			TotalCapacity:      pool.TotalCapacity,
			AllocatedCapacity:  pool.AllocatedCapacity,
			AvailableCapacity:  pool.Available(),
			UtilizationPercent: pool.Utilization(),
		}
	}
	totalAllocations := 0
	for _, allocations := range m.allocations {
		totalAllocations += len(allocations)
	}
	return ManagerStatistics{
		Running:                 m.running,
		Pools:                   pools,
		Scheduler:               m.scheduler.Statistics(),
		LoadBalancer:            m.balancer.Statistics(),
		ActiveAllocations:       len(m.allocations),
		TotalAllocatedWorkflows: totalAllocations,
	}
}

// Pool returns a copy of one pool's ledger, for observability surfaces.
func (m *Manager) Pool(resourceType ResourceType) (Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[resourceType]
	if !ok {
		return Pool{}, false
	}
	return *pool, true
}
