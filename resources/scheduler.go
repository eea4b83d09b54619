package resources

import (
	"log/slog"
	"time"
)

// Priority orders queued workflows. Critical drains first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// schedulingOrder lists priorities in drain order.
var schedulingOrder = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Request asks for resources on behalf of one workflow.
type Request struct {
	WorkflowID           string                   `json:"workflow_id"`
	WorkflowType         string                   `json:"workflow_type"`
	Priority             Priority                 `json:"priority"`
	UserID               string                   `json:"user_id,omitempty"`
	EstimatedDuration    time.Duration            `json:"estimated_duration,omitempty"`
	ResourceRequirements map[ResourceType]float64 `json:"resource_requirements"`
	MaxConcurrentAgents  int                      `json:"max_concurrent_agents"`
	RequestedAt          time.Time                `json:"requested_at"`
	Metadata             map[string]any           `json:"metadata,omitempty"`
}

// Scheduler holds per-priority FIFO queues and the running set. It is
// not safe for concurrent use on its own; the Manager serializes access
// under its lock.
type Scheduler struct {
	maxConcurrent int
	queues        map[Priority][]*Request
	running       map[string]*Request
	logger        *slog.Logger

	totalScheduled int
	totalCompleted int
	totalFailed    int
}

// NewScheduler creates a scheduler admitting at most maxConcurrent
// running workflows.
func NewScheduler(maxConcurrent int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	queues := make(map[Priority][]*Request, len(schedulingOrder))
	for _, p := range schedulingOrder {
		queues[p] = nil
	}
	return &Scheduler{
		maxConcurrent: maxConcurrent,
		queues:        queues,
		running:       make(map[string]*Request),
		logger:        logger,
	}
}

// Enqueue queues a request, rejecting duplicates of a running or
// already queued workflow id.
func (s *Scheduler) Enqueue(request *Request) bool {
	if _, ok := s.running[request.WorkflowID]; ok {
		s.logger.Warn("Workflow already running", "workflow_id", request.WorkflowID)
		return false
	}
	for _, queue := range s.queues {
		for _, queued := range queue {
			if queued.WorkflowID == request.WorkflowID {
				s.logger.Warn("Workflow already queued", "workflow_id", request.WorkflowID)
				return false
			}
		}
	}
	priority := request.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	s.queues[priority] = append(s.queues[priority], request)
	s.logger.Info("Enqueued workflow",
		"workflow_id", request.WorkflowID,
		"priority", priority)
	return true
}

// Next pops the highest-priority queued request, or nil when the
// running set is full or every queue is empty.
func (s *Scheduler) Next() *Request {
	if len(s.running) >= s.maxConcurrent {
		return nil
	}
	for _, priority := range schedulingOrder {
		queue := s.queues[priority]
		if len(queue) == 0 {
			continue
		}
		request := queue[0]
		s.queues[priority] = queue[1:]
		return request
	}
	return nil
}

// requeueFront puts a popped request back at the head of its priority
// queue, preserving its turn when admission briefly fails.
func (s *Scheduler) requeueFront(request *Request) {
	priority := request.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	s.queues[priority] = append([]*Request{request}, s.queues[priority]...)
}

// StartWorkflow marks a request running.
func (s *Scheduler) StartWorkflow(request *Request) bool {
	if len(s.running) >= s.maxConcurrent {
		return false
	}
	s.running[request.WorkflowID] = request
	s.totalScheduled++
	s.logger.Info("Started workflow", "workflow_id", request.WorkflowID)
	return true
}

// CompleteWorkflow removes a workflow from the running set.
func (s *Scheduler) CompleteWorkflow(workflowID string, success bool) bool {
	if _, ok := s.running[workflowID]; !ok {
		return false
	}
	delete(s.running, workflowID)
	if success {
		s.totalCompleted++
	} else {
		s.totalFailed++
	}
	s.logger.Info("Completed workflow",
		"workflow_id", workflowID,
		"success", success)
	return true
}

// RunningCount returns the size of the running set.
func (s *Scheduler) RunningCount() int {
	return len(s.running)
}

// IsRunning reports whether a workflow id is in the running set.
func (s *Scheduler) IsRunning(workflowID string) bool {
	_, ok := s.running[workflowID]
	return ok
}

// QueueStatistics summarizes scheduler state.
type QueueStatistics struct {
	RunningWorkflows int            `json:"running_workflows"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueuedWorkflows  map[string]int `json:"queued_workflows"`
	TotalQueued      int            `json:"total_queued"`
	TotalScheduled   int            `json:"total_scheduled"`
	TotalCompleted   int            `json:"total_completed"`
	TotalFailed      int            `json:"total_failed"`
	SuccessRate      float64        `json:"success_rate"`
}

// Statistics returns scheduling counters and queue depths.
func (s *Scheduler) Statistics() QueueStatistics {
	queued := make(map[string]int, len(s.queues))
	total := 0
	for priority, queue := range s.queues {
		queued[string(priority)] = len(queue)
		total += len(queue)
	}
	scheduled := s.totalScheduled
	if scheduled == 0 {
		scheduled = 1
	}
	return QueueStatistics{
		RunningWorkflows: len(s.running),
		MaxConcurrent:    s.maxConcurrent,
		QueuedWorkflows:  queued,
		TotalQueued:      total,
		TotalScheduled:   s.totalScheduled,
		TotalCompleted:   s.totalCompleted,
		TotalFailed:      s.totalFailed,
		SuccessRate:      float64(s.totalCompleted) / float64(scheduled),
	}
}
