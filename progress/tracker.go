package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/agentcore/events"
)

// Callback observes one workflow's updates.
type Callback func(Snapshot)

// CallbackID identifies a registered callback for later removal.
type CallbackID string

// TrackerConfig holds tracker tuning knobs.
type TrackerConfig struct {
	// AutoPublishUpdates publishes a workflow_progress event on every
	// update.
	AutoPublishUpdates bool `yaml:"auto_publish_updates"`
	// CleanupInterval is the cadence of the stale-workflow sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// WorkflowTimeout fails workflows older than this.
	WorkflowTimeout time.Duration `yaml:"workflow_timeout"`
}

// DefaultTrackerConfig returns the tracker defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		AutoPublishUpdates: true,
		CleanupInterval:    10 * time.Minute,
		WorkflowTimeout:    2 * time.Hour,
	}
}

// Tracker is the in-process registry of active workflows.
type Tracker struct {
	publisher events.Publisher
	cfg       TrackerConfig
	logger    *slog.Logger

	mu        sync.Mutex
	workflows map[string]*workflowState
	callbacks map[string]map[CallbackID]Callback
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	now func() time.Time
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the structured logger.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// WithTrackerClock overrides the wall clock.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker. The publisher may be nil; progress is
// then tracked without event emission.
func NewTracker(publisher events.Publisher, cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.WorkflowTimeout <= 0 {
		cfg.WorkflowTimeout = 2 * time.Hour
	}
	t := &Tracker{
		publisher: publisher,
		cfg:       cfg,
		logger:    slog.Default(),
		workflows: make(map[string]*workflowState),
		callbacks: make(map[string]map[CallbackID]Callback),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the cleanup loop.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go t.cleanupLoop(loopCtx)
	t.logger.Info("Workflow progress tracker started",
		"cleanup_interval", t.cfg.CleanupInterval,
		"workflow_timeout", t.cfg.WorkflowTimeout)
}

// Stop cancels the cleanup loop and completes all remaining workflows
// as part of shutdown.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.cancel()
	done := t.done
	t.mu.Unlock()
	<-done

	for _, id := range t.activeIDs() {
		t.CompleteWorkflow(ctx, id, true, map[string]any{"reason": "tracker_shutdown"})
	}
	t.logger.Info("Workflow progress tracker stopped")
}

// StartOptions declares optional attributes of a new workflow.
type StartOptions struct {
	WorkflowID        string
	UserID            string
	TotalSteps        int
	EstimatedDuration time.Duration
	Milestones        []MilestoneSpec
}

// StartWorkflow registers a workflow and returns its id, publishing the
// initial progress event.
func (t *Tracker) StartWorkflow(ctx context.Context, workflowType string, opts StartOptions) string {
	workflowID := opts.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	t.mu.Lock()
	now := t.now()
	w, exists := t.workflows[workflowID]
	if !exists {
		w = newWorkflowState(workflowID, workflowType, opts.UserID, now)
		t.workflows[workflowID] = w
		t.callbacks[workflowID] = make(map[CallbackID]Callback)
	}
	if opts.TotalSteps > 0 {
		w.totalSteps = opts.TotalSteps
	}
	if opts.EstimatedDuration > 0 {
		w.estimatedCompletion = now.Add(opts.EstimatedDuration)
	}
	for _, spec := range opts.Milestones {
		w.addMilestone(spec)
	}
	snap := w.snapshot(now)
	t.mu.Unlock()

	t.publishProgress(ctx, snap)
	t.logger.Info("Started tracking workflow",
		"workflow_id", workflowID,
		"workflow_type", workflowType)
	return workflowID
}

// Update declares the fields changed by UpdateWorkflowProgress. Nil
// pointers leave the current value untouched.
type Update struct {
	Stage               *Stage
	Status              *Status
	CurrentStep         *string
	CompletedSteps      *int
	TotalSteps          *int
	EstimatedCompletion *time.Time
	Metadata            map[string]any
}

// UpdateWorkflowProgress applies an update and recomputes the progress
// percentage. Returns false for unknown workflows.
func (t *Tracker) UpdateWorkflowProgress(ctx context.Context, workflowID string, update Update) bool {
	t.mu.Lock()
	w, ok := t.workflows[workflowID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("Workflow not found", "workflow_id", workflowID)
		return false
	}
	now := t.now()
	w.lastUpdate = now
	if update.Stage != nil {
		w.currentStage = *update.Stage
	}
	if update.Status != nil {
		w.status = *update.Status
	}
	if update.CurrentStep != nil {
		w.currentStep = *update.CurrentStep
	}
	if update.CompletedSteps != nil {
		w.completedSteps = *update.CompletedSteps
	}
	if update.TotalSteps != nil {
		w.totalSteps = *update.TotalSteps
	}
	if update.EstimatedCompletion != nil {
		w.estimatedCompletion = *update.EstimatedCompletion
	}
	for k, v := range update.Metadata {
		w.metadata[k] = v
	}
	w.recomputeProgress()
	snap := w.snapshot(now)
	t.mu.Unlock()

	t.publishProgress(ctx, snap)
	t.invokeCallbacks(workflowID, snap)
	return true
}

// CompleteMilestone marks a milestone done, recomputes progress, and
// notifies observers.
func (t *Tracker) CompleteMilestone(ctx context.Context, workflowID, milestoneID string, metadata map[string]any) bool {
	t.mu.Lock()
	w, ok := t.workflows[workflowID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("Workflow not found", "workflow_id", workflowID)
		return false
	}
	now := t.now()
	if !w.completeMilestone(milestoneID, metadata, now) {
		t.mu.Unlock()
		return false
	}
	w.lastUpdate = now
	snap := w.snapshot(now)
	t.mu.Unlock()

	t.publishProgress(ctx, snap)
	t.invokeCallbacks(workflowID, snap)
	return true
}

// CompleteWorkflow moves the workflow to its terminal pair, publishes
// the final event, and removes it from the active set.
func (t *Tracker) CompleteWorkflow(ctx context.Context, workflowID string, success bool, finalMetadata map[string]any) bool {
	t.mu.Lock()
	w, ok := t.workflows[workflowID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("Workflow not found", "workflow_id", workflowID)
		return false
	}
	now := t.now()
	w.lastUpdate = now
	if success {
		w.status = StatusCompleted
		w.currentStage = StageCompleted
		w.progressPercentage = 100.0
	} else {
		w.status = StatusFailed
		w.currentStage = StageFailed
	}
	for k, v := range finalMetadata {
		w.metadata[k] = v
	}
	snap := w.snapshot(now)
	final := t.detachCallbacksLocked(workflowID)
	delete(t.workflows, workflowID)
	t.mu.Unlock()

	t.publishProgress(ctx, snap)
	t.runCallbacks(final, snap)
	t.logger.Info("Completed workflow",
		"workflow_id", workflowID,
		"success", success)
	return true
}

// detachCallbacksLocked removes and returns a workflow's callback set so
// observers still see the terminal snapshot. Caller holds the lock.
func (t *Tracker) detachCallbacksLocked(workflowID string) []Callback {
	set := t.callbacks[workflowID]
	delete(t.callbacks, workflowID)
	callbacks := make([]Callback, 0, len(set))
	for _, cb := range set {
		callbacks = append(callbacks, cb)
	}
	return callbacks
}

// FailWorkflow records the error and completes the workflow as failed.
func (t *Tracker) FailWorkflow(ctx context.Context, workflowID, errorMessage string, errorMetadata map[string]any) bool {
	t.mu.Lock()
	w, ok := t.workflows[workflowID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("Workflow not found", "workflow_id", workflowID)
		return false
	}
	w.errorMessage = errorMessage
	for k, v := range errorMetadata {
		w.metadata[k] = v
	}
	t.mu.Unlock()
	return t.CompleteWorkflow(ctx, workflowID, false, nil)
}

// CancelWorkflow moves the workflow to the cancelled pair and removes
// it from the active set.
func (t *Tracker) CancelWorkflow(ctx context.Context, workflowID, reason string) bool {
	t.mu.Lock()
	w, ok := t.workflows[workflowID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	now := t.now()
	w.lastUpdate = now
	w.status = StatusCancelled
	w.currentStage = StageCancelled
	if reason != "" {
		w.metadata["cancel_reason"] = reason
	}
	snap := w.snapshot(now)
	final := t.detachCallbacksLocked(workflowID)
	delete(t.workflows, workflowID)
	t.mu.Unlock()

	t.publishProgress(ctx, snap)
	t.runCallbacks(final, snap)
	t.logger.Info("Cancelled workflow", "workflow_id", workflowID, "reason", reason)
	return true
}

// AddWorkflowCallback registers a per-workflow observer.
func (t *Tracker) AddWorkflowCallback(workflowID string, cb Callback) (CallbackID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.callbacks[workflowID]
	if !ok {
		return "", false
	}
	id := CallbackID(uuid.NewString())
	set[id] = cb
	return id, true
}

// RemoveWorkflowCallback removes a previously registered observer.
func (t *Tracker) RemoveWorkflowCallback(workflowID string, id CallbackID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.callbacks[workflowID]
	if !ok {
		return false
	}
	delete(set, id)
	return true
}

// GetWorkflowStatus returns a snapshot, or nil for unknown workflows.
func (t *Tracker) GetWorkflowStatus(workflowID string) *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.workflows[workflowID]
	if !ok {
		return nil
	}
	snap := w.snapshot(t.now())
	return &snap
}

// GetActiveWorkflows lists active workflows, optionally filtered by
// user.
func (t *Tracker) GetActiveWorkflows(userID string) []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	snapshots := make([]Snapshot, 0, len(t.workflows))
	for _, w := range t.workflows {
		if userID != "" && w.userID != userID {
			continue
		}
		snapshots = append(snapshots, w.snapshot(now))
	}
	return snapshots
}

// TrackerStatistics summarizes the active set.
type TrackerStatistics struct {
	Running           bool           `json:"is_running"`
	ActiveWorkflows   int            `json:"active_workflows"`
	WorkflowsByType   map[string]int `json:"workflows_by_type"`
	WorkflowsByUser   map[string]int `json:"workflows_by_user"`
	WorkflowsByStage  map[string]int `json:"workflows_by_stage"`
	WorkflowsByStatus map[string]int `json:"workflows_by_status"`
}

// Statistics returns aggregate counts over active workflows.
func (t *Tracker) Statistics() TrackerStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := TrackerStatistics{
		Running:           t.running,
		ActiveWorkflows:   len(t.workflows),
		WorkflowsByType:   make(map[string]int),
		WorkflowsByUser:   make(map[string]int),
		WorkflowsByStage:  make(map[string]int),
		WorkflowsByStatus: make(map[string]int),
	}
	for _, w := range t.workflows {
		stats.WorkflowsByType[w.workflowType]++
		user := w.userID
		if user == "" {
			user = "anonymous"
		}
		stats.WorkflowsByUser[user]++
		stats.WorkflowsByStage[string(w.currentStage)]++
		stats.WorkflowsByStatus[string(w.status)]++
	}
	return stats
}

// CleanupStale fails workflows past the timeout or quiet for two
// cleanup intervals. Returns the ids cleaned. The cleanup loop calls
// this every interval; it is exported so operators can force a pass.
func (t *Tracker) CleanupStale(ctx context.Context) []string {
	now := t.now()
	t.mu.Lock()
	var stale []string
	for id, w := range t.workflows {
		if now.Sub(w.startTime) > t.cfg.WorkflowTimeout ||
			now.Sub(w.lastUpdate) > 2*t.cfg.CleanupInterval {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()

	for _, id := range stale {
		t.FailWorkflow(ctx, id, "Workflow timed out or became stale",
			map[string]any{"cleanup_reason": "timeout_or_stale"})
	}
	if len(stale) > 0 {
		t.logger.Info("Cleaned up stale workflows", "count", len(stale))
	}
	return stale
}

func (t *Tracker) cleanupLoop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CleanupStale(ctx)
		}
	}
}

func (t *Tracker) activeIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.workflows))
	for id := range t.workflows {
		ids = append(ids, id)
	}
	return ids
}

func (t *Tracker) publishProgress(ctx context.Context, snap Snapshot) {
	if t.publisher == nil || !t.cfg.AutoPublishUpdates {
		return
	}
	event := events.New(events.TypeWorkflowProgress, map[string]any{
		"workflow_type":        snap.WorkflowType,
		"status":               string(snap.Status),
		"progress_percentage":  snap.ProgressPercentage,
		"current_step":         snap.CurrentStep,
		"total_steps":          snap.TotalSteps,
		"completed_steps":      snap.CompletedSteps,
		"estimated_completion": snap.EstimatedCompletion,
	})
	event.WorkflowID = snap.WorkflowID
	event.UserID = snap.UserID
	if err := t.publisher.Publish(ctx, event); err != nil {
		t.logger.Error("Failed to publish workflow progress event",
			"workflow_id", snap.WorkflowID,
			"error", err)
	}
}

func (t *Tracker) invokeCallbacks(workflowID string, snap Snapshot) {
	t.mu.Lock()
	set := t.callbacks[workflowID]
	callbacks := make([]Callback, 0, len(set))
	for _, cb := range set {
		callbacks = append(callbacks, cb)
	}
	t.mu.Unlock()
	t.runCallbacks(callbacks, snap)
}

func (t *Tracker) runCallbacks(callbacks []Callback, snap Snapshot) {
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("Workflow callback panicked",
						"workflow_id", snap.WorkflowID,
						"panic", r)
				}
			}()
			cb(snap)
		}()
	}
}
