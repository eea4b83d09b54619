// Package progress tracks active workflows: weighted milestones, step
// counters, derived completion percentages, per-workflow callbacks, and
// a cleanup loop that fails workflows that timed out or went quiet.
package progress

import (
	"time"

	"github.com/google/uuid"
)

// Stage is a workflow's execution phase.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StagePlanning     Stage = "planning"
	StageExecuting    Stage = "executing"
	StageValidating   Stage = "validating"
	StageFinalizing   Stage = "finalizing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"
)

// Status is a workflow's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Milestone is a weighted named checkpoint contributing to a workflow's
// progress percentage.
type Milestone struct {
	MilestoneID string         `json:"milestone_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Stage       Stage          `json:"stage"`
	Weight      float64        `json:"weight"`
	Completed   bool           `json:"completed"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Duration    *time.Duration `json:"duration,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MilestoneSpec declares a milestone at workflow start.
type MilestoneSpec struct {
	MilestoneID string
	Name        string
	Description string
	Stage       Stage
	Weight      float64
}

// workflowState is the tracker-owned mutable record for one workflow.
type workflowState struct {
	workflowID          string
	workflowType        string
	userID              string
	startTime           time.Time
	lastUpdate          time.Time
	currentStage        Stage
	status              Status
	progressPercentage  float64
	milestones          []*Milestone
	currentStep         string
	totalSteps          int
	completedSteps      int
	estimatedCompletion time.Time
	metadata            map[string]any
	errorMessage        string
}

func newWorkflowState(workflowID, workflowType, userID string, now time.Time) *workflowState {
	return &workflowState{
		workflowID:   workflowID,
		workflowType: workflowType,
		userID:       userID,
		startTime:    now,
		lastUpdate:   now,
		currentStage: StageInitializing,
		status:       StatusRunning,
		metadata:     make(map[string]any),
	}
}

func (w *workflowState) addMilestone(spec MilestoneSpec) string {
	id := spec.MilestoneID
	if id == "" {
		id = uuid.NewString()
	}
	weight := spec.Weight
	if weight == 0 {
		weight = 1.0
	}
	w.milestones = append(w.milestones, &Milestone{
		MilestoneID: id,
		Name:        spec.Name,
		Description: spec.Description,
		Stage:       spec.Stage,
		Weight:      weight,
		Metadata:    make(map[string]any),
	})
	return id
}

func (w *workflowState) completeMilestone(milestoneID string, metadata map[string]any, now time.Time) bool {
	for _, m := range w.milestones {
		if m.MilestoneID != milestoneID {
			continue
		}
		if !m.Completed {
			m.Completed = true
			at := now
			m.CompletedAt = &at
			d := now.Sub(w.startTime)
			m.Duration = &d
		}
		for k, v := range metadata {
			m.Metadata[k] = v
		}
		w.recomputeProgress()
		return true
	}
	return false
}

// recomputeProgress derives the percentage from whichever view is
// further along: weighted milestones or step counters. Clamped to
// [0, 100].
func (w *workflowState) recomputeProgress() {
	var milestoneProgress float64
	if len(w.milestones) > 0 {
		var total, completed float64
		for _, m := range w.milestones {
			total += m.Weight
			if m.Completed {
				completed += m.Weight
			}
		}
		if total > 0 {
			milestoneProgress = completed / total * 100.0
		}
	}

	var stepProgress float64
	if w.totalSteps > 0 {
		stepProgress = float64(w.completedSteps) / float64(w.totalSteps) * 100.0
	}

	w.progressPercentage = milestoneProgress
	if stepProgress > w.progressPercentage {
		w.progressPercentage = stepProgress
	}
	if w.progressPercentage > 100.0 {
		w.progressPercentage = 100.0
	}
}

// estimatedRemaining extrapolates time left: from the declared
// completion estimate when present, otherwise linearly from elapsed
// time and current progress. Returns zero when unknown.
func (w *workflowState) estimatedRemaining(now time.Time) time.Duration {
	if !w.estimatedCompletion.IsZero() {
		if remaining := w.estimatedCompletion.Sub(now); remaining > 0 {
			return remaining
		}
		return 0
	}
	if w.progressPercentage > 0 {
		elapsed := now.Sub(w.startTime)
		total := time.Duration(float64(elapsed) / (w.progressPercentage / 100.0))
		if remaining := total - elapsed; remaining > 0 {
			return remaining
		}
	}
	return 0
}

func (w *workflowState) snapshot(now time.Time) Snapshot {
	milestones := make([]Milestone, 0, len(w.milestones))
	completed := 0
	for _, m := range w.milestones {
		milestones = append(milestones, *m)
		if m.Completed {
			completed++
		}
	}
	metadata := make(map[string]any, len(w.metadata))
	for k, v := range w.metadata {
		metadata[k] = v
	}
	return Snapshot{
		WorkflowID:          w.workflowID,
		WorkflowType:        w.workflowType,
		UserID:              w.userID,
		StartTime:           w.startTime,
		LastUpdate:          w.lastUpdate,
		CurrentStage:        w.currentStage,
		Status:              w.status,
		ProgressPercentage:  w.progressPercentage,
		Milestones:          milestones,
		CompletedMilestones: completed,
		PendingMilestones:   len(milestones) - completed,
		CurrentStep:         w.currentStep,
		TotalSteps:          w.totalSteps,
		CompletedSteps:      w.completedSteps,
		EstimatedCompletion: w.estimatedCompletion,
		EstimatedRemaining:  w.estimatedRemaining(now),
		Duration:            now.Sub(w.startTime),
		Metadata:            metadata,
		ErrorMessage:        w.errorMessage,
	}
}

// Snapshot is the externally visible view of one workflow's progress.
type Snapshot struct {
	WorkflowID          string         `json:"workflow_id"`
	WorkflowType        string         `json:"workflow_type"`
	UserID              string         `json:"user_id,omitempty"`
	StartTime           time.Time      `json:"start_time"`
	LastUpdate          time.Time      `json:"last_update"`
	CurrentStage        Stage          `json:"current_stage"`
	Status              Status         `json:"status"`
	ProgressPercentage  float64        `json:"progress_percentage"`
	Milestones          []Milestone    `json:"milestones,omitempty"`
	CompletedMilestones int            `json:"completed_milestones"`
	PendingMilestones   int            `json:"pending_milestones"`
	CurrentStep         string         `json:"current_step,omitempty"`
	TotalSteps          int            `json:"total_steps,omitempty"`
	CompletedSteps      int            `json:"completed_steps"`
	EstimatedCompletion time.Time      `json:"estimated_completion,omitzero"`
	EstimatedRemaining  time.Duration  `json:"estimated_remaining"`
	Duration            time.Duration  `json:"duration"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
}
