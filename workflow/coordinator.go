// Package workflow binds message coordination to workflow progress
// tracking: messages sent on behalf of a workflow advance its progress
// as they are delivered, received, acked and nacked.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/agentcore/agent"
	"github.com/c360studio/agentcore/progress"
)

// MessageCoordinator is the message-plane capability this package
// wraps.
type MessageCoordinator interface {
	Send(ctx context.Context, sender, recipient agent.ID, msg agent.Message) agent.MessageResult
	Broadcast(ctx context.Context, sender agent.ID, msg agent.Message, recipients []agent.ID) []agent.MessageResult
	Receive(ctx context.Context, id agent.ID, visibilityTimeout time.Duration) *agent.ReceivedMessage
	Ack(ctx context.Context, id agent.ID, token string) bool
	Nack(ctx context.Context, id agent.ID, token string, failure agent.FailureType, errMsg string) bool
	ReservedPayload(ctx context.Context, id agent.ID, token string) (*agent.QueueMessage, error)
}

// ProgressTracker is the progress-plane capability this package drives.
type ProgressTracker interface {
	StartWorkflow(ctx context.Context, workflowType string, opts progress.StartOptions) string
	UpdateWorkflowProgress(ctx context.Context, workflowID string, update progress.Update) bool
	CompleteWorkflow(ctx context.Context, workflowID string, success bool, finalMetadata map[string]any) bool
	FailWorkflow(ctx context.Context, workflowID, errorMessage string, errorMetadata map[string]any) bool
	GetWorkflowStatus(workflowID string) *progress.Snapshot
}

// EventCallback observes workflow message events ("message_ack",
// "message_nack") with event-specific payload metadata.
type EventCallback func(eventType string, data map[string]any)

// CallbackID identifies a registered callback for later removal.
type CallbackID string

// Coordinator wraps a MessageCoordinator with workflow bookkeeping.
type Coordinator struct {
	coordinator MessageCoordinator
	tracker     ProgressTracker
	logger      *slog.Logger

	mu                sync.Mutex
	messageToWorkflow map[string]string
	workflowMessages  map[string]map[string]struct{}
	workflowAgents    map[string][]agent.ID
	callbacks         map[string]map[CallbackID]EventCallback
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a workflow-aware coordinator. The tracker may be nil;
// messages then pass through without progress bookkeeping.
func New(coordinator MessageCoordinator, tracker ProgressTracker, opts ...Option) *Coordinator {
	c := &Coordinator{
		coordinator:       coordinator,
		tracker:           tracker,
		logger:            slog.Default(),
		messageToWorkflow: make(map[string]string),
		workflowMessages:  make(map[string]map[string]struct{}),
		workflowAgents:    make(map[string][]agent.ID),
		callbacks:         make(map[string]map[CallbackID]EventCallback),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartWorkflowTracking registers a workflow with one milestone per
// participating agent: the first agent's milestone sits in the
// initializing stage, the last in finalizing, the rest in executing.
// Weights are equal and sum to one.
func (c *Coordinator) StartWorkflowTracking(ctx context.Context, workflowID, workflowType string, participatingAgents []agent.ID, userID string, estimatedMessages int) bool {
	if c.tracker == nil {
		return false
	}

	specs := make([]progress.MilestoneSpec, 0, len(participatingAgents))
	for i, a := range participatingAgents {
		stage := progress.StageExecuting
		switch {
		case i == 0:
			stage = progress.StageInitializing
		case i == len(participatingAgents)-1:
			stage = progress.StageFinalizing
		}
		specs = append(specs, progress.MilestoneSpec{
			Name:        fmt.Sprintf("Agent %s Processing", a.Type),
			Description: fmt.Sprintf("Processing by %s agent", a.Type),
			Stage:       stage,
			Weight:      1.0 / float64(len(participatingAgents)),
		})
	}

	c.tracker.StartWorkflow(ctx, workflowType, progress.StartOptions{
		WorkflowID: workflowID,
		UserID:     userID,
		TotalSteps: estimatedMessages,
		Milestones: specs,
	})

	c.mu.Lock()
	c.workflowAgents[workflowID] = append([]agent.ID(nil), participatingAgents...)
	c.workflowMessages[workflowID] = make(map[string]struct{})
	c.callbacks[workflowID] = make(map[CallbackID]EventCallback)
	c.mu.Unlock()

	c.logger.Info("Started workflow tracking",
		"workflow_id", workflowID,
		"participating_agents", len(participatingAgents))
	return true
}

// SendWorkflowMessage sends through the underlying coordinator and, on
// delivery, binds the message to the workflow and advances its step.
func (c *Coordinator) SendWorkflowMessage(ctx context.Context, sender, recipient agent.ID, msg agent.Message, workflowID string) agent.MessageResult {
	result := c.coordinator.Send(ctx, sender, recipient, msg)
	if workflowID != "" && result.Delivered {
		c.trackMessage(ctx, workflowID, msg.MessageID, sender, recipient)
	}
	return result
}

// BroadcastWorkflowMessage broadcasts through the underlying
// coordinator, binding each delivered copy to the workflow.
func (c *Coordinator) BroadcastWorkflowMessage(ctx context.Context, sender agent.ID, msg agent.Message, recipients []agent.ID, workflowID string) []agent.MessageResult {
	results := c.coordinator.Broadcast(ctx, sender, msg, recipients)
	if workflowID == "" {
		return results
	}
	for i, result := range results {
		if result.Delivered && i < len(recipients) {
			c.trackMessage(ctx, workflowID, msg.MessageID, sender, recipients[i])
		}
	}
	return results
}

// ReceiveWorkflowMessage receives through the underlying coordinator;
// when the message belongs to a workflow, its progress records the
// receipt.
func (c *Coordinator) ReceiveWorkflowMessage(ctx context.Context, id agent.ID, visibilityTimeout time.Duration) *agent.ReceivedMessage {
	received := c.coordinator.Receive(ctx, id, visibilityTimeout)
	if received == nil {
		return nil
	}
	if workflowID := c.workflowFor(received.Msg().MessageID); workflowID != "" {
		c.updateProgress(ctx, workflowID, fmt.Sprintf("Message received by %s", id.Type), nil, map[string]any{
			"received_message_id": received.Msg().MessageID,
			"receiving_agent":     string(id.Type),
			"message_type":        string(received.Msg().MessageType),
		})
	}
	return received
}

// AckWorkflowMessage acknowledges the reservation and advances the
// owning workflow's completed-step count.
func (c *Coordinator) AckWorkflowMessage(ctx context.Context, id agent.ID, token string, workflowResult map[string]any) bool {
	info, err := c.coordinator.ReservedPayload(ctx, id, token)
	if err != nil {
		c.logger.Warn("Reserved payload lookup failed", "token", token, "error", err)
	}

	if !c.coordinator.Ack(ctx, id, token) {
		return false
	}
	if info == nil {
		return true
	}

	workflowID := c.workflowFor(info.Message.MessageID)
	if workflowID == "" {
		return true
	}

	var completedSteps *int
	if c.tracker != nil {
		if snap := c.tracker.GetWorkflowStatus(workflowID); snap != nil {
			steps := snap.CompletedSteps + 1
			completedSteps = &steps
		}
	}
	c.updateProgress(ctx, workflowID, fmt.Sprintf("Message processed by %s", id.Type), completedSteps, map[string]any{
		"processed_message_id": info.Message.MessageID,
		"processing_agent":     string(id.Type),
		"workflow_result":      workflowResult,
	})
	c.invokeCallbacks(workflowID, "message_ack", map[string]any{
		"message_id":      info.Message.MessageID,
		"agent_id":        id.String(),
		"workflow_result": workflowResult,
	})
	return true
}

// NackWorkflowMessage negatively acknowledges the reservation and
// records the failure against the owning workflow.
func (c *Coordinator) NackWorkflowMessage(ctx context.Context, id agent.ID, token string, failure agent.FailureType, errMsg string) bool {
	info, err := c.coordinator.ReservedPayload(ctx, id, token)
	if err != nil {
		c.logger.Warn("Reserved payload lookup failed", "token", token, "error", err)
	}

	if !c.coordinator.Nack(ctx, id, token, failure, errMsg) {
		return false
	}
	if info == nil {
		return true
	}

	workflowID := c.workflowFor(info.Message.MessageID)
	if workflowID == "" {
		return true
	}

	c.updateProgress(ctx, workflowID, fmt.Sprintf("Message failed in %s", id.Type), nil, map[string]any{
		"failed_message_id": info.Message.MessageID,
		"failing_agent":     string(id.Type),
		"failure_type":      string(failure),
		"error_message":     errMsg,
	})
	c.invokeCallbacks(workflowID, "message_nack", map[string]any{
		"message_id":   info.Message.MessageID,
		"agent_id":     id.String(),
		"failure_type": string(failure),
		"error":        errMsg,
	})
	return true
}

// CompleteWorkflow terminates tracking and clears the reverse indexes.
func (c *Coordinator) CompleteWorkflow(ctx context.Context, workflowID string, success bool, finalResult map[string]any, errorMessage string) bool {
	if c.tracker == nil {
		return false
	}

	var ok bool
	if success {
		ok = c.tracker.CompleteWorkflow(ctx, workflowID, true, finalResult)
	} else {
		if errorMessage == "" {
			errorMessage = "Workflow failed"
		}
		ok = c.tracker.FailWorkflow(ctx, workflowID, errorMessage, finalResult)
	}
	if !ok {
		return false
	}

	c.mu.Lock()
	delete(c.workflowAgents, workflowID)
	delete(c.callbacks, workflowID)
	for messageID := range c.workflowMessages[workflowID] {
		delete(c.messageToWorkflow, messageID)
	}
	delete(c.workflowMessages, workflowID)
	c.mu.Unlock()

	c.logger.Info("Completed workflow",
		"workflow_id", workflowID,
		"success", success)
	return true
}

// AddWorkflowCallback registers an observer for workflow message
// events. Returns false for untracked workflows.
func (c *Coordinator) AddWorkflowCallback(workflowID string, cb EventCallback) (CallbackID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.callbacks[workflowID]
	if !ok {
		return "", false
	}
	id := CallbackID(uuid.NewString())
	set[id] = cb
	return id, true
}

// RemoveWorkflowCallback removes a previously registered observer.
func (c *Coordinator) RemoveWorkflowCallback(workflowID string, id CallbackID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.callbacks[workflowID]; ok {
		delete(set, id)
	}
}

// MessageStats summarizes one workflow's message traffic.
type MessageStats struct {
	WorkflowID          string   `json:"workflow_id"`
	TotalMessages       int      `json:"total_messages"`
	ParticipatingAgents int      `json:"participating_agents"`
	AgentTypes          []string `json:"agent_types"`
}

// GetWorkflowMessageStats returns message statistics, or nil for
// untracked workflows.
func (c *Coordinator) GetWorkflowMessageStats(workflowID string) *MessageStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	messages, ok := c.workflowMessages[workflowID]
	if !ok {
		return nil
	}
	agents := c.workflowAgents[workflowID]
	types := make([]string, 0, len(agents))
	for _, a := range agents {
		types = append(types, string(a.Type))
	}
	return &MessageStats{
		WorkflowID:          workflowID,
		TotalMessages:       len(messages),
		ParticipatingAgents: len(agents),
		AgentTypes:          types,
	}
}

func (c *Coordinator) trackMessage(ctx context.Context, workflowID, messageID string, sender, recipient agent.ID) {
	c.mu.Lock()
	c.messageToWorkflow[messageID] = workflowID
	if _, ok := c.workflowMessages[workflowID]; !ok {
		c.workflowMessages[workflowID] = make(map[string]struct{})
	}
	c.workflowMessages[workflowID][messageID] = struct{}{}
	c.mu.Unlock()

	c.updateProgress(ctx, workflowID,
		fmt.Sprintf("Message sent from %s to %s", sender.Type, recipient.Type), nil,
		map[string]any{
			"last_message_id": messageID,
			"last_sender":     string(sender.Type),
			"last_recipient":  string(recipient.Type),
		})
}

func (c *Coordinator) workflowFor(messageID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageToWorkflow[messageID]
}

func (c *Coordinator) updateProgress(ctx context.Context, workflowID, currentStep string, completedSteps *int, metadata map[string]any) {
	if c.tracker == nil {
		return
	}
	c.tracker.UpdateWorkflowProgress(ctx, workflowID, progress.Update{
		CurrentStep:    &currentStep,
		CompletedSteps: completedSteps,
		Metadata:       metadata,
	})
}

func (c *Coordinator) invokeCallbacks(workflowID, eventType string, data map[string]any) {
	c.mu.Lock()
	set := c.callbacks[workflowID]
	callbacks := make([]EventCallback, 0, len(set))
	for _, cb := range set {
		callbacks = append(callbacks, cb)
	}
	c.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Workflow callback panicked",
						"workflow_id", workflowID,
						"event_type", eventType,
						"panic", r)
				}
			}()
			cb(eventType, data)
		}()
	}
}
