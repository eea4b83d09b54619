package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/c360studio/agentcore/events"
	"github.com/c360studio/agentcore/progress"
)

// ProgressSink is the tracker capability the controller drives: one
// workflow per session, completed when the session ends.
type ProgressSink interface {
	StartWorkflow(ctx context.Context, workflowType string, opts progress.StartOptions) string
	CompleteWorkflow(ctx context.Context, workflowID string, success bool, finalMetadata map[string]any) bool
}

// sessionWorkflowType names the tracker workflow seeded per session.
const sessionWorkflowType = "gameplay_session"

// ControllerConfig holds session controller tuning knobs.
type ControllerConfig struct {
	// RecoveryWindow is how long a paused session stays resumable.
	RecoveryWindow time.Duration `yaml:"recovery_window"`
}

// DefaultControllerConfig returns the controller defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{RecoveryWindow: 30 * time.Minute}
}

// Controller owns session lifecycle: start, pause, resume, end, and
// break-point detection. Paused sessions live in a TTL cache bounded by
// the recovery window.
type Controller struct {
	publisher events.Publisher
	tracker   ProgressSink
	cfg       ControllerConfig
	logger    *slog.Logger
	detectors []detector

	mu       sync.Mutex
	sessions map[string]*Session
	paused   *gocache.Cache

	sessionsStarted int
	sessionsResumed int
	sessionsEnded   int
	breaksOffered   int
	breaksTaken     int

	now func() time.Time
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the structured logger.
func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithControllerClock overrides the wall clock.
func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController creates a session controller. Publisher and tracker may
// be nil; the corresponding integrations are then skipped.
func NewController(publisher events.Publisher, tracker ProgressSink, cfg ControllerConfig, opts ...ControllerOption) *Controller {
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 30 * time.Minute
	}
	c := &Controller{
		publisher: publisher,
		tracker:   tracker,
		cfg:       cfg,
		logger:    slog.Default(),
		detectors: defaultDetectors(),
		sessions:  make(map[string]*Session),
		paused:    gocache.New(cfg.RecoveryWindow, cfg.RecoveryWindow),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartSession starts a session for the user, resuming a paused one
// when it is still inside the recovery window. The second return
// reports whether an existing session was resumed.
func (c *Controller) StartSession(ctx context.Context, userID string, config Configuration) (*Session, bool) {
	if snap, ok := c.takePausedByUser(userID); ok {
		s := c.reactivate(snap)
		c.publishSessionEvent(ctx, s, "resumed")
		c.logger.Info("Resumed paused session",
			"session_id", s.SessionID,
			"user_id", userID)
		return s, true
	}

	now := c.now()
	s := &Session{
		SessionID:        uuid.NewString(),
		UserID:           userID,
		State:            StateActive,
		TherapeuticGoals: append([]string(nil), config.TherapeuticGoals...),
		StartTime:        now,
		LastActivity:     now,
		EmotionalState:   make(map[string]float64),
		Context:          make(map[string]any),
		config:           config,
	}

	c.mu.Lock()
	c.sessions[s.SessionID] = s
	c.sessionsStarted++
	c.mu.Unlock()

	if c.tracker != nil {
		c.tracker.StartWorkflow(ctx, sessionWorkflowType, progress.StartOptions{
			WorkflowID:        s.SessionID,
			UserID:            userID,
			EstimatedDuration: config.TargetDuration,
		})
	}
	c.publishSessionEvent(ctx, s, "started")
	c.logger.Info("Started session", "session_id", s.SessionID, "user_id", userID)
	return s, false
}

// PauseSession snapshots the session for later resumption and removes
// it from the active set.
func (c *Controller) PauseSession(ctx context.Context, sessionID string) bool {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok || s.State != StateActive {
		c.mu.Unlock()
		return false
	}
	s.State = StatePaused
	s.LastActivity = c.now()
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	snap := &resumeSnapshot{Session: s, PausedAt: c.now()}
	c.paused.Set(pausedUserKey(s.UserID), snap, gocache.DefaultExpiration)
	c.paused.Set(pausedSessionKey(sessionID), snap, gocache.DefaultExpiration)

	c.publishSessionEvent(ctx, s, "paused")
	c.logger.Info("Paused session", "session_id", sessionID)
	return true
}

// ResumeSession restores a paused session by id and returns a recap of
// where the user left off.
func (c *Controller) ResumeSession(ctx context.Context, sessionID string) (string, bool) {
	value, ok := c.paused.Get(pausedSessionKey(sessionID))
	if !ok {
		return "", false
	}
	snap := value.(*resumeSnapshot)
	c.paused.Delete(pausedSessionKey(sessionID))
	c.paused.Delete(pausedUserKey(snap.Session.UserID))

	s := c.reactivate(snap)
	c.publishSessionEvent(ctx, s, "resumed")

	recap := fmt.Sprintf(
		"Welcome back. You were away for %s; so far you have visited %d scenes and made %d choices.",
		c.now().Sub(snap.PausedAt).Round(time.Second),
		len(s.SceneHistory),
		len(s.ChoiceHistory))
	c.logger.Info("Resumed session", "session_id", sessionID)
	return recap, true
}

// EndSession finishes the session and produces its summary.
func (c *Controller) EndSession(ctx context.Context, sessionID string) (*Summary, bool) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	delete(c.sessions, sessionID)
	s.State = StateEnded
	c.sessionsEnded++
	c.mu.Unlock()

	now := c.now()
	summary := &Summary{
		SessionID:        s.SessionID,
		UserID:           s.UserID,
		StartTime:        s.StartTime,
		EndTime:          now,
		Duration:         now.Sub(s.StartTime),
		ScenesVisited:    len(s.SceneHistory),
		ChoicesMade:      len(s.ChoiceHistory),
		BreaksOffered:    s.breaksOffered,
		BreaksTaken:      s.breaksTaken,
		EngagementScore:  engagementScore(s),
		TherapeuticScore: therapeuticScore(s),
	}

	if c.tracker != nil {
		c.tracker.CompleteWorkflow(ctx, sessionID, true, map[string]any{
			"scenes_visited": summary.ScenesVisited,
			"choices_made":   summary.ChoicesMade,
		})
	}
	c.publishSessionEvent(ctx, s, "ended")
	c.logger.Info("Ended session",
		"session_id", sessionID,
		"duration", summary.Duration,
		"scenes", summary.ScenesVisited,
		"choices", summary.ChoicesMade)
	return summary, true
}

// RecordScene appends a scene to the session's history.
func (c *Controller) RecordScene(sessionID, scene string) bool {
	return c.withActiveSession(sessionID, func(s *Session) {
		s.SceneHistory = append(s.SceneHistory, scene)
	})
}

// RecordChoice appends a choice to the session's history.
func (c *Controller) RecordChoice(sessionID, choice string) bool {
	return c.withActiveSession(sessionID, func(s *Session) {
		s.ChoiceHistory = append(s.ChoiceHistory, choice)
	})
}

// UpdateEmotionalState merges emotional readings into the session.
func (c *Controller) UpdateEmotionalState(sessionID string, readings map[string]float64) bool {
	return c.withActiveSession(sessionID, func(s *Session) {
		for k, v := range readings {
			s.EmotionalState[k] = v
		}
	})
}

// DetectBreakPoints runs every categorized detector against the
// session, records the offers, and surfaces emotional breaks as safety
// events.
func (c *Controller) DetectBreakPoints(ctx context.Context, sessionID string) []BreakPoint {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	now := c.now()
	var found []BreakPoint
	for _, d := range c.detectors {
		if bp := d.detect(s, now); bp != nil {
			found = append(found, *bp)
		}
	}
	s.breaksOffered += len(found)
	c.breaksOffered += len(found)
	userID := s.UserID
	c.mu.Unlock()

	for _, bp := range found {
		if bp.Type != BreakEmotional || c.publisher == nil {
			continue
		}
		event := events.New(events.TypeSafetyCheckTriggered, map[string]any{
			"break_point_id":  bp.BreakPointID,
			"reason":          bp.Reason,
			"appropriateness": bp.Appropriateness,
		})
		event.SessionID = sessionID
		event.UserID = userID
		if err := c.publisher.Publish(ctx, event); err != nil {
			c.logger.Error("Failed to publish safety event", "session_id", sessionID, "error", err)
		}
	}
	return found
}

// RecordBreakResponse records whether the user accepted an offered
// break.
func (c *Controller) RecordBreakResponse(sessionID string, accepted bool) bool {
	return c.withActiveSession(sessionID, func(s *Session) {
		if accepted {
			s.breaksTaken++
			c.breaksTaken++
		}
	})
}

// GetSession returns the active session, or nil.
func (c *Controller) GetSession(sessionID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}

// ControllerStatistics summarizes controller activity.
type ControllerStatistics struct {
	ActiveSessions  int `json:"active_sessions"`
	PausedSessions  int `json:"paused_sessions"`
	SessionsStarted int `json:"sessions_started"`
	SessionsResumed int `json:"sessions_resumed"`
	SessionsEnded   int `json:"sessions_ended"`
	BreaksOffered   int `json:"breaks_offered"`
	BreaksTaken     int `json:"breaks_taken"`
}

// Statistics returns controller counters.
func (c *Controller) Statistics() ControllerStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControllerStatistics{
		ActiveSessions:  len(c.sessions),
		PausedSessions:  c.paused.ItemCount() / 2,
		SessionsStarted: c.sessionsStarted,
		SessionsResumed: c.sessionsResumed,
		SessionsEnded:   c.sessionsEnded,
		BreaksOffered:   c.breaksOffered,
		BreaksTaken:     c.breaksTaken,
	}
}

func (c *Controller) withActiveSession(sessionID string, fn func(*Session)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok || s.State != StateActive {
		return false
	}
	fn(s)
	s.LastActivity = c.now()
	return true
}

func (c *Controller) takePausedByUser(userID string) (*resumeSnapshot, bool) {
	value, ok := c.paused.Get(pausedUserKey(userID))
	if !ok {
		return nil, false
	}
	snap := value.(*resumeSnapshot)
	c.paused.Delete(pausedUserKey(userID))
	c.paused.Delete(pausedSessionKey(snap.Session.SessionID))
	return snap, true
}

func (c *Controller) reactivate(snap *resumeSnapshot) *Session {
	s := snap.Session
	c.mu.Lock()
	s.State = StateActive
	s.LastActivity = c.now()
	c.sessions[s.SessionID] = s
	c.sessionsResumed++
	c.mu.Unlock()
	return s
}

func (c *Controller) publishSessionEvent(ctx context.Context, s *Session, action string) {
	if c.publisher == nil {
		return
	}
	event := events.New(events.TypeSessionUpdate, map[string]any{
		"action":  action,
		"state":   string(s.State),
		"scenes":  len(s.SceneHistory),
		"choices": len(s.ChoiceHistory),
	})
	event.SessionID = s.SessionID
	event.UserID = s.UserID
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Error("Failed to publish session event",
			"session_id", s.SessionID,
			"action", action,
			"error", err)
	}
}

// engagementScore is a coarse [0, 1] reading of how much the user
// interacted, saturating at ten weighted interactions.
func engagementScore(s *Session) float64 {
	score := (float64(len(s.SceneHistory))*0.6 + float64(len(s.ChoiceHistory))*0.4) / 10.0
	if score > 1.0 {
		return 1.0
	}
	return score
}

// therapeuticScore is a coarse [0, 1] reading of goal coverage taken
// from the session context written by the therapeutic integrator.
func therapeuticScore(s *Session) float64 {
	if len(s.TherapeuticGoals) == 0 {
		return 0
	}
	tp, ok := s.Context["therapeutic_progress"].(map[string]any)
	if !ok {
		return 0
	}
	addressed, ok := tp["goals_addressed"].([]string)
	if !ok {
		return 0
	}
	score := float64(len(addressed)) / float64(len(s.TherapeuticGoals))
	if score > 1.0 {
		return 1.0
	}
	return score
}

func pausedUserKey(userID string) string       { return "user:" + userID }
func pausedSessionKey(sessionID string) string { return "session:" + sessionID }
