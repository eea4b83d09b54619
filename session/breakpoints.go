package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// detector inspects a session and reports a break point when its
// condition holds.
type detector struct {
	breakType BreakPointType
	detect    func(s *Session, now time.Time) *BreakPoint
}

// defaultDetectors builds the four categorized detectors.
func defaultDetectors() []detector {
	return []detector{
		{breakType: BreakTimeBased, detect: detectTimeBased},
		{breakType: BreakMilestone, detect: detectMilestone},
		{breakType: BreakEmotional, detect: detectEmotional},
		{breakType: BreakSceneTransition, detect: detectSceneTransition},
	}
}

// detectTimeBased fires once the session crosses half its target
// duration, growing more appropriate as the session runs long.
func detectTimeBased(s *Session, now time.Time) *BreakPoint {
	target := s.config.TargetDuration
	if target <= 0 {
		return nil
	}
	threshold := time.Duration(float64(target) * 0.5 * pacingFactor(s.config.Pacing))
	elapsed := now.Sub(s.StartTime)
	if elapsed < threshold {
		return nil
	}
	score := float64(elapsed) / float64(target)
	if score > 1.0 {
		score = 1.0
	}
	return newBreakPoint(BreakTimeBased, now, score,
		fmt.Sprintf("Session running for %s of a %s target", elapsed.Round(time.Minute), target))
}

// detectMilestone fires on every fifth choice, a natural pause in the
// narrative rhythm.
func detectMilestone(s *Session, now time.Time) *BreakPoint {
	choices := len(s.ChoiceHistory)
	if choices == 0 || choices%5 != 0 {
		return nil
	}
	return newBreakPoint(BreakMilestone, now, 0.6,
		fmt.Sprintf("Reached %d choices", choices))
}

// emotionalBreakThreshold is the intensity above which a negative
// emotional reading suggests a pause.
const emotionalBreakThreshold = 0.7

// detectEmotional fires when any tracked negative emotion runs high.
func detectEmotional(s *Session, now time.Time) *BreakPoint {
	for _, key := range []string{"anxiety", "distress", "frustration"} {
		value, ok := s.EmotionalState[key]
		if !ok || value < emotionalBreakThreshold {
			continue
		}
		score := value
		if score > 1.0 {
			score = 1.0
		}
		return newBreakPoint(BreakEmotional, now, score,
			fmt.Sprintf("Elevated %s (%.2f)", key, value))
	}
	return nil
}

// detectSceneTransition fires on every third scene boundary.
func detectSceneTransition(s *Session, now time.Time) *BreakPoint {
	scenes := len(s.SceneHistory)
	if scenes == 0 || scenes%3 != 0 {
		return nil
	}
	return newBreakPoint(BreakSceneTransition, now, 0.5,
		fmt.Sprintf("Scene boundary after %d scenes", scenes))
}

func newBreakPoint(t BreakPointType, now time.Time, score float64, reason string) *BreakPoint {
	return &BreakPoint{
		BreakPointID:    uuid.NewString(),
		Type:            t,
		DetectedAt:      now,
		Appropriateness: score,
		Reason:          reason,
	}
}
