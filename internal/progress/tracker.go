package progress

import (
	"fmt"
	"sync"
	"time"
)

// Snapshot is a copy of a tracker's state.
type Snapshot struct {
	Percent                float64   `json:"percent"`
	StageKey               string    `json:"stage_key"`
	StageTitle             string    `json:"stage_title"`
	Message                string    `json:"message"`
	StartTime              time.Time `json:"start_time"`
	LastUpdate             time.Time `json:"last_update"`
	EstimatedTimeRemaining string    `json:"estimated_time_remaining,omitempty"`
}

// Tracker holds the high-water mark of one workflow's progress. Advance never lowers the
// visible value, whatever a tool claims.
type Tracker struct {
	mu         sync.RWMutex
	percent    float64
	stageKey   string
	stageTitle string
	message    string
	startTime  time.Time
	lastUpdate time.Time
	now        func() time.Time
}

// NewTracker creates a tracker starting at 0%.
func NewTracker() *Tracker {
	return newTrackerWithClock(time.Now)
}

func newTrackerWithClock(now func() time.Time) *Tracker {
	started := now()
	return &Tracker{
		startTime:  started,
		lastUpdate: started,
		now:        now,
	}
}

// Advance raises the high-water mark to percent if it is larger and returns the
// resulting visible value.
func (t *Tracker) Advance(percent float64) float64 {
	if percent > 100 {
		percent = 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if percent > t.percent {
		t.percent = percent
	}
	t.lastUpdate = t.now()
	return t.percent
}

// Current returns the visible percent.
func (t *Tracker) Current() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.percent
}

// SetStage records the stage currently running.
func (t *Tracker) SetStage(key, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stageKey = key
	t.stageTitle = title
	t.lastUpdate = t.now()
}

// SetMessage records the latest human status line.
func (t *Tracker) SetMessage(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.message = message
	t.lastUpdate = t.now()
}

// Snapshot returns a copy of the tracker state with an estimate of the time remaining.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		Percent:    t.percent,
		StageKey:   t.stageKey,
		StageTitle: t.stageTitle,
		Message:    t.message,
		StartTime:  t.startTime,
		LastUpdate: t.lastUpdate,
	}

	// Only estimate after some meaningful progress
	if t.percent > 5 && t.percent < 100 {
		elapsed := t.now().Sub(t.startTime)
		totalEstimated := time.Duration(float64(elapsed) * (100.0 / t.percent))
		if remaining := totalEstimated - elapsed; remaining > 0 {
			snap.EstimatedTimeRemaining = formatDuration(remaining)
		}
	}

	return snap
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "< 1m"
	}

	minutes := int(d.Minutes())
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	remainingMinutes := minutes % 60
	if remainingMinutes == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh %dm", hours, remainingMinutes)
}
