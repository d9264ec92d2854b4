package supervisor

import (
	"time"
)

// RestartTracker counts restarts within a sliding time window. It backs
// the restart ceiling: once the window holds the ceiling, further crashes
// escalate to backoff.
type RestartTracker struct {
	window time.Duration
	times  []time.Time
	now    func() time.Time
}

// NewRestartTracker creates a tracker for the given window.
func NewRestartTracker(window time.Duration) *RestartTracker {
	return &RestartTracker{
		window: window,
		now:    time.Now,
	}
}

// Record registers one restart at the current time.
func (t *RestartTracker) Record() {
	t.prune()
	t.times = append(t.times, t.now())
}

// Count returns the number of restarts within the window.
func (t *RestartTracker) Count() int {
	t.prune()
	return len(t.times)
}

// Reset forgets all recorded restarts.
func (t *RestartTracker) Reset() {
	t.times = t.times[:0]
}

func (t *RestartTracker) prune() {
	cutoff := t.now().Add(-t.window)
	for len(t.times) > 0 && t.times[0].Before(cutoff) {
		t.times = t.times[1:]
	}
}
