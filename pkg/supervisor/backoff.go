package supervisor

import (
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/proctools/sentinel/pkg/spec"
)

// backoffJitterPct is the jitter applied to each delay, as a fraction of
// the delay (0.2 means ±10%). Jitter keeps a set of crashing processes
// from restarting in lockstep.
const backoffJitterPct = 0.2

// stableUptimeThreshold is the minimum uptime after which an instance is
// considered stable and the backoff counter resets on the next failure.
const stableUptimeThreshold = 30 * time.Second

// Backoff calculates capped exponential backoff delays with jitter.
// Each instance is seeded from its process name for deterministic jitter.
type Backoff struct {
	initial  time.Duration
	max      time.Duration
	rate     float64
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a backoff calculator from a spec's restart config.
func NewBackoff(name string, config spec.RestartConfig) *Backoff {
	hasher := fnv.New64a()
	hasher.Write([]byte(name))

	return &Backoff{
		initial: config.BackoffInitial,
		max:     config.BackoffMax,
		rate:    config.BackoffRate,
		rng:     rand.New(rand.NewSource(int64(hasher.Sum64()))),
	}
}

// Next returns the next backoff delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current backoff delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	delay := float64(b.initial) * math.Pow(b.rate, float64(b.attempts))

	if delay > float64(b.max) {
		delay = float64(b.max)
	}

	if backoffJitterPct > 0 {
		jitterRange := delay * backoffJitterPct
		delay += jitterRange*b.rng.Float64() - jitterRange/2
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Reset resets the attempt counter to zero.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the current attempt count.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// ShouldResetAfter reports whether a completed run was stable enough to
// forget accumulated backoff: a decent uptime or a clean exit.
func ShouldResetAfter(uptime time.Duration, reason ExitReason) bool {
	if uptime >= stableUptimeThreshold {
		return true
	}
	return reason.Kind == ExitReasonExit && reason.ExitCode == 0
}
