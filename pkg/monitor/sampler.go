package monitor

import (
	"time"
)

// Usage is a point-in-time resource sample for one process.
type Usage struct {
	Timestamp     time.Time
	MemoryRSS     uint64 // resident set size in bytes
	MemoryVirtual uint64 // virtual size in bytes
}

// Sampler reads resource usage for a PID. Implementations are
// platform-specific; the supervisor only ever sees Usage values.
type Sampler interface {
	Sample(pid int) (*Usage, error)
}

// NewSampler returns the sampler for the current platform.
func NewSampler() Sampler {
	return newPlatformSampler()
}
