//go:build linux

package monitor

import (
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// procfsSampler reads memory usage from /proc/{pid}/stat.
type procfsSampler struct{}

func newPlatformSampler() Sampler {
	return &procfsSampler{}
}

func (s *procfsSampler) Sample(pid int) (*Usage, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open /proc entry for PID %d: %w", pid, err)
	}

	stat, err := proc.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to read stat for PID %d: %w", pid, err)
	}

	return &Usage{
		Timestamp:     time.Now(),
		MemoryRSS:     uint64(stat.ResidentMemory()),
		MemoryVirtual: uint64(stat.VirtualMemory()),
	}, nil
}
