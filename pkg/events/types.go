package events

import (
	"time"
)

// Event type codes for the kelindar/event dispatcher
const (
	TypeProcessStarted uint32 = iota + 1
	TypeProcessExited
	TypeProcessRestarting
	TypeMemoryLimitExceeded
	TypeWatchTriggered
	TypeStatusSample
)

// Event is the common interface of all supervisor events
type Event interface {
	Type() uint32
}

// ProcessStartedEvent fires when a process instance reaches the running state
type ProcessStartedEvent struct {
	Name      string
	PID       int
	Timestamp time.Time
}

func (ProcessStartedEvent) Type() uint32 { return TypeProcessStarted }

// ProcessExitedEvent fires when a process instance leaves the process table
type ProcessExitedEvent struct {
	Name      string
	PID       int
	ExitCode  int
	Signaled  bool
	Uptime    time.Duration
	Timestamp time.Time
}

func (ProcessExitedEvent) Type() uint32 { return TypeProcessExited }

// ProcessRestartingEvent fires before a restart attempt
type ProcessRestartingEvent struct {
	Name      string
	Attempt   int
	Delay     time.Duration
	Reason    string
	Timestamp time.Time
}

func (ProcessRestartingEvent) Type() uint32 { return TypeProcessRestarting }

// MemoryLimitExceededEvent fires when resident memory breaches the spec limit
type MemoryLimitExceededEvent struct {
	Name      string
	PID       int
	MemoryRSS uint64
	Limit     uint64
	Timestamp time.Time
}

func (MemoryLimitExceededEvent) Type() uint32 { return TypeMemoryLimitExceeded }

// WatchTriggeredEvent fires when a filesystem change requests a restart
type WatchTriggeredEvent struct {
	Name      string
	Dir       string
	Timestamp time.Time
}

func (WatchTriggeredEvent) Type() uint32 { return TypeWatchTriggered }

// StatusSampleEvent carries one monitoring sample
type StatusSampleEvent struct {
	Name      string
	PID       int
	Alive     bool
	MemoryRSS uint64
	Timestamp time.Time
}

func (StatusSampleEvent) Type() uint32 { return TypeStatusSample }
