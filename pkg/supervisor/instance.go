package supervisor

import (
	"time"

	"github.com/proctools/sentinel/pkg/process"
)

// ProcessState represents the lifecycle state of a supervised process.
type ProcessState string

const (
	ProcessStateStopped           ProcessState = "stopped"
	ProcessStateStarting          ProcessState = "starting"
	ProcessStateRunning           ProcessState = "running"
	ProcessStateStopping          ProcessState = "stopping"
	ProcessStateCrashedRestarting ProcessState = "crashed_restarting"
)

// KnownStates lists every lifecycle state, for metrics enumeration.
var KnownStates = []string{
	string(ProcessStateStopped),
	string(ProcessStateStarting),
	string(ProcessStateRunning),
	string(ProcessStateStopping),
	string(ProcessStateCrashedRestarting),
}

// ProcessInstance is one running attempt of a supervised process. The
// handle is exclusively owned by the supervise loop; the instance is
// released once the handle is confirmed terminated and the restart
// decision has been made.
type ProcessInstance struct {
	handle       process.Handle
	startedAt    time.Time
	restartCount int
}

func newProcessInstance(handle process.Handle, restartCount int) *ProcessInstance {
	return &ProcessInstance{
		handle:       handle,
		startedAt:    time.Now(),
		restartCount: restartCount,
	}
}

// PID returns the OS process ID of this attempt.
func (i *ProcessInstance) PID() int {
	return i.handle.Pid()
}

// StartedAt returns the spawn timestamp of this attempt.
func (i *ProcessInstance) StartedAt() time.Time {
	return i.startedAt
}

// RestartCount returns the number of restarts preceding this attempt.
func (i *ProcessInstance) RestartCount() int {
	return i.restartCount
}

// Uptime returns how long this attempt has been alive.
func (i *ProcessInstance) Uptime() time.Duration {
	return time.Since(i.startedAt)
}

// ProcessStatus is a point-in-time snapshot for external inspection.
type ProcessStatus struct {
	Name         string
	State        ProcessState
	PID          int // 0 when no live instance
	StartedAt    time.Time
	RestartCount int
	LastExitCode *int
	LastError    error
}
