package process

import (
	"os/exec"
)

// ExitStatus describes how a process left the OS process table.
type ExitStatus struct {
	Code     int   // exit code, -1 when terminated by signal
	Signaled bool  // true when terminated by a signal
	Err      error // non-nil when the wait itself failed
}

// Handle is an opaque reference to a running OS process. It is exclusively
// owned by the supervisor: no other component may wait on it or signal it.
type Handle interface {
	// Pid returns the OS process ID.
	Pid() int

	// Wait blocks until the process has terminated and returns its exit
	// status. It must be called exactly once, by the owner.
	Wait() ExitStatus

	// Terminate sends the graceful termination signal (SIGTERM to the
	// process group on Unix).
	Terminate() error

	// Kill forcibly terminates the process.
	Kill() error
}

// cmdHandle wraps an exec.Cmd started by the OS executor.
type cmdHandle struct {
	cmd *exec.Cmd
	pid int
}

func (h *cmdHandle) Pid() int {
	return h.pid
}

func (h *cmdHandle) Wait() ExitStatus {
	err := h.cmd.Wait()
	if err == nil {
		return ExitStatus{Code: 0}
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ProcessState.ExitCode()
		// ExitCode is -1 when the process was terminated by a signal
		return ExitStatus{Code: code, Signaled: code == -1}
	}

	return ExitStatus{Code: -1, Err: err}
}

func (h *cmdHandle) Terminate() error {
	return SendTerminationSignal(h.pid)
}

func (h *cmdHandle) Kill() error {
	return h.cmd.Process.Kill()
}
