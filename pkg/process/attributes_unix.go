//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes configures Unix-specific process attributes
func setupProcessAttributes(cmd *exec.Cmd) {
	// Create a new process group so the termination signal reaches the
	// entire process tree (parent + all children)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
