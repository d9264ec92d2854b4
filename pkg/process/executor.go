package process

import (
	"context"
	"os"
	"os/exec"

	"github.com/proctools/sentinel/pkg/errors"
	"github.com/proctools/sentinel/pkg/logging"
	"github.com/proctools/sentinel/pkg/spec"
)

// Executor spawns a new OS process from a validated spec.
type Executor interface {
	Start(ctx context.Context, processSpec *spec.ProcessSpec) (Handle, error)
}

type osExecutor struct {
	logger logging.Logger
}

// NewOSExecutor returns the production executor backed by os/exec.
func NewOSExecutor(logger logging.Logger) Executor {
	return &osExecutor{logger: logger}
}

func (e *osExecutor) Start(ctx context.Context, processSpec *spec.ProcessSpec) (Handle, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("name", processSpec.Name)
	}

	if err := processSpec.Validate(); err != nil {
		return nil, errors.NewValidationError("invalid process spec", err).WithContext("name", processSpec.Name)
	}

	executablePath, err := spec.ResolveCommand(processSpec)
	if err != nil {
		return nil, err
	}

	workDir := processSpec.WorkingDirectory
	if workDir == "" {
		// Specs without a working directory run in the supervisor's own
		cwd, err := os.Getwd()
		if err != nil {
			return nil, errors.NewIOError("failed to determine working directory", err).WithContext("name", processSpec.Name)
		}
		workDir = cwd
	}

	e.logger.Debugf("Spawning process, name: %s, executable: '%s', args: %v, working directory: '%s'",
		processSpec.Name, executablePath, processSpec.Args, workDir)

	cmd := exec.Command(executablePath, processSpec.Args...)
	cmd.Dir = workDir
	cmd.Env = processSpec.MergedEnvironment()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// Platform-specific setup: process group on Unix, console flags on Windows
	setupProcessAttributes(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewSpawnError("failed to start the process", err).
			WithContext("name", processSpec.Name).
			WithContext("executable_path", executablePath)
	}

	// Check if context was cancelled during startup
	if ctx.Err() != nil {
		e.logger.Infof("Context cancelled during startup, cleaning up, name: %s", processSpec.Name)
		cmd.Process.Kill()
		cmd.Wait()
		return nil, errors.NewCancelledError("spawn cancelled", ctx.Err()).WithContext("name", processSpec.Name)
	}

	e.logger.Infof("Process spawned successfully, name: %s, PID: %d", processSpec.Name, cmd.Process.Pid)

	return &cmdHandle{cmd: cmd, pid: cmd.Process.Pid}, nil
}
