//go:build windows

package process

import (
	"fmt"
	"syscall"
)

// SendTerminationSignal sends a Ctrl+Break event to the process group on
// Windows. The child was started with CREATE_NEW_PROCESS_GROUP, so the
// event only reaches the supervised tree.
func SendTerminationSignal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}

	dll, err := syscall.LoadDLL("kernel32.dll")
	if err != nil {
		return fmt.Errorf("failed to load kernel32.dll: %v", err)
	}
	defer dll.Release()

	proc, err := dll.FindProc("GenerateConsoleCtrlEvent")
	if err != nil {
		return err
	}

	result, _, callErr := proc.Call(
		uintptr(syscall.CTRL_BREAK_EVENT),
		uintptr(pid),
	)
	if result == 0 {
		return fmt.Errorf("failed to send Ctrl+Break to PID %d: %v", pid, callErr)
	}
	return nil
}
