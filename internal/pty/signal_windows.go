//go:build windows

package pty

import (
	"os"
	"os/exec"
)

// terminateProcess kills the process. Windows has no SIGTERM equivalent
// that ConPTY children reliably honor, so termination is immediate.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

// waitPtyProcess waits for the PTY process to exit and returns exit info.
// On Windows the ConPTY owns the process handle, so waiting goes through
// os.Process rather than cmd.Wait.
func waitPtyProcess(cmd *exec.Cmd, _ PtyHandle) (exitCode int, signalName string, err error) {
	if cmd.Process == nil {
		return 1, "", nil
	}
	state, waitErr := cmd.Process.Wait()
	if waitErr != nil {
		return 1, "", waitErr
	}
	if state.Success() {
		return 0, "", nil
	}
	return state.ExitCode(), "", nil
}
