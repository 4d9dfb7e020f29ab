//go:build unix

package runner

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureProcess puts the tool in its own process group so cancellation reaches the
// helpers it forks.
func configureProcess(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGTERM)
	}
}

// killProcessGroup removes whatever is left of the group after the leader exited.
func killProcessGroup(cmd *exec.Cmd) {
	_ = signalGroup(cmd, syscall.SIGKILL) //nolint:errcheck // group may already be gone
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
