//go:build !windows

package interp

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so signals reach
// the whole subtree, not just the direct child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// wrapCommand is a no-op outside Windows.
func wrapCommand(name string, args []string) (string, []string) {
	return name, args
}

// TerminateTree sends SIGTERM to the child's process group. ESRCH means the
// group is already gone and is not an error.
func TerminateTree(cmd *exec.Cmd) error {
	return signalTree(cmd, syscall.SIGTERM)
}

// KillTree sends SIGKILL to the child's process group.
func KillTree(cmd *exec.Cmd) error {
	return signalTree(cmd, syscall.SIGKILL)
}

func signalTree(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		// Process already reaped; fall back to the direct child.
		if killErr := cmd.Process.Signal(sig); killErr != nil && !errors.Is(killErr, syscall.ESRCH) {
			return killErr
		}
		return nil
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
