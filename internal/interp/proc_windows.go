//go:build windows

package interp

import (
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// setProcessGroup gives the child its own process group so taskkill /T can
// reach the whole subtree.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// wrapCommand routes .cmd/.bat/.ps1 and extensionless targets through the
// system command interpreter, which is what actually understands them.
func wrapCommand(name string, args []string) (string, []string) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cmd", ".bat", ".ps1", "":
		quoted := make([]string, 0, len(args)+1)
		quoted = append(quoted, quoteArg(name))
		for _, a := range args {
			quoted = append(quoted, quoteArg(a))
		}
		return systemShell(), []string{"/d", "/s", "/c", strings.Join(quoted, " ")}
	}
	return name, args
}

func quoteArg(a string) string {
	if strings.ContainsAny(a, " \t\"") {
		return `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
	}
	return a
}

// TerminateTree asks the whole process tree to exit. Windows has no
// equivalent of a graceful group signal for console-less children, so this
// uses taskkill without /F first.
func TerminateTree(cmd *exec.Cmd) error {
	return taskkill(cmd, false)
}

// KillTree force-kills the whole process tree.
func KillTree(cmd *exec.Cmd) error {
	return taskkill(cmd, true)
}

func taskkill(cmd *exec.Cmd, force bool) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	args := []string{"/T", "/PID", strconv.Itoa(cmd.Process.Pid)}
	if force {
		args = append(args, "/F")
	}
	if err := exec.Command("taskkill", args...).Run(); err != nil {
		// taskkill fails once the tree is gone; make sure the direct
		// child is dead and move on.
		_ = cmd.Process.Kill()
	}
	return nil
}
