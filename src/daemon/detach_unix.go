//go:build !windows

package daemon

import (
	"os/exec"
	"syscall"
)

// detachSysProcAttr puts the child in its own session, detached from the
// controlling terminal.
func detachSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func terminateProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func killProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
