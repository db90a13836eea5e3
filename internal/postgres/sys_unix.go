//go:build !windows

package postgres

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the server in its own process group so the
// whole tree can be signalled.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interruptGroup requests a fast shutdown: the server aborts open
// transactions and exits cleanly on SIGINT.
func interruptGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGINT)
}

func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
