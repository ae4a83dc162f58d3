//go:build !windows

package pool

import (
	"os/exec"
	"syscall"
)

// shellCommand builds the command that runs a job's command line through the
// system shell, so shell syntax in submitted commands is honored.
func shellCommand(command string) *exec.Cmd {
	return exec.Command("/bin/sh", "-c", command)
}

// setProcessGroup places the child in its own session so the whole process
// group can be signalled on timeout or cancel.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func termGroup(pgid int) {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
}

func killGroup(pgid int) {
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
