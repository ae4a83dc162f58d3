//go:build windows

package service

import (
	"fmt"
	"os"
)

// Windows has no flock; rely on the pid-liveness check instead.
func lockFile(f *os.File) error {
	pid, _, err := readPidFile(f.Name())
	if err == nil && pid != os.Getpid() && pidAlive(pid) {
		return fmt.Errorf("pid file held by live process %d", pid)
	}
	return nil
}

func unlockFile(f *os.File) error {
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc
	return true
}

func signalStop(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
