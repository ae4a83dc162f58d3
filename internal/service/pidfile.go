package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning reports an existing live service instance.
type ErrAlreadyRunning struct {
	Pid int
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("service already running (pid %d)", e.Pid)
}

// PidFile is the single-instance lock: an advisory-locked file holding the
// service pid and worker count. The lock dies with the process, so stale
// files from crashed instances are reclaimed automatically.
type PidFile struct {
	path string
	file *os.File
}

// AcquirePidFile takes the exclusive service lock, refusing when another
// live process holds it.
func AcquirePidFile(path string, workers int) (*PidFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}

	if err := lockFile(f); err != nil {
		pid, _, _ := readPidFile(path)
		f.Close()
		if pid > 0 {
			return nil, &ErrAlreadyRunning{Pid: pid}
		}
		return nil, fmt.Errorf("lock pid file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d %d\n", os.Getpid(), workers)), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync pid file: %w", err)
	}

	return &PidFile{path: path, file: f}, nil
}

// Release drops the lock and removes the file.
func (p *PidFile) Release() {
	if p.file != nil {
		_ = os.Remove(p.path)
		_ = unlockFile(p.file)
		_ = p.file.Close()
		p.file = nil
	}
}

// readPidFile parses "pid workers" from the pid file.
func readPidFile(path string) (pid, workers int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("empty pid file %s", path)
	}
	pid, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	if len(fields) > 1 {
		workers, _ = strconv.Atoi(fields[1])
	}
	return pid, workers, nil
}
