// Package service is the process-level lifecycle wrapper around one
// scheduler and worker-pool pair: single-instance pid lock, signal handling,
// graceful drain, and cross-process status.
package service

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/markxbrooks/schedarray/internal/models"
	"github.com/markxbrooks/schedarray/internal/pool"
	"github.com/markxbrooks/schedarray/internal/scheduler"
	"github.com/markxbrooks/schedarray/internal/store"
)

// Options configures a service run.
type Options struct {
	DBPath       string
	MaxWorkers   int
	PollInterval time.Duration
	DrainTimeout time.Duration
	LogDir       string
}

// PidPath returns the pid-file path for a database path.
func PidPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "schedarray.pid")
}

// Run hosts the worker pool in the foreground until SIGTERM/SIGINT, then
// drains. It refuses to start when another live instance holds the lock.
func Run(opts Options) error {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = pool.DefaultPollInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}

	st, err := store.New(opts.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	pidFile, err := AcquirePidFile(PidPath(opts.DBPath), opts.MaxWorkers)
	if err != nil {
		return err
	}
	defer pidFile.Release()

	sched := scheduler.New(st)
	scheduler.SetDefault(sched)

	p := pool.New(sched, pool.Options{
		MaxWorkers:   opts.MaxWorkers,
		PollInterval: opts.PollInterval,
		LogDir:       opts.LogDir,
	})
	if err := p.Start(); err != nil {
		return err
	}

	log.Printf("service started (pid %d, db %s)", os.Getpid(), opts.DBPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, draining for up to %s", sig, opts.DrainTimeout)

	p.Stop(true, opts.DrainTimeout)
	log.Println("service stopped")
	return nil
}

// Stop signals the running service and waits for it to exit.
func Stop(dbPath string, wait time.Duration) error {
	pid, _, err := readPidFile(PidPath(dbPath))
	if err != nil || !pidAlive(pid) {
		return fmt.Errorf("service not running")
	}

	if err := signalStop(pid); err != nil {
		return fmt.Errorf("signal service: %w", err)
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("service (pid %d) did not stop within %s", pid, wait)
}

// BusyWorker is a worker currently holding a job, derived from running rows.
type BusyWorker struct {
	WorkerID string `json:"worker_id"`
	JobID    string `json:"job_id"`
}

// Status is the cross-process view of the service.
type Status struct {
	Running     bool                    `json:"running"`
	Pid         int                     `json:"pid,omitempty"`
	WorkerCount int                     `json:"worker_count,omitempty"`
	BusyWorkers []BusyWorker            `json:"busy_workers,omitempty"`
	Counts      map[models.JobState]int `json:"counts"`
}

// GetStatus reports whether a service instance is live for this database,
// plus queue counts and the workers currently holding jobs.
func GetStatus(dbPath string) (*Status, error) {
	st, err := store.New(dbPath)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	counts, err := st.CountByState()
	if err != nil {
		return nil, err
	}

	status := &Status{Counts: counts}
	pid, workers, err := readPidFile(PidPath(dbPath))
	if err == nil && pidAlive(pid) {
		status.Running = true
		status.Pid = pid
		status.WorkerCount = workers
	}

	running, err := st.RunningJobs()
	if err != nil {
		return nil, err
	}
	for _, job := range running {
		status.BusyWorkers = append(status.BusyWorkers, BusyWorker{
			WorkerID: job.WorkerID,
			JobID:    job.JobID,
		})
	}
	return status, nil
}
