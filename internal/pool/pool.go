// Package pool runs a fixed-size set of workers that claim jobs from the
// scheduler, spawn their shell commands in separate process groups, and
// supervise them against timeouts and cancellation.
package pool

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markxbrooks/schedarray/internal/models"
	"github.com/markxbrooks/schedarray/internal/scheduler"
)

const (
	// DefaultPollInterval is the idle sleep between claim attempts.
	DefaultPollInterval = time.Second

	// cancelPollInterval is how often a supervising worker re-reads the job
	// row to observe an external cancel mark.
	cancelPollInterval = time.Second

	// killGrace is the wait between SIGTERM and SIGKILL to a process group.
	killGrace = 2 * time.Second
)

// Options configures a worker pool.
type Options struct {
	MaxWorkers   int
	PollInterval time.Duration
	// LogDir receives <job_id>.out/.err files for jobs submitted without
	// explicit output paths. Defaults to a logs/ directory next to the DB.
	LogDir string
}

// Pool is a fixed-size group of workers sharing one scheduler.
type Pool struct {
	sched *scheduler.Scheduler
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	workerIDs []string
	current   map[string]string // worker_id -> job_id, "" when idle
	pgids     map[string]int    // worker_id -> process group of the running child
}

// New creates a worker pool bound to one scheduler.
func New(sched *scheduler.Scheduler, opts Options) *Pool {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(filepath.Dir(sched.Store().Path()), "logs")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sched:   sched,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		current: make(map[string]string),
		pgids:   make(map[string]int),
	}
}

// Start sweeps orphaned jobs and launches the workers. Worker ids are stable
// for the life of the pool: a per-process instance token plus a sequence.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool already started")
	}
	p.started = true
	instance := uuid.New().String()[:8]
	for i := 0; i < p.opts.MaxWorkers; i++ {
		wid := fmt.Sprintf("%s-%d", instance, i+1)
		p.workerIDs = append(p.workerIDs, wid)
		p.current[wid] = ""
	}
	workerIDs := append([]string(nil), p.workerIDs...)
	p.mu.Unlock()

	if err := p.sweepOrphans(); err != nil {
		return err
	}

	for _, wid := range workerIDs {
		p.wg.Add(1)
		go p.workerLoop(wid)
	}
	log.Printf("worker pool started with %d workers (poll %s)", len(workerIDs), p.opts.PollInterval)
	return nil
}

// sweepOrphans fails every job left in running state by a previous process.
// The single-instance service lock guarantees no live owner exists for them.
func (p *Pool) sweepOrphans() error {
	orphans, err := p.sched.List(scheduler.ListFilter{State: string(models.JobStateRunning)})
	if err != nil {
		return fmt.Errorf("orphan sweep: %w", err)
	}
	for _, job := range orphans {
		rc := -1
		err := p.sched.UpdateState(job.JobID, models.JobStateFailed, scheduler.UpdateOpts{
			ReturnCode:   &rc,
			ErrorMessage: "orphaned by restart",
		})
		if err != nil {
			log.Printf("orphan sweep: job %s: %v", job.JobID, err)
			continue
		}
		log.Printf("orphan sweep: job %s marked failed", job.JobID)
	}
	return nil
}

// Stop requests termination. With drain, running jobs get up to timeout to
// finish before their process groups are killed; without drain they are
// killed immediately. No new jobs are claimed either way.
func (p *Pool) Stop(drain bool, timeout time.Duration) {
	p.cancel()
	if !drain {
		p.killRunning(false)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout > 0 {
		select {
		case <-done:
		case <-time.After(timeout):
			log.Printf("drain timeout after %s, killing remaining jobs", timeout)
			p.killRunning(true)
			<-done
		}
	} else {
		<-done
	}
	log.Println("worker pool stopped")
}

func (p *Pool) killRunning(hard bool) {
	p.mu.Lock()
	pgids := make([]int, 0, len(p.pgids))
	for _, pgid := range p.pgids {
		pgids = append(pgids, pgid)
	}
	p.mu.Unlock()
	for _, pgid := range pgids {
		if hard {
			killGroup(pgid)
		} else {
			termGroup(pgid)
		}
	}
}

// WorkerStatus reports a snapshot of every worker slot.
func (p *Pool) WorkerStatus() []models.WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]models.WorkerStatus, 0, len(p.workerIDs))
	for _, wid := range p.workerIDs {
		ws := models.WorkerStatus{WorkerID: wid, State: models.WorkerIdle}
		if jobID := p.current[wid]; jobID != "" {
			ws.State = models.WorkerRunning
			ws.CurrentJob = jobID
		}
		statuses = append(statuses, ws)
	}
	return statuses
}

// workerLoop claims and runs one job at a time until stop is requested.
func (p *Pool) workerLoop(workerID string) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		job, err := p.sched.ClaimNext(workerID)
		if err != nil {
			// Back off one poll interval so a store outage does not spin.
			log.Printf("worker %s: claim: %v", workerID, err)
			p.idle()
			continue
		}
		if job == nil {
			p.idle()
			continue
		}

		p.setCurrent(workerID, job.JobID)
		p.runJob(workerID, job)
		p.setCurrent(workerID, "")
	}
}

func (p *Pool) idle() {
	select {
	case <-p.ctx.Done():
	case <-time.After(p.opts.PollInterval):
	}
}

func (p *Pool) setCurrent(workerID, jobID string) {
	p.mu.Lock()
	p.current[workerID] = jobID
	p.mu.Unlock()
}

func (p *Pool) setPgid(workerID string, pgid int) {
	p.mu.Lock()
	if pgid > 0 {
		p.pgids[workerID] = pgid
	} else {
		delete(p.pgids, workerID)
	}
	p.mu.Unlock()
}

// runJob executes one claimed job to a terminal state. Every failure path
// produces a terminal record; errors never escape the worker.
func (p *Pool) runJob(workerID string, job *models.Job) {
	stdout, stderr, err := p.openLogs(job)
	if err != nil {
		p.failJob(job.JobID, fmt.Sprintf("open log files: %v", err))
		return
	}
	defer stdout.Close()
	defer stderr.Close()

	cmd := shellCommand(job.Command)
	cmd.Dir = job.WorkingDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		p.failJob(job.JobID, fmt.Sprintf("spawn: %v", err))
		return
	}

	pid := cmd.Process.Pid
	p.setPgid(workerID, pid)
	defer p.setPgid(workerID, 0)
	if err := p.sched.RecordPid(job.JobID, pid); err != nil {
		log.Printf("worker %s: record pid for job %s: %v", workerID, job.JobID, err)
	}

	log.Printf("worker %s: job %s started (pid %d)", workerID, job.JobID, pid)
	p.supervise(workerID, job, cmd, pid)
}

// failJob records a spawn-side failure as a terminal state.
func (p *Pool) failJob(jobID, msg string) {
	rc := -1
	err := p.sched.UpdateState(jobID, models.JobStateFailed, scheduler.UpdateOpts{
		ReturnCode:   &rc,
		ErrorMessage: msg,
	})
	if err != nil {
		log.Printf("job %s: record failure: %v", jobID, err)
	}
}

// openLogs opens the job's stdout/stderr files, defaulting to
// <logdir>/<job_id>.{out,err} and recording defaulted paths on the row.
func (p *Pool) openLogs(job *models.Job) (*os.File, *os.File, error) {
	outPath := job.StdoutPath
	errPath := job.StderrPath
	defaulted := false
	if outPath == "" {
		outPath = filepath.Join(p.opts.LogDir, job.JobID+".out")
		defaulted = true
	}
	if errPath == "" {
		errPath = filepath.Join(p.opts.LogDir, job.JobID+".err")
		defaulted = true
	}

	for _, path := range []string{outPath, errPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, err
		}
	}

	stdout, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, nil, err
	}
	stderr, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		stdout.Close()
		return nil, nil, err
	}

	if defaulted {
		if err := p.sched.RecordLogPaths(job.JobID, outPath, errPath); err != nil {
			log.Printf("job %s: record log paths: %v", job.JobID, err)
		}
	}
	return stdout, stderr, nil
}

// supervise waits for one of: child exit, timeout, or an external cancel
// mark, and writes the terminal record.
func (p *Pool) supervise(workerID string, job *models.Job, cmd *exec.Cmd, pgid int) {
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if job.TimeoutSeconds != nil {
		deadline := time.Duration(*job.TimeoutSeconds) * time.Second
		if job.StartTime != nil {
			deadline -= time.Since(*job.StartTime)
		}
		if deadline < 0 {
			deadline = 0
		}
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			p.finishExited(workerID, job.JobID, cmd)
			return

		case <-timeoutCh:
			reapGroup(pgid, done)
			rc := -1
			msg := fmt.Sprintf("timeout after %ds", *job.TimeoutSeconds)
			err := p.sched.UpdateState(job.JobID, models.JobStateTimeout, scheduler.UpdateOpts{
				ReturnCode:   &rc,
				ErrorMessage: msg,
			})
			if scheduler.IsKind(err, scheduler.KindIllegalTransition) {
				// Cancel won the race; confirm it instead.
				p.confirmCancel(workerID, job.JobID)
			} else if err != nil {
				log.Printf("worker %s: job %s: record timeout: %v", workerID, job.JobID, err)
			} else {
				log.Printf("worker %s: job %s timed out", workerID, job.JobID)
			}
			return

		case <-ticker.C:
			current, err := p.sched.JobStatus(job.JobID)
			if err != nil {
				log.Printf("worker %s: job %s: cancel check: %v", workerID, job.JobID, err)
				continue
			}
			if current != nil && current.State == models.JobStateCancelled {
				reapGroup(pgid, done)
				p.confirmCancel(workerID, job.JobID)
				return
			}
		}
	}
}

// finishExited records the terminal state of a child that exited on its own.
func (p *Pool) finishExited(workerID, jobID string, cmd *exec.Cmd) {
	// A cancel marked just before exit is confirmed rather than overwritten.
	current, err := p.sched.JobStatus(jobID)
	if err == nil && current != nil && current.State == models.JobStateCancelled {
		p.confirmCancel(workerID, jobID)
		return
	}

	rc := cmd.ProcessState.ExitCode()
	state := models.JobStateCompleted
	opts := scheduler.UpdateOpts{ReturnCode: &rc}
	if rc != 0 {
		state = models.JobStateFailed
		opts.ErrorMessage = fmt.Sprintf("exit code %d", rc)
	}

	err = p.sched.UpdateState(jobID, state, opts)
	if scheduler.IsKind(err, scheduler.KindIllegalTransition) {
		p.confirmCancel(workerID, jobID)
		return
	}
	if err != nil {
		log.Printf("worker %s: job %s: record result: %v", workerID, jobID, err)
		return
	}
	log.Printf("worker %s: job %s finished (%s, rc %d)", workerID, jobID, state, rc)
}

func (p *Pool) confirmCancel(workerID, jobID string) {
	if err := p.sched.ConfirmCancel(jobID); err != nil {
		log.Printf("worker %s: job %s: confirm cancel: %v", workerID, jobID, err)
		return
	}
	log.Printf("worker %s: job %s cancelled", workerID, jobID)
}

// reapGroup terminates the job's process group: SIGTERM, a short grace, then
// SIGKILL. Returns once the child has been waited on.
func reapGroup(pgid int, done <-chan error) {
	termGroup(pgid)
	select {
	case <-done:
		return
	case <-time.After(killGrace):
	}
	killGroup(pgid)
	<-done
}
