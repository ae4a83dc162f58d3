// Package scheduler is the public API over the job store: submission,
// queries, cancellation, deletion, retention cleanup, and the claim and
// state-transition operations used by the worker pool.
package scheduler

import (
	"os"
	"os/user"
	"time"

	"github.com/markxbrooks/schedarray/internal/models"
	"github.com/markxbrooks/schedarray/internal/store"
)

// Scheduler mediates all job mutations. Workers and the CLI never touch the
// store directly; every mutating operation is one store transaction, so the
// store's own locking is the only concurrency control needed.
type Scheduler struct {
	store *store.Store
}

// New creates a scheduler over an open store.
func New(s *store.Store) *Scheduler {
	return &Scheduler{store: s}
}

// Store exposes the underlying store for lifecycle wiring (the service owns
// open/close).
func (s *Scheduler) Store() *store.Store {
	return s.store
}

// SubmitRequest carries the user-settable fields of a new job.
type SubmitRequest struct {
	Command        string
	WorkingDir     string
	JobName        string
	CPUs           int
	Memory         string
	TimeoutSeconds int
	Priority       int
	OutputPath     string
	ErrorPath      string
}

// Submit validates the request and creates a pending job. Returns the
// server-assigned job id.
func (s *Scheduler) Submit(req SubmitRequest) (string, error) {
	if req.Command == "" {
		return "", validationf("command must not be empty")
	}
	if req.CPUs == 0 {
		req.CPUs = 1
	}
	if req.CPUs < 1 {
		return "", validationf("cpus must be >= 1, got %d", req.CPUs)
	}
	if req.TimeoutSeconds < 0 {
		return "", validationf("timeout_seconds must be > 0, got %d", req.TimeoutSeconds)
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", validationf("working_dir not given and cwd unavailable: %v", err)
		}
		workingDir = wd
	}

	job := &models.Job{
		JobID:      s.store.NewJobID(),
		JobName:    req.JobName,
		Command:    req.Command,
		WorkingDir: workingDir,
		CPUs:       req.CPUs,
		Memory:     req.Memory,
		Priority:   req.Priority,
		User:       currentUser(),
		State:      models.JobStatePending,
		StdoutPath: req.OutputPath,
		StderrPath: req.ErrorPath,
		SubmitTime: time.Now().UTC().Truncate(time.Millisecond),
	}
	if req.TimeoutSeconds > 0 {
		t := req.TimeoutSeconds
		job.TimeoutSeconds = &t
	}

	if err := s.store.Insert(job); err != nil {
		return "", storeErr("submit job", err)
	}
	return job.JobID, nil
}

// JobStatus returns the full job record, or (nil, nil) when unknown.
func (s *Scheduler) JobStatus(id string) (*models.Job, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return job, nil
}

// Cancel requests cancellation of a job. Pending jobs flip to cancelled with
// end_time set. Running jobs flip to cancelled immediately; the owning worker
// observes the mark, kills the process group, and confirms with end_time.
// Returns false when the job is unknown or already terminal. Idempotent.
func (s *Scheduler) Cancel(id string) (bool, error) {
	cancelled := models.JobStateCancelled

	// Pre-start cancel carries its own end_time.
	pending := models.JobStatePending
	now := time.Now().UTC()
	ok, err := s.store.Update(id, store.Patch{
		State:        &cancelled,
		EndTime:      &now,
		RequireState: &pending,
	})
	if err != nil {
		return false, storeErr("cancel job", err)
	}
	if ok {
		return true, nil
	}

	// Post-start cancel: mark only, end_time deferred to worker confirmation.
	running := models.JobStateRunning
	ok, err = s.store.Update(id, store.Patch{
		State:        &cancelled,
		RequireState: &running,
	})
	if err != nil {
		return false, storeErr("cancel job", err)
	}
	return ok, nil
}

// ListFilter narrows List. Empty fields mean no constraint.
type ListFilter struct {
	State string
	User  string
	Limit int
}

// List returns jobs matching the filter, ordered by descending submit_time.
func (s *Scheduler) List(f ListFilter) ([]models.Job, error) {
	var state models.JobState
	if f.State != "" {
		state = models.JobState(f.State)
		if !state.IsValid() {
			return nil, validationf("unknown state filter %q", f.State)
		}
	}

	jobs, err := s.store.Query(store.Filter{State: state, User: f.User, Limit: f.Limit})
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	return jobs, nil
}

// CountByState returns job counts keyed by state.
func (s *Scheduler) CountByState() (map[models.JobState]int, error) {
	counts, err := s.store.CountByState()
	if err != nil {
		return nil, storeErr("count jobs", err)
	}
	return counts, nil
}

// Delete removes a terminal job. Pending and running jobs are refused with an
// illegal-transition error. Returns false when the job is unknown.
func (s *Scheduler) Delete(id string) (bool, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return false, storeErr("get job", err)
	}
	if job == nil {
		return false, nil
	}
	if !job.IsTerminal() {
		return false, illegalf("cannot delete job %s in state %s", id, job.State)
	}

	ok, err := s.store.Delete(id)
	if err != nil {
		return false, storeErr("delete job", err)
	}
	return ok, nil
}

// Cleanup bulk-deletes terminal jobs in the given states. When olderThanDays
// is positive only jobs whose end_time predates the cutoff are removed.
// Non-terminal states are rejected.
func (s *Scheduler) Cleanup(states []models.JobState, olderThanDays int) (int64, error) {
	if len(states) == 0 {
		return 0, validationf("cleanup requires at least one state")
	}
	for _, st := range states {
		if !st.IsValid() {
			return 0, validationf("unknown state %q", st)
		}
		if !st.IsTerminal() {
			return 0, validationf("cleanup refuses non-terminal state %q", st)
		}
	}

	var olderThan *time.Time
	if olderThanDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
		olderThan = &cutoff
	}

	n, err := s.store.DeleteWhere(states, olderThan)
	if err != nil {
		return 0, storeErr("cleanup jobs", err)
	}
	return n, nil
}

// ClaimNext atomically claims the next eligible pending job for workerID.
// Internal: used by the worker pool only. Returns (nil, nil) when the queue
// has no pending work.
func (s *Scheduler) ClaimNext(workerID string) (*models.Job, error) {
	job, err := s.store.ClaimOne(workerID)
	if err != nil {
		return nil, storeErr("claim job", err)
	}
	return job, nil
}

// UpdateOpts carries the optional fields of a state transition.
type UpdateOpts struct {
	ReturnCode   *int
	ErrorMessage string
	Pid          *int
}

// UpdateState applies a legal state transition. Terminal transitions set
// end_time and clear the worker lease atomically. Transitions out of terminal
// states, and any transition the lifecycle DAG does not allow, are rejected.
// When two writers race (cancel against completion), whichever commits first
// wins and the loser gets an illegal-transition error.
func (s *Scheduler) UpdateState(id string, newState models.JobState, opts UpdateOpts) error {
	if !newState.IsValid() {
		return validationf("unknown state %q", newState)
	}

	job, err := s.store.Get(id)
	if err != nil {
		return storeErr("get job", err)
	}
	if job == nil {
		return notFoundf("job %s not found", id)
	}
	if !job.State.CanTransitionTo(newState) {
		return illegalf("illegal transition %s -> %s for job %s", job.State, newState, id)
	}

	from := job.State
	patch := store.Patch{
		State:        &newState,
		RequireState: &from,
		ReturnCode:   opts.ReturnCode,
		Pid:          opts.Pid,
	}
	if opts.ErrorMessage != "" {
		msg := opts.ErrorMessage
		patch.ErrorMessage = &msg
	}
	if newState.IsTerminal() {
		now := time.Now().UTC()
		patch.EndTime = &now
		if opts.Pid == nil {
			patch.ClearPid = true
		}
		patch.ClearWorker = true
	}

	ok, err := s.store.Update(id, patch)
	if err != nil {
		return storeErr("update job state", err)
	}
	if !ok {
		return illegalf("job %s changed state concurrently, %s -> %s not applied", id, from, newState)
	}
	return nil
}

// RecordPid stores the subprocess pid of a running job. A lost race with a
// concurrent cancel is not an error; the worker discovers the cancel on its
// next supervision tick.
func (s *Scheduler) RecordPid(id string, pid int) error {
	running := models.JobStateRunning
	_, err := s.store.Update(id, store.Patch{Pid: &pid, RequireState: &running})
	if err != nil {
		return storeErr("record pid", err)
	}
	return nil
}

// RecordLogPaths stores the resolved stdout/stderr file paths of a running
// job so consumers can tail them while it executes.
func (s *Scheduler) RecordLogPaths(id, stdoutPath, stderrPath string) error {
	running := models.JobStateRunning
	_, err := s.store.Update(id, store.Patch{
		StdoutPath:   &stdoutPath,
		StderrPath:   &stderrPath,
		RequireState: &running,
	})
	if err != nil {
		return storeErr("record log paths", err)
	}
	return nil
}

// ConfirmCancel records worker confirmation that a cancelled job's process
// has been reaped: end_time is set and the lease fields cleared.
func (s *Scheduler) ConfirmCancel(id string) error {
	_, err := s.store.FinishCancel(id)
	if err != nil {
		return storeErr("confirm cancel", err)
	}
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}
