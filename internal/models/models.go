// Package models defines the core domain types for SchedArray.
package models

import "time"

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
	JobStateTimeout   JobState = "timeout"
)

// AllStates lists every recognized job state.
var AllStates = []JobState{
	JobStatePending,
	JobStateRunning,
	JobStateCompleted,
	JobStateFailed,
	JobStateCancelled,
	JobStateTimeout,
}

// TerminalStates lists the absorbing states.
var TerminalStates = []JobState{
	JobStateCompleted,
	JobStateFailed,
	JobStateCancelled,
	JobStateTimeout,
}

// IsValid reports whether s is a recognized job state.
func (s JobState) IsValid() bool {
	switch s {
	case JobStatePending, JobStateRunning, JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateTimeout:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is absorbing. Once a job enters a terminal
// state it never transitions again.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateTimeout:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the transition s -> to is legal:
// pending -> {running, cancelled}; running -> {completed, failed, cancelled, timeout}.
func (s JobState) CanTransitionTo(to JobState) bool {
	switch s {
	case JobStatePending:
		return to == JobStateRunning || to == JobStateCancelled
	case JobStateRunning:
		return to == JobStateCompleted || to == JobStateFailed || to == JobStateCancelled || to == JobStateTimeout
	default:
		return false
	}
}

// Job is a persisted unit of work: a shell command with attendant metadata
// and a state. Optional numeric and time fields are pointers so that absence
// survives the store and JSON boundaries; optional strings use "" for absence.
type Job struct {
	JobID          string     `json:"job_id"`
	JobName        string     `json:"job_name,omitempty"`
	Command        string     `json:"command"`
	WorkingDir     string     `json:"working_dir,omitempty"`
	CPUs           int        `json:"cpus"`
	Memory         string     `json:"memory,omitempty"`
	TimeoutSeconds *int       `json:"timeout_seconds,omitempty"`
	Priority       int        `json:"priority"`
	User           string     `json:"user"`
	State          JobState   `json:"state"`
	ReturnCode     *int       `json:"return_code,omitempty"`
	StdoutPath     string     `json:"stdout_path,omitempty"`
	StderrPath     string     `json:"stderr_path,omitempty"`
	SubmitTime     time.Time  `json:"submit_time"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	WorkerID       string     `json:"worker_id,omitempty"`
	Pid            *int       `json:"pid,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// IsTerminal reports whether the job has reached an absorbing state.
func (j *Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

// WorkerState is the activity state of a pool worker.
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerRunning WorkerState = "running"
)

// WorkerStatus is a snapshot of one pool worker.
type WorkerStatus struct {
	WorkerID   string      `json:"worker_id"`
	State      WorkerState `json:"state"`
	CurrentJob string      `json:"current_job,omitempty"`
}
