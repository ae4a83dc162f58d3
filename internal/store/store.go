// Package store provides SQLite-backed persistence for the SchedArray job queue.
package store

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/markxbrooks/schedarray/internal/models"
)

// Store provides access to the SchedArray SQLite database.
type Store struct {
	db   *sql.DB
	path string

	// ULID entropy is monotonic but not safe for concurrent use.
	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:      db,
		path:    dbPath,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_queue (
		job_id TEXT PRIMARY KEY,
		job_name TEXT,
		command TEXT NOT NULL,
		working_dir TEXT,
		cpus INTEGER NOT NULL DEFAULT 1,
		memory TEXT,
		timeout_seconds INTEGER,
		priority INTEGER NOT NULL DEFAULT 0,
		user TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		return_code INTEGER,
		stdout_path TEXT,
		stderr_path TEXT,
		submit_time INTEGER NOT NULL,
		start_time INTEGER,
		end_time INTEGER,
		worker_id TEXT,
		pid INTEGER,
		error_message TEXT
	);

	-- Reserved for a future distributed-worker extension. Never written.
	CREATE TABLE IF NOT EXISTS worker_nodes (
		node_id TEXT PRIMARY KEY,
		hostname TEXT,
		cpus INTEGER,
		memory TEXT,
		last_seen DATETIME
	);

	-- Reserved for recorded resource accounting. Never written.
	CREATE TABLE IF NOT EXISTS resource_usage (
		job_id TEXT,
		cpu_seconds REAL,
		max_rss_kb INTEGER,
		sampled_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_job_queue_state ON job_queue(state);
	CREATE INDEX IF NOT EXISTS idx_job_queue_claim ON job_queue(state, priority DESC, submit_time);
	CREATE INDEX IF NOT EXISTS idx_job_queue_user ON job_queue(user);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewJobID returns a fresh job identifier. IDs are ULIDs: unique and
// lexicographically ordered by creation time, so they sort with submit order.
func (s *Store) NewJobID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

const jobColumns = `job_id, job_name, command, working_dir, cpus, memory, timeout_seconds,
	priority, user, state, return_code, stdout_path, stderr_path,
	submit_time, start_time, end_time, worker_id, pid, error_message`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job          models.Job
		jobName      sql.NullString
		workingDir   sql.NullString
		memory       sql.NullString
		timeoutSec   sql.NullInt64
		returnCode   sql.NullInt64
		stdoutPath   sql.NullString
		stderrPath   sql.NullString
		submitTime   int64
		startTime    sql.NullInt64
		endTime      sql.NullInt64
		workerID     sql.NullString
		pid          sql.NullInt64
		errorMessage sql.NullString
	)

	err := row.Scan(
		&job.JobID, &jobName, &job.Command, &workingDir, &job.CPUs, &memory, &timeoutSec,
		&job.Priority, &job.User, &job.State, &returnCode, &stdoutPath, &stderrPath,
		&submitTime, &startTime, &endTime, &workerID, &pid, &errorMessage,
	)
	if err != nil {
		return nil, err
	}

	job.JobName = jobName.String
	job.WorkingDir = workingDir.String
	job.Memory = memory.String
	job.StdoutPath = stdoutPath.String
	job.StderrPath = stderrPath.String
	job.WorkerID = workerID.String
	job.ErrorMessage = errorMessage.String
	if timeoutSec.Valid {
		v := int(timeoutSec.Int64)
		job.TimeoutSeconds = &v
	}
	if returnCode.Valid {
		v := int(returnCode.Int64)
		job.ReturnCode = &v
	}
	job.SubmitTime = msToTime(submitTime)
	if startTime.Valid {
		t := msToTime(startTime.Int64)
		job.StartTime = &t
	}
	if endTime.Valid {
		t := msToTime(endTime.Int64)
		job.EndTime = &t
	}
	if pid.Valid {
		v := int(pid.Int64)
		job.Pid = &v
	}
	return &job, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// Timestamps live in the database as UTC epoch milliseconds so that range
// comparisons and the claim ordering are exact.
func timeToMs(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func nullTimeMs(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timeToMs(*t)
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Insert persists a new job. The job must already carry its identity and
// submit_time; Submit on the scheduler is the usual entry point.
func (s *Store) Insert(job *models.Job) error {
	_, err := s.db.Exec(
		`INSERT INTO job_queue (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, nullStr(job.JobName), job.Command, nullStr(job.WorkingDir), job.CPUs,
		nullStr(job.Memory), nullInt(job.TimeoutSeconds), job.Priority, job.User,
		job.State, nullInt(job.ReturnCode), nullStr(job.StdoutPath), nullStr(job.StderrPath),
		timeToMs(job.SubmitTime), nullTimeMs(job.StartTime), nullTimeMs(job.EndTime), nullStr(job.WorkerID),
		nullInt(job.Pid), nullStr(job.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID. Returns (nil, nil) when the job does not exist.
func (s *Store) Get(id string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRow(
		`SELECT `+jobColumns+` FROM job_queue WHERE job_id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// Patch describes a partial update of a job row. Nil fields are untouched.
// The Clear* flags set the corresponding column to NULL.
type Patch struct {
	State        *models.JobState
	ReturnCode   *int
	ErrorMessage *string
	Pid          *int
	ClearPid     bool
	WorkerID     *string
	ClearWorker  bool
	StartTime    *time.Time
	EndTime      *time.Time
	StdoutPath   *string
	StderrPath   *string

	// RequireState makes the update conditional on the current state, so a
	// transition commits only if no concurrent writer got there first.
	RequireState *models.JobState
}

// Update applies a patch to one job row. Returns false when no row matched
// (unknown id, or RequireState no longer holds).
func (s *Store) Update(id string, p Patch) (bool, error) {
	var sets []string
	var args []interface{}

	if p.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, *p.State)
	}
	if p.ReturnCode != nil {
		sets = append(sets, "return_code = ?")
		args = append(args, *p.ReturnCode)
	}
	if p.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *p.ErrorMessage)
	}
	if p.Pid != nil {
		sets = append(sets, "pid = ?")
		args = append(args, *p.Pid)
	} else if p.ClearPid {
		sets = append(sets, "pid = NULL")
	}
	if p.WorkerID != nil {
		sets = append(sets, "worker_id = ?")
		args = append(args, *p.WorkerID)
	} else if p.ClearWorker {
		sets = append(sets, "worker_id = NULL")
	}
	if p.StartTime != nil {
		sets = append(sets, "start_time = ?")
		args = append(args, timeToMs(*p.StartTime))
	}
	if p.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, timeToMs(*p.EndTime))
	}
	if p.StdoutPath != nil {
		sets = append(sets, "stdout_path = ?")
		args = append(args, *p.StdoutPath)
	}
	if p.StderrPath != nil {
		sets = append(sets, "stderr_path = ?")
		args = append(args, *p.StderrPath)
	}
	if len(sets) == 0 {
		return false, nil
	}

	query := `UPDATE job_queue SET ` + strings.Join(sets, ", ") + ` WHERE job_id = ?`
	args = append(args, id)
	if p.RequireState != nil {
		query += ` AND state = ?`
		args = append(args, *p.RequireState)
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// Delete removes one job row. Returns false when the job does not exist.
func (s *Store) Delete(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM job_queue WHERE job_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	State models.JobState
	User  string
	Limit int
}

// Query returns jobs matching the filter, newest submissions first.
func (s *Store) Query(f Filter) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue`
	var conds []string
	var args []interface{}

	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, f.State)
	}
	if f.User != "" {
		conds = append(conds, "user = ?")
		args = append(args, f.User)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY submit_time DESC, job_id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ClaimOne atomically claims the next eligible pending job for workerID in a
// single transaction: the highest-priority pending row (ties broken by
// earliest submit_time) flips to running with worker_id and start_time set.
// Returns (nil, nil) when no pending job exists. Under concurrent callers no
// row is ever handed out twice.
func (s *Store) ClaimOne(workerID string) (*models.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow(
		`SELECT job_id FROM job_queue WHERE state = ?
		 ORDER BY priority DESC, submit_time ASC, job_id ASC LIMIT 1`,
		models.JobStatePending,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending job: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE job_queue SET state = ?, worker_id = ?, start_time = ? WHERE job_id = ? AND state = ?`,
		models.JobStateRunning, workerID, timeToMs(time.Now()), id, models.JobStatePending,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		// Row was taken between our select and update.
		return nil, nil
	}

	job, err := scanJob(tx.QueryRow(`SELECT `+jobColumns+` FROM job_queue WHERE job_id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reread claimed job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// CountByState returns the number of jobs in every state. States with no
// jobs are present with a zero count.
func (s *Store) CountByState() (map[models.JobState]int, error) {
	counts := make(map[models.JobState]int, len(models.AllStates))
	for _, st := range models.AllStates {
		counts[st] = 0
	}

	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM job_queue GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st models.JobState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// DeleteWhere bulk-deletes jobs whose state is in states and, when olderThan
// is non-nil, whose end_time is set and before the cutoff. Returns the number
// of rows deleted.
func (s *Store) DeleteWhere(states []models.JobState, olderThan *time.Time) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(states))
	args := make([]interface{}, 0, len(states)+1)
	for i, st := range states {
		placeholders[i] = "?"
		args = append(args, st)
	}

	query := `DELETE FROM job_queue WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	if olderThan != nil {
		query += ` AND end_time IS NOT NULL AND end_time <= ?`
		args = append(args, timeToMs(*olderThan))
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// RunningJobs returns every job currently marked running. Used by the service
// status report to list busy workers.
func (s *Store) RunningJobs() ([]models.Job, error) {
	return s.Query(Filter{State: models.JobStateRunning})
}

// FinishCancel records worker confirmation of a cancelled running job:
// end_time is set and the worker lease fields are cleared. Returns false if
// the job is not awaiting confirmation.
func (s *Store) FinishCancel(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE job_queue SET end_time = ?, worker_id = NULL, pid = NULL
		 WHERE job_id = ? AND state = ? AND end_time IS NULL`,
		timeToMs(time.Now()), id, models.JobStateCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("finish cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}
