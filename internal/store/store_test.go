package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/markxbrooks/schedarray/internal/models"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	timeout := 60
	job := &models.Job{
		JobID:          s.NewJobID(),
		JobName:        "roundtrip",
		Command:        "echo hello",
		WorkingDir:     "/tmp",
		CPUs:           2,
		Memory:         "4G",
		TimeoutSeconds: &timeout,
		Priority:       3,
		User:           "alice",
		State:          models.JobStatePending,
		StdoutPath:     "/tmp/out",
		StderrPath:     "/tmp/err",
		SubmitTime:     time.Now().UTC().Truncate(time.Millisecond),
	}

	if err := s.Insert(job); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := s.Get(job.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected job, got nil")
	}

	if got.JobName != job.JobName {
		t.Errorf("JobName: expected %q, got %q", job.JobName, got.JobName)
	}
	if got.Command != job.Command {
		t.Errorf("Command: expected %q, got %q", job.Command, got.Command)
	}
	if got.WorkingDir != job.WorkingDir {
		t.Errorf("WorkingDir: expected %q, got %q", job.WorkingDir, got.WorkingDir)
	}
	if got.CPUs != job.CPUs {
		t.Errorf("CPUs: expected %d, got %d", job.CPUs, got.CPUs)
	}
	if got.Memory != job.Memory {
		t.Errorf("Memory: expected %q, got %q", job.Memory, got.Memory)
	}
	if got.TimeoutSeconds == nil || *got.TimeoutSeconds != timeout {
		t.Errorf("TimeoutSeconds: expected %d, got %v", timeout, got.TimeoutSeconds)
	}
	if got.Priority != job.Priority {
		t.Errorf("Priority: expected %d, got %d", job.Priority, got.Priority)
	}
	if got.User != job.User {
		t.Errorf("User: expected %q, got %q", job.User, got.User)
	}
	if got.State != models.JobStatePending {
		t.Errorf("State: expected pending, got %s", got.State)
	}
	if !got.SubmitTime.Equal(job.SubmitTime) {
		t.Errorf("SubmitTime: expected %v, got %v", job.SubmitTime, got.SubmitTime)
	}
	if got.ReturnCode != nil {
		t.Errorf("ReturnCode: expected nil, got %v", *got.ReturnCode)
	}
	if got.StartTime != nil || got.EndTime != nil {
		t.Error("StartTime/EndTime should be nil on a fresh job")
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	got, err := s.Get("no-such-job")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("Expected nil for unknown job")
	}
}

func TestUpdatePatch(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	id := submitJob(t, s, 0, time.Now())

	running := models.JobStateRunning
	worker := "w-1"
	now := time.Now().UTC().Truncate(time.Millisecond)
	ok, err := s.Update(id, Patch{State: &running, WorkerID: &worker, StartTime: &now})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected update to apply")
	}

	got, _ := s.Get(id)
	if got.State != models.JobStateRunning {
		t.Errorf("Expected running, got %s", got.State)
	}
	if got.WorkerID != worker {
		t.Errorf("Expected worker %s, got %s", worker, got.WorkerID)
	}
	if got.StartTime == nil || !got.StartTime.Equal(now) {
		t.Errorf("StartTime not persisted: %v", got.StartTime)
	}
}

func TestUpdateRequireState(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	id := submitJob(t, s, 0, time.Now())

	cancelled := models.JobStateCancelled
	running := models.JobStateRunning
	ok, err := s.Update(id, Patch{State: &cancelled, RequireState: &running})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ok {
		t.Error("Guarded update should not apply when state differs")
	}

	got, _ := s.Get(id)
	if got.State != models.JobStatePending {
		t.Errorf("State should be unchanged, got %s", got.State)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	id := submitJob(t, s, 0, time.Now())

	ok, err := s.Delete(id)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !ok {
		t.Error("Expected delete to succeed")
	}

	ok, err = s.Delete(id)
	if err != nil {
		t.Fatalf("Second delete failed: %v", err)
	}
	if ok {
		t.Error("Second delete should report false")
	}
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	base := time.Now().Add(-time.Minute)
	first := submitJob(t, s, 0, base)
	second := submitJob(t, s, 0, base.Add(time.Second))

	completed := models.JobStateCompleted
	if _, err := s.Update(first, Patch{State: &completed}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	jobs, err := s.Query(Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	// Newest submission first.
	if jobs[0].JobID != second {
		t.Errorf("Expected newest job first, got %s", jobs[0].JobID)
	}

	jobs, err = s.Query(Filter{State: models.JobStateCompleted})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].JobID != first {
		t.Errorf("Expected only the completed job, got %d", len(jobs))
	}

	jobs, err = s.Query(Filter{Limit: 1})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("Expected 1 job with limit, got %d", len(jobs))
	}

	jobs, err = s.Query(Filter{User: "someone-else"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("Expected 0 jobs for unknown user, got %d", len(jobs))
	}
}

func TestClaimOneEmpty(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	job, err := s.ClaimOne("w-1")
	if err != nil {
		t.Fatalf("ClaimOne failed: %v", err)
	}
	if job != nil {
		t.Error("Expected no claim from empty queue")
	}
}

func TestClaimOnePriorityOrder(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	base := time.Now().Add(-time.Minute)
	a := submitJob(t, s, 1, base)
	b := submitJob(t, s, 5, base.Add(time.Second))
	c := submitJob(t, s, 5, base.Add(2*time.Second))

	want := []string{b, c, a}
	for i, expected := range want {
		job, err := s.ClaimOne(fmt.Sprintf("w-%d", i))
		if err != nil {
			t.Fatalf("ClaimOne failed: %v", err)
		}
		if job == nil {
			t.Fatalf("Claim %d returned nothing", i)
		}
		if job.JobID != expected {
			t.Errorf("Claim %d: expected %s, got %s", i, expected, job.JobID)
		}
	}
}

func TestClaimSetsLease(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	id := submitJob(t, s, 0, time.Now())

	job, err := s.ClaimOne("w-9")
	if err != nil {
		t.Fatalf("ClaimOne failed: %v", err)
	}
	if job == nil || job.JobID != id {
		t.Fatalf("Expected to claim %s", id)
	}
	if job.State != models.JobStateRunning {
		t.Errorf("Expected running, got %s", job.State)
	}
	if job.WorkerID != "w-9" {
		t.Errorf("Expected worker w-9, got %s", job.WorkerID)
	}
	if job.StartTime == nil {
		t.Error("StartTime should be set by claim")
	}
	if job.StartTime != nil && job.StartTime.Before(job.SubmitTime) {
		t.Error("StartTime should not precede SubmitTime")
	}
}

func TestClaimOneConcurrent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	numJobs := 5
	base := time.Now().Add(-time.Minute)
	for i := 0; i < numJobs; i++ {
		submitJob(t, s, 0, base.Add(time.Duration(i)*time.Second))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := make(map[string]bool)
	claims := 0

	numWorkers := 10
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			job, err := s.ClaimOne(fmt.Sprintf("worker-%d", n))
			if err != nil {
				t.Errorf("ClaimOne failed: %v", err)
				return
			}
			if job == nil {
				return
			}

			mu.Lock()
			if claimed[job.JobID] {
				t.Errorf("Job %s was claimed multiple times!", job.JobID)
			}
			claimed[job.JobID] = true
			claims++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(claimed) != numJobs {
		t.Errorf("Expected %d unique claims, got %d", numJobs, len(claimed))
	}
	if claims != numJobs {
		t.Errorf("Expected %d total claims, got %d", numJobs, claims)
	}
}

func TestCountByState(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	counts, err := s.CountByState()
	if err != nil {
		t.Fatalf("CountByState failed: %v", err)
	}
	for _, st := range models.AllStates {
		if counts[st] != 0 {
			t.Errorf("Expected 0 %s jobs, got %d", st, counts[st])
		}
	}

	submitJob(t, s, 0, time.Now())
	id := submitJob(t, s, 0, time.Now())
	failed := models.JobStateFailed
	s.Update(id, Patch{State: &failed})

	counts, err = s.CountByState()
	if err != nil {
		t.Fatalf("CountByState failed: %v", err)
	}
	if counts[models.JobStatePending] != 1 {
		t.Errorf("Expected 1 pending, got %d", counts[models.JobStatePending])
	}
	if counts[models.JobStateFailed] != 1 {
		t.Errorf("Expected 1 failed, got %d", counts[models.JobStateFailed])
	}
}

func TestDeleteWhere(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	old := time.Now().UTC().AddDate(0, 0, -10)
	recent := time.Now().UTC()

	oldJob := submitJob(t, s, 0, old)
	recentJob := submitJob(t, s, 0, recent)
	pendingJob := submitJob(t, s, 0, recent)

	completed := models.JobStateCompleted
	s.Update(oldJob, Patch{State: &completed, EndTime: &old})
	s.Update(recentJob, Patch{State: &completed, EndTime: &recent})

	cutoff := time.Now().UTC().AddDate(0, 0, -5)
	n, err := s.DeleteWhere([]models.JobState{models.JobStateCompleted}, &cutoff)
	if err != nil {
		t.Fatalf("DeleteWhere failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 deletion, got %d", n)
	}

	// Monotone: a second identical call deletes nothing.
	n, err = s.DeleteWhere([]models.JobState{models.JobStateCompleted}, &cutoff)
	if err != nil {
		t.Fatalf("DeleteWhere failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 deletions on repeat, got %d", n)
	}

	// No cutoff deletes the remaining completed job but not the pending one.
	n, err = s.DeleteWhere([]models.JobState{models.JobStateCompleted}, nil)
	if err != nil {
		t.Fatalf("DeleteWhere failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 deletion, got %d", n)
	}

	got, _ := s.Get(pendingJob)
	if got == nil {
		t.Error("Pending job must never be bulk-deleted")
	}
}

func TestFinishCancel(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	id := submitJob(t, s, 0, time.Now())
	if _, err := s.ClaimOne("w-1"); err != nil {
		t.Fatalf("ClaimOne failed: %v", err)
	}

	cancelled := models.JobStateCancelled
	running := models.JobStateRunning
	ok, err := s.Update(id, Patch{State: &cancelled, RequireState: &running})
	if err != nil || !ok {
		t.Fatalf("Cancel mark failed: ok=%v err=%v", ok, err)
	}

	ok, err = s.FinishCancel(id)
	if err != nil {
		t.Fatalf("FinishCancel failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected FinishCancel to apply")
	}

	got, _ := s.Get(id)
	if got.EndTime == nil {
		t.Error("EndTime should be set after confirmation")
	}
	if got.WorkerID != "" || got.Pid != nil {
		t.Error("Worker lease fields should be cleared")
	}

	// Confirmation is one-shot.
	ok, _ = s.FinishCancel(id)
	if ok {
		t.Error("Second FinishCancel should report false")
	}
}

func TestJobIDsMonotonic(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	prev := s.NewJobID()
	for i := 0; i < 100; i++ {
		next := s.NewJobID()
		if next <= prev {
			t.Fatalf("IDs not monotonic: %s then %s", prev, next)
		}
		prev = next
	}
}

// --- Helpers ---

func newTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func submitJob(t *testing.T, s *Store, priority int, submitTime time.Time) string {
	t.Helper()
	job := &models.Job{
		JobID:      s.NewJobID(),
		Command:    "true",
		WorkingDir: "/",
		CPUs:       1,
		Priority:   priority,
		User:       "tester",
		State:      models.JobStatePending,
		SubmitTime: submitTime.UTC().Truncate(time.Millisecond),
	}
	if err := s.Insert(job); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return job.JobID
}
