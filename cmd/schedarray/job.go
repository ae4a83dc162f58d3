package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/markxbrooks/schedarray/internal/models"
	"github.com/markxbrooks/schedarray/internal/scheduler"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show one job",
	Args:  exactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runList,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a pending or running job",
	Args:  exactArgs(1),
	RunE:  runCancel,
}

var deleteCmd = &cobra.Command{
	Use:   "delete [job-id]",
	Short: "Delete a finished job",
	Args:  exactArgs(1),
	RunE:  runDelete,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Bulk-delete finished jobs",
	RunE:  runCleanup,
}

var countsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show job counts by state",
	RunE:  runCounts,
}

var (
	statusJSON bool

	listState string
	listUser  string
	listLimit int
	listJSON  bool

	cleanStates struct {
		completed bool
		failed    bool
		cancelled bool
		timeout   bool
	}
	cleanOlderDays int
	cleanJSON      bool

	countsJSON bool
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the job as JSON")

	listCmd.Flags().StringVar(&listState, "state", "", "Filter by state (pending, running, completed, failed, cancelled, timeout)")
	listCmd.Flags().StringVar(&listUser, "user", "", "Filter by submitting user")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of jobs to show")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print jobs as JSON")

	cleanupCmd.Flags().BoolVar(&cleanStates.completed, "completed", false, "Delete completed jobs")
	cleanupCmd.Flags().BoolVar(&cleanStates.failed, "failed", false, "Delete failed jobs")
	cleanupCmd.Flags().BoolVar(&cleanStates.cancelled, "cancelled", false, "Delete cancelled jobs")
	cleanupCmd.Flags().BoolVar(&cleanStates.timeout, "timeout", false, "Delete timed-out jobs")
	cleanupCmd.Flags().IntVar(&cleanOlderDays, "older-than-days", 0, "Only delete jobs that finished more than N days ago")
	cleanupCmd.Flags().BoolVar(&cleanJSON, "json", false, "Print the deleted count as JSON")

	countsCmd.Flags().BoolVar(&countsJSON, "json", false, "Print counts as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	sched, closeFn, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeFn()

	job, err := sched.JobStatus(args[0])
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("not_found: job %s not found", args[0])
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}
	printJob(job)
	return nil
}

func printJob(job *models.Job) {
	fmt.Printf("Job ID:      %s\n", job.JobID)
	if job.JobName != "" {
		fmt.Printf("Name:        %s\n", job.JobName)
	}
	fmt.Printf("Command:     %s\n", job.Command)
	fmt.Printf("State:       %s\n", job.State)
	fmt.Printf("Priority:    %d\n", job.Priority)
	fmt.Printf("CPUs:        %d\n", job.CPUs)
	if job.Memory != "" {
		fmt.Printf("Memory:      %s\n", job.Memory)
	}
	if job.TimeoutSeconds != nil {
		fmt.Printf("Timeout:     %ds\n", *job.TimeoutSeconds)
	}
	fmt.Printf("User:        %s\n", job.User)
	fmt.Printf("Working dir: %s\n", job.WorkingDir)
	fmt.Printf("Submitted:   %s\n", formatTime(&job.SubmitTime))
	if job.StartTime != nil {
		fmt.Printf("Started:     %s\n", formatTime(job.StartTime))
	}
	if job.EndTime != nil {
		fmt.Printf("Ended:       %s\n", formatTime(job.EndTime))
	}
	if job.ReturnCode != nil {
		fmt.Printf("Return code: %d\n", *job.ReturnCode)
	}
	if job.WorkerID != "" {
		fmt.Printf("Worker:      %s\n", job.WorkerID)
	}
	if job.Pid != nil {
		fmt.Printf("PID:         %d\n", *job.Pid)
	}
	if job.StdoutPath != "" {
		fmt.Printf("Stdout:      %s\n", job.StdoutPath)
	}
	if job.StderrPath != "" {
		fmt.Printf("Stderr:      %s\n", job.StderrPath)
	}
	if job.ErrorMessage != "" {
		fmt.Printf("Error:       %s\n", job.ErrorMessage)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func runList(cmd *cobra.Command, args []string) error {
	sched, closeFn, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeFn()

	jobs, err := sched.List(scheduler.ListFilter{
		State: listState,
		User:  listUser,
		Limit: listLimit,
	})
	if err != nil {
		return err
	}

	if listJSON {
		if jobs == nil {
			jobs = []models.Job{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tNAME\tSTATE\tPRI\tUSER\tSUBMITTED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			job.JobID, job.JobName, job.State, job.Priority, job.User,
			formatTime(&job.SubmitTime))
	}
	return w.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	sched, closeFn, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeFn()

	ok, err := sched.Cancel(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is not cancellable (unknown or already finished)", args[0])
	}
	fmt.Printf("cancelled %s\n", args[0])
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	sched, closeFn, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeFn()

	ok, err := sched.Delete(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("not_found: job %s not found", args[0])
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	var states []models.JobState
	if cleanStates.completed {
		states = append(states, models.JobStateCompleted)
	}
	if cleanStates.failed {
		states = append(states, models.JobStateFailed)
	}
	if cleanStates.cancelled {
		states = append(states, models.JobStateCancelled)
	}
	if cleanStates.timeout {
		states = append(states, models.JobStateTimeout)
	}
	// No state flags selects every terminal state.
	if len(states) == 0 {
		states = append(states, models.TerminalStates...)
	}

	sched, closeFn, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := sched.Cleanup(states, cleanOlderDays)
	if err != nil {
		return err
	}

	if cleanJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]int64{"deleted": n})
	}
	fmt.Printf("deleted %d job(s)\n", n)
	return nil
}

func runCounts(cmd *cobra.Command, args []string) error {
	sched, closeFn, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeFn()

	counts, err := sched.CountByState()
	if err != nil {
		return err
	}

	if countsJSON {
		return json.NewEncoder(os.Stdout).Encode(counts)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tCOUNT")
	for _, st := range models.AllStates {
		fmt.Fprintf(w, "%s\t%d\n", st, counts[st])
	}
	return w.Flush()
}
