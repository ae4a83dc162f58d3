package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markxbrooks/schedarray/internal/scheduler"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to the queue",
	Long:  `Submits a shell command (or script file) as a pending job. Workers pick it up in priority order once the service is running.`,
	RunE:  runSubmit,
}

var (
	submitCommand string
	submitScript  string
	submitName    string
	submitWorkDir string
	submitCPUs    int
	submitMemory  string
	submitTimeout int
	submitPrio    int
	submitOutput  string
	submitErrPath string
	submitJSON    bool
)

func init() {
	submitCmd.Flags().StringVarP(&submitCommand, "command", "c", "", "Shell command to run")
	submitCmd.Flags().StringVarP(&submitScript, "script", "s", "", "Script file whose contents are run through the shell")
	submitCmd.Flags().StringVarP(&submitName, "job-name", "J", "", "Job label")
	submitCmd.Flags().StringVarP(&submitWorkDir, "working-dir", "d", "", "Working directory (default: current directory)")
	submitCmd.Flags().IntVarP(&submitCPUs, "cpus", "n", 1, "Advisory CPU count")
	submitCmd.Flags().StringVarP(&submitMemory, "memory", "m", "", "Advisory memory request, e.g. 4G")
	submitCmd.Flags().IntVarP(&submitTimeout, "timeout", "t", 0, "Wall-clock kill deadline in seconds")
	submitCmd.Flags().IntVarP(&submitPrio, "priority", "p", 0, "Priority; higher dequeues first")
	submitCmd.Flags().StringVarP(&submitOutput, "output", "o", "", "Stdout file path")
	submitCmd.Flags().StringVarP(&submitErrPath, "error", "e", "", "Stderr file path")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Print result as JSON")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	command := submitCommand
	if submitScript != "" {
		if command != "" {
			return usagef("--command and --script are mutually exclusive")
		}
		data, err := os.ReadFile(submitScript)
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		command = string(data)
	}
	if command == "" {
		return usagef("one of --command or --script is required")
	}

	sched, closeFn, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeFn()

	jobID, err := sched.Submit(scheduler.SubmitRequest{
		Command:        command,
		WorkingDir:     submitWorkDir,
		JobName:        submitName,
		CPUs:           submitCPUs,
		Memory:         submitMemory,
		TimeoutSeconds: submitTimeout,
		Priority:       submitPrio,
		OutputPath:     submitOutput,
		ErrorPath:      submitErrPath,
	})
	if err != nil {
		return err
	}

	if submitJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]string{"job_id": jobID})
	}
	fmt.Println(jobID)
	return nil
}
