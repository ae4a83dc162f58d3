// Command schedarray is the CLI for the SchedArray single-host job
// scheduler: submit shell-command jobs, inspect and manage the queue, and
// control the worker-pool service.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markxbrooks/schedarray/internal/config"
	"github.com/markxbrooks/schedarray/internal/scheduler"
	"github.com/markxbrooks/schedarray/internal/store"
)

var rootCmd = &cobra.Command{
	Use:           "schedarray",
	Short:         "SchedArray - single-host job scheduler",
	Long:          `SchedArray accepts shell-command jobs, persists them in an embedded SQLite queue, and executes them through a worker pool under priority, resource, and timeout constraints.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var dbPathFlag string

// usageError marks bad invocation (unknown flags, wrong arguments); the
// process exits 2 instead of 1.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...interface{}) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// exitCode carries a bare exit status with no message, for subcommands whose
// exit code is itself the answer (service status).
type exitCode struct {
	code int
}

func (e *exitCode) Error() string { return "" }

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Path to the job database (default $SCHEDARRAY_DB or ~/.schedarray/schedarray.db)")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(countsCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(monitorCmd)
}

// exactArgs is cobra.ExactArgs with usage-error classification.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s requires exactly %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

// loadConfig reads the optional config file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(config.DefaultPath())
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveDBPath applies flag > env > config file > default.
func resolveDBPath() (string, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", nil, err
	}
	return config.ResolveDBPath(dbPathFlag, cfg), cfg, nil
}

// openScheduler opens the store and wraps it in a scheduler. The returned
// closer must be called when the command is done.
func openScheduler() (*scheduler.Scheduler, func(), error) {
	dbPath, _, err := resolveDBPath()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(dbPath)
	if err != nil {
		return nil, nil, err
	}
	sched := scheduler.New(st)
	scheduler.SetDefault(sched)
	return sched, func() { st.Close() }, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCode
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		var ue *usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "error: usage: %v\n", ue.err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
