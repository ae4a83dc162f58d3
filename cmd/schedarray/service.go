package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/markxbrooks/schedarray/internal/config"
	"github.com/markxbrooks/schedarray/internal/logging"
	"github.com/markxbrooks/schedarray/internal/service"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the worker-pool service",
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker-pool service",
	RunE:  runServiceStart,
}

var serviceRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the service in the foreground (used by service start)",
	Hidden: true,
	RunE:   runServiceRun,
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running service",
	RunE:  runServiceStop,
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	RunE:  runServiceStatus,
}

var (
	svcMaxWorkers   int
	svcPollInterval float64
	svcForeground   bool
	svcStatusJSON   bool
)

func init() {
	serviceCmd.AddCommand(serviceStartCmd, serviceRunCmd, serviceStopCmd, serviceStatusCmd)

	for _, c := range []*cobra.Command{serviceStartCmd, serviceRunCmd} {
		c.Flags().IntVar(&svcMaxWorkers, "max-workers", 0, "Number of workers (default from config)")
		c.Flags().Float64Var(&svcPollInterval, "poll-interval", 0, "Idle poll interval in seconds (default from config)")
	}
	serviceStartCmd.Flags().BoolVar(&svcForeground, "foreground", false, "Run in the foreground instead of detaching")

	serviceStatusCmd.Flags().BoolVar(&svcStatusJSON, "json", false, "Print status as JSON")
}

func serviceOptions() (service.Options, *config.Config, error) {
	dbPath, cfg, err := resolveDBPath()
	if err != nil {
		return service.Options{}, nil, err
	}

	opts := service.Options{
		DBPath:       dbPath,
		MaxWorkers:   cfg.MaxWorkers,
		PollInterval: cfg.PollInterval(),
		DrainTimeout: cfg.DrainTimeout(),
	}
	if svcMaxWorkers > 0 {
		opts.MaxWorkers = svcMaxWorkers
	}
	if svcPollInterval > 0 {
		opts.PollInterval = time.Duration(svcPollInterval * float64(time.Second))
	}
	return opts, cfg, nil
}

func runServiceStart(cmd *cobra.Command, args []string) error {
	opts, _, err := serviceOptions()
	if err != nil {
		return err
	}

	if svcForeground {
		return runServiceRun(cmd, args)
	}

	if st, err := service.GetStatus(opts.DBPath); err == nil && st.Running {
		return fmt.Errorf("service already running (pid %d)", st.Pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	childArgs := []string{"service", "run", "--db-path", opts.DBPath}
	if svcMaxWorkers > 0 {
		childArgs = append(childArgs, "--max-workers", fmt.Sprint(svcMaxWorkers))
	}
	if svcPollInterval > 0 {
		childArgs = append(childArgs, "--poll-interval", fmt.Sprint(svcPollInterval))
	}

	child := exec.Command(exe, childArgs...)
	child.Stdout = nil
	child.Stderr = nil
	configureDaemonProc(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start service process: %w", err)
	}

	// Wait for the child to take the pid lock before reporting success.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := service.GetStatus(opts.DBPath); err == nil && st.Running {
			fmt.Printf("service started (pid %d, %d workers)\n", st.Pid, st.WorkerCount)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("service process did not start")
}

func runServiceRun(cmd *cobra.Command, args []string) error {
	opts, cfg, err := serviceOptions()
	if err != nil {
		return err
	}

	closer, err := logging.Setup(filepath.Dir(opts.DBPath), cfg.Logging)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	return service.Run(opts)
}

func runServiceStop(cmd *cobra.Command, args []string) error {
	dbPath, _, err := resolveDBPath()
	if err != nil {
		return err
	}
	if err := service.Stop(dbPath, 35*time.Second); err != nil {
		return err
	}
	fmt.Println("service stopped")
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	dbPath, _, err := resolveDBPath()
	if err != nil {
		return err
	}

	st, err := service.GetStatus(dbPath)
	if err != nil {
		return err
	}

	if svcStatusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			return err
		}
	} else if st.Running {
		fmt.Printf("running (pid %d, %d workers, %d busy)\n", st.Pid, st.WorkerCount, len(st.BusyWorkers))
		for _, bw := range st.BusyWorkers {
			fmt.Printf("  worker %s: job %s\n", bw.WorkerID, bw.JobID)
		}
	} else {
		fmt.Println("not running")
	}

	if !st.Running {
		return &exitCode{code: 1}
	}
	return nil
}
