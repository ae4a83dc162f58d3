package main

import (
	"github.com/spf13/cobra"

	"github.com/markxbrooks/schedarray/internal/tui"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch the job queue live",
	RunE:  runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	sched, closeFn, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeFn()

	return tui.Run(sched)
}
