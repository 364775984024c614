package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codefionn/chatrelay/internal/pidfile"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running session server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop()
	},
}

func runStop() error {
	pid := pidfile.New(cfg.PIDPath)
	id, err := pid.Read()
	if err != nil {
		return fmt.Errorf("no running server found: %w", err)
	}

	proc, err := os.FindProcess(id)
	if err != nil {
		return fmt.Errorf("process %d not found: %w", id, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", id, err)
	}

	fmt.Printf("sent SIGTERM to server (pid %d)\n", id)
	return nil
}
