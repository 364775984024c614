package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/codefionn/chatrelay/internal/lockfile"
	"github.com/codefionn/chatrelay/internal/pidfile"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boldStyle = lipgloss.NewStyle().Bold(true)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a session server is running and reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func runStatus() error {
	fmt.Println(boldStyle.Render("chatrelay status"))

	lock := lockfile.New(cfg.LockPath, cfg.PreferredPorts)
	port, err := lock.Read()
	if err != nil {
		fmt.Printf("  lock record: %s %s\n", badStyle.Render("absent"), dimStyle.Render(cfg.LockPath))
	} else {
		fmt.Printf("  lock record: %s %s\n",
			okStyle.Render(fmt.Sprintf("port %d", port)), dimStyle.Render(cfg.LockPath))
		if lockfile.Reachable(port) {
			fmt.Printf("  server:      %s\n", okStyle.Render("reachable"))
		} else {
			fmt.Printf("  server:      %s\n", badStyle.Render("not reachable (stale record)"))
		}
	}

	pid := pidfile.New(cfg.PIDPath)
	if id, err := pid.Read(); err != nil {
		fmt.Printf("  daemon:      %s\n", dimStyle.Render("no pidfile"))
	} else if pid.IsRunning() {
		fmt.Printf("  daemon:      %s\n", okStyle.Render(fmt.Sprintf("running (pid %d)", id)))
	} else {
		fmt.Printf("  daemon:      %s\n", badStyle.Render(fmt.Sprintf("dead (stale pid %d)", id)))
	}
	return nil
}
