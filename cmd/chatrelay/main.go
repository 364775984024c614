// chatrelay bridges a code editor and a browser-hosted AI chat over a local
// WebSocket link. The serve command hosts the session server on the editor
// side; agent runs the automation-side client; send issues a single request
// against a running server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codefionn/chatrelay/internal/config"
	"github.com/codefionn/chatrelay/internal/logger"
)

var (
	cfgPath string
	verbose bool

	// cfg holds the merged configuration, populated in PersistentPreRunE.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "chatrelay",
	Short:        "Bridge between a code editor and a browser-hosted AI chat",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}

		level := logger.ParseLevel(cfg.LogLevel)
		if verbose {
			level = logger.LevelDebug
		}
		return logger.Init(level, cfg.LogPath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
