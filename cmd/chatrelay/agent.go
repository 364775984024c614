package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefionn/chatrelay/internal/logger"
	"github.com/codefionn/chatrelay/internal/protocol"
	"github.com/codefionn/chatrelay/internal/relayclient"
)

var agentEcho bool

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the automation-side client",
	Long: "Connects to the session server as the automation peer and keeps " +
		"reconnecting until stopped. With --echo, answers requests locally " +
		"instead of requiring a chat page, which is useful for wiring checks.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func init() {
	agentCmd.Flags().BoolVar(&agentEcho, "echo", false, "answer requests locally with the query echoed back")
}

// clientConfig derives a relayclient configuration from the loaded file
// config, shared by the agent and send commands.
func clientConfig(role string) *relayclient.Config {
	cc := relayclient.DefaultConfig()
	cc.LockPath = cfg.LockPath
	cc.PreferredPorts = cfg.PreferredPorts
	cc.Role = role
	cc.DialTimeout = time.Duration(cfg.DialTimeoutSeconds) * time.Second
	cc.ReconnectDelay = time.Duration(cfg.ReconnectDelaySeconds) * time.Second
	cc.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	cc.MaxSendAttempts = cfg.MaxSendAttempts
	cc.RequestTimeout = time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	return cc
}

func runAgent() error {
	client := relayclient.New(clientConfig("automation"))

	client.SetRequestCallback(func(req *protocol.Request) {
		logger.Info("agent: received %s request %s", req.ActionType, req.ID)
		var resp *protocol.Response
		if agentEcho {
			resp = protocol.BuildResponse(req.ID, protocol.StatusSuccess,
				protocol.ResponseData{Content: req.UserQuery},
				protocol.Security{Confidence: protocol.ConfidenceHigh})
		} else {
			resp = protocol.ErrorResponse(req.ID, "no chat page attached")
		}
		if _, err := client.Send(resp); err != nil {
			logger.Warn("agent: reply for %s not sent: %v", req.ID, err)
		}
	})

	client.SetNoticeCallback(func(n *protocol.Notice) {
		logger.Info("agent: notice %s state=%s", n.Type, n.State)
	})

	failed := make(chan struct{}, 1)
	client.SetStateCallback(func(s relayclient.State) {
		fmt.Printf("agent: %s\n", s)
		if s == relayclient.StateFailed {
			select {
			case failed <- struct{}{}:
			default:
			}
		}
	})

	if err := client.Connect(context.Background()); err != nil {
		return err
	}
	defer client.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("agent: stopping")
		return nil
	case <-failed:
		return fmt.Errorf("gave up after %d connection attempts", cfg.MaxReconnectAttempts)
	}
}
