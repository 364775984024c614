package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefionn/chatrelay/internal/protocol"
	"github.com/codefionn/chatrelay/internal/relayclient"
)

var (
	sendAction  string
	sendFile    string
	sendSnippet string
	sendTimeout int
)

var sendCmd = &cobra.Command{
	Use:   "send [query...]",
	Short: "Issue a single request against a running server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend(strings.Join(args, " "))
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendAction, "action", string(protocol.ActionExplain),
		"action type: CODE_SUGGEST, EXPLAIN or RUN_COMMAND")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "file path attached as context")
	sendCmd.Flags().StringVar(&sendSnippet, "snippet", "", "code snippet attached as context")
	sendCmd.Flags().IntVar(&sendTimeout, "timeout", 0, "response timeout in seconds (0 uses the config value)")
}

func runSend(query string) error {
	var ctx *protocol.Context
	if sendFile != "" || sendSnippet != "" {
		ctx = &protocol.Context{FilePath: sendFile, CodeSnippet: sendSnippet}
	}
	req, err := protocol.BuildRequest(protocol.Action(sendAction), query, ctx)
	if err != nil {
		return err
	}

	cc := clientConfig("editor")
	// A one-shot command should fail fast rather than sit in backoff.
	cc.MaxReconnectAttempts = 1
	cc.WatchLock = false
	client := relayclient.New(cc)
	defer client.Shutdown()

	states := make(chan relayclient.State, 8)
	client.SetStateCallback(func(s relayclient.State) {
		states <- s
	})
	if err := client.Connect(context.Background()); err != nil {
		return err
	}

	if err := waitOpen(states, cc.DialTimeout+cc.ReconnectDelay+time.Second); err != nil {
		return err
	}

	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if sendTimeout > 0 {
		timeout = time.Duration(sendTimeout) * time.Second
	}

	resp, err := client.Request(context.Background(), req, timeout)
	if err != nil {
		return err
	}

	if resp.Status == protocol.StatusError {
		return fmt.Errorf("%s", resp.Data.Content)
	}
	fmt.Println(resp.Data.Content)
	if resp.Security.RequiresConfirmation {
		fmt.Printf("note: this %s result requires confirmation (confidence: %s)\n",
			req.ActionType, resp.Security.Confidence)
	}
	return nil
}

// waitOpen blocks until the client reaches the open state, a terminal
// failure, or the deadline.
func waitOpen(states <-chan relayclient.State, deadline time.Duration) error {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case s := <-states:
			switch s {
			case relayclient.StateOpen:
				return nil
			case relayclient.StateFailed:
				return fmt.Errorf("no server reachable; is `chatrelay serve` running?")
			}
		case <-timer.C:
			return fmt.Errorf("timed out connecting to the server")
		}
	}
}
