package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefionn/chatrelay/internal/correlator"
	"github.com/codefionn/chatrelay/internal/lockfile"
	"github.com/codefionn/chatrelay/internal/logger"
	"github.com/codefionn/chatrelay/internal/pidfile"
	"github.com/codefionn/chatrelay/internal/protocol"
	"github.com/codefionn/chatrelay/internal/relayserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the editor-side session server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	lock := lockfile.New(cfg.LockPath, cfg.PreferredPorts)
	srv := relayserver.New(lock)
	registerBridgeHandlers(srv)

	pid := pidfile.New(cfg.PIDPath)
	ownsPid, err := pid.Acquire()
	if err != nil {
		logger.Warn("serve: %v", err)
	} else if !ownsPid {
		logger.Warn("serve: pidfile %s names a running daemon, leaving it in place", cfg.PIDPath)
	}
	defer func() {
		if ownsPid {
			pid.Remove()
		}
	}()

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Shutdown()

	fmt.Printf("chatrelay session server listening on 127.0.0.1:%d\n", srv.Port())
	fmt.Printf("lock record: %s\n", cfg.LockPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	return nil
}

// registerBridgeHandlers wires the broker role: requests from editor peers
// are forwarded to the automation peer and the correlated response is sent
// back to whoever asked; scraped replies and page-state notices are fanned
// out to every editor peer.
func registerBridgeHandlers(srv *relayserver.Server) {
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second

	forward := func(p *relayserver.Peer, req *protocol.Request) {
		go func() {
			resp, err := srv.Issue(context.Background(), req, timeout)
			if err != nil {
				switch {
				case errors.Is(err, correlator.ErrSendFailed):
					resp = protocol.ErrorResponse(req.ID, "no automation peer connected")
				case errors.Is(err, correlator.ErrTimedOut):
					resp = protocol.ErrorResponse(req.ID, "timed out waiting for the chat page")
				default:
					resp = protocol.ErrorResponse(req.ID, err.Error())
				}
			}
			p.SendMessage(resp)
		}()
	}
	for _, action := range protocol.Actions() {
		srv.HandleAction(action, forward)
	}

	fanOut := func(_ *relayserver.Peer, n *protocol.Notice) {
		srv.BroadcastToEditors(n)
	}
	srv.HandleNotice(protocol.NoticeAIResponse, fanOut)
	srv.HandleNotice(protocol.NoticeRateLimit, fanOut)
	srv.HandleNotice(protocol.NoticeCaptcha, fanOut)

	srv.HandleNotice(protocol.NoticeAck, func(p *relayserver.Peer, n *protocol.Notice) {
		logger.Debug("serve: peer %s acknowledged request %s", p.ID, n.RequestID)
	})
}
