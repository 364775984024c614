package relayclient

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/chatrelay/internal/correlator"
	"github.com/codefionn/chatrelay/internal/lockfile"
	"github.com/codefionn/chatrelay/internal/protocol"
	"github.com/codefionn/chatrelay/internal/relayserver"
)

// testConfig returns a client configuration with short delays so failure
// paths finish inside a test run.
func testConfig(lockPath string) *Config {
	cfg := DefaultConfig()
	cfg.LockPath = lockPath
	cfg.PreferredPorts = []int{1} // unroutable; only the lock record matters
	cfg.DialTimeout = time.Second
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.SendRetryDelay = 10 * time.Millisecond
	cfg.WatchLock = false
	return cfg
}

func startServer(t *testing.T, lockPath string) *relayserver.Server {
	t.Helper()
	srv := relayserver.New(lockfile.New(lockPath, nil))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		5*time.Second, 10*time.Millisecond, "client never reached state %s", want)
}

func TestConnectAndStatus(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")
	startServer(t, lockPath)

	c := New(testConfig(lockPath))
	assert.Equal(t, StatusIdle, c.Status())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Shutdown()

	waitState(t, c, StateOpen)
	assert.Equal(t, StatusConnected, c.Status())

	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyRunning)

	require.NoError(t, c.Close())
	assert.Equal(t, StatusIdle, c.Status())
}

func TestServerIssueReachesRequestCallback(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")
	srv := startServer(t, lockPath)

	c := New(testConfig(lockPath))
	c.SetRequestCallback(func(req *protocol.Request) {
		resp := protocol.BuildResponse(req.ID, protocol.StatusSuccess,
			protocol.ResponseData{Content: "echo: " + req.UserQuery}, protocol.Security{})
		_, _ = c.Send(resp)
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Shutdown()
	waitState(t, c, StateOpen)

	req, err := protocol.BuildRequest(protocol.ActionExplain, "this line", nil)
	require.NoError(t, err)

	resp, err := srv.Issue(context.Background(), req, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo: this line", resp.Data.Content)
}

func TestNoResponderYieldsErrorResponse(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")
	srv := startServer(t, lockPath)

	c := New(testConfig(lockPath))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Shutdown()
	waitState(t, c, StateOpen)

	req, err := protocol.BuildRequest(protocol.ActionExplain, "anyone there", nil)
	require.NoError(t, err)

	resp, err := srv.Issue(context.Background(), req, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Data.Content, "no responder")
}

func TestQueueDrainsInOrderAfterConnect(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")

	cfg := testConfig(lockPath)
	cfg.MaxReconnectAttempts = 1000
	c := New(cfg)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Shutdown()

	// Queue while no server exists.
	for _, id := range []string{"first", "second", "third"} {
		sent, err := c.Send(protocol.NewAck(id))
		require.NoError(t, err)
		assert.False(t, sent, "message must be queued while disconnected")
	}
	assert.Equal(t, 3, c.QueuedCount())

	// The handler is installed before the server starts listening so no
	// flushed message can race past it.
	var mu sync.Mutex
	var order []string
	srv := relayserver.New(lockfile.New(lockPath, nil))
	srv.HandleNotice(protocol.NoticeAck, func(_ *relayserver.Peer, n *protocol.Notice) {
		mu.Lock()
		order = append(order, n.RequestID)
		mu.Unlock()
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Shutdown() })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
	mu.Unlock()
	assert.Equal(t, 0, c.QueuedCount())
}

func TestBacklogDrainsBeforeOpenStateSends(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")

	cfg := testConfig(lockPath)
	cfg.MaxReconnectAttempts = 1000
	c := New(cfg)

	// Sent the moment the open state is published, the earliest a caller
	// can react to the reconnect.
	c.SetStateCallback(func(s State) {
		if s == StateOpen {
			_, _ = c.Send(protocol.NewAck("after-open"))
		}
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Shutdown()

	for _, id := range []string{"q1", "q2", "q3"} {
		_, err := c.Send(protocol.NewAck(id))
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.QueuedCount())

	var mu sync.Mutex
	var order []string
	srv := relayserver.New(lockfile.New(lockPath, nil))
	srv.HandleNotice(protocol.NoticeAck, func(_ *relayserver.Peer, n *protocol.Notice) {
		mu.Lock()
		order = append(order, n.RequestID)
		mu.Unlock()
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Shutdown() })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"q1", "q2", "q3", "after-open"}, order,
		"queued backlog must arrive before anything sent at the open event")
	mu.Unlock()
}

func TestQueueLimit(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "lock"))
	cfg.QueueLimit = 2
	c := New(cfg)
	defer c.Shutdown()

	_, err := c.Send(protocol.NewAck("a"))
	require.NoError(t, err)
	_, err = c.Send(protocol.NewAck("b"))
	require.NoError(t, err)
	_, err = c.Send(protocol.NewAck("c"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, c.QueuedCount())
}

func TestAttemptCeilingIsTerminal(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "lock"))
	cfg.MaxReconnectAttempts = 3
	c := New(cfg)
	defer c.Shutdown()

	var mu sync.Mutex
	attempts := 0
	c.SetStateCallback(func(s State) {
		if s == StateConnecting {
			mu.Lock()
			attempts++
			mu.Unlock()
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateFailed)
	assert.Equal(t, StatusFailed, c.Status())

	mu.Lock()
	assert.Equal(t, 3, attempts, "exactly the configured number of attempts")
	mu.Unlock()
}

func TestManualConnectResetsAfterFailure(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")
	cfg := testConfig(lockPath)
	cfg.MaxReconnectAttempts = 2
	c := New(cfg)
	defer c.Shutdown()

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateFailed)

	// A server appears; a manual reconnect is required and succeeds.
	startServer(t, lockPath)
	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateOpen)
}

func TestRequestRoundTrip(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")
	srv := startServer(t, lockPath)
	srv.HandleAction(protocol.ActionCodeSuggest, func(p *relayserver.Peer, req *protocol.Request) {
		p.SendMessage(protocol.BuildResponse(req.ID, protocol.StatusSuccess,
			protocol.ResponseData{Content: "suggestion"}, protocol.Security{}))
	})

	cfg := testConfig(lockPath)
	cfg.Role = "editor"
	c := New(cfg)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Shutdown()
	waitState(t, c, StateOpen)

	req, err := protocol.BuildRequest(protocol.ActionCodeSuggest, "complete this", nil)
	require.NoError(t, err)

	resp, err := c.Request(context.Background(), req, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "suggestion", resp.Data.Content)
}

func TestRequestWithoutConnectionFailsFast(t *testing.T) {
	c := New(testConfig(filepath.Join(t.TempDir(), "lock")))
	defer c.Shutdown()

	req, err := protocol.BuildRequest(protocol.ActionExplain, "hi", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Request(context.Background(), req, time.Minute)
	assert.ErrorIs(t, err, correlator.ErrSendFailed)
	assert.Less(t, time.Since(start), time.Second, "no queueing for correlated requests")
}

func TestEditorRoleDeclared(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")
	srv := startServer(t, lockPath)

	cfg := testConfig(lockPath)
	cfg.Role = "editor"
	c := New(cfg)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Shutdown()
	waitState(t, c, StateOpen)

	// Arrival order would make this first connection the automation peer;
	// the hello handshake overrides that.
	require.Eventually(t, func() bool {
		return !srv.SendToAutomation(protocol.NewStatus("probe"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoticeCallback(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")
	srv := startServer(t, lockPath)

	cfg := testConfig(lockPath)
	cfg.Role = "editor"
	c := New(cfg)

	got := make(chan *protocol.Notice, 16)
	c.SetNoticeCallback(func(n *protocol.Notice) {
		if n.Type == protocol.NoticeAIResponse {
			select {
			case got <- n:
			default:
			}
		}
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Shutdown()
	waitState(t, c, StateOpen)

	// Rebroadcast until the hello handshake has flipped this peer to the
	// editor role and a notice makes it through.
	var received *protocol.Notice
	require.Eventually(t, func() bool {
		srv.BroadcastToEditors(protocol.NewAIResponse("note", ""))
		select {
		case received = <-got:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "note", received.Content)
}

func TestReconnectAfterServerRestart(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock")
	first := relayserver.New(lockfile.New(lockPath, nil))
	require.NoError(t, first.Start())

	cfg := testConfig(lockPath)
	cfg.MaxReconnectAttempts = 1000
	c := New(cfg)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Shutdown()
	waitState(t, c, StateOpen)

	require.NoError(t, first.Shutdown())

	// The restarted server publishes a fresh record, likely on a new port.
	startServer(t, lockPath)
	waitState(t, c, StateOpen)
	assert.Equal(t, StatusConnected, c.Status())
}
