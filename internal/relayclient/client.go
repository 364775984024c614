// Package relayclient is the reconnecting side of the bridge. It discovers
// the session server's port through the lock record, keeps the link alive
// with bounded retries, and queues outbound messages while disconnected.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"

	"github.com/codefionn/chatrelay/internal/correlator"
	"github.com/codefionn/chatrelay/internal/lockfile"
	"github.com/codefionn/chatrelay/internal/logger"
	"github.com/codefionn/chatrelay/internal/protocol"
)

// State represents the client connection state machine.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateBackoff
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the tri-state connection summary surfaced to operators.
type Status string

const (
	StatusConnected Status = "connected"
	StatusRetrying  Status = "connecting-retrying"
	StatusFailed    Status = "failed"
	StatusIdle      Status = "idle"
)

var (
	// ErrNotConnected indicates a write was attempted with no open socket.
	ErrNotConnected = errors.New("not connected")
	// ErrQueueFull indicates the pending outbound queue is at its limit.
	ErrQueueFull = errors.New("pending queue full")
	// ErrAlreadyRunning indicates Connect was called on a running client.
	ErrAlreadyRunning = errors.New("client already running")
)

// Config holds client configuration.
type Config struct {
	// LockPath is the lock record to read the server port from.
	LockPath string
	// PreferredPorts are tried after the recorded port.
	PreferredPorts []int
	// Role the client declares in its hello handshake: "automation" or
	// "editor".
	Role string
	// DialTimeout bounds each per-port connection attempt.
	DialTimeout time.Duration
	// ReconnectDelay is the fixed interval between connection attempts.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts is the hard attempt ceiling; reaching it is a
	// terminal failure until a manual Connect.
	MaxReconnectAttempts int
	// SendRetryDelay is the pause before retrying a queued message whose
	// flush failed.
	SendRetryDelay time.Duration
	// MaxSendAttempts is the per-message retry ceiling, distinct from the
	// connection-level ceiling.
	MaxSendAttempts int
	// QueueLimit caps the pending outbound queue.
	QueueLimit int
	// RequestTimeout is the default window for Request.
	RequestTimeout time.Duration
	// WatchLock enables the lock-record watch that cuts backoff short when
	// a server publishes a new port.
	WatchLock bool
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Role:                 "automation",
		DialTimeout:          5 * time.Second,
		ReconnectDelay:       2 * time.Second,
		MaxReconnectAttempts: 5,
		SendRetryDelay:       250 * time.Millisecond,
		MaxSendAttempts:      3,
		QueueLimit:           256,
		RequestTimeout:       30 * time.Second,
		WatchLock:            true,
	}
}

// Client is a reconnecting bridge client.
type Client struct {
	cfg  *Config
	lock *lockfile.Lock

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	state atomic.Int32
	queue *sendQueue

	tracker *correlator.Tracker

	respMu    sync.Mutex
	responses map[string]func(*protocol.Response)

	cbMu      sync.Mutex
	onRequest func(*protocol.Request)
	onNotice  func(*protocol.Notice)
	onState   func(State)

	lifeMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	wake    chan struct{}
	watcher *fsnotify.Watcher

	log *logger.Logger
}

// New creates a client. Connect starts it.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Client{
		cfg:       cfg,
		lock:      lockfile.New(cfg.LockPath, cfg.PreferredPorts),
		queue:     newSendQueue(cfg.QueueLimit),
		responses: make(map[string]func(*protocol.Response)),
		wake:      make(chan struct{}, 1),
		log:       logger.Global().WithPrefix("client"),
	}
	c.tracker = correlator.New(c)
	c.state.Store(int32(StateIdle))
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Status maps the state machine onto the operator-facing tri-state.
func (c *Client) Status() Status {
	switch c.State() {
	case StateOpen:
		return StatusConnected
	case StateConnecting, StateBackoff:
		return StatusRetrying
	case StateFailed:
		return StatusFailed
	default:
		return StatusIdle
	}
}

// QueuedCount returns the number of messages waiting for a connection.
func (c *Client) QueuedCount() int {
	return c.queue.len()
}

// SetRequestCallback sets the handler invoked for each inbound Request.
func (c *Client) SetRequestCallback(fn func(*protocol.Request)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onRequest = fn
}

// SetNoticeCallback sets the handler invoked for each inbound Notice.
func (c *Client) SetNoticeCallback(fn func(*protocol.Notice)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onNotice = fn
}

// SetStateCallback sets the handler invoked on every state transition.
func (c *Client) SetStateCallback(fn func(State)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onState = fn
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.cbMu.Lock()
	fn := c.onState
	c.cbMu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Connect starts the connection manager. Calling it after the client
// reached the failed state resets the attempt counter and retries; calling
// it while running returns ErrAlreadyRunning.
func (c *Client) Connect(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})

	if c.cfg.WatchLock && c.watcher == nil {
		c.startLockWatch()
	}

	go c.run(ctx, c.stopCh, c.done)
	return nil
}

// Close stops the connection manager and closes the socket. The client can
// be restarted with Connect.
func (c *Client) Close() error {
	c.lifeMu.Lock()
	if !c.running {
		c.lifeMu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopCh)
	done := c.done
	c.lifeMu.Unlock()

	c.closeConn()
	<-done
	c.setState(StateIdle)
	return nil
}

// Shutdown is Close plus tearing down the correlator and lock watch; the
// client cannot be reused afterwards.
func (c *Client) Shutdown() error {
	err := c.Close()
	if c.watcher != nil {
		c.watcher.Close()
	}
	c.tracker.Close()
	return err
}

// run is the connection manager loop: connect, pump, back off, repeat,
// until the attempt ceiling turns failure terminal.
func (c *Client) run(ctx context.Context, stopCh chan struct{}, done chan struct{}) {
	defer close(done)

	attempts := 0
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			attempts++
			c.log.Warn("connection attempt %d/%d failed: %v", attempts, c.cfg.MaxReconnectAttempts, err)
			if attempts >= c.cfg.MaxReconnectAttempts {
				c.log.Error("attempt ceiling reached, giving up until manual reconnect")
				c.setState(StateFailed)
				c.lifeMu.Lock()
				c.running = false
				c.lifeMu.Unlock()
				return
			}
			c.setState(StateBackoff)
			select {
			case <-time.After(c.cfg.ReconnectDelay):
			case <-c.wake:
				c.log.Info("lock record changed, retrying immediately")
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		// A successful connection forgives prior failures.
		attempts = 0
		c.setConn(conn)
		c.log.Info("connected to session server")

		// The backlog drains before the open state is published, so a
		// message sent from the state callback (or by anyone observing the
		// open state) cannot overtake messages queued while disconnected.
		c.sendHello()
		c.flushQueue()
		c.setState(StateOpen)
		// Catch anything enqueued between the drain and the state change.
		c.flushQueue()
		c.readLoop(conn)

		c.closeConn()
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.setState(StateBackoff)
		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-c.wake:
			c.log.Info("lock record changed, retrying immediately")
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dial tries each candidate port in turn, recorded port first, each attempt
// bounded by the dial timeout. The first port to open wins.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}

	candidates := c.lock.Discover()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidate ports")
	}

	var lastErr error
	for _, port := range candidates {
		url := fmt.Sprintf("ws://%s/ws", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		conn, resp, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			lastErr = fmt.Errorf("port %d: %w", port, err)
			if resp != nil {
				resp.Body.Close()
			}
			continue
		}
		return conn, nil
	}
	return nil, lastErr
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// sendHello declares this client's role, overriding arrival-order
// classification on the server.
func (c *Client) sendHello() {
	data, err := protocol.Serialize(protocol.NewHello(c.cfg.Role))
	if err != nil {
		return
	}
	if err := c.write(data); err != nil {
		c.log.Warn("failed to send hello: %v", err)
	}
}

// write performs one framed write. gorilla/websocket permits a single
// writer, hence the mutex.
func (c *Client) write(data []byte) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Send delivers msg if the socket is open, otherwise enqueues it. The
// boolean reports whether the message went out now; a queued message
// returns (false, nil). ErrQueueFull is returned when the queue is at its
// limit, in which case the message is dropped and logged.
func (c *Client) Send(msg protocol.Message) (bool, error) {
	data, err := protocol.Serialize(msg)
	if err != nil {
		return false, err
	}

	if c.State() == StateOpen {
		if err := c.write(data); err == nil {
			return true, nil
		}
		// The socket died under us; fall through to the queue and let the
		// manager reconnect.
	}

	if !c.queue.push(&queued{data: data}) {
		c.log.Error("pending queue full, dropping message")
		return false, ErrQueueFull
	}
	c.log.Debug("queued message while disconnected (%d pending)", c.queue.len())
	return false, nil
}

// flushQueue drains the pending queue in FIFO order after a connection
// opens. A message whose send fails is re-queued at the front with its
// attempt counter bumped and retried after a short delay; past its retry
// ceiling it is dropped and logged, never retried forever.
func (c *Client) flushQueue() {
	for {
		e := c.queue.pop()
		if e == nil {
			return
		}
		if err := c.write(e.data); err != nil {
			e.attempts++
			if e.attempts >= c.cfg.MaxSendAttempts {
				c.log.Error("dropping queued message after %d failed sends", e.attempts)
			} else {
				c.queue.pushFront(e)
			}
			if c.State() != StateOpen {
				return
			}
			time.Sleep(c.cfg.SendRetryDelay)
		}
	}
}

// readLoop pumps inbound frames until the connection breaks. Server pings
// are answered and extend the read deadline.
func (c *Client) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(75 * time.Second))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(75 * time.Second))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Info("connection lost: %v", err)
			return
		}
		c.route(data)
	}
}

// route dispatches one inbound frame: one-shot response handlers first,
// then the request and notice callbacks.
func (c *Client) route(data []byte) {
	switch m := protocol.Parse(data).(type) {
	case *protocol.Response:
		if fn := c.takeResponse(m.RequestID); fn != nil {
			fn(m)
			return
		}
		c.log.Warn("dropping response for unknown request %s", m.RequestID)

	case *protocol.Request:
		c.cbMu.Lock()
		fn := c.onRequest
		c.cbMu.Unlock()
		if fn == nil {
			// Nobody to answer; fail the request instead of leaving the
			// issuing side to wait out its timeout.
			_, _ = c.Send(protocol.ErrorResponse(m.ID, "no responder attached"))
			return
		}
		go fn(m)

	case *protocol.Notice:
		c.cbMu.Lock()
		fn := c.onNotice
		c.cbMu.Unlock()
		if fn != nil {
			go fn(m)
		}

	case nil:
		// Parse already logged the diagnostic.
	}
}

// RegisterResponse implements correlator.Registrar.
func (c *Client) RegisterResponse(id string, fn func(*protocol.Response)) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	c.responses[id] = fn
}

// UnregisterResponse implements correlator.Registrar.
func (c *Client) UnregisterResponse(id string) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	delete(c.responses, id)
}

func (c *Client) takeResponse(id string) func(*protocol.Response) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	fn := c.responses[id]
	delete(c.responses, id)
	return fn
}

// Request issues req and waits for its correlated Response. The request is
// not queued: with no open socket it resolves immediately as a send
// failure.
func (c *Client) Request(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	return c.tracker.Issue(ctx, func(r *protocol.Request) bool {
		data, err := protocol.Serialize(r)
		if err != nil {
			return false
		}
		return c.write(data) == nil
	}, req, timeout)
}

// startLockWatch wakes the backoff wait early when the lock record changes,
// so a server restart on a new port is picked up without waiting out the
// full delay.
func (c *Client) startLockWatch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.log.Warn("lock watch unavailable: %v", err)
		return
	}
	dir := filepath.Dir(c.cfg.LockPath)
	if err := watcher.Add(dir); err != nil {
		c.log.Warn("failed to watch %s: %v", dir, err)
		watcher.Close()
		return
	}
	c.watcher = watcher

	base := filepath.Base(c.cfg.LockPath)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case c.wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.Warn("lock watch error: %v", err)
			}
		}
	}()
}
