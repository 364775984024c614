// Package relayserver owns the listening socket of the bridge. It accepts
// duplex WebSocket connections from the automation side and from editor
// surfaces, classifies their role, and dispatches inbound messages to
// one-shot response handlers or per-action default handlers.
package relayserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/chatrelay/internal/correlator"
	"github.com/codefionn/chatrelay/internal/lockfile"
	"github.com/codefionn/chatrelay/internal/logger"
	"github.com/codefionn/chatrelay/internal/protocol"
)

// State is the server lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Server is the session server. All mutable registries (handler tables, the
// peer set) are fields of the instance; nothing is process-wide.
type Server struct {
	lock     *lockfile.Lock
	hub      *Hub
	handlers *handlerTable
	tracker  *correlator.Tracker

	httpServer *http.Server
	listener   net.Listener
	port       int

	state atomic.Int32

	// Serializes Start/Stop and guards the epoch connection counter.
	mu         sync.Mutex
	peerSeq    int
	epochConns int

	log *logger.Logger
}

// New creates a session server coordinating its port through lock.
func New(lock *lockfile.Lock) *Server {
	s := &Server{
		lock:     lock,
		hub:      NewHub(),
		handlers: newHandlerTable(),
		log:      logger.Global().WithPrefix("server"),
	}
	s.tracker = correlator.New(s)
	return s
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Port returns the bound port, valid while listening.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	return s.hub.Count()
}

// Start acquires a port, binds the listening socket, publishes the lock
// record and begins accepting peers. The only fatal path is binding being
// impossible on every candidate including the ephemeral fallback; that error
// is surfaced to the caller and not retried internally.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("server is already running")
	}

	var listener net.Listener
	if port := s.lock.Choose(); port > 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			// The probe in Choose raced another bind; fall through to the
			// ephemeral port.
			s.log.Warn("preferred port %d vanished between probe and bind: %v", port, err)
		} else {
			listener = ln
		}
	}
	if listener == nil {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			s.state.Store(int32(StateStopped))
			return fmt.Errorf("no bindable port, ephemeral fallback included: %w", err)
		}
		listener = ln
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.epochConns = 0

	// Publication happens only after the bind succeeded. A filesystem
	// failure degrades to an unpublished lock; clients still find the
	// server by probing the preferred ports.
	if err := s.lock.Publish(s.port); err != nil {
		s.log.Warn("failed to publish lock record: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error: %v", err)
		}
	}()

	s.state.Store(int32(StateListening))
	s.log.Info("session server listening on 127.0.0.1:%d", s.port)

	return nil
}

// Stop closes all peers, clears the handler tables and releases the lock
// record. Idempotent: stopping a stopped server is a no-op. Outstanding
// correlator waiters are not failed here; they run out their own timeouts.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateStopped {
		return nil
	}
	s.state.Store(int32(StateStopping))
	s.log.Info("stopping session server...")

	s.hub.Shutdown()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.httpServer.Close()
		}
		cancel()
	}

	s.handlers.clear()

	if err := s.lock.Release(); err != nil {
		s.log.Warn("failed to release lock record: %v", err)
	}

	s.state.Store(int32(StateStopped))
	s.log.Info("session server stopped")
	return nil
}

// Shutdown is Stop plus tearing down the correlator; the server cannot be
// restarted afterwards.
func (s *Server) Shutdown() error {
	err := s.Stop()
	s.tracker.Close()
	return err
}

// handleWebSocket upgrades a connection and assigns its role by arrival
// order within the current listening epoch: the first connection is the
// automation-side peer, every later one an editor-side peer. A hello notice
// may override the assignment.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.State() != StateListening {
		http.Error(w, "server is not accepting connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(*http.Request) bool {
			return true // loopback-only listener
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade connection: %v", err)
		return
	}

	s.mu.Lock()
	s.peerSeq++
	s.epochConns++
	id := fmt.Sprintf("peer_%d", s.peerSeq)
	role := RoleEditor
	if s.epochConns == 1 {
		role = RoleAutomation
	}
	s.mu.Unlock()

	p := newPeer(id, conn, role, s)
	s.hub.Register(p)
	p.start()

	if role == RoleAutomation {
		s.BroadcastToEditors(protocol.NewStatus("connected"))
	}
}

// peerClosed removes p from the active set and tells editor peers when the
// automation link dropped.
func (s *Server) peerClosed(p *Peer) {
	s.hub.Unregister(p)
	if p.Role() == RoleAutomation && s.State() == StateListening {
		s.BroadcastToEditors(protocol.NewStatus("disconnected"))
	}
}

// dispatch routes one inbound frame. Order: one-shot response handlers by
// correlation id, then per-action request handlers, then notice handlers.
// Anything unroutable is logged and dropped; bad input never brings the
// server down.
func (s *Server) dispatch(p *Peer, data []byte) {
	switch m := protocol.Parse(data).(type) {
	case *protocol.Response:
		if fn := s.handlers.takeResponse(m.RequestID); fn != nil {
			fn(m)
			return
		}
		s.log.Warn("peer %s: dropping response for unknown request %s", p.ID, m.RequestID)

	case *protocol.Request:
		if fn := s.handlers.action(m.ActionType); fn != nil {
			fn(p, m)
			return
		}
		p.SendMessage(protocol.ErrorResponse(m.ID, fmt.Sprintf("unknown action: %s", m.ActionType)))

	case *protocol.Notice:
		if m.Type == protocol.NoticeHello {
			s.handleHello(p, m)
			return
		}
		if fn := s.handlers.notice(m.Type); fn != nil {
			fn(p, m)
			return
		}
		s.log.Debug("peer %s: no handler for notice %q, dropping", p.ID, m.Type)

	case nil:
		// Parse already logged the diagnostic.
	}
}

// handleHello applies an explicit role declaration, which wins over arrival
// order.
func (s *Server) handleHello(p *Peer, n *protocol.Notice) {
	var declared Role
	switch n.Role {
	case "automation":
		declared = RoleAutomation
	case "editor":
		declared = RoleEditor
	default:
		s.log.Warn("peer %s declared unknown role %q, keeping %s", p.ID, n.Role, p.Role())
		return
	}

	if declared == p.Role() {
		return
	}
	s.log.Info("peer %s role changed by handshake: %s -> %s", p.ID, p.Role(), declared)
	p.setRole(declared)
	if declared == RoleAutomation {
		s.BroadcastToEditors(protocol.NewStatus("connected"))
	}
}

// HandleAction installs the default handler for an action type. A nil fn
// removes it.
func (s *Server) HandleAction(a protocol.Action, fn ActionHandler) {
	s.handlers.setAction(a, fn)
}

// HandleNotice installs the default handler for a notice type. A nil fn
// removes it.
func (s *Server) HandleNotice(typ string, fn NoticeHandler) {
	s.handlers.setNotice(typ, fn)
}

// RegisterResponse installs a one-shot handler for the response to the given
// request id. Implements correlator.Registrar.
func (s *Server) RegisterResponse(id string, fn func(*protocol.Response)) {
	s.handlers.putResponse(id, fn)
}

// UnregisterResponse removes an orphaned one-shot handler. Implements
// correlator.Registrar.
func (s *Server) UnregisterResponse(id string) {
	s.handlers.removeResponse(id)
}

// SendToAutomation writes a message to the connected automation-side peer.
// Returns false without error when none is connected or the write fails.
func (s *Server) SendToAutomation(msg protocol.Message) bool {
	p := s.hub.Automation()
	if p == nil {
		return false
	}
	return p.SendMessage(msg)
}

// BroadcastToEditors writes a message to every connected editor-side peer,
// best effort. A failing peer is dropped from the active set without
// aborting the broadcast to the others.
func (s *Server) BroadcastToEditors(msg protocol.Message) {
	data, err := protocol.Serialize(msg)
	if err != nil {
		s.log.Error("failed to serialize broadcast: %v", err)
		return
	}
	for _, p := range s.hub.Editors() {
		if !p.Send(data) {
			s.log.Warn("dropping unresponsive editor peer %s", p.ID)
			p.Close()
		}
	}
}

// Issue forwards req to the automation peer and waits for the correlated
// Response, at most timeout.
func (s *Server) Issue(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	return s.tracker.Issue(ctx, func(r *protocol.Request) bool {
		return s.SendToAutomation(r)
	}, req, timeout)
}

// Outstanding returns the number of requests awaiting a response.
func (s *Server) Outstanding() int {
	return s.tracker.Outstanding()
}
