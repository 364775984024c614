package relayserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/chatrelay/internal/logger"
	"github.com/codefionn/chatrelay/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	sendBufferSize = 256
)

// Role classifies a peer: the automation side drives the browser, the editor
// side drives the IDE.
type Role int32

const (
	RoleAutomation Role = iota
	RoleEditor
)

func (r Role) String() string {
	switch r {
	case RoleAutomation:
		return "automation"
	case RoleEditor:
		return "editor"
	default:
		return "unknown"
	}
}

// PeerState is the lifecycle state of one connection.
type PeerState int32

const (
	PeerConnecting PeerState = iota
	PeerOpen
	PeerClosing
	PeerClosed
)

// Peer is one live duplex connection. A reconnect produces a new Peer; they
// are never reused.
type Peer struct {
	ID string

	server *Server
	conn   *websocket.Conn
	send   chan []byte

	role  atomic.Int32
	state atomic.Int32

	stopOnce sync.Once
	stopChan chan struct{}

	log *logger.Logger
}

func newPeer(id string, conn *websocket.Conn, role Role, server *Server) *Peer {
	p := &Peer{
		ID:       id,
		server:   server,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		stopChan: make(chan struct{}),
		log:      logger.Global().WithPrefix("server"),
	}
	p.role.Store(int32(role))
	p.state.Store(int32(PeerConnecting))
	return p
}

// Role returns the peer's current role.
func (p *Peer) Role() Role {
	return Role(p.role.Load())
}

func (p *Peer) setRole(r Role) {
	p.role.Store(int32(r))
}

// State returns the peer's lifecycle state.
func (p *Peer) State() PeerState {
	return PeerState(p.state.Load())
}

// start launches the read and write pumps.
func (p *Peer) start() {
	p.state.Store(int32(PeerOpen))
	go p.readPump()
	go p.writePump()
}

// Send enqueues a serialized message for delivery. Returns false without
// blocking when the peer's buffer is full or the peer is closed.
func (p *Peer) Send(data []byte) bool {
	if p.State() != PeerOpen {
		return false
	}
	select {
	case p.send <- data:
		return true
	case <-p.stopChan:
		return false
	default:
		return false
	}
}

// SendMessage serializes and enqueues a protocol message.
func (p *Peer) SendMessage(msg protocol.Message) bool {
	data, err := protocol.Serialize(msg)
	if err != nil {
		p.log.Error("peer %s: failed to serialize outbound message: %v", p.ID, err)
		return false
	}
	return p.Send(data)
}

// Close tears the connection down and removes the peer from the active set.
// Safe to call from any goroutine, any number of times.
func (p *Peer) Close() {
	p.stopOnce.Do(func() {
		p.state.Store(int32(PeerClosing))
		close(p.stopChan)
		p.conn.Close()
		p.state.Store(int32(PeerClosed))
		p.server.peerClosed(p)
	})
}

func (p *Peer) readPump() {
	defer p.Close()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.log.Error("peer %s: read error: %v", p.ID, err)
			} else {
				p.log.Info("peer %s disconnected", p.ID)
			}
			return
		}
		p.server.dispatch(p, data)
	}
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.Close()
	}()

	for {
		select {
		case <-p.stopChan:
			return

		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.log.Error("peer %s: write error: %v", p.ID, err)
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
