package relayserver

import (
	"sync"

	"github.com/codefionn/chatrelay/internal/logger"
)

// Hub tracks the set of active peers in registration order. Owned by a
// single Server instance so multiple servers can coexist in tests.
type Hub struct {
	mu    sync.RWMutex
	peers []*Peer
	log   *logger.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		log: logger.Global().WithPrefix("server"),
	}
}

// Register adds a peer to the active set.
func (h *Hub) Register(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.peers = append(h.peers, p)
	h.log.Info("peer %s registered as %s (total: %d)", p.ID, p.Role(), len(h.peers))
}

// Unregister removes a peer from the active set.
func (h *Hub) Unregister(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, q := range h.peers {
		if q == p {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			h.log.Info("peer %s unregistered (total: %d)", p.ID, len(h.peers))
			return
		}
	}
}

// Automation returns the first-registered automation-side peer, or nil when
// none is connected. First-registered keeps the pick deterministic when
// several automation peers are connected.
func (h *Hub) Automation() *Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, p := range h.peers {
		if p.Role() == RoleAutomation {
			return p
		}
	}
	return nil
}

// Editors returns the connected editor-side peers in registration order.
func (h *Hub) Editors() []*Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var editors []*Peer
	for _, p := range h.peers {
		if p.Role() == RoleEditor {
			editors = append(editors, p)
		}
	}
	return editors
}

// Count returns the number of active peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Shutdown closes every active peer.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	peers := make([]*Peer, len(h.peers))
	copy(peers, h.peers)
	h.mu.RUnlock()

	for _, p := range peers {
		p.Close()
	}
}
