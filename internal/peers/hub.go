package peers

import (
	"errors"
	"sync"
	"time"

	"github.com/thruflux/thruflux/pkg/protocol"
)

// RoleSender and RoleReceiver are the two peer roles a signaling
// session ever sees. A session holds at most one sender but any
// number of receivers.
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

// ErrDuplicateSender is returned by Add when a session already has a
// different sender peer attached. Reconnecting with the same peer ID
// is not a duplicate; it replaces the prior connection.
var ErrDuplicateSender = errors.New("peers: session already has a sender")

// Peer represents a connected peer.
type Peer struct {
	PeerID string
	Role   string
	ConnID string // unique per WebSocket connection
}

// peerConnection holds a peer and its send channel.
type peerConnection struct {
	peer Peer
	send chan protocol.Envelope
}

// Hub manages peers per session in a thread-safe manner.
// Duplicate peer_ids within a session use last-write-wins: the most
// recent connection replaces any previous one.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*peerConnection // sessionID -> connID -> peerConnection
	byPeerID map[string]map[string]string          // sessionID -> peerID -> connID (for routing by peer_id)
}

// NewHub creates a new peer hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]map[string]*peerConnection),
		byPeerID: make(map[string]map[string]string),
	}
}

// Add adds a peer to a session and returns a remove function. The
// send function is used to deliver envelopes to the peer. If p.Role
// is RoleSender and the session already holds a sender with a
// different PeerID, Add rejects the join with ErrDuplicateSender and
// returns a nil remove func — a session has exactly one sender.
func (h *Hub) Add(sessionID string, p Peer, send func(env protocol.Envelope) error) (remove func(), err error) {
	h.mu.Lock()
	if p.Role == RoleSender {
		if existing, ok := h.senderPeerIDLocked(sessionID); ok && existing != p.PeerID {
			h.mu.Unlock()
			return nil, ErrDuplicateSender
		}
	}
	h.mu.Unlock()

	// Buffered so a slow peer's writer goroutine never blocks a
	// broadcaster; full channels drop rather than stall the hub.
	ch := make(chan protocol.Envelope, 256)

	pc := &peerConnection{
		peer: p,
		send: ch,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range ch {
			if err := send(env); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]*peerConnection)
	}
	if h.byPeerID[sessionID] == nil {
		h.byPeerID[sessionID] = make(map[string]string)
	}

	// Last-write-wins: a reconnect with the same peer_id replaces the
	// stale connection rather than coexisting with it.
	if oldConnID, exists := h.byPeerID[sessionID][p.PeerID]; exists && oldConnID != p.ConnID {
		if oldPC, ok := h.sessions[sessionID][oldConnID]; ok {
			close(oldPC.send)
		}
		delete(h.sessions[sessionID], oldConnID)
		delete(h.byPeerID[sessionID], p.PeerID)
	}

	h.sessions[sessionID][p.ConnID] = pc
	h.byPeerID[sessionID][p.PeerID] = p.ConnID
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		sessionPeers, exists := h.sessions[sessionID]
		if !exists {
			h.mu.Unlock()
			return
		}

		// The connection may already have been replaced by a reconnect.
		if _, stillExists := sessionPeers[p.ConnID]; !stillExists {
			h.mu.Unlock()
			return
		}

		delete(sessionPeers, p.ConnID)
		if peerIDMap, exists := h.byPeerID[sessionID]; exists {
			if peerIDMap[p.PeerID] == p.ConnID {
				delete(peerIDMap, p.PeerID)
			}
		}
		h.mu.Unlock()

		close(ch)

		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}

		h.mu.Lock()
		if len(sessionPeers) == 0 {
			delete(h.sessions, sessionID)
			delete(h.byPeerID, sessionID)
		}
		h.mu.Unlock()
	}, nil
}

// senderPeerIDLocked returns the peer ID of the session's current
// sender, if any. Callers must hold h.mu.
func (h *Hub) senderPeerIDLocked(sessionID string) (string, bool) {
	sessionPeers, exists := h.sessions[sessionID]
	if !exists {
		return "", false
	}
	for _, pc := range sessionPeers {
		if pc.peer.Role == RoleSender {
			return pc.peer.PeerID, true
		}
	}
	return "", false
}

// List returns a list of peers in a session as protocol.PeerInfo.
func (h *Hub) List(sessionID string) []protocol.PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessionPeers, exists := h.sessions[sessionID]
	if !exists || len(sessionPeers) == 0 {
		return []protocol.PeerInfo{}
	}

	peers := make([]protocol.PeerInfo, 0, len(sessionPeers))
	for _, pc := range sessionPeers {
		peers = append(peers, protocol.PeerInfo{
			PeerID: pc.peer.PeerID,
			Role:   pc.peer.Role,
		})
	}

	return peers
}

// Broadcast sends an envelope to all peers in a session.
// Uses non-blocking sends via buffered channels to avoid blocking on slow peers.
func (h *Hub) Broadcast(sessionID string, env protocol.Envelope) {
	h.mu.RLock()
	sessionPeers, exists := h.sessions[sessionID]
	if !exists {
		h.mu.RUnlock()
		return
	}

	peersCopy := make([]*peerConnection, 0, len(sessionPeers))
	for _, pc := range sessionPeers {
		peersCopy = append(peersCopy, pc)
	}
	h.mu.RUnlock()

	for _, pc := range peersCopy {
		select {
		case pc.send <- env:
		default:
		}
	}
}

// BroadcastExcept sends an envelope to all peers in a session except the specified peer.
func (h *Hub) BroadcastExcept(sessionID string, exceptPeerID string, env protocol.Envelope) {
	h.mu.RLock()
	sessionPeers, exists := h.sessions[sessionID]
	if !exists {
		h.mu.RUnlock()
		return
	}

	exceptConnID := ""
	if peerIDMap, exists := h.byPeerID[sessionID]; exists {
		exceptConnID = peerIDMap[exceptPeerID]
	}

	peersCopy := make([]*peerConnection, 0, len(sessionPeers))
	for connID, pc := range sessionPeers {
		if connID != exceptConnID {
			peersCopy = append(peersCopy, pc)
		}
	}
	h.mu.RUnlock()

	for _, pc := range peersCopy {
		select {
		case pc.send <- env:
		default:
		}
	}
}

// SendTo sends an envelope to a specific peer in a session.
// Returns true if the peer was found and the message was queued, false otherwise.
func (h *Hub) SendTo(sessionID string, peerID string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peerIDMap, exists := h.byPeerID[sessionID]
	if !exists {
		return false
	}

	connID, exists := peerIDMap[peerID]
	if !exists {
		return false
	}

	pc, exists := h.sessions[sessionID][connID]
	if !exists {
		return false
	}

	select {
	case pc.send <- env:
		return true
	default:
		// Channel full, but peer exists.
		return true
	}
}
