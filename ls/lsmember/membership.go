// Package lsmember tracks the current participant set of a room.
package lsmember

import (
	"sync"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
)

// Role distinguishes the local peer from remote ones.
type Role string

const (
	RoleSelf Role = "self"
	RolePeer Role = "peer"
)

// PeerInfo describes one participant.
type PeerInfo struct {
	ID   lsaction.PeerID
	Role Role
}

// Membership is the mutable participant set.
// The local peer is a permanent member.
type Membership struct {
	mu    sync.RWMutex
	self  PeerInfo
	peers map[lsaction.PeerID]PeerInfo
}

// New returns a membership containing only the local peer.
func New(self lsaction.PeerID) *Membership {
	return &Membership{
		self:  PeerInfo{ID: self, Role: RoleSelf},
		peers: make(map[lsaction.PeerID]PeerInfo),
	}
}

// Self returns the local peer's info.
func (m *Membership) Self() PeerInfo {
	return m.self
}

// GetPeer looks up a participant, including the local peer.
func (m *Membership) GetPeer(id lsaction.PeerID) (PeerInfo, bool) {
	if id == m.self.ID {
		return m.self, true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

// Peers returns every participant, the local peer included.
// Order is unspecified.
func (m *Membership) Peers() []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PeerInfo, 0, len(m.peers)+1)
	out = append(out, m.self)
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// AddPeer inserts or replaces a remote participant.
// Adding the local peer is a no-op.
func (m *Membership) AddPeer(p PeerInfo) {
	if p.ID == m.self.ID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.ID] = p
}

// RemovePeer removes a remote participant.
// Removing the local peer is a no-op.
func (m *Membership) RemovePeer(id lsaction.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}
