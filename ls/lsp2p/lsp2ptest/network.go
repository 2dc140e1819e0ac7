// Package lsp2ptest provides an in-process, full-mesh [lsp2p.Transport]
// for tests.
//
// Delivery is synchronous and in send order,
// which satisfies the per-sender ordering the core requires
// and keeps multi-node tests deterministic.
package lsp2ptest

import (
	"context"
	"errors"
	"sync"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lsp2p"
)

// ErrUnknownPeer is returned by Send when the destination
// has never joined the network.
var ErrUnknownPeer = errors.New("lsp2ptest: unknown peer")

// Network is a collection of in-process transports forming a full mesh.
type Network struct {
	mu    sync.Mutex
	peers map[lsaction.PeerID]*Transport
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		peers: make(map[lsaction.PeerID]*Transport),
	}
}

// Join creates a transport for id.
// The transport is inert until its Start method is called.
func (n *Network) Join(id lsaction.PeerID) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := &Transport{net: n, id: id}
	n.peers[id] = t
	return t
}

// started returns every started transport except self.
func (n *Network) started(except lsaction.PeerID) []*Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []*Transport
	for id, t := range n.peers {
		if id == except {
			continue
		}
		t.mu.Lock()
		up := t.up
		t.mu.Unlock()
		if up {
			out = append(out, t)
		}
	}
	return out
}

// Transport is one mesh member. It implements [lsp2p.Transport].
type Transport struct {
	net *Network
	id  lsaction.PeerID

	mu           sync.Mutex
	up           bool
	msgHandlers  []lsp2p.MessageHandler
	peerHandlers []lsp2p.PeerEventHandler
}

func (t *Transport) Self() lsaction.PeerID { return t.id }

func (t *Transport) OnMessage(h lsp2p.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgHandlers = append(t.msgHandlers, h)
}

func (t *Transport) OnPeerEvent(h lsp2p.PeerEventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerHandlers = append(t.peerHandlers, h)
}

// Start marks the transport up and exchanges peer_connected events
// with every other started member. Idempotent.
func (t *Transport) Start(context.Context) error {
	t.mu.Lock()
	if t.up {
		t.mu.Unlock()
		return nil
	}
	t.up = true
	t.mu.Unlock()

	for _, other := range t.net.started(t.id) {
		other.firePeerEvent(lsp2p.PeerEvent{Kind: lsp2p.PeerConnected, PeerID: t.id})
		t.firePeerEvent(lsp2p.PeerEvent{Kind: lsp2p.PeerConnected, PeerID: other.id})
	}
	return nil
}

// Stop marks the transport down and delivers peer_disconnected
// to every other started member. Idempotent.
func (t *Transport) Stop(context.Context) error {
	t.mu.Lock()
	if !t.up {
		t.mu.Unlock()
		return nil
	}
	t.up = false
	t.mu.Unlock()

	for _, other := range t.net.started(t.id) {
		other.firePeerEvent(lsp2p.PeerEvent{
			Kind:   lsp2p.PeerDisconnected,
			PeerID: t.id,
			Reason: "stopped",
		})
	}
	return nil
}

func (t *Transport) Broadcast(_ context.Context, msg lsp2p.Message) error {
	t.mu.Lock()
	up := t.up
	t.mu.Unlock()
	if !up {
		return errors.New("lsp2ptest: broadcast on stopped transport")
	}

	for _, other := range t.net.started(t.id) {
		other.deliver(t.id, msg)
	}
	return nil
}

func (t *Transport) Send(_ context.Context, to lsaction.PeerID, msg lsp2p.Message) error {
	t.net.mu.Lock()
	dst, ok := t.net.peers[to]
	t.net.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}

	dst.mu.Lock()
	up := dst.up
	dst.mu.Unlock()
	if !up {
		// Best-effort: a down destination is not an error for the sender.
		return nil
	}

	dst.deliver(t.id, msg)
	return nil
}

func (t *Transport) deliver(from lsaction.PeerID, msg lsp2p.Message) {
	t.mu.Lock()
	handlers := make([]lsp2p.MessageHandler, len(t.msgHandlers))
	copy(handlers, t.msgHandlers)
	t.mu.Unlock()

	for _, h := range handlers {
		h(from, msg)
	}
}

func (t *Transport) firePeerEvent(ev lsp2p.PeerEvent) {
	t.mu.Lock()
	handlers := make([]lsp2p.PeerEventHandler, len(t.peerHandlers))
	copy(handlers, t.peerHandlers)
	t.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
