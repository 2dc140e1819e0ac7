// Package lsp2p declares the transport contract the ordering core consumes.
//
// A transport is a best-effort broadcast/unicast primitive to named peers.
// Messages from one sender on one topic arrive in send order;
// no ordering is promised across senders.
// Reconnection and retry belong to the transport, not the core.
package lsp2p

import (
	"context"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
)

// Message is one transport datagram: a routing topic and an opaque payload.
type Message struct {
	Topic   string
	Payload []byte
}

// PeerEventKind discriminates [PeerEvent].
type PeerEventKind uint8

const (
	_ PeerEventKind = iota // Zero value reserved.

	PeerConnected
	PeerDisconnected
)

func (k PeerEventKind) String() string {
	switch k {
	case PeerConnected:
		return "peer_connected"
	case PeerDisconnected:
		return "peer_disconnected"
	default:
		return "unknown"
	}
}

// PeerEvent reports a membership change observed at the transport level.
type PeerEvent struct {
	Kind   PeerEventKind
	PeerID lsaction.PeerID

	// Reason optionally describes a disconnect.
	Reason string
}

// MessageHandler receives inbound messages.
// The from identity is authenticated by the transport
// (or its wrapping identity layer) and is authoritative:
// the core trusts it over any identity claimed inside the payload.
type MessageHandler func(from lsaction.PeerID, msg Message)

// PeerEventHandler receives connect and disconnect events.
type PeerEventHandler func(ev PeerEvent)

// Transport is the broadcast primitive the ordering engine runs over.
//
// Start and Stop are idempotent.
// Broadcast and Send are fire-and-forget: a returned error means the
// local send failed; delivery is never acknowledged.
// Handlers must be registered before Start.
type Transport interface {
	// Self returns the local peer's identifier.
	Self() lsaction.PeerID

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Broadcast sends msg to every connected peer.
	Broadcast(ctx context.Context, msg Message) error

	// Send sends msg to one peer.
	Send(ctx context.Context, to lsaction.PeerID, msg Message) error

	OnMessage(h MessageHandler)
	OnPeerEvent(h PeerEventHandler)
}
