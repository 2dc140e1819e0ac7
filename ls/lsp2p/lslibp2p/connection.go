// Package lslibp2p provides the production [lsp2p.Transport]
// over a libp2p host: room-wide messages ride a gossipsub topic,
// unicast rides a dedicated stream protocol.
//
// The transport-level sender identity is the libp2p peer ID that signed
// the message, so the ordering engine's spoofing guard compares
// protocol envelopes against an authenticated identity.
package lslibp2p

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lsp2p"
	"github.com/lockstep-engine/lockstep/ls/lswire"
)

// directProtocolID is the stream protocol carrying unicast frames.
const directProtocolID = protocol.ID("/lockstep/v1/direct")

// maxDirectFrame bounds a unicast frame read.
const maxDirectFrame = 1 << 20

// Config holds the construction parameters for a [Connection].
type Config struct {
	// ListenAddrs are multiaddr strings for the host to listen on,
	// e.g. "/ip4/0.0.0.0/tcp/0".
	ListenAddrs []string

	// RoomID scopes the gossipsub topic.
	RoomID string
}

// Connection is a libp2p-backed transport for one room.
type Connection struct {
	log *slog.Logger

	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic

	roomID string

	mu           sync.Mutex
	started      bool
	sub          *pubsub.Subscription
	cancelRead   context.CancelFunc
	readDone     chan struct{}
	msgHandlers  []lsp2p.MessageHandler
	peerHandlers []lsp2p.PeerEventHandler
}

// New creates the libp2p host and gossipsub router.
// The connection does not join the room topic until Start.
func New(ctx context.Context, log *slog.Logger, cfg Config) (*Connection, error) {
	if cfg.RoomID == "" {
		return nil, fmt.Errorf("lslibp2p: RoomID must not be empty")
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to create gossipsub router: %w", err)
	}

	return &Connection{
		log:    log,
		host:   h,
		ps:     ps,
		roomID: cfg.RoomID,
	}, nil
}

// Self returns the host's peer ID in its string form.
func (c *Connection) Self() lsaction.PeerID {
	return lsaction.PeerID(c.host.ID().String())
}

// Host exposes the underlying libp2p host, e.g. for address listing.
func (c *Connection) Host() host.Host {
	return c.host
}

// Connect dials a peer given a full multiaddr string
// of the form ".../p2p/<peer id>".
func (c *Connection) Connect(ctx context.Context, addr string) error {
	ai, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("failed to parse peer address %q: %w", addr, err)
	}
	if err := c.host.Connect(ctx, *ai); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", ai.ID, err)
	}
	return nil
}

func (c *Connection) OnMessage(h lsp2p.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgHandlers = append(c.msgHandlers, h)
}

func (c *Connection) OnPeerEvent(h lsp2p.PeerEventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerHandlers = append(c.peerHandlers, h)
}

func (c *Connection) topicName() string {
	return "/lockstep/" + c.roomID
}

// Start joins the room topic, begins the read loop,
// and installs the peer-event notifier. Idempotent.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	topic, err := c.ps.Join(c.topicName())
	if err != nil {
		return fmt.Errorf("failed to join topic %s: %w", c.topicName(), err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", c.topicName(), err)
	}
	c.topic = topic
	c.sub = sub

	c.host.SetStreamHandler(directProtocolID, c.handleDirectStream)

	c.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			c.firePeerEvent(lsp2p.PeerEvent{
				Kind:   lsp2p.PeerConnected,
				PeerID: lsaction.PeerID(conn.RemotePeer().String()),
			})
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			c.firePeerEvent(lsp2p.PeerEvent{
				Kind:   lsp2p.PeerDisconnected,
				PeerID: lsaction.PeerID(conn.RemotePeer().String()),
				Reason: "connection closed",
			})
		},
	})

	readCtx, cancel := context.WithCancel(ctx)
	c.cancelRead = cancel
	c.readDone = make(chan struct{})
	go c.readLoop(readCtx, sub)

	c.started = true
	return nil
}

// Stop leaves the topic and closes the host. Idempotent.
func (c *Connection) Stop(context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancelRead
	done := c.readDone
	sub := c.sub
	topic := c.topic
	c.mu.Unlock()

	cancel()
	sub.Cancel()
	<-done

	if err := topic.Close(); err != nil {
		c.log.Warn("failed to close topic", "err", err)
	}
	if err := c.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}
	return nil
}

// Broadcast publishes msg to the room topic.
func (c *Connection) Broadcast(ctx context.Context, msg lsp2p.Message) error {
	c.mu.Lock()
	topic := c.topic
	started := c.started
	c.mu.Unlock()
	if !started {
		return fmt.Errorf("lslibp2p: broadcast on stopped connection")
	}

	data, err := lswire.EncodeFrame(lswire.Frame{Topic: msg.Topic, Payload: msg.Payload})
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// Send delivers msg to one peer over a fresh direct stream.
func (c *Connection) Send(ctx context.Context, to lsaction.PeerID, msg lsp2p.Message) error {
	pid, err := peer.Decode(string(to))
	if err != nil {
		return fmt.Errorf("failed to decode peer ID %q: %w", to, err)
	}

	data, err := lswire.EncodeFrame(lswire.Frame{Topic: msg.Topic, Payload: msg.Payload})
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	s, err := c.host.NewStream(ctx, pid, directProtocolID)
	if err != nil {
		return fmt.Errorf("failed to open stream to %s: %w", to, err)
	}
	defer s.Close()

	if _, err := s.Write(data); err != nil {
		return fmt.Errorf("failed to write frame to %s: %w", to, err)
	}
	return s.CloseWrite()
}

func (c *Connection) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	defer close(c.readDone)

	selfID := c.host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			// Canceled subscription or context; the loop is done.
			return
		}
		if msg.ReceivedFrom == selfID || msg.GetFrom() == selfID {
			continue
		}

		c.dispatchFrame(lsaction.PeerID(msg.GetFrom().String()), msg.Data)
	}
}

func (c *Connection) handleDirectStream(s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(io.LimitReader(s, maxDirectFrame))
	if err != nil {
		c.log.Warn("failed to read direct stream", "from", s.Conn().RemotePeer(), "err", err)
		return
	}

	c.dispatchFrame(lsaction.PeerID(s.Conn().RemotePeer().String()), data)
}

func (c *Connection) dispatchFrame(from lsaction.PeerID, data []byte) {
	frame, err := lswire.DecodeFrame(data)
	if err != nil {
		c.log.Warn("dropping undecodable frame", "from", from, "err", err)
		return
	}

	c.mu.Lock()
	handlers := make([]lsp2p.MessageHandler, len(c.msgHandlers))
	copy(handlers, c.msgHandlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(from, lsp2p.Message{Topic: frame.Topic, Payload: frame.Payload})
	}
}

func (c *Connection) firePeerEvent(ev lsp2p.PeerEvent) {
	c.mu.Lock()
	handlers := make([]lsp2p.PeerEventHandler, len(c.peerHandlers))
	copy(handlers, c.peerHandlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
