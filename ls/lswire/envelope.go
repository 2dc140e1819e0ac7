package lswire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
)

// Version is the only protocol version this codec speaks.
const Version = "v1"

// Message type tags. These are wire-stable strings;
// changing one is a protocol break.
const (
	TypeActionPropose = "ACTION_PROPOSE"
	TypeActionSeal    = "ACTION_SEAL"
	TypeActionCommit  = "ACTION_COMMIT"
	TypeSyncClock     = "SYNC_CLOCK"
)

// ErrMalformedFrame indicates an envelope that could not be decoded.
var ErrMalformedFrame = errors.New("lswire: malformed envelope")

// UnsupportedVersionError indicates an envelope
// whose version tag is not understood.
type UnsupportedVersionError struct {
	V string
}

func (e UnsupportedVersionError) Error() string {
	return fmt.Sprintf("lswire: unsupported protocol version %q", e.V)
}

// NodeMessage is the union of protocol messages carried in an [Envelope].
// Exactly the four concrete types in this package implement it.
type NodeMessage interface {
	// Type returns the wire tag identifying the concrete message.
	Type() string

	// Room returns the room the message belongs to.
	// Messages for foreign rooms are dropped without processing.
	Room() string
}

// ActionPropose announces one authored action for a future tick.
type ActionPropose struct {
	RoomID  string          `json:"roomId"`
	PeerID  lsaction.PeerID `json:"peerId"`
	Tick    lsaction.Tick   `json:"tick"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

func (m ActionPropose) Type() string { return TypeActionPropose }
func (m ActionPropose) Room() string { return m.RoomID }

// ActionSeal declares that the author will contribute
// no further actions to Tick.
// LastSeq is the highest Seq the author assigned for the tick,
// or -1 if it authored none.
type ActionSeal struct {
	RoomID  string          `json:"roomId"`
	PeerID  lsaction.PeerID `json:"peerId"`
	Tick    lsaction.Tick   `json:"tick"`
	LastSeq int64           `json:"lastSeq"`
}

func (m ActionSeal) Type() string { return TypeActionSeal }
func (m ActionSeal) Room() string { return m.RoomID }

// ActionCommit is advisory gossip of a locally computed commit.
// Receivers recompute commits themselves and never adopt this content.
type ActionCommit struct {
	RoomID  string                  `json:"roomId"`
	Tick    lsaction.Tick           `json:"tick"`
	Height  uint64                  `json:"height"`
	Actions []lsaction.SignedAction `json:"actions"`
}

func (m ActionCommit) Type() string { return TypeActionCommit }
func (m ActionCommit) Room() string { return m.RoomID }

// SyncClock is a tick-warp hint carrying the sender's current tick.
type SyncClock struct {
	RoomID string          `json:"roomId"`
	PeerID lsaction.PeerID `json:"peerId"`
	Tick   lsaction.Tick   `json:"tick"`
}

func (m SyncClock) Type() string { return TypeSyncClock }
func (m SyncClock) Room() string { return m.RoomID }

// Envelope is the versioned JSON wrapper around a [NodeMessage].
type Envelope struct {
	V   string
	TS  int64
	Msg NodeMessage
}

type wireEnvelope struct {
	V   string          `json:"v"`
	TS  int64           `json:"ts"`
	Msg json.RawMessage `json:"msg"`
}

type wireTag struct {
	Type string `json:"type"`
}

// MarshalEnvelope encodes msg into a v1 envelope stamped with tsMs.
func MarshalEnvelope(msg NodeMessage, tsMs int64) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s body: %w", msg.Type(), err)
	}

	// Splice the type tag into the message object.
	tagged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &tagged); err != nil {
		return nil, fmt.Errorf("failed to re-read %s body: %w", msg.Type(), err)
	}
	tagged["type"] = json.RawMessage(fmt.Sprintf("%q", msg.Type()))

	taggedBody, err := json.Marshal(tagged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tagged %s body: %w", msg.Type(), err)
	}

	return json.Marshal(wireEnvelope{
		V:   Version,
		TS:  tsMs,
		Msg: taggedBody,
	})
}

// UnmarshalEnvelope decodes a v1 envelope.
// Undecodable input fails with [ErrMalformedFrame];
// a well-formed envelope of a foreign version
// fails with [UnsupportedVersionError].
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var we wireEnvelope
	if err := json.Unmarshal(data, &we); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if we.V != Version {
		return Envelope{}, UnsupportedVersionError{V: we.V}
	}

	var tag wireTag
	if err := json.Unmarshal(we.Msg, &tag); err != nil {
		return Envelope{}, fmt.Errorf("%w: missing message tag: %v", ErrMalformedFrame, err)
	}

	var (
		msg NodeMessage
		err error
	)
	switch tag.Type {
	case TypeActionPropose:
		var m ActionPropose
		err = json.Unmarshal(we.Msg, &m)
		msg = m
	case TypeActionSeal:
		var m ActionSeal
		err = json.Unmarshal(we.Msg, &m)
		msg = m
	case TypeActionCommit:
		var m ActionCommit
		err = json.Unmarshal(we.Msg, &m)
		msg = m
	case TypeSyncClock:
		var m SyncClock
		err = json.Unmarshal(we.Msg, &m)
		msg = m
	default:
		return Envelope{}, fmt.Errorf("%w: unknown message type %q", ErrMalformedFrame, tag.Type)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: bad %s body: %v", ErrMalformedFrame, tag.Type, err)
	}

	return Envelope{V: we.V, TS: we.TS, Msg: msg}, nil
}
