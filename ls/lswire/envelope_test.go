package lswire_test

import (
	"encoding/json"
	"testing"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lswire"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		msg  lswire.NodeMessage
	}{
		{
			name: "propose",
			msg: lswire.ActionPropose{
				RoomID:  "R",
				PeerID:  "A",
				Tick:    7,
				Seq:     2,
				Payload: json.RawMessage(`{"move":"north"}`),
			},
		},
		{
			name: "seal with no actions",
			msg: lswire.ActionSeal{
				RoomID:  "R",
				PeerID:  "B",
				Tick:    7,
				LastSeq: -1,
			},
		},
		{
			name: "commit gossip",
			msg: lswire.ActionCommit{
				RoomID: "R",
				Tick:   7,
				Height: 3,
				Actions: []lsaction.SignedAction{
					{PeerID: "A", Seq: 0, Payload: json.RawMessage(`1`)},
					{PeerID: "B", Seq: 0, Payload: json.RawMessage(`2`)},
				},
			},
		},
		{
			name: "sync clock",
			msg:  lswire.SyncClock{RoomID: "R", PeerID: "A", Tick: 100},
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			data, err := lswire.MarshalEnvelope(tc.msg, 1234)
			require.NoError(t, err)

			env, err := lswire.UnmarshalEnvelope(data)
			require.NoError(t, err)
			require.Equal(t, lswire.Version, env.V)
			require.Equal(t, int64(1234), env.TS)
			require.Equal(t, tc.msg, env.Msg)
		})
	}
}

func TestEnvelope_TagOnWire(t *testing.T) {
	t.Parallel()

	data, err := lswire.MarshalEnvelope(lswire.ActionSeal{
		RoomID: "R", PeerID: "A", Tick: 1, LastSeq: -1,
	}, 0)
	require.NoError(t, err)

	var raw struct {
		Msg struct {
			Type    string `json:"type"`
			LastSeq int64  `json:"lastSeq"`
		} `json:"msg"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "ACTION_SEAL", raw.Msg.Type)
	require.Equal(t, int64(-1), raw.Msg.LastSeq)
}

func TestEnvelope_Malformed(t *testing.T) {
	t.Parallel()

	_, err := lswire.UnmarshalEnvelope([]byte(`not json`))
	require.ErrorIs(t, err, lswire.ErrMalformedFrame)

	_, err = lswire.UnmarshalEnvelope([]byte(`{"v":"v1","ts":0,"msg":{"type":"NO_SUCH"}}`))
	require.ErrorIs(t, err, lswire.ErrMalformedFrame)
}

func TestEnvelope_UnsupportedVersion(t *testing.T) {
	t.Parallel()

	_, err := lswire.UnmarshalEnvelope([]byte(`{"v":"v2","ts":0,"msg":{"type":"SYNC_CLOCK"}}`))

	var verr lswire.UnsupportedVersionError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "v2", verr.V)
}
