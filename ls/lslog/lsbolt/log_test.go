package lsbolt_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lslog"
	"github.com/lockstep-engine/lockstep/ls/lslog/lsbolt"
	"github.com/lockstep-engine/lockstep/ls/lslog/lslogtest"
	"github.com/stretchr/testify/require"
)

func TestBoltLog_Compliance(t *testing.T) {
	t.Parallel()

	lslogtest.TestActionLogCompliance(t, func(t *testing.T) lslog.ActionLog {
		l, err := lsbolt.NewLog(filepath.Join(t.TempDir(), "actions.db"))
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = l.Close()
		})
		return l
	})
}

func TestBoltLog_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "actions.db")

	l, err := lsbolt.NewLog(path)
	require.NoError(t, err)

	c := lsaction.Commit{
		Height:       1,
		OrderingTick: 3,
		Actions: []lsaction.SignedAction{
			{PeerID: "A", Seq: 0, Payload: json.RawMessage(`{"a":1}`)},
		},
	}
	require.NoError(t, l.Append(ctx, c))
	require.NoError(t, l.Close())

	l, err = lsbolt.NewLog(path)
	require.NoError(t, err)
	defer l.Close()

	h, err := l.LatestHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), h)

	got, err := l.Range(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, []lsaction.Commit{c}, got)

	// The height chain continues where it left off.
	err = l.Append(ctx, lsaction.Commit{Height: 3, OrderingTick: 5})
	require.ErrorAs(t, err, new(lslog.HeightMismatchError))
	require.NoError(t, l.Append(ctx, lsaction.Commit{Height: 2, OrderingTick: 4}))
}
