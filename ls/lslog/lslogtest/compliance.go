// Package lslogtest provides a compliance suite
// that every [lslog.ActionLog] implementation must pass.
package lslogtest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lslog"
	"github.com/stretchr/testify/require"
)

// LogFactory returns a fresh, empty log for one (sub)test.
type LogFactory func(t *testing.T) lslog.ActionLog

// TestActionLogCompliance runs the shared behavioral suite against
// the implementation produced by f.
func TestActionLogCompliance(t *testing.T, f LogFactory) {
	t.Run("empty log reports height zero", func(t *testing.T) {
		ctx := context.Background()
		l := f(t)

		h, err := l.LatestHeight(ctx)
		require.NoError(t, err)
		require.Zero(t, h)
	})

	t.Run("append and range round trip", func(t *testing.T) {
		ctx := context.Background()
		l := f(t)

		want := appendN(t, l, 5)

		got, err := l.Range(ctx, 1, 5)
		require.NoError(t, err)
		require.Equal(t, want, got)

		h, err := l.LatestHeight(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(5), h)
	})

	t.Run("range clamps to stored bounds", func(t *testing.T) {
		ctx := context.Background()
		l := f(t)

		want := appendN(t, l, 3)

		got, err := l.Range(ctx, 0, 100)
		require.NoError(t, err)
		require.Equal(t, want, got)

		got, err = l.Range(ctx, 2, 2)
		require.NoError(t, err)
		require.Equal(t, want[1:2], got)
	})

	t.Run("fully out of range is empty", func(t *testing.T) {
		ctx := context.Background()
		l := f(t)
		appendN(t, l, 2)

		got, err := l.Range(ctx, 10, 20)
		require.NoError(t, err)
		require.Empty(t, got)

		got, err = l.Range(ctx, 2, 1)
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("first append must be height 1", func(t *testing.T) {
		ctx := context.Background()
		l := f(t)

		err := l.Append(ctx, lsaction.Commit{Height: 2, OrderingTick: 1})

		var hm lslog.HeightMismatchError
		require.ErrorAs(t, err, &hm)
		require.Equal(t, uint64(1), hm.Want)
		require.Equal(t, uint64(2), hm.Got)
	})

	t.Run("gapped append rejected", func(t *testing.T) {
		ctx := context.Background()
		l := f(t)
		appendN(t, l, 3)

		err := l.Append(ctx, lsaction.Commit{Height: 5, OrderingTick: 5})

		var hm lslog.HeightMismatchError
		require.ErrorAs(t, err, &hm)
		require.Equal(t, uint64(4), hm.Want)

		// A rejected append must not disturb the log.
		h, err := l.LatestHeight(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(3), h)
	})

	t.Run("duplicate height rejected", func(t *testing.T) {
		ctx := context.Background()
		l := f(t)
		appendN(t, l, 2)

		err := l.Append(ctx, lsaction.Commit{Height: 2, OrderingTick: 2})
		require.ErrorAs(t, err, new(lslog.HeightMismatchError))
	})

	t.Run("clear resets to empty", func(t *testing.T) {
		ctx := context.Background()
		l := f(t)
		appendN(t, l, 4)

		require.NoError(t, l.Clear(ctx))

		h, err := l.LatestHeight(ctx)
		require.NoError(t, err)
		require.Zero(t, h)

		// Heights restart at 1 after a clear.
		require.NoError(t, l.Append(ctx, lsaction.Commit{Height: 1, OrderingTick: 9}))
	})
}

// appendN appends n commits with one action each and returns them.
func appendN(t *testing.T, l lslog.ActionLog, n int) []lsaction.Commit {
	t.Helper()

	ctx := context.Background()
	out := make([]lsaction.Commit, n)
	for i := range out {
		c := lsaction.Commit{
			Height:       uint64(i) + 1,
			OrderingTick: lsaction.Tick(i),
			Actions: []lsaction.SignedAction{
				{
					PeerID:  "A",
					Seq:     0,
					Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
				},
			},
		}
		require.NoError(t, l.Append(ctx, c))
		out[i] = c
	}
	return out
}
