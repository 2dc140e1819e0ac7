package lsclock_test

import (
	"testing"

	"github.com/lockstep-engine/lockstep/ls/lsclock"
	"github.com/stretchr/testify/require"
)

func TestClock_TickAt(t *testing.T) {
	t.Parallel()

	c := lsclock.Clock{T0Ms: 1000, TickMs: 100}

	for _, tc := range []struct {
		name  string
		nowMs int64
		want  int64
	}{
		{name: "before start", nowMs: 999, want: -1},
		{name: "exact start", nowMs: 1000, want: 0},
		{name: "mid first tick", nowMs: 1050, want: 0},
		{name: "boundary is next tick", nowMs: 1100, want: 1},
		{name: "far future", nowMs: 1000 + 100*250, want: 250},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, c.TickAt(tc.nowMs))
		})
	}
}

func TestClock_StartAndDeadline(t *testing.T) {
	t.Parallel()

	c := lsclock.Clock{T0Ms: 500, TickMs: 50}

	require.Equal(t, int64(500), c.StartOf(0))
	require.Equal(t, int64(550), c.DeadlineOf(0))
	require.Equal(t, int64(1000), c.StartOf(10))
	require.Equal(t, c.StartOf(11), c.DeadlineOf(10))
}

func TestClock_Warped(t *testing.T) {
	t.Parallel()

	c := lsclock.Clock{T0Ms: 0, TickMs: 100}

	// Local clock says tick 5, remote reports tick 100.
	w := c.Warped(100, 550)
	require.Equal(t, int64(100), w.TickAt(550))
	require.Equal(t, c.TickMs, w.TickMs)

	// The warp shifts the whole timeline consistently.
	require.Equal(t, int64(101), w.TickAt(650))
	require.Equal(t, w.StartOf(101), w.DeadlineOf(100))
}
