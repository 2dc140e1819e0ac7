package lsengine_test

import (
	"testing"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lsengine"
	"github.com/stretchr/testify/require"
)

func metaAt(t lsaction.Tick) lsaction.Meta {
	return lsaction.Meta{OrderingTick: t}
}

func TestIsDue_Every(t *testing.T) {
	t.Parallel()

	sch := lsengine.Every[int](3, 2)

	dueTicks := map[lsaction.Tick]bool{2: true, 5: true, 8: true}
	for tick := lsaction.Tick(0); tick < 10; tick++ {
		require.Equalf(t, dueTicks[tick], lsengine.IsDue(sch, 0, metaAt(tick)),
			"tick %d", tick)
	}
}

func TestIsDue_EveryBeforeStart(t *testing.T) {
	t.Parallel()

	sch := lsengine.Every[int](1, 5)
	require.False(t, lsengine.IsDue(sch, 0, metaAt(4)))
	require.True(t, lsengine.IsDue(sch, 0, metaAt(5)))
}

func TestIsDue_Once(t *testing.T) {
	t.Parallel()

	sch := lsengine.Once[int](7)
	require.False(t, lsengine.IsDue(sch, 0, metaAt(6)))
	require.True(t, lsengine.IsDue(sch, 0, metaAt(7)))
	require.False(t, lsengine.IsDue(sch, 0, metaAt(8)))
}

func TestIsDue_Except(t *testing.T) {
	t.Parallel()

	sch := lsengine.Every[int](2, 0).WithExcept(func(s int, m lsaction.Meta) bool {
		return m.OrderingTick == 4
	})

	require.True(t, lsengine.IsDue(sch, 0, metaAt(2)))
	require.False(t, lsengine.IsDue(sch, 0, metaAt(4)))
	require.True(t, lsengine.IsDue(sch, 0, metaAt(6)))
}

func TestIsDue_Manual(t *testing.T) {
	t.Parallel()

	sch := lsengine.Manual(func(s int, m lsaction.Meta) bool {
		return s > 10
	})

	require.False(t, lsengine.IsDue(sch, 10, metaAt(0)))
	require.True(t, lsengine.IsDue(sch, 11, metaAt(0)))

	// A manual schedule without ShouldRun never fires.
	require.False(t, lsengine.IsDue(lsengine.Schedule[int]{Kind: lsengine.ScheduleManual}, 99, metaAt(0)))
}
