package lsintegration_test

import (
	"context"
	"testing"

	"github.com/lockstep-engine/lockstep/ls/lsengine"
	"github.com/lockstep-engine/lockstep/ls/lsengine/lsenginetest"
	"github.com/lockstep-engine/lockstep/ls/lsintegration"
	"github.com/stretchr/testify/require"
)

// Three peers submitting interleaved actions across several ticks
// must persist byte-identical logs and converge on identical state.
func TestIntegration_ThreePeerConvergence(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := lsintegration.NewHarness(t, ctx)
	a := h.AddPeer("alpha", 0)
	b := h.AddPeer("beta", 0)
	c := h.AddPeer("gamma", 0)

	h.TickAll(0)

	h.Submit(a, 1)
	h.Submit(b, 10)
	h.TickAll(100)

	h.Submit(c, 100)
	h.Submit(a, 2)
	h.TickAll(200)

	h.Submit(b, 20)
	h.TickAll(400)

	const want = 1 + 10 + 100 + 2 + 20
	for _, p := range h.Peers {
		p := p
		h.Eventually(func() bool {
			return p.Node.Authoritative().Total == want && p.Node.PendingCount() == 0
		})
	}

	require.Equal(t, a.Node.Authoritative(), b.Node.Authoritative())
	require.Equal(t, a.Node.Authoritative(), c.Node.Authoritative())

	h.RequireSameLog(a, b)
	h.RequireSameLog(a, c)

	st := a.Node.Authoritative()
	require.Equal(t, int64(3), st.PerPeer["alpha"])
	require.Equal(t, int64(30), st.PerPeer["beta"])
	require.Equal(t, int64(100), st.PerPeer["gamma"])
}

// A peer joining mid-session warps to the room's tick and participates
// in the barrier from its first eligible tick; actions submitted after
// the join land identically on every peer.
func TestIntegration_LateJoinerParticipates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := lsintegration.NewHarness(t, ctx)
	a := h.AddPeer("alpha", 0)
	b := h.AddPeer("beta", 0)

	h.TickAll(0)
	h.Submit(a, 1)
	h.TickAll(500)

	h.Eventually(func() bool {
		return a.Node.Authoritative().Total == 1 && b.Node.Authoritative().Total == 1
	})

	// gamma joins at tick 5; the veterans offer it their clock.
	c := h.AddPeer("gamma", 500)
	a.FireTimers()
	b.FireTimers()

	h.Submit(c, 100)
	h.TickAll(700)

	h.Eventually(func() bool {
		return a.Node.Authoritative().PerPeer["gamma"] == 100 &&
			b.Node.Authoritative().PerPeer["gamma"] == 100 &&
			c.Node.Authoritative().PerPeer["gamma"] == 100
	})

	// The veterans stay fully identical.
	require.Equal(t, a.Node.Authoritative(), b.Node.Authoritative())
	h.RequireSameLog(a, b)

	// The joiner missed the pre-join history by design,
	// but tracks everything from its eligibility onward.
	require.Equal(t, int64(100), c.Node.Authoritative().Total)
}

// Schedulers run identically on every peer through stalls and bursts.
func TestIntegration_SchedulerDeterminism(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := func() lsengine.Scheduler[lsenginetest.CounterState] {
		return lsenginetest.RunCountingScheduler("pulse",
			lsengine.Every[lsenginetest.CounterState](3, 0))
	}

	h := lsintegration.NewHarness(t, ctx)
	a := h.AddPeer("alpha", 0, sched())
	b := h.AddPeer("beta", 0, sched())

	h.TickAll(0)
	h.TickAll(1000)

	h.Eventually(func() bool {
		sa := a.Node.Authoritative().SchedulerRuns["pulse"]
		sb := b.Node.Authoritative().SchedulerRuns["pulse"]
		return sa == sb && sa > 0
	})

	require.Equal(t, a.Node.Authoritative(), b.Node.Authoritative())
	h.RequireSameLog(a, b)
}
