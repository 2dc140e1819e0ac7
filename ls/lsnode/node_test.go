package lsnode_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lockstep-engine/lockstep/internal/lstest"
	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lsclock"
	"github.com/lockstep-engine/lockstep/ls/lsengine"
	"github.com/lockstep-engine/lockstep/ls/lsengine/lsenginetest"
	"github.com/lockstep-engine/lockstep/ls/lslog"
	"github.com/lockstep-engine/lockstep/ls/lsnode"
	"github.com/lockstep-engine/lockstep/ls/lsorder"
	"github.com/lockstep-engine/lockstep/ls/lsp2p/lsp2ptest"
	"github.com/stretchr/testify/require"
)

type counterNode struct {
	node *lsnode.Node[lsenginetest.CounterState, lsenginetest.CounterAction]
	alog *lslog.MemLog
	now  atomic.Int64
}

// tick moves the simulated wall clock and drives the runtime.
func (c *counterNode) tick(ctx context.Context, nowMs int64) {
	c.now.Store(nowMs)
	c.node.Tick(ctx, nowMs)
}

func newCounterNode(
	t *testing.T,
	net *lsp2ptest.Network,
	id lsaction.PeerID,
	schedulers ...lsengine.Scheduler[lsenginetest.CounterState],
) *counterNode {
	t.Helper()

	log := lstest.NewLogger(t)

	engine, err := lsenginetest.NewCounterEngine(log, schedulers...)
	require.NoError(t, err)

	cn := &counterNode{alog: lslog.NewMemLog()}

	ord, err := lsorder.New(log, lsorder.Config{
		RoomID:          "R",
		Clock:           lsclock.Clock{T0Ms: 0, TickMs: 100},
		InputDelayTicks: 1,
		Transport:       net.Join(id),
		NowMs:           cn.now.Load,
		AfterFunc:       func(time.Duration, func()) {},
	})
	require.NoError(t, err)

	cn.node, err = lsnode.New(log, lsnode.Config[lsenginetest.CounterState, lsenginetest.CounterAction]{
		Engine:       engine,
		Ordering:     ord,
		Log:          cn.alog,
		TickInterval: -1,
		NowMs:        cn.now.Load,
	})
	require.NoError(t, err)

	return cn
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
}

// Optimistic state answers immediately; once the commit arrives,
// authoritative catches up, pending drains, and the two states agree.
func TestNode_OptimisticReconcile(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := lsp2ptest.NewNetwork()
	a := newCounterNode(t, net, "A")
	b := newCounterNode(t, net, "B")

	require.NoError(t, a.node.Start(ctx))
	require.NoError(t, b.node.Start(ctx))
	a.tick(ctx, 0)
	b.tick(ctx, 0)

	require.NoError(t, a.node.Submit(ctx, lsenginetest.CounterAction{Add: 1}))
	require.NoError(t, a.node.Submit(ctx, lsenginetest.CounterAction{Add: 2}))

	// Optimistic state reflects both submissions before any commit.
	require.Equal(t, int64(3), a.node.Optimistic().Total)
	require.Zero(t, a.node.Authoritative().Total)
	require.Equal(t, 2, a.node.PendingCount())

	a.tick(ctx, 200)
	b.tick(ctx, 200)

	eventually(t, func() bool {
		return a.node.Authoritative().Total == 3 && a.node.PendingCount() == 0
	})
	require.Equal(t, a.node.Authoritative(), a.node.Optimistic())

	// Both peers converge on the identical authoritative state.
	eventually(t, func() bool {
		return b.node.Authoritative().Total == 3
	})
	require.Equal(t, a.node.Authoritative(), b.node.Authoritative())
	require.Equal(t, int64(3), a.node.Authoritative().PerPeer["A"])

	// The log tracks the delivered commits.
	h, err := a.alog.LatestHeight(ctx)
	require.NoError(t, err)
	require.Positive(t, h)
}

// An action rejected by the rule leaves state untouched
// on both the optimistic and authoritative paths.
func TestNode_RuleRejectionKeepsState(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := lsp2ptest.NewNetwork()
	a := newCounterNode(t, net, "A")

	require.NoError(t, a.node.Start(ctx))
	a.tick(ctx, 0)

	// Illegal: would drive the total negative.
	require.NoError(t, a.node.Submit(ctx, lsenginetest.CounterAction{Add: -5}))
	require.Zero(t, a.node.Optimistic().Total)

	a.tick(ctx, 200)

	eventually(t, func() bool {
		return a.node.PendingCount() == 0
	})
	require.Zero(t, a.node.Authoritative().Total)
	require.NoError(t, a.node.Err())
}

// A log append failure is fatal: the pipeline halts
// and later commits are never applied.
func TestNode_HeightMismatchFatal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := lsp2ptest.NewNetwork()
	a := newCounterNode(t, net, "A")

	// Poison the log: the next append (height 1) cannot follow height 1.
	require.NoError(t, a.alog.Append(ctx, lsaction.Commit{Height: 1, OrderingTick: 99}))

	require.NoError(t, a.node.Start(ctx))
	a.tick(ctx, 0)

	eventually(t, func() bool {
		return a.node.Err() != nil
	})
	require.ErrorAs(t, a.node.Err(), new(lslog.HeightMismatchError))

	// Later commits are dropped, not applied.
	require.NoError(t, a.node.Submit(ctx, lsenginetest.CounterAction{Add: 7}))
	a.tick(ctx, 500)

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, a.node.Authoritative().Total)

	h, err := a.alog.LatestHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), h)
}

// Submit refuses new work after the pipeline has halted.
func TestNode_SubmitAfterFatal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := lsp2ptest.NewNetwork()
	a := newCounterNode(t, net, "A")
	require.NoError(t, a.alog.Append(ctx, lsaction.Commit{Height: 1, OrderingTick: 99}))

	require.NoError(t, a.node.Start(ctx))
	a.tick(ctx, 0)

	eventually(t, func() bool {
		return a.node.Err() != nil
	})
	require.Error(t, a.node.Submit(ctx, lsenginetest.CounterAction{Add: 1}))
}

// Every committed tick runs each due scheduler exactly once,
// even when a burst of commits lands at once.
func TestNode_SchedulerCatchUp(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := lsp2ptest.NewNetwork()
	a := newCounterNode(t, net, "A",
		lsenginetest.RunCountingScheduler("every-tick",
			lsengine.Every[lsenginetest.CounterState](1, 0)),
		lsenginetest.RunCountingScheduler("every-four",
			lsengine.Every[lsenginetest.CounterState](4, 0)),
	)

	require.NoError(t, a.node.Start(ctx))
	a.tick(ctx, 0)

	// One jump commits ticks 1..10 in a burst; catch-up covers each.
	a.tick(ctx, 1000)

	eventually(t, func() bool {
		return a.node.Authoritative().SchedulerRuns["every-tick"] == 11
	})
	// Ticks 0, 4, 8 of 0..10.
	require.Equal(t, int64(3), a.node.Authoritative().SchedulerRuns["every-four"])
}

// Subscribers observe the optimistic state on submit and after commits.
func TestNode_SubscriberNotified(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := lsp2ptest.NewNetwork()
	a := newCounterNode(t, net, "A")

	var last atomic.Int64
	a.node.Subscribe(func(s lsenginetest.CounterState) {
		last.Store(s.Total)
	})

	require.NoError(t, a.node.Start(ctx))
	a.tick(ctx, 0)

	require.NoError(t, a.node.Submit(ctx, lsenginetest.CounterAction{Add: 9}))
	require.Equal(t, int64(9), last.Load())

	a.tick(ctx, 200)
	eventually(t, func() bool {
		return a.node.PendingCount() == 0
	})
	require.Equal(t, int64(9), last.Load())
}
