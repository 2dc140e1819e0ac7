// Package lsintegration drives multiple full runtimes
// (ordering, engine, log, node) over an in-memory mesh,
// to assert the cross-peer properties no single package can:
// byte-identical commit streams and converged authoritative state.
package lsintegration

import (
	"context"
	"sync"
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

// Peer is one fully assembled runtime inside a [Harness].
type Peer struct {
	ID   lsaction.PeerID
	Node *lsnode.Node[lsenginetest.CounterState, lsenginetest.CounterAction]
	Log  *lslog.MemLog

	now    atomic.Int64
	timers struct {
		mu  sync.Mutex
		fns []func()
	}
}

// FireTimers runs the peer's pending settle-delay callbacks
// (clock-sync sends to freshly connected peers).
func (p *Peer) FireTimers() {
	p.timers.mu.Lock()
	fns := p.timers.fns
	p.timers.fns = nil
	p.timers.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Harness owns a mesh of counter-app runtimes sharing one room.
type Harness struct {
	t   *testing.T
	ctx context.Context
	net *lsp2ptest.Network

	Peers []*Peer
}

// NewHarness builds a harness whose runtimes stop when ctx is canceled.
func NewHarness(t *testing.T, ctx context.Context) *Harness {
	return &Harness{
		t:   t,
		ctx: ctx,
		net: lsp2ptest.NewNetwork(),
	}
}

// AddPeer assembles and starts a runtime for id,
// with the simulated wall clock at nowMs.
func (h *Harness) AddPeer(id lsaction.PeerID, nowMs int64, schedulers ...lsengine.Scheduler[lsenginetest.CounterState]) *Peer {
	h.t.Helper()

	log := lstest.NewLogger(h.t)

	engine, err := lsenginetest.NewCounterEngine(log, schedulers...)
	require.NoError(h.t, err)

	p := &Peer{ID: id, Log: lslog.NewMemLog()}
	p.now.Store(nowMs)

	ord, err := lsorder.New(log, lsorder.Config{
		RoomID:          "ROOM",
		Clock:           lsclock.Clock{T0Ms: 0, TickMs: 100},
		InputDelayTicks: 1,
		Transport:       h.net.Join(id),
		NowMs:           p.now.Load,
		AfterFunc: func(_ time.Duration, fn func()) {
			p.timers.mu.Lock()
			defer p.timers.mu.Unlock()
			p.timers.fns = append(p.timers.fns, fn)
		},
	})
	require.NoError(h.t, err)

	p.Node, err = lsnode.New(log, lsnode.Config[lsenginetest.CounterState, lsenginetest.CounterAction]{
		Engine:       engine,
		Ordering:     ord,
		Log:          p.Log,
		TickInterval: -1,
		NowMs:        p.now.Load,
	})
	require.NoError(h.t, err)

	require.NoError(h.t, p.Node.Start(h.ctx))
	h.Peers = append(h.Peers, p)
	return p
}

// TickAll advances every peer's simulated clock to nowMs.
func (h *Harness) TickAll(nowMs int64) {
	for _, p := range h.Peers {
		p.now.Store(nowMs)
		p.Node.Tick(h.ctx, nowMs)
	}
}

// Submit authors an action on one peer at that peer's current clock.
func (h *Harness) Submit(p *Peer, add int64) {
	h.t.Helper()
	require.NoError(h.t, p.Node.Submit(h.ctx, lsenginetest.CounterAction{Add: add}))
}

// Eventually asserts cond within the harness's settle window.
func (h *Harness) Eventually(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 2*time.Millisecond)
}

// RequireSameLog asserts two peers persisted byte-identical commit streams.
func (h *Harness) RequireSameLog(a, b *Peer) {
	h.t.Helper()

	ctx := context.Background()

	ha, err := a.Log.LatestHeight(ctx)
	require.NoError(h.t, err)
	hb, err := b.Log.LatestHeight(ctx)
	require.NoError(h.t, err)
	require.Equal(h.t, ha, hb, "log heights of %s and %s", a.ID, b.ID)

	ca, err := a.Log.Range(ctx, 1, ha)
	require.NoError(h.t, err)
	cb, err := b.Log.Range(ctx, 1, hb)
	require.NoError(h.t, err)
	require.Equal(h.t, ca, cb, "commit streams of %s and %s", a.ID, b.ID)
}
