// Package lsnode ties the ordering engine, the reducer pipeline,
// and the action log into one runtime.
//
// The node holds two state references. Authoritative state is built
// exclusively from committed actions plus scheduler catch-up,
// and is bit-identical across peers. Optimistic state is authoritative
// state with the locally pending actions re-applied, for responsive UIs.
//
// Commit processing is serialized through a FIFO queue:
// each commit completes its full pipeline (log append, reduction,
// scheduler catch-up, reconciliation, notification) before the next starts.
package lsnode

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lsengine"
	"github.com/lockstep-engine/lockstep/ls/lslog"
	"github.com/lockstep-engine/lockstep/ls/lsorder"
)

// DefaultTickInterval is the cadence of the built-in tick driver.
const DefaultTickInterval = 16 * time.Millisecond

// Subscriber receives the optimistic state after every change.
type Subscriber[S any] func(s S)

// Config assembles a [Node].
type Config[S, A any] struct {
	Engine   *lsengine.Engine[S, A]
	Ordering *lsorder.Ordering

	// Log receives every commit. A height mismatch on append is fatal:
	// the node stops processing commits entirely.
	Log lslog.ActionLog

	// TickInterval defaults to [DefaultTickInterval].
	// A negative interval disables the built-in driver;
	// the embedder then calls [Node.Tick] itself.
	TickInterval time.Duration

	// NowMs supplies wall time for the tick driver and submissions.
	// Defaults to time.Now.
	NowMs func() int64

	// QueueSize bounds the commit FIFO. Defaults to 64.
	QueueSize int
}

type pendingAction[A any] struct {
	TempID string
	Action A
}

// Node is the per-peer lockstep runtime.
type Node[S, A any] struct {
	log *slog.Logger

	engine   *lsengine.Engine[S, A]
	ordering *lsorder.Ordering
	alog     lslog.ActionLog

	nowMs        func() int64
	tickInterval time.Duration

	commits chan lsaction.Commit
	wg      sync.WaitGroup

	mu                sync.Mutex
	auth              S
	opt               S
	lastSchedulerTick lsaction.Tick
	pending           []pendingAction[A]
	subs              []Subscriber[S]
	fatalErr          error
}

// New constructs a Node and registers it on cfg.Ordering's commit stream.
// Call Start to begin processing.
func New[S, A any](log *slog.Logger, cfg Config[S, A]) (*Node[S, A], error) {
	if cfg.Engine == nil || cfg.Ordering == nil || cfg.Log == nil {
		return nil, fmt.Errorf("lsnode: Engine, Ordering, and Log are all required")
	}

	n := &Node[S, A]{
		log: log,

		engine:   cfg.Engine,
		ordering: cfg.Ordering,
		alog:     cfg.Log,

		nowMs:        cfg.NowMs,
		tickInterval: cfg.TickInterval,

		lastSchedulerTick: -1,
	}
	if n.nowMs == nil {
		n.nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if n.tickInterval == 0 {
		n.tickInterval = DefaultTickInterval
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	n.commits = make(chan lsaction.Commit, queueSize)

	n.auth = cfg.Engine.InitialState()
	n.opt = n.auth

	cfg.Ordering.OnCommit(func(c lsaction.Commit) {
		n.commits <- c
	})

	return n, nil
}

// Subscribe registers sub to receive the optimistic state
// after every submission, commit, and tick.
// Must be called before Start.
func (n *Node[S, A]) Subscribe(sub Subscriber[S]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, sub)
}

// Start launches the commit pipeline and, unless disabled,
// the tick driver. Both stop when ctx is canceled;
// call Wait to block for their completion.
func (n *Node[S, A]) Start(ctx context.Context) error {
	if err := n.ordering.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ordering: %w", err)
	}

	n.wg.Add(1)
	go n.commitLoop(ctx)

	if n.tickInterval > 0 {
		n.wg.Add(1)
		go n.tickLoop(ctx)
	}
	return nil
}

// Stop halts the ordering engine and its transport.
// Cancel the Start context and call Wait for a full shutdown.
func (n *Node[S, A]) Stop(ctx context.Context) error {
	return n.ordering.Stop(ctx)
}

// Wait blocks until the node's background goroutines have completed.
func (n *Node[S, A]) Wait() {
	n.wg.Wait()
}

// Err returns the fatal error that halted commit processing, if any.
func (n *Node[S, A]) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fatalErr
}

// Authoritative returns the state built from committed actions only.
func (n *Node[S, A]) Authoritative() S {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.auth
}

// Optimistic returns the authoritative state
// with locally pending actions re-applied.
func (n *Node[S, A]) Optimistic() S {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opt
}

// PendingCount returns the number of local actions not yet committed.
func (n *Node[S, A]) PendingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Observe returns the viewer's projection of the optimistic state.
func (n *Node[S, A]) Observe(viewer lsaction.PeerID) any {
	return n.engine.Observe(n.Optimistic(), viewer)
}

// Submit queues a locally authored action: it is applied optimistically,
// subscribers are notified, and the proposal is handed to the ordering
// engine for distribution.
func (n *Node[S, A]) Submit(ctx context.Context, a A) error {
	payload, err := n.engine.EncodeAction(a)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}

	self := n.ordering.Self()

	n.mu.Lock()
	if n.fatalErr != nil {
		err := n.fatalErr
		n.mu.Unlock()
		return err
	}

	n.pending = append(n.pending, pendingAction[A]{
		TempID: uuid.NewString(),
		Action: a,
	})

	// The optimistic tick is a guess at where the action will land;
	// the commit pipeline recomputes with the real one.
	n.opt = n.engine.Reduce(n.opt, a, lsaction.Meta{
		From:         self,
		OrderingTick: n.ordering.CurrentTick() + n.ordering.InputDelayTicks(),
	})
	opt := n.opt
	subs := slices.Clone(n.subs)
	n.mu.Unlock()

	for _, sub := range subs {
		sub(opt)
	}

	n.ordering.OnLocalAction(ctx, payload, n.nowMs())
	return nil
}

// Tick advances the ordering engine to nowMs and notifies subscribers.
// Embedders without the built-in driver call this from their own loop;
// tests drive it directly.
func (n *Node[S, A]) Tick(ctx context.Context, nowMs int64) {
	n.ordering.Tick(ctx, nowMs)

	n.mu.Lock()
	opt := n.opt
	subs := slices.Clone(n.subs)
	n.mu.Unlock()

	for _, sub := range subs {
		sub(opt)
	}
}

func (n *Node[S, A]) tickLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Tick(ctx, n.nowMs())
		}
	}
}

func (n *Node[S, A]) commitLoop(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-n.commits:
			n.processCommit(ctx, c)
		}
	}
}

func (n *Node[S, A]) processCommit(ctx context.Context, c lsaction.Commit) {
	n.mu.Lock()
	halted := n.fatalErr != nil
	n.mu.Unlock()
	if halted {
		n.log.Error("dropping commit after fatal error",
			"height", c.Height, "tick", c.OrderingTick)
		return
	}

	if err := n.alog.Append(ctx, c); err != nil {
		// A broken log means we can no longer prove what we applied.
		// Halt rather than diverge.
		n.mu.Lock()
		n.fatalErr = fmt.Errorf("failed to append commit %d: %w", c.Height, err)
		n.mu.Unlock()
		n.log.Error("commit pipeline halted", "height", c.Height, "err", err)
		return
	}

	self := n.ordering.Self()

	n.mu.Lock()

	auth := n.auth
	for _, sa := range c.Actions {
		a, err := n.engine.DecodeAction(sa.Payload)
		if err != nil {
			n.log.Warn("skipping undecodable committed action",
				"from", sa.PeerID, "tick", c.OrderingTick, "seq", sa.Seq, "err", err)
			continue
		}
		auth = n.engine.Reduce(auth, a, lsaction.Meta{
			From:         sa.PeerID,
			OrderingTick: c.OrderingTick,
			Height:       c.Height,
		})
	}

	// Scheduler catch-up: no tick is skipped even when commits
	// arrive in bursts after a stall or warp.
	for t := n.lastSchedulerTick + 1; t <= c.OrderingTick; t++ {
		auth = n.engine.RunSchedulers(auth, lsaction.Meta{
			OrderingTick: t,
			Height:       c.Height,
		})
	}
	n.lastSchedulerTick = c.OrderingTick
	n.auth = auth

	// Local actions commit in submission order, because seq assignment
	// is monotonic and per-author order is preserved end to end.
	// So the first N pending entries are the ones this commit confirmed.
	nLocal := 0
	for _, sa := range c.Actions {
		if sa.PeerID == self {
			nLocal++
		}
	}
	if nLocal > len(n.pending) {
		n.log.Warn("commit confirmed more local actions than pending",
			"confirmed", nLocal, "pending", len(n.pending))
		nLocal = len(n.pending)
	}
	n.pending = n.pending[nLocal:]

	opt := auth
	for _, p := range n.pending {
		opt = n.engine.Reduce(opt, p.Action, lsaction.Meta{
			From:         self,
			OrderingTick: c.OrderingTick,
		})
	}
	n.opt = opt

	subs := slices.Clone(n.subs)
	n.mu.Unlock()

	for _, sub := range subs {
		sub(opt)
	}
}
