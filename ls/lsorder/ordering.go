// Package lsorder implements the hostless lockstep ordering engine.
//
// Every peer running the same protocol with the same configuration
// and an identical membership view emits bit-identical commits:
// a gap-free sequence of totally ordered action sets, one per ordering tick.
//
// A tick commits only when every eligible peer has sealed it (the barrier).
// There is no timeout-based force-commit: a peer that never seals
// stalls the room until it disconnects.
//
// The engine assumes a single logical executor, per the protocol's
// cooperative scheduling model. All state is guarded by one mutex;
// transport sends and subscriber callbacks are dispatched
// outside the lock, in generation order.
package lsorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lsclock"
	"github.com/lockstep-engine/lockstep/ls/lsmember"
	"github.com/lockstep-engine/lockstep/ls/lsp2p"
	"github.com/lockstep-engine/lockstep/ls/lswire"
)

// TopicNode is the transport topic carrying all protocol messages.
const TopicNode = "node"

// DefaultSyncDelay is how long a freshly connected peer is allowed
// to settle before we send it our clock.
const DefaultSyncDelay = 100 * time.Millisecond

// CommitHandler receives emitted commits, in height order.
type CommitHandler func(lsaction.Commit)

// Config holds everything required to construct an [Ordering].
type Config struct {
	// RoomID scopes the protocol session.
	// Messages for other rooms are dropped silently.
	RoomID string

	// Clock anchors the session's tick arithmetic.
	// Every peer must share identical T0Ms and TickMs;
	// divergence is a configuration error the protocol does not recover.
	Clock lsclock.Clock

	// InputDelayTicks is the author-imposed lag between submission
	// and target tick. Must be at least 1.
	InputDelayTicks lsaction.Tick

	Transport lsp2p.Transport

	// Membership defaults to a fresh set containing only Transport.Self().
	Membership *lsmember.Membership

	// NowMs supplies wall time for envelope timestamps and clock warps.
	// Defaults to time.Now. Tests inject a fixed source.
	NowMs func() int64

	// SyncDelay overrides [DefaultSyncDelay].
	SyncDelay time.Duration

	// AfterFunc schedules the delayed clock-sync send.
	// Defaults to time.AfterFunc. Tests substitute a manual trigger.
	// Implementations must not invoke fn synchronously:
	// it is registered while the engine lock is held.
	AfterFunc func(d time.Duration, fn func())
}

// Ordering is the per-room lockstep ordering engine.
type Ordering struct {
	log *slog.Logger

	roomID     string
	delay      lsaction.Tick
	transport  lsp2p.Transport
	membership *lsmember.Membership
	nowMs      func() int64
	syncDelay  time.Duration
	afterFunc  func(d time.Duration, fn func())

	mu sync.Mutex

	started bool

	clock         lsclock.Clock
	currentTick   lsaction.Tick
	committedTick lsaction.Tick
	height        uint64

	// proposals[t][p] is kept ascending by Seq; entries are freed on commit.
	proposals map[lsaction.Tick]map[lsaction.PeerID][]lsaction.SignedAction

	// seals[t][p] is the peer's declared last seq for t, or -1.
	seals map[lsaction.Tick]map[lsaction.PeerID]int64

	// localNextSeq[t] is the next Seq to assign for a locally authored
	// action targeting t.
	localNextSeq map[lsaction.Tick]int64

	// firstEligible[p] is the first tick p's seal participates in the barrier.
	// The local peer is always eligible and is not tracked here.
	firstEligible map[lsaction.PeerID]lsaction.Tick

	commitHandlers []CommitHandler
	peerHandlers   []lsp2p.PeerEventHandler

	// effects generated under mu, dispatched after unlock.
	pending []effect
}

// effect is one deferred output: exactly one field group is set.
type effect struct {
	msg lswire.NodeMessage
	to  lsaction.PeerID // empty = broadcast

	commit *lsaction.Commit

	peerEvent *lsp2p.PeerEvent
}

// New constructs an Ordering and registers its handlers on cfg.Transport.
// Call Start to begin processing.
func New(log *slog.Logger, cfg Config) (*Ordering, error) {
	if cfg.RoomID == "" {
		return nil, fmt.Errorf("lsorder: RoomID must not be empty")
	}
	if cfg.Clock.TickMs <= 0 {
		return nil, fmt.Errorf("lsorder: TickMs must be positive, got %d", cfg.Clock.TickMs)
	}
	if cfg.InputDelayTicks < 1 {
		return nil, fmt.Errorf("lsorder: InputDelayTicks must be at least 1, got %d", cfg.InputDelayTicks)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("lsorder: Transport must not be nil")
	}

	o := &Ordering{
		log: log,

		roomID:     cfg.RoomID,
		delay:      cfg.InputDelayTicks,
		transport:  cfg.Transport,
		membership: cfg.Membership,
		nowMs:      cfg.NowMs,
		syncDelay:  cfg.SyncDelay,
		afterFunc:  cfg.AfterFunc,

		clock:         cfg.Clock,
		currentTick:   -1,
		committedTick: -1,

		proposals:     make(map[lsaction.Tick]map[lsaction.PeerID][]lsaction.SignedAction),
		seals:         make(map[lsaction.Tick]map[lsaction.PeerID]int64),
		localNextSeq:  make(map[lsaction.Tick]int64),
		firstEligible: make(map[lsaction.PeerID]lsaction.Tick),
	}

	if o.membership == nil {
		o.membership = lsmember.New(cfg.Transport.Self())
	}
	if o.nowMs == nil {
		o.nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if o.syncDelay == 0 {
		o.syncDelay = DefaultSyncDelay
	}
	if o.afterFunc == nil {
		o.afterFunc = func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		}
	}

	cfg.Transport.OnMessage(o.handleMessage)
	cfg.Transport.OnPeerEvent(o.handlePeerEvent)

	return o, nil
}

// Start begins protocol processing and starts the transport. Idempotent.
func (o *Ordering) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	if err := o.transport.Start(ctx); err != nil {
		o.mu.Lock()
		o.started = false
		o.mu.Unlock()
		return fmt.Errorf("failed to start transport: %w", err)
	}
	return nil
}

// Stop halts protocol processing and stops the transport. Idempotent.
func (o *Ordering) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	o.mu.Unlock()

	if err := o.transport.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop transport: %w", err)
	}
	return nil
}

// OnCommit registers cb to receive every emitted commit, in order.
// Must be called before Start.
func (o *Ordering) OnCommit(cb CommitHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commitHandlers = append(o.commitHandlers, cb)
}

// OnPeerEvent registers cb to observe membership changes
// after the engine has processed them.
// Must be called before Start.
func (o *Ordering) OnPeerEvent(cb lsp2p.PeerEventHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.peerHandlers = append(o.peerHandlers, cb)
}

// Self returns the local peer's identifier.
func (o *Ordering) Self() lsaction.PeerID {
	return o.transport.Self()
}

// InputDelayTicks returns the configured input delay.
func (o *Ordering) InputDelayTicks() lsaction.Tick {
	return o.delay
}

// CurrentTick returns the engine's current tick, -1 before the first advance.
func (o *Ordering) CurrentTick() lsaction.Tick {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentTick
}

// CommittedTick returns the highest committed tick, -1 before the first commit.
func (o *Ordering) CommittedTick() lsaction.Tick {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committedTick
}

// Peers returns the current membership view.
func (o *Ordering) Peers() []lsmember.PeerInfo {
	return o.membership.Peers()
}

// OnLocalAction buffers a locally authored action and broadcasts
// its proposal. The target tick is the tick containing nowMs
// plus the configured input delay.
// Actions whose target tick has already committed are dropped silently.
func (o *Ordering) OnLocalAction(ctx context.Context, payload json.RawMessage, nowMs int64) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}

	target := lsaction.Tick(o.clock.TickAt(nowMs)) + o.delay
	if target <= o.committedTick {
		o.log.Debug("dropping late local action",
			"target_tick", target, "committed_tick", o.committedTick)
		o.mu.Unlock()
		return
	}

	seq := o.localNextSeq[target]
	o.localNextSeq[target] = seq + 1

	self := o.transport.Self()
	o.insertProposalLocked(target, lsaction.SignedAction{
		PeerID:  self,
		Payload: payload,
		Seq:     seq,
	})

	o.stage(effect{msg: lswire.ActionPropose{
		RoomID:  o.roomID,
		PeerID:  self,
		Tick:    target,
		Seq:     seq,
		Payload: payload,
	}})

	out := o.takeLocked()
	o.mu.Unlock()
	o.dispatch(ctx, out)
}

// Tick advances the engine to the tick containing nowMs.
// Each tick entered seals the corresponding horizon tick,
// and any newly committable ticks are emitted before Tick returns.
//
// Time only moves forward: a nowMs in the past is a no-op.
func (o *Ordering) Tick(ctx context.Context, nowMs int64) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}

	target := lsaction.Tick(o.clock.TickAt(nowMs))

	if o.currentTick == -1 && target >= 0 {
		// First advance. Seal the horizon tick and mark everything
		// below it as already committed, so a late-started engine
		// does not wait forever on ticks nobody will seal.
		o.currentTick = target
		horizon := target - 1 + o.delay
		o.sealSelfLocked(horizon)
		if horizon-1 > o.committedTick {
			o.committedTick = horizon - 1
		}
	} else {
		for t := o.currentTick + 1; t <= target; t++ {
			o.currentTick = t
			o.sealSelfLocked(t - 1 + o.delay)
		}
	}

	o.tryCommitLocked()

	out := o.takeLocked()
	o.mu.Unlock()
	o.dispatch(ctx, out)
}

// insertProposalLocked adds sa to the buffer for tick t,
// keeping the per-author slice ascending by Seq.
// A duplicate (author, t, seq) is dropped.
func (o *Ordering) insertProposalLocked(t lsaction.Tick, sa lsaction.SignedAction) {
	byPeer := o.proposals[t]
	if byPeer == nil {
		byPeer = make(map[lsaction.PeerID][]lsaction.SignedAction)
		o.proposals[t] = byPeer
	}

	props := byPeer[sa.PeerID]
	idx, exists := slices.BinarySearchFunc(props, sa, func(a, b lsaction.SignedAction) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})
	if exists {
		o.log.Debug("dropping duplicate proposal",
			"peer", sa.PeerID, "tick", t, "seq", sa.Seq)
		return
	}
	byPeer[sa.PeerID] = slices.Insert(props, idx, sa)
}

// sealSelfLocked records and broadcasts the local seal for tick t,
// if t is still open. Idempotent.
func (o *Ordering) sealSelfLocked(t lsaction.Tick) {
	if t <= o.committedTick {
		return
	}

	self := o.transport.Self()
	byPeer := o.seals[t]
	if byPeer == nil {
		byPeer = make(map[lsaction.PeerID]int64)
		o.seals[t] = byPeer
	}
	if _, done := byPeer[self]; done {
		return
	}

	lastSeq := int64(-1)
	if next, ok := o.localNextSeq[t]; ok && next > 0 {
		lastSeq = next - 1
	}
	byPeer[self] = lastSeq

	o.stage(effect{msg: lswire.ActionSeal{
		RoomID:  o.roomID,
		PeerID:  self,
		Tick:    t,
		LastSeq: lastSeq,
	}})
}

// eligibleLocked returns the peers whose seals tick t requires,
// sorted by lexicographic byte order. The local peer is always included.
func (o *Ordering) eligibleLocked(t lsaction.Tick) []lsaction.PeerID {
	out := []lsaction.PeerID{o.transport.Self()}
	for p, first := range o.firstEligible {
		if first <= t {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// tryCommitLocked commits every consecutive committable tick
// above committedTick, stopping at the first that is still missing a seal.
func (o *Ordering) tryCommitLocked() {
	if o.currentTick < 0 {
		return
	}

	horizon := o.currentTick - 1 + o.delay
	for t := o.committedTick + 1; t <= horizon; t++ {
		eligible := o.eligibleLocked(t)
		if !o.barrierSatisfiedLocked(t, eligible) {
			return
		}
		o.commitLocked(t, eligible)
	}
}

func (o *Ordering) barrierSatisfiedLocked(t lsaction.Tick, eligible []lsaction.PeerID) bool {
	byPeer := o.seals[t]
	for _, p := range eligible {
		if _, ok := byPeer[p]; !ok {
			return false
		}
	}
	return true
}

// commitLocked emits the commit for tick t and frees its buffers.
// eligible must already be sorted; the concatenation of each eligible
// peer's proposals, ascending by seq, is the total order every peer computes.
func (o *Ordering) commitLocked(t lsaction.Tick, eligible []lsaction.PeerID) {
	byPeer := o.proposals[t]

	var actions []lsaction.SignedAction
	for _, p := range eligible {
		actions = append(actions, byPeer[p]...)
	}

	o.height++
	c := lsaction.Commit{
		Height:       o.height,
		OrderingTick: t,
		Actions:      actions,
	}

	delete(o.proposals, t)
	delete(o.seals, t)
	delete(o.localNextSeq, t)
	o.committedTick = t

	o.stage(effect{commit: &c})
	o.stage(effect{msg: lswire.ActionCommit{
		RoomID:  o.roomID,
		Tick:    t,
		Height:  c.Height,
		Actions: actions,
	}})
}

func (o *Ordering) handleMessage(from lsaction.PeerID, msg lsp2p.Message) {
	if msg.Topic != TopicNode {
		return
	}

	env, err := lswire.UnmarshalEnvelope(msg.Payload)
	if err != nil {
		o.log.Warn("dropping undecodable frame", "from", from, "err", err)
		return
	}
	if env.Msg.Room() != o.roomID {
		return
	}

	ctx := context.Background()

	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}

	switch m := env.Msg.(type) {
	case lswire.ActionPropose:
		o.handleProposeLocked(from, m)
	case lswire.ActionSeal:
		o.handleSealLocked(from, m)
	case lswire.ActionCommit:
		// Advisory gossip. Commits are recomputed locally;
		// the content is never adopted.
		o.log.Debug("observed commit gossip",
			"from", from, "tick", m.Tick, "height", m.Height)
	case lswire.SyncClock:
		o.handleSyncClockLocked(from, m)
	}

	out := o.takeLocked()
	o.mu.Unlock()
	o.dispatch(ctx, out)
}

func (o *Ordering) handleProposeLocked(from lsaction.PeerID, m lswire.ActionPropose) {
	if m.PeerID != from {
		o.log.Warn("dropping spoofed proposal",
			"claimed", m.PeerID, "actual", from, "tick", m.Tick)
		return
	}
	if m.Tick <= o.committedTick {
		o.log.Debug("dropping late proposal",
			"from", from, "tick", m.Tick, "committed_tick", o.committedTick)
		return
	}

	o.insertProposalLocked(m.Tick, lsaction.SignedAction{
		PeerID:  m.PeerID,
		Payload: m.Payload,
		Seq:     m.Seq,
	})
}

func (o *Ordering) handleSealLocked(from lsaction.PeerID, m lswire.ActionSeal) {
	if m.PeerID != from {
		o.log.Warn("dropping spoofed seal",
			"claimed", m.PeerID, "actual", from, "tick", m.Tick)
		return
	}
	if m.Tick <= o.committedTick {
		return
	}

	byPeer := o.seals[m.Tick]
	if byPeer == nil {
		byPeer = make(map[lsaction.PeerID]int64)
		o.seals[m.Tick] = byPeer
	}
	if _, dup := byPeer[m.PeerID]; dup {
		return
	}
	byPeer[m.PeerID] = m.LastSeq

	o.tryCommitLocked()
}

// handleSyncClockLocked warps the local clock forward when a peer
// reports a higher tick. Warping is strictly monotone:
// a report at or below our tick is ignored.
func (o *Ordering) handleSyncClockLocked(from lsaction.PeerID, m lswire.SyncClock) {
	if m.PeerID != from {
		o.log.Warn("dropping spoofed clock sync", "claimed", m.PeerID, "actual", from)
		return
	}
	if m.Tick <= o.currentTick {
		return
	}

	o.log.Warn("clock behind peer, warping forward",
		"from", from, "remote_tick", m.Tick, "local_tick", o.currentTick)

	o.clock = o.clock.Warped(int64(m.Tick), o.nowMs())
	o.currentTick = m.Tick

	horizon := o.currentTick - 1 + o.delay
	for t := max(lsaction.Tick(0), o.committedTick+1); t <= horizon; t++ {
		o.sealSelfLocked(t)
	}

	// Everything the existing peers were due to seal before the warp
	// is re-based past it, so the warped range cannot stall on them.
	lifted := o.currentTick + o.delay
	for p, first := range o.firstEligible {
		if first < lifted {
			o.firstEligible[p] = lifted
		}
	}

	o.tryCommitLocked()
}

func (o *Ordering) handlePeerEvent(ev lsp2p.PeerEvent) {
	ctx := context.Background()

	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}

	switch ev.Kind {
	case lsp2p.PeerConnected:
		o.membership.AddPeer(lsmember.PeerInfo{ID: ev.PeerID, Role: lsmember.RolePeer})

		first := o.delay
		if o.currentTick >= 0 {
			first = o.currentTick + o.delay
		}
		o.firstEligible[ev.PeerID] = first

		// Give the new peer a moment to settle, then offer our clock
		// so it can warp forward if it is behind.
		peer := ev.PeerID
		o.afterFunc(o.syncDelay, func() {
			o.sendSyncClock(ctx, peer)
		})

	case lsp2p.PeerDisconnected:
		o.membership.RemovePeer(ev.PeerID)
		delete(o.firstEligible, ev.PeerID)

		// Dropping the peer from eligibility may satisfy a barrier.
		o.tryCommitLocked()
	}

	evCopy := ev
	o.stage(effect{peerEvent: &evCopy})

	out := o.takeLocked()
	o.mu.Unlock()
	o.dispatch(ctx, out)
}

func (o *Ordering) sendSyncClock(ctx context.Context, to lsaction.PeerID) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	if _, present := o.firstEligible[to]; !present {
		// Disconnected before the settle delay elapsed.
		o.mu.Unlock()
		return
	}
	msg := lswire.SyncClock{
		RoomID: o.roomID,
		PeerID: o.transport.Self(),
		Tick:   o.currentTick,
	}
	o.mu.Unlock()

	data, err := lswire.MarshalEnvelope(msg, o.nowMs())
	if err != nil {
		o.log.Warn("failed to marshal clock sync", "err", err)
		return
	}
	if err := o.transport.Send(ctx, to, lsp2p.Message{Topic: TopicNode, Payload: data}); err != nil {
		o.log.Warn("failed to send clock sync", "to", to, "err", err)
	}
}

func (o *Ordering) stage(e effect) {
	o.pending = append(o.pending, e)
}

func (o *Ordering) takeLocked() []effect {
	out := o.pending
	o.pending = nil
	return out
}

// dispatch performs staged effects in generation order, outside the lock.
func (o *Ordering) dispatch(ctx context.Context, effects []effect) {
	for _, e := range effects {
		switch {
		case e.msg != nil:
			data, err := lswire.MarshalEnvelope(e.msg, o.nowMs())
			if err != nil {
				o.log.Warn("failed to marshal message", "type", e.msg.Type(), "err", err)
				continue
			}
			tm := lsp2p.Message{Topic: TopicNode, Payload: data}
			if e.to == "" {
				err = o.transport.Broadcast(ctx, tm)
			} else {
				err = o.transport.Send(ctx, e.to, tm)
			}
			if err != nil {
				// The transport owns retry; the protocol tolerates loss
				// only until the barrier needs this peer, so just log.
				o.log.Warn("transport send failed", "type", e.msg.Type(), "err", err)
			}

		case e.commit != nil:
			o.mu.Lock()
			handlers := slices.Clone(o.commitHandlers)
			o.mu.Unlock()
			for _, h := range handlers {
				h(*e.commit)
			}

		case e.peerEvent != nil:
			o.mu.Lock()
			handlers := slices.Clone(o.peerHandlers)
			o.mu.Unlock()
			for _, h := range handlers {
				h(*e.peerEvent)
			}
		}
	}
}
