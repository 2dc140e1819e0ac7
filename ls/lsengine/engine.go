package lsengine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
)

// Config assembles an [Engine].
type Config[S, A any] struct {
	// InitialState is the state before any commit.
	// Every peer must construct the identical value.
	InitialState S

	Rule Rule[S, A]

	// Systems run after every successful rule application,
	// in the order given here.
	Systems []System[S]

	// Schedulers run in the commit catch-up loop.
	// They are sorted by ID internally; registration order is irrelevant.
	Schedulers []Scheduler[S]

	// View projects state for one viewer (fog of war and similar).
	// A nil View exposes the state unprojected.
	View func(s S, viewer lsaction.PeerID) any

	// DecodeAction and EncodeAction translate between
	// the wire payload and the application's action type. Required.
	DecodeAction func(payload json.RawMessage) (A, error)
	EncodeAction func(a A) (json.RawMessage, error)

	// EncodeState and DecodeState are optional state codecs,
	// for embedders that persist or transfer snapshots.
	EncodeState func(s S) ([]byte, error)
	DecodeState func(data []byte) (S, error)
}

// Engine composes the rule kernel, systems, schedulers, and view
// into the reducer pipeline the node runtime drives.
type Engine[S, A any] struct {
	log *slog.Logger
	cfg Config[S, A]

	// schedulers is cfg.Schedulers re-sorted by ID.
	schedulers []Scheduler[S]
}

// New validates cfg and returns an Engine.
func New[S, A any](log *slog.Logger, cfg Config[S, A]) (*Engine[S, A], error) {
	if cfg.Rule.Apply == nil {
		return nil, fmt.Errorf("lsengine: Rule.Apply is required")
	}
	if cfg.DecodeAction == nil || cfg.EncodeAction == nil {
		return nil, fmt.Errorf("lsengine: DecodeAction and EncodeAction are required")
	}
	for i, sch := range cfg.Schedulers {
		if sch.ID == "" {
			return nil, fmt.Errorf("lsengine: scheduler %d has empty ID", i)
		}
		if sch.Schedule == nil || sch.Apply == nil {
			return nil, fmt.Errorf("lsengine: scheduler %q missing Schedule or Apply", sch.ID)
		}
	}

	schedulers := slices.Clone(cfg.Schedulers)
	slices.SortFunc(schedulers, func(a, b Scheduler[S]) int {
		return strings.Compare(a.ID, b.ID)
	})
	for i := 1; i < len(schedulers); i++ {
		if schedulers[i].ID == schedulers[i-1].ID {
			return nil, fmt.Errorf("lsengine: duplicate scheduler ID %q", schedulers[i].ID)
		}
	}

	return &Engine[S, A]{
		log:        log,
		cfg:        cfg,
		schedulers: schedulers,
	}, nil
}

// InitialState returns the configured initial state.
func (e *Engine[S, A]) InitialState() S {
	return e.cfg.InitialState
}

// IsLegal delegates to the rule's validator.
func (e *Engine[S, A]) IsLegal(s S, a A, m lsaction.Meta) error {
	if e.cfg.Rule.IsLegal == nil {
		return nil
	}
	return e.cfg.Rule.IsLegal(s, a, m)
}

// Reduce validates a, applies the rule, then runs every system.
// An illegal action leaves the state unchanged; it never fails reduction,
// because every peer must reach the same state regardless of
// which actions its local application happens to consider noise.
func (e *Engine[S, A]) Reduce(s S, a A, m lsaction.Meta) S {
	if err := e.IsLegal(s, a, m); err != nil {
		e.log.Debug("skipping illegal action",
			"from", m.From, "tick", m.OrderingTick, "reason", err)
		return s
	}

	s = e.cfg.Rule.Apply(s, a, m)
	for _, sys := range e.cfg.Systems {
		s = sys(s, m)
	}
	return s
}

// RunSchedulers executes one tick's scheduler pass:
// each due scheduler, in ID order, applied to the evolving state.
// The node runtime calls this once per tick in the catch-up loop.
func (e *Engine[S, A]) RunSchedulers(s S, m lsaction.Meta) S {
	for _, sch := range e.schedulers {
		if IsDue(sch.Schedule(s), s, m) {
			s = sch.Apply(s, m)
		}
	}
	return s
}

// Observe returns the viewer's projection of s.
func (e *Engine[S, A]) Observe(s S, viewer lsaction.PeerID) any {
	if e.cfg.View == nil {
		return s
	}
	return e.cfg.View(s, viewer)
}

// DecodeAction translates a wire payload into an action.
func (e *Engine[S, A]) DecodeAction(payload json.RawMessage) (A, error) {
	return e.cfg.DecodeAction(payload)
}

// EncodeAction translates an action into its wire payload.
func (e *Engine[S, A]) EncodeAction(a A) (json.RawMessage, error) {
	return e.cfg.EncodeAction(a)
}

// EncodeState serializes s, if the application configured a state codec.
func (e *Engine[S, A]) EncodeState(s S) ([]byte, error) {
	if e.cfg.EncodeState == nil {
		return nil, fmt.Errorf("lsengine: no state encoder configured")
	}
	return e.cfg.EncodeState(s)
}

// DecodeState deserializes a state, if the application configured a codec.
func (e *Engine[S, A]) DecodeState(data []byte) (S, error) {
	if e.cfg.DecodeState == nil {
		var zero S
		return zero, fmt.Errorf("lsengine: no state decoder configured")
	}
	return e.cfg.DecodeState(data)
}
