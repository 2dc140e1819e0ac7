// Package lsengine contains the deterministic reducer pipeline:
// a rule kernel validating and applying actions,
// system passes running after every application,
// and tick-gated schedulers.
//
// Everything here must be referentially transparent.
// Implementations must not read wall time or an unseeded RNG;
// any randomness must derive from (state seed, ordering tick, counter).
package lsengine

import "github.com/lockstep-engine/lockstep/ls/lsaction"

// Rule is the pure validation and transition kernel for one application.
//
// Apply must return the next state without mutating its input;
// sharing untouched substructure between the two is fine.
type Rule[S, A any] struct {
	// IsLegal cheaply validates the action against the current state.
	// A nil IsLegal accepts everything.
	IsLegal func(s S, a A, m lsaction.Meta) error

	// Apply produces the next state. Required.
	Apply func(s S, a A, m lsaction.Meta) S
}

// System is a deterministic pass run after every successful rule application,
// in registration order.
type System[S any] func(s S, m lsaction.Meta) S
