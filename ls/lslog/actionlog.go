// Package lslog defines the append-only action log:
// the gap-free sequence of commits a node has applied,
// used for recovery and replay.
package lslog

import (
	"context"
	"fmt"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
)

// HeightMismatchError indicates an append that would break
// the contiguous height sequence.
// This is fatal to commit processing; see the node runtime.
type HeightMismatchError struct {
	Want, Got uint64
}

func (e HeightMismatchError) Error() string {
	return fmt.Sprintf("lslog: height mismatch: want %d, got %d", e.Want, e.Got)
}

// ActionLog stores the committed action sequence.
//
// The single invariant: consecutive appends carry consecutive heights
// starting at 1. Implementations reject anything else
// with a [HeightMismatchError].
type ActionLog interface {
	// Append stores the commit at its height.
	Append(ctx context.Context, c lsaction.Commit) error

	// Range returns the commits with heights in [from, to], inclusive.
	// Heights outside the stored range are simply absent from the result;
	// a fully out-of-range request returns an empty slice and no error.
	Range(ctx context.Context, from, to uint64) ([]lsaction.Commit, error)

	// LatestHeight returns the height of the most recent commit,
	// or zero if the log is empty.
	LatestHeight(ctx context.Context) (uint64, error)

	// Clear drops every stored commit.
	Clear(ctx context.Context) error
}
