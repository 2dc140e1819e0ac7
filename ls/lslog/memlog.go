package lslog

import (
	"context"
	"sync"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
)

// MemLog is an in-memory [ActionLog].
// Contents are lost on process exit; intended for small rooms and tests.
type MemLog struct {
	mu      sync.RWMutex
	commits []lsaction.Commit
}

// NewMemLog returns an empty in-memory log.
func NewMemLog() *MemLog {
	return new(MemLog)
}

func (l *MemLog) Append(_ context.Context, c lsaction.Commit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	want := uint64(len(l.commits)) + 1
	if c.Height != want {
		return HeightMismatchError{Want: want, Got: c.Height}
	}
	l.commits = append(l.commits, c)
	return nil
}

func (l *MemLog) Range(_ context.Context, from, to uint64) ([]lsaction.Commit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from < 1 {
		from = 1
	}
	if max := uint64(len(l.commits)); to > max {
		to = max
	}
	if from > to {
		return nil, nil
	}

	out := make([]lsaction.Commit, to-from+1)
	copy(out, l.commits[from-1:to])
	return out, nil
}

func (l *MemLog) LatestHeight(context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.commits)), nil
}

func (l *MemLog) Clear(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commits = nil
	return nil
}
