// Package lsenginetest provides a small deterministic application
// used to exercise the engine and node runtime in tests.
package lsenginetest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lsengine"
)

// CounterState is the fixture state: a shared total
// and a per-peer contribution map.
type CounterState struct {
	Total   int64
	PerPeer map[lsaction.PeerID]int64

	// SchedulerRuns counts scheduler applications by scheduler ID,
	// so tests can assert catch-up coverage.
	SchedulerRuns map[string]int64
}

// CounterAction adds Add to the shared total.
// Negative totals are illegal, giving tests a rejection path.
type CounterAction struct {
	Add int64 `json:"add"`
}

func cloneState(s CounterState) CounterState {
	s.PerPeer = maps.Clone(s.PerPeer)
	s.SchedulerRuns = maps.Clone(s.SchedulerRuns)
	return s
}

// NewCounterEngine builds the fixture engine.
// Additional schedulers may be supplied by the test.
func NewCounterEngine(log *slog.Logger, schedulers ...lsengine.Scheduler[CounterState]) (*lsengine.Engine[CounterState, CounterAction], error) {
	return lsengine.New(log, lsengine.Config[CounterState, CounterAction]{
		InitialState: CounterState{
			PerPeer:       map[lsaction.PeerID]int64{},
			SchedulerRuns: map[string]int64{},
		},

		Rule: lsengine.Rule[CounterState, CounterAction]{
			IsLegal: func(s CounterState, a CounterAction, _ lsaction.Meta) error {
				if s.Total+a.Add < 0 {
					return fmt.Errorf("total would go negative: %d%+d", s.Total, a.Add)
				}
				return nil
			},
			Apply: func(s CounterState, a CounterAction, m lsaction.Meta) CounterState {
				next := cloneState(s)
				next.Total += a.Add
				next.PerPeer[m.From] += a.Add
				return next
			},
		},

		Schedulers: schedulers,

		DecodeAction: func(payload json.RawMessage) (CounterAction, error) {
			var a CounterAction
			if err := json.Unmarshal(payload, &a); err != nil {
				return CounterAction{}, fmt.Errorf("failed to decode counter action: %w", err)
			}
			return a, nil
		},
		EncodeAction: func(a CounterAction) (json.RawMessage, error) {
			return json.Marshal(a)
		},
	})
}

// RunCountingScheduler returns a scheduler that records each application
// in SchedulerRuns under id.
func RunCountingScheduler(id string, sch lsengine.Schedule[CounterState]) lsengine.Scheduler[CounterState] {
	return lsengine.Scheduler[CounterState]{
		ID: id,
		Schedule: func(CounterState) lsengine.Schedule[CounterState] {
			return sch
		},
		Apply: func(s CounterState, _ lsaction.Meta) CounterState {
			next := cloneState(s)
			next.SchedulerRuns[id]++
			return next
		},
	}
}
