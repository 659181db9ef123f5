// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import "sync/atomic"

// State represents the lifecycle state of a process queue.
type State uint32

// Process queue states.
const (
	StateActive State = iota
	StateExpired
	StateRetired
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateActive)}
}

func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// transition attempts to move from one state to another.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// transitionFrom attempts to move to a state from any of the expected states.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}

func (sm *stateManager) isRetired() bool {
	return sm.get() == StateRetired
}
