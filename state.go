package synchronicity

import (
	"sync/atomic"
)

// LoopState represents the current state of the background loop.
//
// State machine:
//
//	StateCreated → StateRunning          [first submission starts the loop]
//	StateRunning ⇄ StateSleeping         [park/wake via CAS]
//	StateRunning/StateSleeping → StateTerminating  [Close]
//	StateTerminating → StateTerminated   [drain complete]
//	any → StateFailed                    [panic escaped the loop internals]
//
// Temporary states (Running, Sleeping) transition via TryTransition (CAS);
// irreversible states (Terminated, Failed) are Stored directly.
type LoopState uint32

const (
	// StateCreated indicates the loop exists but its goroutine has not started.
	StateCreated LoopState = iota
	// StateRunning indicates the loop goroutine is actively processing work.
	StateRunning
	// StateSleeping indicates the loop is parked waiting for work or a timer.
	StateSleeping
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating
	// StateTerminated indicates the loop has fully stopped.
	StateTerminated
	// StateFailed indicates the loop crashed; the Synchronizer is unusable.
	StateFailed
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// loopStateMachine is a lock-free state cell. Transitions between temporary
// states use pure CAS; terminal states are stored unconditionally.
type loopStateMachine struct {
	v atomic.Uint32
}

// Load returns the current state atomically.
func (s *loopStateMachine) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state. Reserved for irreversible transitions;
// storing Running or Sleeping directly would break the CAS protocol.
func (s *loopStateMachine) Store(state LoopState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *loopStateMachine) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// IsTerminal reports whether the loop reached Terminated or Failed.
func (s *loopStateMachine) IsTerminal() bool {
	st := s.Load()
	return st == StateTerminated || st == StateFailed
}

// CanAcceptWork reports whether new submissions may be queued.
// Terminating still accepts work so in-flight cancellations can drain.
func (s *loopStateMachine) CanAcceptWork() bool {
	st := s.Load()
	return st == StateCreated || st == StateRunning || st == StateSleeping || st == StateTerminating
}
