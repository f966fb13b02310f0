package eventloop

import "sync/atomic"

// LoopState is the current phase of a Loop's lifecycle.
//
//	StateAwake (created, not yet running)
//	  --Run()--> StateRunning
//	StateRunning <--poll()--> StateSleeping
//	StateRunning/StateSleeping --Shutdown()/Close()--> StateTerminating
//	StateTerminating --drain complete--> StateTerminated
//
// Numeric values are stable: they are surfaced to bindings per spec §6.
type LoopState uint32

const (
	StateAwake LoopState = iota
	StateRunning
	StateSleeping
	StateTerminating
	StateTerminated
)

func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// atomicState is a CAS-driven state machine. Transitions between the
// transient states (Running/Sleeping) use TryTransition; the move into
// Terminated at the end of a drain uses Store directly, and only Loop.Reset
// moves a loop out of Terminated again.
type atomicState struct {
	v atomic.Uint32
}

func newAtomicState() *atomicState {
	s := &atomicState{}
	s.v.Store(uint32(StateAwake))
	return s
}

func (s *atomicState) Load() LoopState { return LoopState(s.v.Load()) }

func (s *atomicState) Store(state LoopState) { s.v.Store(uint32(state)) }

func (s *atomicState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

func (s *atomicState) CanAcceptWork() bool {
	switch s.Load() {
	case StateAwake, StateRunning, StateSleeping:
		return true
	default:
		return false
	}
}
