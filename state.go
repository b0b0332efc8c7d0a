package eventcore

import "sync/atomic"

// LoopState is the reactor's run state, per the "reactor re-entry aborts"
// contract: poll_events detects an attempt to run while already running and
// panics rather than silently nesting.
type LoopState uint32

const (
	// LoopIdle: created, not currently inside poll_events.
	LoopIdle LoopState = iota
	// LoopPolling: inside a poll_events call, running the reactor.
	LoopPolling
	// LoopClosing: close(loop) in progress, draining owned handles.
	LoopClosing
	// LoopClosed: close(loop) has completed; further polls do nothing and
	// return ErrLoopClosed.
	LoopClosed
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopPolling:
		return "polling"
	case LoopClosing:
		return "closing"
	case LoopClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// fastState is a lock-free CAS-guarded holder for LoopState, used to detect
// reentrant poll_events calls without taking a mutex on the hot path.
type fastState struct {
	v atomic.Uint32
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint32(LoopIdle))
	return s
}

func (s *fastState) Load() LoopState { return LoopState(s.v.Load()) }

func (s *fastState) Store(state LoopState) { s.v.Store(uint32(state)) }

func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

func (s *fastState) IsClosed() bool { return s.Load() == LoopClosed }
