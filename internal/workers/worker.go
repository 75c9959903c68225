package workers

import (
	"sync/atomic"
	"time"
)

// Worker lifecycle states.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// DefaultDrainDeadline bounds how long Stop waits for in-flight work.
const DefaultDrainDeadline = 30 * time.Second

// lifecycle implements the shared state machine. Start and Stop are
// idempotent; the transitions CREATED -> STARTING -> RUNNING and
// RUNNING -> STOPPING -> STOPPED each happen at most once.
type lifecycle struct {
	state atomic.Int32
}

func (l *lifecycle) State() State { return State(l.state.Load()) }

func (l *lifecycle) tryStart() bool {
	return l.state.CompareAndSwap(int32(StateCreated), int32(StateStarting))
}

func (l *lifecycle) markRunning() {
	l.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
}

func (l *lifecycle) tryStop() bool {
	return l.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) ||
		l.state.CompareAndSwap(int32(StateStarting), int32(StateStopping))
}

func (l *lifecycle) markStopped() {
	l.state.Store(int32(StateStopped))
}

// waitTimeout waits for done up to the deadline. Reports whether the worker
// drained in time.
func waitTimeout(done <-chan struct{}, deadline time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(deadline):
		return false
	}
}
