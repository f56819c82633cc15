package fiberpool

import "sync/atomic"

// FiberState is the state of a Fiber. There are exactly three reachable
// values, with READY<->RUNNING the only non-terminal edges and
// RUNNING->TERM occurring exactly once.
type FiberState uint32

const (
	// FiberReady indicates the fiber is suspended and eligible for Resume.
	FiberReady FiberState = iota
	// FiberRunning indicates the fiber is the one currently executing on
	// its host goroutine.
	FiberRunning
	// FiberTerm indicates the entry callback has returned; the fiber may
	// be Reset back to FiberReady or discarded.
	FiberTerm
)

func (s FiberState) String() string {
	switch s {
	case FiberReady:
		return "Ready"
	case FiberRunning:
		return "Running"
	case FiberTerm:
		return "Term"
	default:
		return "Unknown"
	}
}

// runState is a lock-free CAS-based state machine used for Scheduler and
// worker lifecycle tracking. Unlike Fiber's state (which needs a mutex,
// since external code inspects it across a yield boundary), the
// scheduler's lifecycle flags are plain atomics: there's no invariant
// that spans more than one field at a time.
type runState struct {
	v atomic.Uint32
}

const (
	stateAwake uint32 = iota
	stateRunning
	stateStopping
	stateStopped
)

func newRunState() *runState {
	s := &runState{}
	s.v.Store(stateAwake)
	return s
}

func (s *runState) load() uint32 { return s.v.Load() }

func (s *runState) store(v uint32) { s.v.Store(v) }

func (s *runState) tryTransition(from, to uint32) bool {
	return s.v.CompareAndSwap(from, to)
}
