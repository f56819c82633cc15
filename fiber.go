package fiberpool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// fiberIDCounter is the monotonically increasing id source for Fiber.ID.
var fiberIDCounter atomic.Uint64

// Fiber is a stackful user-space task.
//
// DESIGN: the original runtime swaps machine contexts (ucontext/fcontext)
// against a per-thread host fiber. Go cannot portably swap register
// contexts without cgo or architecture-specific assembly, and goroutines
// already are a stackful, cooperatively-resumable execution context backed
// by a real (growable, shrinkable) stack. A Fiber is therefore one
// goroutine, parked on a channel receive while suspended: Yield blocks the
// fiber's own goroutine on resumeCh until the next Resume, which is
// observably identical to a context-switch-based yield (the full Go call
// stack of the fiber, including deeply nested frames, is preserved across
// the suspension) without requiring unsafe stack manipulation. See
// DESIGN.md for the Open Question resolution.
//
// The "host" a fiber yields back to is not a per-thread thread-local (as
// in the original design) but simply whichever goroutine called Resume:
// that goroutine blocks on yieldCh until the fiber yields or terminates,
// which is exactly the host-fiber contract without needing thread-locals.
type Fiber struct {
	// ID is this fiber's identity, assigned once at creation.
	ID uint64

	// SchedulerBound is true for
	// fibers dispatched by a Worker's scheduler loop (the common case),
	// false for fibers intended to run against a caller's own goroutine
	// context (e.g. the use_caller fiber driven directly by Scheduler.Stop).
	SchedulerBound bool

	// StackSize is a sizing hint carried for API fidelity with the
	// original's fixed-stack allocation; Go goroutine stacks grow and
	// shrink dynamically and are not pre-sized.
	StackSize int

	mu    sync.Mutex
	state FiberState

	entry   func(*Fiber)
	started bool

	resumeCh chan struction
	yieldCh  chan struction

	panicVal any
}

// struction is an unexported zero-size rendezvous token type, named
// distinctly from struct{} only so the channel element type reads clearly
// at call sites; it carries no data.
type struction = struct{}

// NewFiber creates a new fiber with the default stack size hint and
// scheduler-bound true.
func NewFiber(entry func(*Fiber)) *Fiber {
	return NewFiberSized(entry, 128*1024, true)
}

// NewFiberSized creates a fiber with an explicit stack size hint and
// scheduler-bound flag.
func NewFiberSized(entry func(*Fiber), stackSize int, schedulerBound bool) *Fiber {
	return &Fiber{
		ID:             fiberIDCounter.Add(1),
		SchedulerBound: schedulerBound,
		StackSize:      stackSize,
		state:          FiberReady,
		entry:          entry,
		resumeCh:       make(chan struction),
		yieldCh:        make(chan struction),
	}
}

// State returns the fiber's current state.
func (f *Fiber) State() FiberState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Resume runs the fiber until it next yields or terminates. Precondition:
// state == Ready. It blocks the calling goroutine (the new host) for the
// duration of that run, exactly mirroring the original's synchronous
// context swap.
func (f *Fiber) Resume() error {
	f.mu.Lock()
	if f.state != FiberReady {
		f.mu.Unlock()
		return ErrFiberNotReady
	}
	f.state = FiberRunning
	started := f.started
	f.started = true
	f.mu.Unlock()

	if !started {
		go f.run()
	} else {
		f.resumeCh <- struction{}
	}
	<-f.yieldCh

	if f.panicVal != nil {
		v := f.panicVal
		f.panicVal = nil
		logFatal("fiber", "entry panic", &FatalError{Op: "entry panic", Cause: panicAsError(v)})
	}
	return nil
}

// run is the entry trampoline: executes the callback,
// clears the callback reference so a later Reset sees a clean slot, marks
// Term, and performs the epilogue yield. It must not touch f after sending
// on yieldCh: the resumer is the only thing guaranteed to still hold a
// live reference once this goroutine's final send completes.
func (f *Fiber) run() {
	defer func() {
		if r := recover(); r != nil {
			f.mu.Lock()
			f.state = FiberTerm
			f.entry = nil
			f.panicVal = r
			f.mu.Unlock()
			f.yieldCh <- struction{}
			return
		}
	}()

	entry := f.entry
	entry(f)

	f.mu.Lock()
	f.entry = nil
	f.state = FiberTerm
	f.mu.Unlock()
	f.yieldCh <- struction{}
}

// Yield suspends the currently running fiber, returning control to
// whichever goroutine last called Resume. Precondition: state ==
// Running (the common case) or Term (the entry epilogue's own yield,
// handled by run directly rather than through this method).
func (f *Fiber) Yield() {
	f.mu.Lock()
	if f.state == FiberRunning {
		f.state = FiberReady
	}
	f.mu.Unlock()

	f.yieldCh <- struction{}
	<-f.resumeCh
}

// Reset re-initializes a terminated fiber to run a new entry callback,
// reusing the Fiber handle (and, per the goroutine-backed redesign, a
// freshly spawned goroutine in place of the reused machine stack).
// Precondition: state == Term.
func (f *Fiber) Reset(entry func(*Fiber)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FiberTerm {
		return ErrFiberNotTerm
	}
	f.entry = entry
	f.state = FiberReady
	f.started = false
	return nil
}

func panicAsError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("%v", v)
}
