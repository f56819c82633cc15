package fiberpool

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// TimerHandle is a cancelable handle to a scheduled timer.
type TimerHandle struct {
	entry *timerEntry
}

// Cancel marks the timer canceled. It is safe to call more than once and
// safe to call after the timer has already fired; lazy deletion means a
// canceled entry is simply skipped when the heap pops it, rather than
// searched for and removed immediately.
func (h TimerHandle) Cancel() error {
	if h.entry == nil {
		return ErrTimerCanceled
	}
	if !h.entry.canceled.CompareAndSwap(false, true) {
		return ErrTimerCanceled
	}
	return nil
}

type timerEntry struct {
	seq       uint64
	deadline  time.Time
	recurring bool
	period    time.Duration
	canceled  atomic.Bool
	fn        func()

	// aliveFn, when non-nil, makes this a condition timer: fn only runs
	// if aliveFn still reports true at fire time. It closes over a
	// weak.Pointer captured by AddConditionTimer; timerEntry itself can't
	// be generic over the referent type since it is stored untyped in a
	// single shared heap.
	aliveFn func() bool
}

func (e *timerEntry) alive() bool {
	if e.aliveFn == nil {
		return true
	}
	return e.aliveFn()
}

// timerHeap is a min-heap of *timerEntry ordered by deadline.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// TimerManager maintains the deadline-ordered set of one-shot, recurring,
// and condition timers, including clock-rollback detection.
type TimerManager struct {
	mu      sync.Mutex
	h       timerHeap
	seq     uint64
	lastNow time.Time

	clockRollbackMax time.Duration
}

func newTimerManager(cfg *config) *TimerManager {
	return &TimerManager{
		clockRollbackMax: cfg.clockRollbackMax,
		lastNow:          time.Now(),
	}
}

// Add schedules fn to run once after d, or every d if recurring is true.
func (m *TimerManager) Add(d time.Duration, recurring bool, fn func()) TimerHandle {
	return m.add(time.Now().Add(d), d, recurring, fn)
}

func (m *TimerManager) add(deadline time.Time, period time.Duration, recurring bool, fn func()) TimerHandle {
	e := m.newEntry(deadline, period, recurring, fn)
	m.push(e)
	return TimerHandle{entry: e}
}

func (m *TimerManager) newEntry(deadline time.Time, period time.Duration, recurring bool, fn func()) *timerEntry {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()
	return &timerEntry{seq: seq, deadline: deadline, period: period, recurring: recurring, fn: fn}
}

func (m *TimerManager) push(e *timerEntry) {
	m.mu.Lock()
	heap.Push(&m.h, e)
	m.mu.Unlock()
}

// NextDelay reports how long the caller may block (e.g. in epoll_wait)
// before the next timer needs servicing. ok is false when no timers are
// scheduled, in which case the caller should use its own idle ceiling.
func (m *TimerManager) NextDelay() (d time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.h.Len() > 0 && m.h[0].canceled.Load() {
		heap.Pop(&m.h)
	}
	if m.h.Len() == 0 {
		return 0, false
	}
	d = time.Until(m.h[0].deadline)
	if d < 0 {
		d = 0
	}
	return d, true
}

// DrainExpired pops every timer entry whose deadline has passed (or,
// under a detected clock rollback, every entry outright), returning the
// callbacks to invoke. Recurring entries are rescheduled before their
// callback is returned. The caller invokes the returned functions itself,
// outside of any lock the manager holds, so a slow or reentrant callback
// can't block other timer operations.
func (m *TimerManager) DrainExpired(now time.Time) []func() {
	m.mu.Lock()

	rollback := now.Before(m.lastNow) && m.lastNow.Sub(now) > m.clockRollbackMax
	if now.After(m.lastNow) || rollback {
		m.lastNow = now
	}

	var fns []func()
	if rollback {
		logWarn("timer", "clock rollback detected beyond guard threshold, draining all timers defensively", nil)
		for m.h.Len() > 0 {
			e := heap.Pop(&m.h).(*timerEntry)
			fns = appendFireable(fns, e)
		}
	} else {
		for m.h.Len() > 0 && !m.h[0].deadline.After(now) {
			e := heap.Pop(&m.h).(*timerEntry)
			if e.recurring && !e.canceled.Load() {
				e.deadline = now.Add(e.period)
				heap.Push(&m.h, e)
			}
			fns = appendFireable(fns, e)
		}
	}
	m.mu.Unlock()
	return fns
}

func appendFireable(fns []func(), e *timerEntry) []func() {
	if e.canceled.Load() || !e.alive() {
		return fns
	}
	if e.fn != nil {
		return append(fns, e.fn)
	}
	return fns
}

// Len reports the number of live (non-canceled) scheduled entries.
func (m *TimerManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.h.Len()
}

// AddConditionTimer schedules fn to run after d, but only if referent is
// still reachable (via a weak.Pointer) when the deadline arrives. A
// nil-returning weak pointer at fire time is treated identically to a
// canceled timer. This is a package function rather than a TimerManager
// method because Go methods cannot carry their own type parameters.
func AddConditionTimer[T any](m *TimerManager, d time.Duration, referent *T, fn func()) TimerHandle {
	wp := weak.Make(referent)
	e := m.newEntry(time.Now().Add(d), 0, false, fn)
	e.aliveFn = func() bool { return wp.Value() != nil }
	m.push(e)
	return TimerHandle{entry: e}
}
