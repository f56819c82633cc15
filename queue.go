package fiberpool

import "sync"

// Task is a unit of dispatch work accepted by a Scheduler: either a fiber
// handle to Resume, or a bare callback to run on a worker goroutine. Both
// submitted callbacks and ready fibers flow through the same queue.
type Task struct {
	fiber    *Fiber
	callback func()

	// affinity, when non-zero, pins this task to the worker whose index+1
	// equals affinity.
	affinity int
}

// FiberTask wraps a fiber as a dispatchable Task.
func FiberTask(f *Fiber) Task {
	return Task{fiber: f}
}

// CallbackTask wraps a plain callback as a dispatchable Task.
func CallbackTask(fn func()) Task {
	return Task{callback: fn}
}

// WithAffinity returns a copy of t pinned to the given worker index
// (1-based; 0 means "no affinity").
func (t Task) WithAffinity(workerIndex int) Task {
	t.affinity = workerIndex + 1
	return t
}

func (t Task) run() {
	switch {
	case t.fiber != nil:
		if err := t.fiber.Resume(); err != nil {
			logWarn("scheduler", "resume of dispatched fiber failed", err)
		}
	case t.callback != nil:
		t.callback()
	}
}

// taskQueue is a plain mutex-protected FIFO: a single mutex guards the
// whole slice, no lock-free structures are involved. This deliberately
// forgoes a lock-free ring-buffer design in favor of the simplicity that
// correctness requires here (see DESIGN.md).
type taskQueue struct {
	mu    sync.Mutex
	items []Task
}

func newTaskQueue() *taskQueue {
	return &taskQueue{items: make([]Task, 0, 64)}
}

func (q *taskQueue) push(t Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

// popFor removes and returns the first task with no affinity, or with
// affinity matching workerIndex+1. Tasks skipped due to affinity mismatch
// remain in the queue in their original relative order.
func (q *taskQueue) popFor(workerIndex int) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	want := workerIndex + 1
	for i, t := range q.items {
		if t.affinity == 0 || t.affinity == want {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return t, true
		}
	}
	return Task{}, false
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// hasRunnableFor reports whether any queued task could be popped for the
// given worker index, without mutating the queue.
func (q *taskQueue) hasRunnableFor(workerIndex int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	want := workerIndex + 1
	for _, t := range q.items {
		if t.affinity == 0 || t.affinity == want {
			return true
		}
	}
	return false
}
