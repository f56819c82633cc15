package fiberpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// schedulerExt is the small capability interface that lets a composing
// type (IOManager) override a fixed-pool Scheduler's idle-wait, wake, and
// extra-stop-predicate behavior without subclassing it. The zero value of
// Scheduler uses noopExt, which idles on a plain timed channel wait.
type schedulerExt interface {
	// tickle is invoked whenever a task is submitted, in case the
	// extension has its own wakeup signal to fire (e.g. the IOManager's
	// self-pipe, to break a worker out of epoll_wait).
	tickle()
	// idle blocks worker workerIndex until woken or d elapses. The
	// default implementation waits on the scheduler's own wake channel;
	// IOManager overrides this to block in epoll_wait instead.
	idle(workerIndex int, d time.Duration)
	// stopping is only consulted once the Scheduler's own runState already
	// wants to stop; it reports whether the extension has also finished
	// draining whatever outstanding work it owns (e.g. an IOManager with
	// live timers or armed fd events must keep servicing them even after
	// Stop has been called, so a worker doesn't exit while fibers are
	// still asleep). The default noopExt has nothing of its own to drain
	// and returns true unconditionally.
	stopping() bool
}

type noopExt struct{ s *Scheduler }

func (n noopExt) tickle() {
	select {
	case n.s.wakeCh <- struction{}:
	default:
	}
}

func (n noopExt) idle(_ int, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-n.s.wakeCh:
	case <-t.C:
	case <-n.s.stopCh:
	}
}

func (n noopExt) stopping() bool { return true }

// Scheduler is a fixed-pool worker scheduler multiplexing fibers and
// callbacks over a bounded set of OS threads, dispatched from a plain
// mutex-protected task queue.
type Scheduler struct {
	cfg   *config
	queue *taskQueue
	state *runState

	ext    schedulerExt
	extMu  sync.Mutex
	wakeCh chan struction
	stopCh chan struction

	workers []*workerThread
	wg      sync.WaitGroup

	activeWorkers atomic.Int32
	idleWorkers   atomic.Int32

	// callerWorker is the use_caller worker, driven
	// synchronously by Stop() rather than its own goroutine, when
	// cfg.useCaller is true.
	callerWorker *workerThread
}

// NewScheduler constructs a Scheduler in the stopped state.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := resolveOptions(opts)
	s := &Scheduler{
		cfg:    cfg,
		queue:  newTaskQueue(),
		state:  newRunState(),
		wakeCh: make(chan struction, 1),
		stopCh: make(chan struction),
	}
	s.ext = noopExt{s: s}
	return s
}

// setExtension installs the capability override used by IOManager. Must
// be called before Start.
func (s *Scheduler) setExtension(ext schedulerExt) {
	s.extMu.Lock()
	defer s.extMu.Unlock()
	s.ext = ext
}

func (s *Scheduler) extension() schedulerExt {
	s.extMu.Lock()
	defer s.extMu.Unlock()
	return s.ext
}

// Start spins up the fixed worker pool. Workers beyond the use_caller
// slot each LockOSThread for the duration of their dispatch loop, so
// they stay pinned to their own OS thread.
func (s *Scheduler) Start() error {
	if !s.state.tryTransition(stateAwake, stateRunning) {
		return ErrSchedulerRunning
	}

	n := s.cfg.workers
	if s.cfg.useCaller {
		n--
	}
	if n < 0 {
		n = 0
	}

	s.workers = make([]*workerThread, 0, n+1)
	for i := 0; i < n; i++ {
		w := newWorkerThread(i, s)
		s.workers = append(s.workers, w)
		s.wg.Add(1)
		go w.loopPinned(&s.wg)
	}

	if s.cfg.useCaller {
		s.callerWorker = newWorkerThread(n, s)
		s.workers = append(s.workers, s.callerWorker)
	}

	logDebug("scheduler", "started")
	return nil
}

// Stop signals every worker to drain and exit, then — if use_caller is
// configured — runs the caller-bound worker loop synchronously on the
// calling goroutine: that loop runs on the thread that called Stop, and
// Stop does not return until it observes the stopping state and exits.
func (s *Scheduler) Stop() error {
	if !s.state.tryTransition(stateRunning, stateStopping) {
		return ErrSchedulerStopped
	}
	close(s.stopCh)
	s.extension().tickle()

	if s.callerWorker != nil {
		s.callerWorker.loopUnpinned()
	}
	s.wg.Wait()
	s.state.store(stateStopped)
	logDebug("scheduler", "stopped")
	return nil
}

// Submit enqueues a task for dispatch. Returns ErrSchedulerStopped once
// Stop has been called.
func (s *Scheduler) Submit(t Task) error {
	st := s.state.load()
	if st == stateStopping || st == stateStopped {
		logErr("scheduler", "submit rejected: scheduler stopped", ErrSchedulerStopped)
		return ErrSchedulerStopped
	}
	s.queue.push(t)
	s.extension().tickle()
	return nil
}

// isStopping reports whether a worker may treat the scheduler as done:
// the base runState must already want a stop, AND the active extension
// must agree it has no more outstanding work to drain. An IOManager with
// live timers or armed fd events withholds that agreement, so idle()
// still gets called to service them instead of the worker returning out
// from under them.
func (s *Scheduler) isStopping() bool {
	st := s.state.load()
	if st != stateStopping && st != stateStopped {
		return false
	}
	return s.extension().stopping()
}

// ActiveWorkers reports how many workers are currently executing a task
// (as opposed to idling in the poll/wait loop).
func (s *Scheduler) ActiveWorkers() int { return int(s.activeWorkers.Load()) }

// IdleWorkers reports how many workers are currently parked waiting for
// work.
func (s *Scheduler) IdleWorkers() int { return int(s.idleWorkers.Load()) }

// workerThread is one OS-thread-pinned dispatch loop.
type workerThread struct {
	index int
	sched *Scheduler
}

func newWorkerThread(index int, s *Scheduler) *workerThread {
	return &workerThread{index: index, sched: s}
}

func (w *workerThread) loopPinned(wg *sync.WaitGroup) {
	defer wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	w.loopUnpinned()
}

func (w *workerThread) loopUnpinned() {
	s := w.sched

	for {
		if t, ok := s.queue.popFor(w.index); ok {
			s.activeWorkers.Add(1)
			t.run()
			s.activeWorkers.Add(-1)
			continue
		}
		if s.isStopping() && s.queue.len() == 0 {
			return
		}
		s.idleWorkers.Add(1)
		s.extension().idle(w.index, s.cfg.maxIdleWait)
		s.idleWorkers.Add(-1)
		if s.isStopping() && !s.queue.hasRunnableFor(w.index) {
			return
		}
	}
}
