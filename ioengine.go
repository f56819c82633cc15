package fiberpool

import (
	"sync"
	"sync/atomic"
	"time"
)

// IOManager composes a Scheduler and a TimerManager rather than
// inheriting from/extending either: an I/O-capable scheduler wraps a
// plain Scheduler and overrides its idle behavior instead of subclassing
// it. Exactly one idle worker at a time becomes the poll-and-dispatch
// fiber; the rest fall back to the base Scheduler's plain timed wait,
// woken either by a new submission or by the self-pipe once the polling
// worker observes readiness and re-tickles.
type IOManager struct {
	*Scheduler
	timers   *TimerManager
	fds      *FDRegistry
	poll     *poller
	wake     *selfPipe
	pollLock sync.Mutex

	// pendingEvents counts currently-armed fd directions across every fd
	// this IOManager owns: incremented once per successful AddEvent, and
	// decremented once each time that armed slot is consumed, whichever
	// of the readiness, timeout, DelEvent, CancelEvent or CancelAll paths
	// gets there first. Must equal the sum over every fd of
	// popcount(FDContext.armedMask()).
	pendingEvents atomic.Int64
}

// NewIOManager constructs the composed scheduler/timer/poller stack, but
// does not start the worker pool; call Start to do that.
func NewIOManager(opts ...Option) (*IOManager, error) {
	cfg := resolveOptions(opts)
	sched := NewScheduler(opts...)
	p, err := newPoller(cfg.fdTableInitCap, cfg.readinessBatch)
	if err != nil {
		return nil, err
	}
	wake, err := newSelfPipe()
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	if err := p.Arm(wake.readFD, DirRead); err != nil {
		_ = p.Close()
		_ = wake.Close()
		return nil, err
	}

	m := &IOManager{
		Scheduler: sched,
		timers:    newTimerManager(cfg),
		fds:       newFDRegistry(cfg.fdTableInitCap, cfg.fdGrowthFactor),
		poll:      p,
		wake:      wake,
	}
	sched.setExtension(m)
	return m, nil
}

// Close releases the poller and self-pipe. Call after Stop.
func (m *IOManager) Close() error {
	err1 := m.poll.Close()
	err2 := m.wake.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// tickle implements schedulerExt: break any blocked epoll_wait via the
// self-pipe, in addition to the base wake channel (so non-polling idle
// workers also wake to re-check the queue).
func (m *IOManager) tickle() {
	m.wake.Wake()
	select {
	case m.Scheduler.wakeCh <- struction{}:
	default:
	}
}

// stopping implements schedulerExt's shutdown gate: the worker loop may
// only treat the IOManager as finished once every timer it owns has
// fired or been canceled and every armed fd direction has been consumed,
// so a sleeping or I/O-waiting fiber always gets to resume even if Stop
// was called while it was still suspended.
func (m *IOManager) stopping() bool {
	return m.timers.Len() == 0 && m.pendingEvents.Load() == 0
}

// idle implements schedulerExt's override point. Exactly one worker at a
// time runs the six-step poll-and-dispatch algorithm:
//  1. compute the poll timeout as the minimum of the next timer deadline
//     and the configured idle ceiling;
//  2. block in epoll_wait for that long;
//  3. if woken via the self-pipe, drain it;
//  4. for each ready fd, disarm the matching direction(s) and resume (or
//     submit) the associated continuation;
//  5. drain and invoke any timers whose deadline has passed;
//  6. return control to the caller (a worker dispatch loop iteration).
//
// Workers that lose the race for the poll lock fall back to the base
// Scheduler's plain timed wait so they don't spin.
func (m *IOManager) idle(workerIndex int, ceiling time.Duration) {
	if !m.pollLock.TryLock() {
		noopExt{s: m.Scheduler}.idle(workerIndex, ceiling)
		return
	}
	defer m.pollLock.Unlock()

	timeout := ceiling
	if d, ok := m.timers.NextDelay(); ok && d < timeout {
		timeout = d
	}
	timeoutMs := int(timeout / time.Millisecond)
	if timeoutMs <= 0 && timeout > 0 {
		timeoutMs = 1
	}
	if timeoutMs < 0 {
		timeoutMs = -1
	}

	events, err := m.poll.Wait(timeoutMs)
	if err != nil {
		logErr("io", "epoll_wait failed", err)
		return
	}

	for _, ev := range events {
		if ev.fd == m.wake.readFD {
			m.wake.Drain()
			continue
		}
		m.dispatchReady(ev)
	}

	now := time.Now()
	for _, fn := range m.timers.DrainExpired(now) {
		fn()
	}
}

func (m *IOManager) dispatchReady(ev readyEvent) {
	ctx, err := m.fds.Get(ev.fd)
	if err != nil {
		return
	}
	if ev.readable || ev.errored || ev.hungup {
		if evc, ok := ctx.disarm(DirRead); ok {
			m.fireContinuation(ev.fd, DirRead, evc)
		}
	}
	if ev.writable || ev.errored || ev.hungup {
		if evc, ok := ctx.disarm(DirWrite); ok {
			m.fireContinuation(ev.fd, DirWrite, evc)
		}
	}
}

func (m *IOManager) fireContinuation(fd int, dir Direction, evc EventContext) {
	if evc.timer != nil {
		_ = evc.timer.Cancel()
	}
	_ = m.poll.Disarm(fd, dir)
	m.pendingEvents.Add(-1)
	if evc.timedOut != nil && !evc.timedOut.CompareAndSwap(false, true) {
		// the timeout path already won the race and will resume the fiber.
		return
	}
	if evc.fiber != nil {
		if err := m.Scheduler.Submit(FiberTask(evc.fiber)); err != nil {
			logWarn("io", "failed to resubmit ready fiber", err)
		}
	}
}

// SetTimeout configures fd's default per-direction timeout, the Go
// analogue of setsockopt(SO_RCVTIMEO/SO_SNDTIMEO): DoIO consults this
// whenever its caller passes a zero timeout, instead of waiting
// unboundedly. Setting d to 0 clears the default.
func (m *IOManager) SetTimeout(fd int, dir Direction, d time.Duration) error {
	ctx, err := m.fds.Get(fd)
	if err != nil {
		return err
	}
	ctx.setTimeoutMs(dir, int(d/time.Millisecond))
	return nil
}

// AddEvent arms dir on fd with a continuation that resumes fiber when
// readiness (or, if timeout > 0, the timeout) arrives first. It returns
// ErrEventAlreadyArmed if dir is already armed for fd.
func (m *IOManager) AddEvent(fd int, dir Direction, fiber *Fiber, timeout time.Duration) error {
	ctx, err := m.fds.Get(fd)
	if err != nil {
		return err
	}

	var timedOut *atomic.Bool
	if timeout > 0 {
		timedOut = new(atomic.Bool)
	}

	if err := ctx.arm(dir, fiber, timedOut); err != nil {
		return err
	}

	if err := m.poll.Arm(fd, dir); err != nil {
		_, _ = ctx.disarm(dir)
		return err
	}

	if timeout > 0 {
		h := m.timers.Add(timeout, false, func() {
			if !timedOut.CompareAndSwap(false, true) {
				return
			}
			m.cancelEvent(ctx, fd, dir)
		})
		ctx.setTimer(dir, &h)
	}

	m.pendingEvents.Add(1)
	return nil
}

// DelEvent disarms dir on fd without resuming its continuation, used
// when the caller abandons a pending I/O wait voluntarily and wants no
// further notification at all.
func (m *IOManager) DelEvent(fd int, dir Direction) {
	ctx, err := m.fds.Get(fd)
	if err != nil {
		return
	}
	m.delEvent(ctx, fd, dir)
}

// delEvent is DelEvent's shared body, taking an already-resolved ctx so
// CancelEvent and AddEvent's timeout path can reuse it without a second
// FDRegistry.Get. Returns the disarmed continuation, if one was armed.
func (m *IOManager) delEvent(ctx *FDContext, fd int, dir Direction) (EventContext, bool) {
	evc, ok := ctx.disarm(dir)
	if !ok {
		return EventContext{}, false
	}
	if evc.timer != nil {
		_ = evc.timer.Cancel()
	}
	_ = m.poll.Disarm(fd, dir)
	m.pendingEvents.Add(-1)
	return evc, true
}

// CancelEvent is the same as DelEvent but immediately fires the stored
// continuation (resumes its fiber) rather than silently dropping it.
// AddEvent's timeout path uses this to wake the fiber with nothing to
// read/write rather than leaving it parked forever.
func (m *IOManager) CancelEvent(fd int, dir Direction) {
	ctx, err := m.fds.Get(fd)
	if err != nil {
		return
	}
	m.cancelEvent(ctx, fd, dir)
}

func (m *IOManager) cancelEvent(ctx *FDContext, fd int, dir Direction) {
	evc, ok := m.delEvent(ctx, fd, dir)
	if !ok {
		return
	}
	if evc.fiber != nil {
		if err := m.Scheduler.Submit(FiberTask(evc.fiber)); err != nil {
			logWarn("io", "failed to resubmit fiber on cancelEvent", err)
		}
	}
}

// CancelAll disarms and resumes (with a closed-fd notification, not a
// readiness one) every pending continuation on fd, then releases the
// fd's registry entry. Hook Close calls this before the real close(2).
func (m *IOManager) CancelAll(fd int) {
	ctx, err := m.fds.Get(fd)
	if err != nil {
		return
	}
	for _, evc := range ctx.disarmAll() {
		if evc.timer != nil {
			_ = evc.timer.Cancel()
		}
		m.pendingEvents.Add(-1)
		if evc.fiber != nil {
			if err := m.Scheduler.Submit(FiberTask(evc.fiber)); err != nil {
				logWarn("io", "failed to resubmit fiber on cancelAll", err)
			}
		}
	}
	m.poll.Forget(fd)
	m.fds.Release(fd)
}
