package fiberpool

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Direction identifies a readiness direction on a file descriptor.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// EventContext holds the continuation for one armed direction on one fd:
// the fiber to resume (and, for timeout support, the associated timer
// handle to cancel once the fd actually becomes ready).
type EventContext struct {
	armed    bool
	fiber    *Fiber
	timedOut *atomic.Bool
	timer    *TimerHandle
}

// FDContext is the per-fd readiness continuation slot pair (one
// EventContext for DirRead, one for DirWrite) plus the fd's data model:
// whether it's been probed yet, whether it's a socket, the kernel
// (system) and caller-requested (user) non-blocking flags, and the
// per-direction timeout a hook should use absent an explicit one. It
// carries its own mutex so a worker servicing one fd never contends with
// a worker or hook servicing another.
type FDContext struct {
	mu     sync.Mutex
	fd     int
	events [2]EventContext
	closed bool

	initialized   bool
	isSocket      bool
	sysNonblock   bool
	userNonblock  bool
	recvTimeoutMs int
	sendTimeoutMs int
}

// probeLocked runs the fd's one-time init: fstat it, and if it's a
// socket, force the kernel non-blocking flag (the hook surface's retry
// loop depends on every socket it touches returning EAGAIN rather than
// blocking). Non-sockets are left as the caller configured them; the
// hook layer passes those straight through to the real syscall instead
// of arming an event for them. Must be called with c.mu held.
func (c *FDContext) probeLocked() {
	if c.initialized {
		return
	}
	c.initialized = true

	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		c.isSocket = false
		return
	}
	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if !c.isSocket {
		return
	}
	if err := unix.SetNonblock(c.fd, true); err == nil {
		c.sysNonblock = true
	}
}

// probe runs the one-time fstat/force-nonblock init if it hasn't run yet.
func (c *FDContext) probe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeLocked()
}

func (c *FDContext) isSocketFD() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeLocked()
	return c.isSocket
}

func (c *FDContext) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FDContext) isUserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

func (c *FDContext) setUserNonblock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeLocked()
	c.userNonblock = v
}

// timeoutMs returns the configured default timeout for dir, set via
// setTimeoutMs (the Go analogue of setsockopt(SO_RCVTIMEO/SO_SNDTIMEO)).
// 0 means no configured default.
func (c *FDContext) timeoutMs(dir Direction) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == DirRead {
		return c.recvTimeoutMs
	}
	return c.sendTimeoutMs
}

func (c *FDContext) setTimeoutMs(dir Direction, ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == DirRead {
		c.recvTimeoutMs = ms
	} else {
		c.sendTimeoutMs = ms
	}
}

// armedMask reports which directions are currently armed as a bitmask
// (bit 0 = DirRead, bit 1 = DirWrite), so a caller can cross-check a
// pending-event counter against popcount(armedMask) summed over every fd.
func (c *FDContext) armedMask() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var mask uint32
	if c.events[DirRead].armed {
		mask |= 1 << DirRead
	}
	if c.events[DirWrite].armed {
		mask |= 1 << DirWrite
	}
	return mask
}

// arm installs a continuation for dir, returning ErrEventAlreadyArmed if
// one is already armed. timedOut is a shared guard: whichever of the
// readiness path or the timeout path observes it first wins the single
// resume of fiber.
func (c *FDContext) arm(dir Direction, fiber *Fiber, timedOut *atomic.Bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrFDClosed
	}
	if c.events[dir].armed {
		return ErrEventAlreadyArmed
	}
	c.events[dir] = EventContext{armed: true, fiber: fiber, timedOut: timedOut}
	return nil
}

// setTimer attaches a timer handle to an already-armed direction, so a
// later disarm can cancel it.
func (c *FDContext) setTimer(dir Direction, h *TimerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events[dir].armed {
		c.events[dir].timer = h
	}
}

// disarm clears any continuation for dir and returns it, if one was
// armed.
func (c *FDContext) disarm(dir Direction) (EventContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := c.events[dir]
	c.events[dir] = EventContext{}
	return ev, ev.armed
}

// disarmAll clears both directions, used by cancelAll on fd close to
// resume every pending continuation before the real close(2) call.
func (c *FDContext) disarmAll() []EventContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventContext, 0, 2)
	for d := range c.events {
		if c.events[d].armed {
			out = append(out, c.events[d])
			c.events[d] = EventContext{}
		}
	}
	c.closed = true
	return out
}

func (c *FDContext) isArmed(dir Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[dir].armed
}

// FDRegistry is the process-wide sparse, growable table of FDContext
// entries, indexed directly by fd number rather than through a map, so
// the poll-dispatch path avoids a lookup on every readiness event. It
// grows by a configurable factor (1.5x by default) rather than doubling.
type FDRegistry struct {
	mu           sync.RWMutex
	table        []*FDContext
	growthFactor float64
}

func newFDRegistry(initialCap int, growthFactor float64) *FDRegistry {
	if initialCap <= 0 {
		initialCap = 64
	}
	if growthFactor <= 1 {
		growthFactor = 1.5
	}
	return &FDRegistry{
		table:        make([]*FDContext, initialCap),
		growthFactor: growthFactor,
	}
}

// Get returns the FDContext for fd, creating it (and growing the backing
// table if necessary) and probing it (fstat + force-nonblock-if-socket)
// on first access.
func (r *FDRegistry) Get(fd int) (*FDContext, error) {
	if fd < 0 {
		return nil, ErrFDOutOfRange
	}

	r.mu.RLock()
	if fd < len(r.table) && r.table[fd] != nil {
		c := r.table[fd]
		r.mu.RUnlock()
		c.probe()
		return c, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	if fd >= len(r.table) {
		newCap := len(r.table)
		if newCap == 0 {
			newCap = 64
		}
		for newCap <= fd {
			newCap = int(float64(newCap) * r.growthFactor)
		}
		grown := make([]*FDContext, newCap)
		copy(grown, r.table)
		r.table = grown
	}
	if r.table[fd] == nil {
		r.table[fd] = &FDContext{fd: fd}
	}
	c := r.table[fd]
	r.mu.Unlock()

	c.probe()
	return c, nil
}

// Release removes fd's entry from the table entirely, so a reused fd
// number (after close+reopen elsewhere in the process) starts clean.
func (r *FDRegistry) Release(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd >= 0 && fd < len(r.table) {
		r.table[fd] = nil
	}
}
