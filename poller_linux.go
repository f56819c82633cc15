//go:build linux

package fiberpool

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// readyEvent is one fd's readiness report from a single Wait call.
type readyEvent struct {
	fd       int
	readable bool
	writable bool
	errored  bool
	hungup   bool
}

// poller is the process's single epoll instance, using edge-triggered
// readiness (EPOLLET) so a fiber is resumed exactly once per readiness
// transition, with the hook layer responsible for re-arming after a
// partial read/write. Armed state is indexed directly by fd number
// rather than through a map, since the poll-dispatch path runs on every
// idle-worker iteration.
type poller struct {
	epfd int

	mu      sync.Mutex
	armed   []uint32 // current epoll event mask per fd, 0 if not registered
	eventBuf []unix.EpollEvent

	closed atomic.Bool
}

func newPoller(initialCap, batchSize int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if initialCap <= 0 {
		initialCap = 64
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	return &poller{
		epfd:     epfd,
		armed:    make([]uint32, initialCap),
		eventBuf: make([]unix.EpollEvent, batchSize),
	}, nil
}

func (p *poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPollerClosed
	}
	return unix.Close(p.epfd)
}

func (p *poller) growLocked(fd int) {
	if fd < len(p.armed) {
		return
	}
	newCap := len(p.armed)
	if newCap == 0 {
		newCap = 64
	}
	for newCap <= fd {
		newCap = newCap + newCap/2 + 1
	}
	grown := make([]uint32, newCap)
	copy(grown, p.armed)
	p.armed = grown
}

// Arm adds dir to the edge-triggered event mask watched for fd, issuing
// EPOLL_CTL_ADD on first registration and EPOLL_CTL_MOD thereafter (both
// directions share one epoll registration per fd, as epoll itself has no
// concept of independent per-direction registrations).
func (p *poller) Arm(fd int, dir Direction) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	p.growLocked(fd)
	prev := p.armed[fd]
	next := prev | unix.EPOLLET | dirBit(dir)
	p.armed[fd] = next
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: next, Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if prev == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(p.epfd, op, fd, ev); err != nil {
		p.mu.Lock()
		p.armed[fd] = prev
		p.mu.Unlock()
		return err
	}
	return nil
}

// Disarm removes dir from fd's watched mask, issuing EPOLL_CTL_DEL once
// no directions remain armed.
func (p *poller) Disarm(fd int, dir Direction) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	if fd >= len(p.armed) || p.armed[fd] == 0 {
		p.mu.Unlock()
		return nil
	}
	next := p.armed[fd] &^ dirBit(dir)
	p.mu.Unlock()

	if next&(unix.EPOLLIN|unix.EPOLLOUT) == 0 {
		p.mu.Lock()
		p.armed[fd] = 0
		p.mu.Unlock()
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}

	p.mu.Lock()
	p.armed[fd] = next
	p.mu.Unlock()
	ev := &unix.EpollEvent{Events: next, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// Forget clears fd's registration bookkeeping without issuing a DEL
// syscall, used when the fd is already being closed by the caller (close
// implicitly removes all epoll registrations for that fd).
func (p *poller) Forget(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd >= 0 && fd < len(p.armed) {
		p.armed[fd] = 0
	}
}

// Wait blocks for up to timeoutMs milliseconds (negative means forever)
// and returns the fds that became ready.
func (p *poller) Wait(timeoutMs int) ([]readyEvent, error) {
	if p.closed.Load() {
		return nil, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := p.eventBuf[i]
		out = append(out, readyEvent{
			fd:       int(ev.Fd),
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			errored:  ev.Events&unix.EPOLLERR != 0,
			hungup:   ev.Events&unix.EPOLLHUP != 0,
		})
	}
	return out, nil
}

func dirBit(dir Direction) uint32 {
	if dir == DirWrite {
		return unix.EPOLLOUT
	}
	return unix.EPOLLIN
}
