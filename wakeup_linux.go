//go:build linux

package fiberpool

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// selfPipe is the IOManager's own wake-up mechanism: a non-blocking pipe
// whose read end is registered with the poller, used to interrupt a
// blocked epoll_wait when a task is submitted from another thread.
type selfPipe struct {
	readFD  int
	writeFD int
	pending atomic.Bool
}

func newSelfPipe() (*selfPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &selfPipe{readFD: fds[0], writeFD: fds[1]}, nil
}

// Wake writes a single byte if one isn't already pending, so concurrent
// callers coalesce into at most one outstanding wake-up per drain.
func (p *selfPipe) Wake() {
	if !p.pending.CompareAndSwap(false, true) {
		return
	}
	for {
		_, err := unix.Write(p.writeFD, []byte{'T'})
		if err == unix.EINTR {
			continue
		}
		break
	}
}

// Drain empties the pipe after a readiness wakeup and clears the pending
// flag, ready for the next Wake.
func (p *selfPipe) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.readFD, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	p.pending.Store(false)
}

func (p *selfPipe) Close() error {
	err1 := unix.Close(p.readFD)
	err2 := unix.Close(p.writeFD)
	if err1 != nil {
		return err1
	}
	return err2
}
