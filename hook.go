package fiberpool

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// This file is the hook layer. Dynamic symbol interposition
// (LD_PRELOAD-style libc hooking) is explicitly out of scope, so rather
// than intercepting real syscalls transparently, the hook layer is
// exposed as ordinary Go functions that a fiber's entry callback calls
// directly in place of the blocking syscall it replaces — ordinary
// functions that happen to cooperatively suspend the calling fiber are
// exactly as idiomatic in Go as symbol interposition is in a native
// runtime (see DESIGN.md).

func isAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// DoIO is the generic retry-on-EAGAIN template every blocking-syscall
// hook below is built from: attempt the operation; if it
// would block, arm fd for dir and yield; on resume, retry, unless the
// fiber was woken because timeout elapsed first.
//
// Before any of that, it gates on fd's data model: a closed fd fails
// fast with ErrFDClosed, and a non-socket or a socket the caller has put
// into user-requested non-blocking mode bypasses the retry/arm/yield
// loop entirely — attempt runs exactly once and its result (including
// EAGAIN) goes straight back to the caller, mirroring the real syscall's
// own non-blocking contract instead of hiding EAGAIN from it.
//
// A caller-supplied timeout of 0 does not mean "no timeout" outright: it
// defers to whatever recv/send timeout was last configured on fd via
// SetTimeout (the Go analogue of setsockopt(SO_RCVTIMEO/SO_SNDTIMEO)),
// and only falls through to an unbounded wait if that is also unset.
func DoIO[T any](m *IOManager, f *Fiber, fd int, dir Direction, timeout time.Duration, attempt func() (T, error)) (T, error) {
	ctx, err := m.fds.Get(fd)
	if err != nil {
		var zero T
		return zero, err
	}
	if ctx.isClosed() {
		var zero T
		return zero, ErrFDClosed
	}
	if !ctx.isSocketFD() || ctx.isUserNonblock() {
		return attempt()
	}

	if timeout <= 0 {
		if ms := ctx.timeoutMs(dir); ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		v, err := attempt()
		if err == nil {
			return v, nil
		}
		if !isAgain(err) {
			return v, err
		}

		remaining := time.Duration(0)
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				var zero T
				return zero, ErrTimedOut
			}
		}

		if err := m.AddEvent(fd, dir, f, remaining); err != nil {
			var zero T
			return zero, err
		}
		f.Yield()

		if timeout > 0 && !time.Now().Before(deadline) {
			var zero T
			return zero, ErrTimedOut
		}
	}
}

// Read is the hook surface's replacement for a blocking read(2).
func Read(m *IOManager, f *Fiber, fd int, buf []byte, timeout time.Duration) (int, error) {
	return DoIO(m, f, fd, DirRead, timeout, func() (int, error) {
		return readFD(fd, buf)
	})
}

// Write is the hook surface's replacement for a blocking write(2).
func Write(m *IOManager, f *Fiber, fd int, buf []byte, timeout time.Duration) (int, error) {
	return DoIO(m, f, fd, DirWrite, timeout, func() (int, error) {
		return writeFD(fd, buf)
	})
}

// Accept is the hook surface's replacement for a blocking accept(2).
func Accept(m *IOManager, f *Fiber, fd int, timeout time.Duration) (int, unix.Sockaddr, error) {
	type result struct {
		fd int
		sa unix.Sockaddr
	}
	r, err := DoIO(m, f, fd, DirRead, timeout, func() (result, error) {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return result{fd: nfd, sa: sa}, err
	})
	return r.fd, r.sa, err
}

// Connect is the hook surface's replacement for a blocking connect(2):
// the initial call almost always returns EINPROGRESS for a non-blocking
// socket, so this waits once for writability and then resolves SO_ERROR,
// rather than retrying the connect call itself.
func Connect(m *IOManager, f *Fiber, fd int, sa unix.Sockaddr, timeout time.Duration) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}

	if err := m.AddEvent(fd, DirWrite, f, timeout); err != nil {
		return err
	}
	f.Yield()

	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Sleep suspends f for d, backed by the timer manager rather than a real
// nanosleep(2), so other fibers on the same worker keep running.
func Sleep(m *IOManager, f *Fiber, d time.Duration) {
	if d <= 0 {
		return
	}
	m.timers.Add(d, false, func() {
		if err := m.Scheduler.Submit(FiberTask(f)); err != nil {
			logWarn("hook", "failed to resubmit sleeping fiber", err)
		}
	})
	f.Yield()
}

// Usleep is Sleep expressed in microseconds, mirroring usleep(3).
func Usleep(m *IOManager, f *Fiber, usec int64) {
	Sleep(m, f, time.Duration(usec)*time.Microsecond)
}

// Close fires CancelAll for fd — resuming every fiber still waiting on it
// with its pending continuation — before performing the real close(2).
func Close(m *IOManager, fd int) error {
	m.CancelAll(fd)
	return closeFD(fd)
}

// Fcntl wraps fcntl(2). F_SETFL records the caller's requested
// O_NONBLOCK bit as fd's user-nonblock flag, then re-asserts the real
// kernel flag regardless: every fd driven through this hook surface
// stays non-blocking at the OS level, since DoIO's retry loop assumes
// EAGAIN on would-block. F_GETFL reports the flags the caller would see
// from an un-hooked fd, masking the O_NONBLOCK bit back in or out
// according to the recorded user-nonblock flag rather than the real
// (always-nonblocking) kernel flags.
func Fcntl(m *IOManager, fd int, cmd int, arg int) (int, error) {
	ctx, err := m.fds.Get(fd)
	if err != nil {
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}

	switch cmd {
	case unix.F_SETFL:
		ctx.setUserNonblock(arg&unix.O_NONBLOCK != 0)
		if ctx.isSocketFD() {
			arg |= unix.O_NONBLOCK
		}
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	case unix.F_GETFL:
		r, err := unix.FcntlInt(uintptr(fd), cmd, arg)
		if err != nil {
			return r, err
		}
		if ctx.isUserNonblock() {
			r |= unix.O_NONBLOCK
		} else {
			r &^= unix.O_NONBLOCK
		}
		return r, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl wraps ioctl(2) for the small set of requests the hook surface
// needs to special-case: FIONBIO records the requested state as fd's
// user-nonblock flag instead of letting it reach the kernel, since a
// socket driven through this hook surface must stay kernel-nonblocking
// regardless of what the caller asks for.
func Ioctl(m *IOManager, fd int, req uint, arg int) error {
	if req == unix.FIONBIO {
		if ctx, err := m.fds.Get(fd); err == nil {
			ctx.setUserNonblock(arg != 0)
			if ctx.isSocketFD() {
				return nil
			}
		}
	}
	return unix.IoctlSetInt(fd, req, arg)
}
