package fiberpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestIOManager(t *testing.T) *IOManager {
	t.Helper()
	m, err := NewIOManager(WithWorkers(2), WithUseCaller(false), WithMaxIdleWait(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		require.NoError(t, m.Stop())
		require.NoError(t, m.Close())
	})
	return m
}

func nonblockingSocketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestIOManager_ReadResumesOnReadiness(t *testing.T) {
	m := newTestIOManager(t)
	a, b := nonblockingSocketpair(t)

	result := make(chan string, 1)
	f := NewFiber(func(self *Fiber) {
		buf := make([]byte, 16)
		n, err := Read(m, self, a, buf, 0)
		if err != nil {
			result <- "err:" + err.Error()
			return
		}
		result <- string(buf[:n])
	})
	require.NoError(t, m.Submit(FiberTask(f)))

	time.Sleep(20 * time.Millisecond)
	_, err := unix.Write(b, []byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-result:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("read never resumed")
	}
}

func TestIOManager_ReadTimesOut(t *testing.T) {
	m := newTestIOManager(t)
	a, _ := nonblockingSocketpair(t)

	result := make(chan error, 1)
	f := NewFiber(func(self *Fiber) {
		buf := make([]byte, 16)
		_, err := Read(m, self, a, buf, 30*time.Millisecond)
		result <- err
	})
	require.NoError(t, m.Submit(FiberTask(f)))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("read never timed out")
	}
}

func TestIOManager_CloseCancelsAllPending(t *testing.T) {
	m := newTestIOManager(t)
	a, b := nonblockingSocketpair(t)

	resumed := make(chan struct{}, 1)
	f := NewFiber(func(self *Fiber) {
		self.Yield()
		resumed <- struct{}{}
	})
	require.NoError(t, m.AddEvent(a, DirRead, f, 0))
	require.NoError(t, m.Submit(FiberTask(f)))
	time.Sleep(20 * time.Millisecond)

	// nothing has made a readable; the wait is still pending.
	select {
	case <-resumed:
		t.Fatal("fiber resumed before any readiness or cancellation")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, Close(m, a))
	_ = unix.Close(b)

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("close never resumed the pending reader via cancelAll")
	}
}

// TestIOManager_UseCallerDrainsSleepersOnStop exercises the single
// caller-bound worker configuration directly: three fibers each arm a
// timer via Sleep and yield, then Stop is called on the same goroutine
// that must drive that worker. Every sleeper must still get resumed
// before loopUnpinned is allowed to return, even though the queue goes
// empty and the run state flips to stopping well before any of the
// three timers has fired.
func TestIOManager_UseCallerDrainsSleepersOnStop(t *testing.T) {
	m, err := NewIOManager(WithWorkers(1), WithUseCaller(true), WithMaxIdleWait(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	var resumed int
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		f := NewFiber(func(self *Fiber) {
			Sleep(m, self, 20*time.Millisecond)
			resumed++
			done <- struct{}{}
		})
		require.NoError(t, m.Submit(FiberTask(f)))
	}

	require.NoError(t, m.Stop())

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d/3 sleepers resumed before Stop returned", i)
		}
	}
	assert.Equal(t, 3, resumed)
}

func TestIOManager_DelEventDropsSilently(t *testing.T) {
	m := newTestIOManager(t)
	a, _ := nonblockingSocketpair(t)

	resumed := make(chan struct{}, 1)
	f := NewFiber(func(self *Fiber) {
		self.Yield()
		resumed <- struct{}{}
	})
	require.NoError(t, m.AddEvent(a, DirRead, f, 0))
	require.NoError(t, m.Submit(FiberTask(f)))
	time.Sleep(20 * time.Millisecond)

	before := m.pendingEvents.Load()
	require.EqualValues(t, 1, before)

	m.DelEvent(a, DirRead)

	select {
	case <-resumed:
		t.Fatal("DelEvent must not resume the fiber it drops")
	case <-time.After(100 * time.Millisecond):
	}
	assert.EqualValues(t, 0, m.pendingEvents.Load())
}

func TestIOManager_CancelEventFiresContinuation(t *testing.T) {
	m := newTestIOManager(t)
	a, _ := nonblockingSocketpair(t)

	resumed := make(chan struct{}, 1)
	f := NewFiber(func(self *Fiber) {
		self.Yield()
		resumed <- struct{}{}
	})
	require.NoError(t, m.AddEvent(a, DirRead, f, 0))
	require.NoError(t, m.Submit(FiberTask(f)))
	time.Sleep(20 * time.Millisecond)

	m.CancelEvent(a, DirRead)

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("CancelEvent never resumed the fiber it canceled")
	}
	assert.EqualValues(t, 0, m.pendingEvents.Load())
}

func TestIOManager_SetTimeoutAppliesDefaultToDoIO(t *testing.T) {
	m := newTestIOManager(t)
	a, _ := nonblockingSocketpair(t)

	require.NoError(t, m.SetTimeout(a, DirRead, 30*time.Millisecond))

	result := make(chan error, 1)
	f := NewFiber(func(self *Fiber) {
		buf := make([]byte, 16)
		_, err := Read(m, self, a, buf, 0)
		result <- err
	})
	require.NoError(t, m.Submit(FiberTask(f)))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("read never timed out against the fd-default timeout")
	}
}

func TestIOManager_AcceptResumesOnConnect(t *testing.T) {
	m := newTestIOManager(t)

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(lfd) })
	require.NoError(t, unix.Bind(lfd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(lfd, 1))
	sa, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	accepted := make(chan int, 1)
	f := NewFiber(func(self *Fiber) {
		nfd, _, err := Accept(m, self, lfd, 0)
		require.NoError(t, err)
		accepted <- nfd
	})
	require.NoError(t, m.Submit(FiberTask(f)))

	time.Sleep(20 * time.Millisecond)
	cfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(cfd) })

	cf := NewFiber(func(self *Fiber) {
		err := Connect(m, self, cfd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: port}, time.Second)
		assert.NoError(t, err)
	})
	require.NoError(t, m.Submit(FiberTask(cf)))

	select {
	case nfd := <-accepted:
		_ = unix.Close(nfd)
	case <-time.After(2 * time.Second):
		t.Fatal("accept never resumed")
	}
}
