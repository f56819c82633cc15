package fiberpool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiber_ResumeYieldReset(t *testing.T) {
	var steps []string

	f := NewFiber(func(self *Fiber) {
		steps = append(steps, "entry")
		self.Yield()
		steps = append(steps, "resumed")
	})

	require.Equal(t, FiberReady, f.State())

	require.NoError(t, f.Resume())
	assert.Equal(t, []string{"entry"}, steps)
	assert.Equal(t, FiberReady, f.State())

	require.NoError(t, f.Resume())
	assert.Equal(t, []string{"entry", "resumed"}, steps)
	assert.Equal(t, FiberTerm, f.State())

	require.ErrorIs(t, f.Resume(), ErrFiberNotReady)

	require.NoError(t, f.Reset(func(self *Fiber) {
		steps = append(steps, "reset-entry")
	}))
	assert.Equal(t, FiberReady, f.State())
	require.NoError(t, f.Resume())
	assert.Equal(t, FiberTerm, f.State())
	assert.Equal(t, "reset-entry", steps[len(steps)-1])
}

func TestFiber_ResetBeforeTermFails(t *testing.T) {
	f := NewFiber(func(self *Fiber) { self.Yield() })
	require.NoError(t, f.Resume())
	require.ErrorIs(t, f.Reset(func(*Fiber) {}), ErrFiberNotTerm)
}

func TestFiber_EntryPanicIsFatal(t *testing.T) {
	orig := logiface.OsExit
	var exitCode atomic.Int32
	exited := make(chan struct{})
	logiface.OsExit = func(code int) {
		exitCode.Store(int32(code))
		close(exited)
		runtime.Goexit()
	}
	defer func() { logiface.OsExit = orig }()

	f := NewFiber(func(*Fiber) { panic("boom") })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Resume()
	}()

	<-exited
	<-done
	assert.Equal(t, int32(1), exitCode.Load())
}
