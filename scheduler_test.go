package fiberpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_FIFOCallbackDispatch(t *testing.T) {
	s := NewScheduler(WithWorkers(1), WithUseCaller(false))
	require.NoError(t, s.Start())

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		require.NoError(t, s.Submit(CallbackTask(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})))
	}
	wg.Wait()
	require.NoError(t, s.Stop())

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
}

func TestScheduler_SubmitAfterStopFails(t *testing.T) {
	s := NewScheduler(WithWorkers(1), WithUseCaller(false))
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	require.ErrorIs(t, s.Submit(CallbackTask(func() {})), ErrSchedulerStopped)
}

func TestScheduler_StartTwiceFails(t *testing.T) {
	s := NewScheduler(WithWorkers(1), WithUseCaller(false))
	require.NoError(t, s.Start())
	defer s.Stop()
	require.ErrorIs(t, s.Start(), ErrSchedulerRunning)
}

func TestScheduler_ActiveWorkersCountsOnlyExecutingTasks(t *testing.T) {
	s := NewScheduler(WithWorkers(1), WithUseCaller(false))
	require.NoError(t, s.Start())
	defer s.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, s.ActiveWorkers(), "an idle worker must not count as active")

	inTask := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Submit(CallbackTask(func() {
		close(inTask)
		<-release
	})))

	select {
	case <-inTask:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}
	assert.Equal(t, 1, s.ActiveWorkers(), "a worker running a task must count as active")
	close(release)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, s.ActiveWorkers(), "the worker must stop counting as active once the task returns")
}

func TestScheduler_AffinityPinsToWorker(t *testing.T) {
	s := NewScheduler(WithWorkers(3), WithUseCaller(false))
	require.NoError(t, s.Start())

	var seenOnWorker0 atomic.Int32
	done := make(chan struct{})
	require.NoError(t, s.Submit(CallbackTask(func() {
		seenOnWorker0.Add(1)
		close(done)
	}).WithAffinity(0)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("affinity-pinned task never ran")
	}
	require.NoError(t, s.Stop())
	assert.Equal(t, int32(1), seenOnWorker0.Load())
}

func TestScheduler_UseCallerDrainsOnStop(t *testing.T) {
	s := NewScheduler(WithWorkers(1), WithUseCaller(true))
	require.NoError(t, s.Start())

	var ran atomic.Bool
	require.NoError(t, s.Submit(CallbackTask(func() { ran.Store(true) })))
	require.NoError(t, s.Stop())
	assert.True(t, ran.Load())
}

func TestScheduler_FiberTaskResumesOnDispatch(t *testing.T) {
	s := NewScheduler(WithWorkers(1), WithUseCaller(false))
	require.NoError(t, s.Start())

	done := make(chan struct{})
	f := NewFiber(func(*Fiber) { close(done) })
	require.NoError(t, s.Submit(FiberTask(f)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never resumed")
	}
	require.NoError(t, s.Stop())
	assert.Equal(t, FiberTerm, f.State())
}
