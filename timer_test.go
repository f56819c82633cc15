package fiberpool

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTimerManager() *TimerManager {
	return newTimerManager(defaultConfig())
}

func TestTimerManager_OneShotOrdering(t *testing.T) {
	m := newTestTimerManager()

	var order []int
	m.Add(30*time.Millisecond, false, func() { order = append(order, 2) })
	m.Add(10*time.Millisecond, false, func() { order = append(order, 0) })
	m.Add(20*time.Millisecond, false, func() { order = append(order, 1) })

	time.Sleep(50 * time.Millisecond)
	for _, fn := range m.DrainExpired(time.Now()) {
		fn()
	}

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestTimerManager_CancelSkipsFire(t *testing.T) {
	m := newTestTimerManager()
	var fired atomic.Bool
	h := m.Add(5*time.Millisecond, false, func() { fired.Store(true) })
	require.NoError(t, h.Cancel())
	require.ErrorIs(t, h.Cancel(), ErrTimerCanceled)

	time.Sleep(10 * time.Millisecond)
	for _, fn := range m.DrainExpired(time.Now()) {
		fn()
	}
	assert.False(t, fired.Load())
}

func TestTimerManager_RecurringReschedules(t *testing.T) {
	m := newTestTimerManager()
	var count atomic.Int32
	var h TimerHandle
	h = m.add(time.Now(), 5*time.Millisecond, true, func() {
		if count.Add(1) >= 3 {
			_ = h.Cancel()
		}
	})

	deadline := time.Now().Add(200 * time.Millisecond)
	for count.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
		for _, fn := range m.DrainExpired(time.Now()) {
			fn()
		}
	}
	assert.GreaterOrEqual(t, count.Load(), int32(3))
}

func TestTimerManager_NextDelay(t *testing.T) {
	m := newTestTimerManager()
	_, ok := m.NextDelay()
	assert.False(t, ok)

	m.Add(50*time.Millisecond, false, func() {})
	d, ok := m.NextDelay()
	require.True(t, ok)
	assert.LessOrEqual(t, d, 50*time.Millisecond)
}

func TestAddConditionTimer_SkipsIfReferentCollected(t *testing.T) {
	m := newTestTimerManager()
	var fired atomic.Bool

	func() {
		referent := new(struct{ x int })
		AddConditionTimer(m, 5*time.Millisecond, referent, func() { fired.Store(true) })
	}()
	runtime.GC()

	time.Sleep(15 * time.Millisecond)
	for _, fn := range m.DrainExpired(time.Now()) {
		fn()
	}
	assert.False(t, fired.Load())
}

func TestAddConditionTimer_FiresIfReferentAlive(t *testing.T) {
	m := newTestTimerManager()
	var fired atomic.Bool

	referent := new(struct{ x int })
	AddConditionTimer(m, 5*time.Millisecond, referent, func() { fired.Store(true) })

	time.Sleep(15 * time.Millisecond)
	for _, fn := range m.DrainExpired(time.Now()) {
		fn()
	}
	assert.True(t, fired.Load())
	runtime.KeepAlive(referent)
}
