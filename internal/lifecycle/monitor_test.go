package lifecycle_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/medeval/apiserver/internal/lifecycle"
	"github.com/medeval/apiserver/internal/lifecycle/lifecycletest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newMonitor(t *testing.T) (*lifecycle.Monitor, *lifecycletest.FakeClock, *atomic.Int32) {
	t.Helper()
	clock := lifecycletest.NewFakeClock(epoch)
	var fired atomic.Int32
	m := lifecycle.NewMonitor(clock, lifecycle.DefaultIdleTimeout, func() { fired.Add(1) })
	require.NoError(t, m.Start())
	return m, clock, &fired
}

func TestParseSignal(t *testing.T) {
	for _, sig := range lifecycle.Signals() {
		got, err := lifecycle.ParseSignal(string(sig))
		require.NoError(t, err)
		assert.Equal(t, sig, got)
	}

	got, err := lifecycle.ParseSignal("  KeyDown ")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.SignalKeyDown, got)

	for _, raw := range []string{"", "click", "mousemove", "focus"} {
		_, err := lifecycle.ParseSignal(raw)
		assert.ErrorIs(t, err, lifecycle.ErrUnknownSignal, raw)
	}
}

func TestMonitorStartArmsOneDeadline(t *testing.T) {
	m, clock, fired := newMonitor(t)

	deadline, ok := m.Deadline()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(10*time.Minute), deadline)
	assert.Equal(t, 1, clock.Pending())
	assert.True(t, m.Running())

	require.NoError(t, m.Start(), "starting twice is a no-op")
	assert.Equal(t, 1, clock.Pending())
	assert.Zero(t, fired.Load())
}

func TestMonitorResetsKeepSinglePendingTimer(t *testing.T) {
	m, clock, fired := newMonitor(t)

	var last time.Time
	for i, sig := range lifecycle.Signals() {
		clock.Advance(time.Duration(i+1) * time.Minute)
		last = clock.Now()
		require.NoError(t, m.Touch(sig))
		assert.Equal(t, 1, clock.Pending())
	}

	deadline, ok := m.Deadline()
	require.True(t, ok)
	assert.Equal(t, last.Add(10*time.Minute), deadline)
	assert.Zero(t, fired.Load())
}

func TestMonitorActivityJustBeforeDeadlineKeepsSessionAlive(t *testing.T) {
	m, clock, fired := newMonitor(t)

	clock.Advance(9*time.Minute + 59*time.Second)
	require.NoError(t, m.Touch(lifecycle.SignalPointerMove))

	clock.Advance(9*time.Minute + 59*time.Second)
	assert.Zero(t, fired.Load())
	assert.True(t, m.Running())

	clock.Advance(time.Second)
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, m.Running())
}

func TestMonitorFiresOnceAfterIdleTimeout(t *testing.T) {
	m, clock, fired := newMonitor(t)

	clock.Advance(10 * time.Minute)
	assert.Equal(t, int32(1), fired.Load())

	clock.Advance(time.Hour)
	assert.Equal(t, int32(1), fired.Load())

	assert.ErrorIs(t, m.Touch(lifecycle.SignalKeyDown), lifecycle.ErrMonitorStopped)
	assert.ErrorIs(t, m.Start(), lifecycle.ErrMonitorStopped)
	_, ok := m.Deadline()
	assert.False(t, ok)
}

func TestMonitorRejectsUnknownSignal(t *testing.T) {
	m, clock, _ := newMonitor(t)

	clock.Advance(5 * time.Minute)
	assert.ErrorIs(t, m.Touch("click"), lifecycle.ErrUnknownSignal)

	deadline, ok := m.Deadline()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(10*time.Minute), deadline, "unknown signals must not reset the deadline")
}

func TestMonitorStopReleasesTimer(t *testing.T) {
	m, clock, fired := newMonitor(t)

	m.Stop()
	assert.Zero(t, clock.Pending())
	assert.False(t, m.Running())

	clock.Advance(time.Hour)
	assert.Zero(t, fired.Load())
	assert.ErrorIs(t, m.Touch(lifecycle.SignalScroll), lifecycle.ErrMonitorStopped)

	m.Stop()
}

func TestMonitorIgnoresStaleCallback(t *testing.T) {
	// A timer that was replaced after the clock handed it out must not end
	// the session.
	clock := &capturingClock{now: epoch}
	var fired atomic.Int32
	m := lifecycle.NewMonitor(clock, time.Minute, func() { fired.Add(1) })
	require.NoError(t, m.Start())

	stale := clock.last
	require.NoError(t, m.Touch(lifecycle.SignalKeyDown))

	stale()
	assert.Zero(t, fired.Load())

	clock.last()
	assert.Equal(t, int32(1), fired.Load())
}

func TestMonitorWithRealClock(t *testing.T) {
	done := make(chan struct{})
	m := lifecycle.NewMonitor(lifecycle.RealClock(), 20*time.Millisecond, func() { close(done) })
	require.NoError(t, m.Start())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never fired")
	}
	assert.False(t, m.Running())
}

// capturingClock hands out timers whose Stop never prevents the callback,
// which models a timer that had already started firing.
type capturingClock struct {
	now  time.Time
	last func()
}

func (c *capturingClock) Now() time.Time { return c.now }

func (c *capturingClock) AfterFunc(_ time.Duration, f func()) lifecycle.Timer {
	c.last = f
	return noopTimer{}
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return false }
