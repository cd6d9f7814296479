package lifecycle

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a session may go without interaction.
const DefaultIdleTimeout = 10 * time.Minute

var (
	// ErrUnknownSignal is returned for interaction signals outside the
	// accepted set.
	ErrUnknownSignal = errors.New("unknown interaction signal")

	// ErrMonitorStopped is returned when touching a monitor that was
	// stopped or has already fired.
	ErrMonitorStopped = errors.New("inactivity monitor is not running")
)

// Signal is a user interaction that proves the session is still attended.
type Signal string

const (
	SignalPointerDown Signal = "pointerdown"
	SignalPointerMove Signal = "pointermove"
	SignalKeyDown     Signal = "keydown"
	SignalScroll      Signal = "scroll"
	SignalTouchStart  Signal = "touchstart"
)

// Signals lists every accepted interaction signal.
func Signals() []Signal {
	return []Signal{SignalPointerDown, SignalPointerMove, SignalKeyDown, SignalScroll, SignalTouchStart}
}

// ParseSignal maps a DOM event name onto a Signal.
func ParseSignal(raw string) (Signal, error) {
	sig := Signal(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Signals() {
		if sig == known {
			return sig, nil
		}
	}
	return "", ErrUnknownSignal
}

type monitorState int

const (
	monitorIdle monitorState = iota
	monitorRunning
	monitorFired
	monitorStopped
)

// Monitor holds a single idle deadline. Every accepted signal cancels the
// pending timer and arms a new one; if a deadline passes untouched, onIdle
// runs exactly once.
type Monitor struct {
	clock  Clock
	idle   time.Duration
	onIdle func()

	mu       sync.Mutex
	state    monitorState
	timer    Timer
	deadline time.Time
	// gen invalidates callbacks of timers that were replaced after they
	// had already started firing.
	gen uint64
}

// NewMonitor creates a stopped monitor; call Start to arm it.
func NewMonitor(clock Clock, idle time.Duration, onIdle func()) *Monitor {
	if clock == nil {
		clock = RealClock()
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Monitor{
		clock:  clock,
		idle:   idle,
		onIdle: onIdle,
	}
}

// Start arms the first deadline. Starting a running monitor is a no-op.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case monitorRunning:
		return nil
	case monitorFired, monitorStopped:
		return ErrMonitorStopped
	}
	m.state = monitorRunning
	m.armLocked()
	return nil
}

// Touch resets the deadline to now plus the idle timeout.
func (m *Monitor) Touch(sig Signal) error {
	if _, err := ParseSignal(string(sig)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != monitorRunning {
		return ErrMonitorStopped
	}
	m.armLocked()
	return nil
}

// Deadline returns the pending deadline, if any.
func (m *Monitor) Deadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != monitorRunning {
		return time.Time{}, false
	}
	return m.deadline, true
}

// Running reports whether a deadline is pending.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == monitorRunning
}

// Stop releases the pending timer without running onIdle.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	if m.state != monitorFired {
		m.state = monitorStopped
	}
}

func (m *Monitor) armLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.gen++
	gen := m.gen
	m.deadline = m.clock.Now().Add(m.idle)
	m.timer = m.clock.AfterFunc(m.idle, func() {
		m.fire(gen)
	})
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != monitorRunning {
		m.mu.Unlock()
		return
	}
	m.state = monitorFired
	m.timer = nil
	callback := m.onIdle
	m.mu.Unlock()

	if callback != nil {
		callback()
	}
}
