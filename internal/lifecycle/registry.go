// Package lifecycle tracks live login sessions between requests.
//
// A Registry is created once at server start and injected into the HTTP
// layer. Each successful login gets a Controller that owns one inactivity
// Monitor; page activations run the browser-close Guard against the
// transient marker before any protected content is produced.
package lifecycle

import (
	"errors"
	"sync"
	"time"

	"github.com/medeval/apiserver/types"
)

// ErrRegistryClosed is returned by Begin after Close.
var ErrRegistryClosed = errors.New("session registry closed")

// Hooks observe session starts and ends. Both run outside registry locks.
type Hooks struct {
	OnBegin func(claims types.SessionClaims)
	OnEnd   func(claims types.SessionClaims, reason Reason)
}

// Registry maps session IDs to their controllers.
type Registry struct {
	clock Clock
	idle  time.Duration
	hooks Hooks
	guard Guard

	mu       sync.Mutex
	sessions map[string]*Controller
	closed   bool
}

// NewRegistry creates a Registry whose monitors use the given idle timeout.
func NewRegistry(clock Clock, idle time.Duration, hooks Hooks) *Registry {
	if clock == nil {
		clock = RealClock()
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Registry{
		clock:    clock,
		idle:     idle,
		hooks:    hooks,
		sessions: make(map[string]*Controller),
	}
}

// Controller owns the lifecycle of one login session.
type Controller struct {
	registry *Registry
	claims   types.SessionClaims
	monitor  *Monitor
	expiry   Timer

	endOnce sync.Once
}

// Begin starts tracking a freshly issued session and arms its monitor.
// A session past its expiry is ended immediately.
func (r *Registry) Begin(claims types.SessionClaims) (*Controller, error) {
	c := &Controller{registry: r, claims: claims}
	c.monitor = NewMonitor(r.clock, r.idle, func() {
		r.End(claims.SessionID, ReasonIdle)
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	previous := r.sessions[claims.SessionID]
	r.sessions[claims.SessionID] = c
	_ = c.monitor.Start()
	c.expiry = r.clock.AfterFunc(claims.ExpiresAt.Sub(r.clock.Now()), func() {
		r.End(claims.SessionID, ReasonExpired)
	})
	r.mu.Unlock()

	if previous != nil {
		previous.release(ReasonLogout)
	}
	if r.hooks.OnBegin != nil {
		r.hooks.OnBegin(claims)
	}
	return c, nil
}

// Activate runs the page-activation checks for a verified session: the
// browser-close guard first, then whether the session is still tracked.
// Failures end the session and return a TerminationError.
func (r *Registry) Activate(claims types.SessionClaims, marker MarkerStore) error {
	if err := r.guard.Check(marker); err != nil {
		r.End(claims.SessionID, ReasonBrowserClosed)
		return err
	}
	if !r.Active(claims.SessionID) {
		return &TerminationError{Reason: ReasonInactive}
	}
	return nil
}

// Touch resets the idle deadline of a tracked session.
func (r *Registry) Touch(sessionID string, sig Signal) error {
	c, ok := r.lookup(sessionID)
	if !ok {
		if _, err := ParseSignal(string(sig)); err != nil {
			return err
		}
		return &TerminationError{Reason: ReasonInactive}
	}
	return c.Touch(sig)
}

// Deadline returns the pending idle deadline of a tracked session.
func (r *Registry) Deadline(sessionID string) (time.Time, bool) {
	c, ok := r.lookup(sessionID)
	if !ok {
		return time.Time{}, false
	}
	return c.Deadline()
}

// Active reports whether the session is still tracked.
func (r *Registry) Active(sessionID string) bool {
	_, ok := r.lookup(sessionID)
	return ok
}

// End stops tracking a session. It reports whether the session was tracked.
func (r *Registry) End(sessionID string, reason Reason) bool {
	r.mu.Lock()
	c, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	c.release(reason)
	return true
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close ends every tracked session and rejects new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Controller)
	r.mu.Unlock()

	for _, c := range sessions {
		c.release(ReasonShutdown)
	}
}

func (r *Registry) lookup(sessionID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[sessionID]
	return c, ok
}

// Claims returns the session's identity snapshot.
func (c *Controller) Claims() types.SessionClaims {
	return c.claims
}

// Touch resets the idle deadline.
func (c *Controller) Touch(sig Signal) error {
	err := c.monitor.Touch(sig)
	if errors.Is(err, ErrMonitorStopped) {
		return &TerminationError{Reason: ReasonInactive}
	}
	return err
}

// Deadline returns the pending idle deadline.
func (c *Controller) Deadline() (time.Time, bool) {
	return c.monitor.Deadline()
}

// End terminates the session for the given reason.
func (c *Controller) End(reason Reason) {
	c.registry.End(c.claims.SessionID, reason)
}

// release stops every timer the controller owns and notifies OnEnd once.
func (c *Controller) release(reason Reason) {
	c.endOnce.Do(func() {
		c.monitor.Stop()
		if c.expiry != nil {
			c.expiry.Stop()
		}
		if hook := c.registry.hooks.OnEnd; hook != nil {
			hook(c.claims, reason)
		}
	})
}
