package lifecycle

import "errors"

// ErrForcedTermination is the policy-driven end of a session. It is not a
// fault; callers send the user back to the login page.
var ErrForcedTermination = errors.New("session forcibly terminated")

// Reason records why a session ended.
type Reason string

const (
	ReasonIdle          Reason = "idle"
	ReasonBrowserClosed Reason = "browser_closed"
	ReasonExpired       Reason = "expired"
	ReasonInactive      Reason = "inactive"
	ReasonLogout        Reason = "logout"
	ReasonShutdown      Reason = "shutdown"
)

// TerminationError carries the reason of a forced termination.
type TerminationError struct {
	Reason Reason
}

func (e *TerminationError) Error() string {
	return "session terminated: " + string(e.Reason)
}

func (e *TerminationError) Unwrap() error {
	return ErrForcedTermination
}

// MarkerStore reads the transient marker of the current browser session.
// The marker lives exactly as long as the browser session does.
type MarkerStore interface {
	Present() bool
}

// Guard ends the logical session with the browser session: a still-valid
// token presented without the transient marker means the browser was closed
// and reopened.
type Guard struct{}

// Check returns a TerminationError when the marker is missing.
func (Guard) Check(marker MarkerStore) error {
	if marker == nil || !marker.Present() {
		return &TerminationError{Reason: ReasonBrowserClosed}
	}
	return nil
}
