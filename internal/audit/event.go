// Package audit records session lifecycle events. Events never carry
// secrets: only the identifier, the subject, the session and the outcome.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Kind names what happened to a session.
type Kind string

const (
	KindLoginSucceeded    Kind = "login_succeeded"
	KindLoginRejected     Kind = "login_rejected"
	KindLoginThrottled    Kind = "login_throttled"
	KindLogout            Kind = "logout"
	KindSessionTerminated Kind = "session_terminated"
)

// Event is one entry of the session audit trail.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Reason     string    `json:"reason,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	SubjectID  int       `json:"subject_id,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	At         time.Time `json:"at"`
}

// NewEvent stamps a new event with a random ID and the current UTC time.
func NewEvent(kind Kind) Event {
	return Event{
		ID:   uuid.NewString(),
		Kind: kind,
		At:   time.Now().UTC(),
	}
}
