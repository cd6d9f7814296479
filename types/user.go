package types

import (
	"strings"
	"time"
)

// Role tags a user for authorization decisions.
type Role string

const (
	// RoleCoordinator administers users and evaluations.
	RoleCoordinator Role = "COORDINATOR"

	// RoleResident takes evaluations.
	RoleResident Role = "RESIDENT"
)

// ParseRole normalizes raw input into a known Role.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleCoordinator:
		return RoleCoordinator, true
	case RoleResident:
		return RoleResident, true
	default:
		return "", false
	}
}

// User represents an account in the system.
// It contains identity, role, and audit metadata.
type User struct {
	// ID is the unique identifier of the user.
	ID int `json:"id" db:"id"`

	// Identifier is the unique login key (for example a national ID).
	Identifier string `json:"identifier" db:"identifier"`

	// DisplayName is the human-readable name shown in the UI.
	DisplayName string `json:"display_name" db:"display_name"`

	// Role indicates the user's authorization level.
	Role Role `json:"role" db:"role"`

	// PasswordHash stores the salted bcrypt hash of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
