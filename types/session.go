package types

import "time"

// SessionClaims is the identity snapshot carried by a signed session token.
// Claims are copied from the User at issuance and never re-fetched.
type SessionClaims struct {
	// SessionID uniquely identifies this login (the token's jti).
	SessionID string `json:"session_id"`

	SubjectID   int    `json:"id"`
	Role        Role   `json:"role"`
	Identifier  string `json:"identifier"`
	DisplayName string `json:"display_name"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionToken pairs the signed token string with the claims it encodes.
type SessionToken struct {
	Token  string
	Claims SessionClaims
}
