package auth

import "errors"

// Credential and session failures. Callers classify with errors.Is; the
// returned errors wrap these sentinels with an oops code.
var (
	// ErrMalformedCredentials means the input failed shape checks and the
	// store was never consulted.
	ErrMalformedCredentials = errors.New("malformed credentials")

	// ErrRejected covers both an unknown identifier and a wrong secret.
	ErrRejected = errors.New("invalid credentials")

	// ErrThrottled means too many recent attempts for the identifier.
	ErrThrottled = errors.New("too many login attempts")

	// ErrStoreUnavailable is an infrastructure failure, never a rejection.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrExpiredSession means the token's expiry has passed.
	ErrExpiredSession = errors.New("session expired")

	// ErrInvalidSession means the token is malformed, forged or incomplete.
	ErrInvalidSession = errors.New("invalid session")
)
