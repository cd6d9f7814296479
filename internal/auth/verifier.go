package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/medeval/apiserver/internal/store"
	"github.com/medeval/apiserver/types"
	"github.com/samber/oops"
)

const (
	// DefaultMinSecretLength is the shortest secret accepted for a login.
	DefaultMinSecretLength = 6

	// maxSecretBytes is the bcrypt input ceiling; longer input is malformed.
	maxSecretBytes = 72

	// dummySecret seeds the hash compared against when the identifier is
	// unknown. It is not a credential.
	dummySecret = "medeval-unknown-identifier"
)

// CredentialStore finds user records by login key.
// Implementations return store.ErrNotFound for unknown identifiers.
type CredentialStore interface {
	GetByIdentifier(ctx context.Context, identifier string) (types.User, error)
}

// Verifier checks an identifier/secret pair against the CredentialStore.
type Verifier struct {
	store           CredentialStore
	hasher          PasswordHasher
	limiter         *AttemptLimiter
	minSecretLength int

	dummyOnce sync.Once
	dummyHash string
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithAttemptLimiter throttles attempts per identifier.
func WithAttemptLimiter(limiter *AttemptLimiter) VerifierOption {
	return func(v *Verifier) {
		v.limiter = limiter
	}
}

// WithMinSecretLength overrides DefaultMinSecretLength.
func WithMinSecretLength(n int) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.minSecretLength = n
		}
	}
}

// NewVerifier creates a Verifier.
func NewVerifier(store CredentialStore, hasher PasswordHasher, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:           store,
		hasher:          hasher,
		minSecretLength: DefaultMinSecretLength,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// MinSecretLength returns the configured minimum secret length.
func (v *Verifier) MinSecretLength() int {
	return v.minSecretLength
}

// Verify returns the matching user or an error wrapping ErrMalformedCredentials,
// ErrThrottled, ErrRejected or ErrStoreUnavailable.
//
// Unknown identifiers and wrong secrets produce the same error, and both run
// a full hash comparison.
func (v *Verifier) Verify(ctx context.Context, identifier, secret string) (types.User, error) {
	identifier = strings.TrimSpace(identifier)
	if !v.wellFormed(identifier, secret) {
		return types.User{}, oops.Code("AUTH_MALFORMED_CREDENTIALS").Wrap(ErrMalformedCredentials)
	}

	if v.limiter != nil && !v.limiter.Permit(identifier) {
		return types.User{}, oops.Code("AUTH_THROTTLED").Wrap(ErrThrottled)
	}

	user, err := v.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_, _ = v.hasher.Verify(secret, v.dummy())
			v.charge(identifier)
			return types.User{}, oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrRejected)
		}
		return types.User{}, oops.Code("AUTH_STORE_UNAVAILABLE").
			With("operation", "get user by identifier").
			Wrap(errors.Join(ErrStoreUnavailable, err))
	}

	ok, err := v.hasher.Verify(secret, user.PasswordHash)
	if err != nil {
		// A corrupt stored hash can never match; report it as a rejection
		// to the caller but keep the cause for logs.
		v.charge(identifier)
		return types.User{}, oops.Code("AUTH_INVALID_CREDENTIALS").
			With("user_id", user.ID).
			Wrap(errors.Join(ErrRejected, err))
	}
	if !ok {
		v.charge(identifier)
		return types.User{}, oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrRejected)
	}

	return user, nil
}

func (v *Verifier) charge(identifier string) {
	if v.limiter != nil {
		v.limiter.Fail(identifier)
	}
}

func (v *Verifier) wellFormed(identifier, secret string) bool {
	if identifier == "" {
		return false
	}
	if utf8.RuneCountInString(secret) < v.minSecretLength {
		return false
	}
	return len(secret) <= maxSecretBytes
}

func (v *Verifier) dummy() string {
	v.dummyOnce.Do(func() {
		hash, err := v.hasher.Hash(dummySecret)
		if err == nil {
			v.dummyHash = hash
		}
	})
	return v.dummyHash
}
