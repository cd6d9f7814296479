package auth

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medeval/apiserver/types"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// DefaultTokenTTL is the absolute lifetime of a session token.
const DefaultTokenTTL = 10 * time.Minute

// sessionClaims is the JWT payload. Identity fields are a snapshot of the
// user at issuance.
type sessionClaims struct {
	jwt.RegisteredClaims
	Role        types.Role `json:"role"`
	Identifier  string     `json:"identifier"`
	DisplayName string     `json:"display_name"`
}

// Issuer mints and parses signed session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// IssuerOption customizes an Issuer.
type IssuerOption func(*Issuer)

// WithClock replaces time.Now for issuance and expiry checks.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates an Issuer. A zero ttl selects DefaultTokenTTL.
func NewIssuer(secret string, ttl time.Duration, opts ...IssuerOption) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, oops.Code("AUTH_SECRET_REQUIRED").Errorf("token signing secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	i := &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token carrying the user's identity claims.
func (i *Issuer) Issue(user types.User) (types.SessionToken, error) {
	// NumericDate has second precision; truncate so the claims read back
	// are identical to the ones issued.
	issuedAt := i.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(i.ttl)
	sessionID := ulid.Make().String()

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   strconv.Itoa(user.ID),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role:        user.Role,
		Identifier:  user.Identifier,
		DisplayName: user.DisplayName,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return types.SessionToken{}, oops.Code("AUTH_TOKEN_SIGN_FAILED").Wrap(err)
	}

	return types.SessionToken{
		Token: signed,
		Claims: types.SessionClaims{
			SessionID:   sessionID,
			SubjectID:   user.ID,
			Role:        user.Role,
			Identifier:  user.Identifier,
			DisplayName: user.DisplayName,
			IssuedAt:    issuedAt,
			ExpiresAt:   expiresAt,
		},
	}, nil
}

// Parse verifies the signature and expiry of a token and returns its claims.
// Errors wrap ErrExpiredSession or ErrInvalidSession.
func (i *Issuer) Parse(tokenString string) (types.SessionClaims, error) {
	claims := sessionClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)

	token, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return types.SessionClaims{}, oops.Code("SESSION_EXPIRED").Wrap(ErrExpiredSession)
		}
		return types.SessionClaims{}, oops.Code("SESSION_INVALID").Wrap(errors.Join(ErrInvalidSession, err))
	}
	if !token.Valid {
		return types.SessionClaims{}, oops.Code("SESSION_INVALID").Wrap(ErrInvalidSession)
	}

	subjectID, err := strconv.Atoi(strings.TrimSpace(claims.Subject))
	if err != nil || subjectID < 1 {
		return types.SessionClaims{}, oops.Code("SESSION_INVALID").With("reason", "subject").Wrap(ErrInvalidSession)
	}
	if strings.TrimSpace(claims.ID) == "" || claims.IssuedAt == nil {
		return types.SessionClaims{}, oops.Code("SESSION_INVALID").With("reason", "missing claims").Wrap(ErrInvalidSession)
	}

	return types.SessionClaims{
		SessionID:   claims.ID,
		SubjectID:   subjectID,
		Role:        claims.Role,
		Identifier:  claims.Identifier,
		DisplayName: claims.DisplayName,
		IssuedAt:    claims.IssuedAt.Time.UTC(),
		ExpiresAt:   claims.ExpiresAt.Time.UTC(),
	}, nil
}
