package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/medeval/apiserver/internal/auth"
	"github.com/medeval/apiserver/internal/lifecycle"
	"github.com/medeval/apiserver/types"
)

const markerValue = "1"

// CookieConfig names the two session cookies.
type CookieConfig struct {
	TokenName  string
	MarkerName string
	Secure     bool
}

func (c CookieConfig) withDefaults() CookieConfig {
	if c.TokenName == "" {
		c.TokenName = "session_token"
	}
	if c.MarkerName == "" {
		c.MarkerName = "session_marker"
	}
	return c
}

// CookieMarker is the transient session marker as seen on one request.
// The cookie carries neither Expires nor Max-Age, so the browser discards
// it when the browser session ends.
type CookieMarker struct {
	present bool
}

// MarkerFromRequest reads the marker cookie.
func MarkerFromRequest(r *http.Request, name string) CookieMarker {
	c, err := r.Cookie(name)
	return CookieMarker{present: err == nil && c.Value == markerValue}
}

func (m CookieMarker) Present() bool {
	return m.present
}

// setSessionCookies stores the signed token until its expiry and sets the
// browser-session marker.
func setSessionCookies(w http.ResponseWriter, cfg CookieConfig, token types.SessionToken, now time.Time) {
	maxAge := int(token.Claims.ExpiresAt.Sub(now) / time.Second)
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.TokenName,
		Value:    token.Token,
		Path:     "/",
		Expires:  token.Claims.ExpiresAt,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.MarkerName,
		Value:    markerValue,
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookies(w http.ResponseWriter, cfg CookieConfig) {
	for _, name := range []string{cfg.TokenName, cfg.MarkerName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   cfg.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// RequirePage protects HTML pages: any session failure clears the cookies
// and redirects to the login page before the handler runs.
func (h *AuthHandler) RequirePage(next http.Handler) http.Handler {
	return h.requireSession(next, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	})
}

// RequireAPI protects JSON endpoints: any session failure answers 401.
func (h *AuthHandler) RequireAPI(next http.Handler) http.Handler {
	return h.requireSession(next, func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (h *AuthHandler) requireSession(next http.Handler, deny http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, reason, ok := h.authenticate(r)
		if !ok {
			h.logger.InfoContext(r.Context(), "session rejected",
				"reason", reason,
				"session_id", claims.SessionID,
				"path", r.URL.Path,
			)
			clearSessionCookies(w, h.cookies)
			deny(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// authenticate verifies the token cookie, then runs the browser-close guard
// and the registry check.
func (h *AuthHandler) authenticate(r *http.Request) (types.SessionClaims, string, bool) {
	c, err := r.Cookie(h.cookies.TokenName)
	if err != nil || c.Value == "" {
		return types.SessionClaims{}, "missing_token", false
	}

	claims, err := h.issuer.Parse(c.Value)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSession) {
			return types.SessionClaims{}, string(lifecycle.ReasonExpired), false
		}
		return types.SessionClaims{}, "invalid_token", false
	}

	if err := h.sessions.Activate(claims, MarkerFromRequest(r, h.cookies.MarkerName)); err != nil {
		var term *lifecycle.TerminationError
		if errors.As(err, &term) {
			return claims, string(term.Reason), false
		}
		return claims, "inactive", false
	}
	return claims, "", true
}

// RequireRole rejects sessions whose role claim differs. It must run after
// RequireAPI.
func RequireRole(role types.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if claims.Role != role {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
