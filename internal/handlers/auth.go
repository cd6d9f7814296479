package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/medeval/apiserver/internal/audit"
	"github.com/medeval/apiserver/internal/auth"
	"github.com/medeval/apiserver/internal/lifecycle"
	"github.com/medeval/apiserver/internal/logging"
	"github.com/medeval/apiserver/internal/metrics"
	"github.com/medeval/apiserver/types"
)

const (
	activityPath = "/session/activity"

	// activityPingInterval bounds how often the dashboard reports
	// interaction. The first signal after a quiet period is sent at once.
	activityPingInterval = 15 * time.Second

	msgInvalidCredentials = "Invalid credentials"
	msgThrottled          = "Too many attempts. Try again later."
	msgUnavailable        = "The service is temporarily unavailable."
)

// CredentialVerifier checks an identifier/secret pair.
type CredentialVerifier interface {
	Verify(ctx context.Context, identifier, secret string) (types.User, error)
}

// SessionIssuer signs and verifies session tokens.
type SessionIssuer interface {
	Issue(user types.User) (types.SessionToken, error)
	Parse(token string) (types.SessionClaims, error)
}

// EventRecorder receives session audit events.
type EventRecorder interface {
	Record(ctx context.Context, ev audit.Event)
}

// LoginRecorder counts login outcomes.
type LoginRecorder interface {
	RecordLogin(outcome string)
}

// AuthOptions carries the collaborators of an AuthHandler.
type AuthOptions struct {
	Verifier    CredentialVerifier
	Issuer      SessionIssuer
	Sessions    *lifecycle.Registry
	Events      EventRecorder
	Metrics     LoginRecorder
	Cookies     CookieConfig
	IdleTimeout time.Duration

	// MinSecretLength is echoed to the login form.
	MinSecretLength int

	Logger *slog.Logger
	Now    func() time.Time
}

// AuthHandler serves the login flow and guards protected routes.
type AuthHandler struct {
	verifier  CredentialVerifier
	issuer    SessionIssuer
	sessions  *lifecycle.Registry
	events    EventRecorder
	metrics   LoginRecorder
	cookies   CookieConfig
	idle      time.Duration
	minSecret int
	logger    *slog.Logger
	now       func() time.Time
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(opts AuthOptions) *AuthHandler {
	h := &AuthHandler{
		verifier:  opts.Verifier,
		issuer:    opts.Issuer,
		sessions:  opts.Sessions,
		events:    opts.Events,
		metrics:   opts.Metrics,
		cookies:   opts.Cookies.withDefaults(),
		idle:      opts.IdleTimeout,
		minSecret: opts.MinSecretLength,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if h.events == nil {
		h.events = nopRecorder{}
	}
	if h.metrics == nil {
		h.metrics = nopRecorder{}
	}
	if h.idle <= 0 {
		h.idle = lifecycle.DefaultIdleTimeout
	}
	if h.minSecret <= 0 {
		h.minSecret = auth.DefaultMinSecretLength
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "auth")
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// AuthRouter registers the login flow and session routes on the given router.
func AuthRouter(r chi.Router, handler *AuthHandler) {
	r.Get("/", handler.Root)
	r.Get("/login", handler.LoginPage)
	r.Post("/login", handler.Login)
	r.Post("/logout", handler.Logout)
	r.With(handler.RequirePage).Get("/dashboard", handler.Dashboard)
	r.With(handler.RequireAPI).Post(activityPath, handler.Activity)
	r.With(handler.RequireAPI).Get("/auth/me", handler.Me)
}

// Root sends visitors to the dashboard, which redirects to the login page
// when there is no live session.
func (h *AuthHandler) Root(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// LoginPage renders the empty login form.
func (h *AuthHandler) LoginPage(w http.ResponseWriter, _ *http.Request) {
	renderPage(w, http.StatusOK, "login", h.loginPage("", ""))
}

// Login verifies the submitted credentials, issues a session token, sets the
// token and marker cookies and redirects to the dashboard.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		renderPage(w, http.StatusBadRequest, "login", h.loginPage(msgInvalidCredentials, ""))
		return
	}
	identifier := r.PostFormValue("identifier")
	secret := r.PostFormValue("secret")

	user, err := h.verifier.Verify(r.Context(), identifier, secret)
	if err != nil {
		h.loginFailed(w, r, identifier, err)
		return
	}

	token, err := h.issuer.Issue(user)
	if err != nil {
		h.metrics.RecordLogin(metrics.OutcomeError)
		logging.LogError(r.Context(), h.logger, "issue session token", err, "subject_id", user.ID)
		renderPage(w, http.StatusInternalServerError, "login", h.loginPage(msgUnavailable, ""))
		return
	}

	// The new cookies replace the browser's current pair, so its session
	// would otherwise linger until expiry.
	h.endPresented(r)

	if _, err := h.sessions.Begin(token.Claims); err != nil {
		h.metrics.RecordLogin(metrics.OutcomeError)
		logging.LogError(r.Context(), h.logger, "begin session", err, "session_id", token.Claims.SessionID)
		renderPage(w, http.StatusServiceUnavailable, "login", h.loginPage(msgUnavailable, ""))
		return
	}

	setSessionCookies(w, h.cookies, token, h.now())
	h.metrics.RecordLogin(metrics.OutcomeSuccess)

	ev := audit.NewEvent(audit.KindLoginSucceeded)
	ev.SessionID = token.Claims.SessionID
	ev.SubjectID = user.ID
	ev.Identifier = user.Identifier
	h.events.Record(r.Context(), ev)

	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// loginFailed maps a verification error onto the login page. Malformed input
// and rejected credentials share one message.
func (h *AuthHandler) loginFailed(w http.ResponseWriter, r *http.Request, identifier string, err error) {
	switch {
	case errors.Is(err, auth.ErrMalformedCredentials), errors.Is(err, auth.ErrRejected):
		h.metrics.RecordLogin(metrics.OutcomeRejected)
		ev := audit.NewEvent(audit.KindLoginRejected)
		ev.Identifier = identifier
		h.events.Record(r.Context(), ev)
		renderPage(w, http.StatusUnauthorized, "login", h.loginPage(msgInvalidCredentials, identifier))

	case errors.Is(err, auth.ErrThrottled):
		h.metrics.RecordLogin(metrics.OutcomeThrottled)
		ev := audit.NewEvent(audit.KindLoginThrottled)
		ev.Identifier = identifier
		h.events.Record(r.Context(), ev)
		w.Header().Set("Retry-After", "60")
		renderPage(w, http.StatusTooManyRequests, "login", h.loginPage(msgThrottled, identifier))

	default:
		h.metrics.RecordLogin(metrics.OutcomeError)
		logging.LogError(r.Context(), h.logger, "verify credentials", err)
		renderPage(w, http.StatusInternalServerError, "login", h.loginPage(msgUnavailable, identifier))
	}
}

// Logout ends the tracked session, clears both cookies and returns to the
// login page. It works without a valid session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.endPresented(r)
	clearSessionCookies(w, h.cookies)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// endPresented ends the session named by the request's token cookie, if any,
// and records a logout event when it was still tracked.
func (h *AuthHandler) endPresented(r *http.Request) {
	c, err := r.Cookie(h.cookies.TokenName)
	if err != nil || c.Value == "" {
		return
	}
	claims, err := h.issuer.Parse(c.Value)
	if err != nil {
		return
	}
	if !h.sessions.End(claims.SessionID, lifecycle.ReasonLogout) {
		return
	}
	ev := audit.NewEvent(audit.KindLogout)
	ev.SessionID = claims.SessionID
	ev.SubjectID = claims.SubjectID
	ev.Identifier = claims.Identifier
	h.events.Record(r.Context(), ev)
}

// Dashboard renders the protected landing page with the inactivity script.
func (h *AuthHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	signals := lifecycle.Signals()
	names := make([]string, len(signals))
	for i, sig := range signals {
		names[i] = string(sig)
	}

	renderPage(w, http.StatusOK, "dashboard", dashboardPage{
		Title:        "Dashboard",
		DisplayName:  claims.DisplayName,
		Role:         string(claims.Role),
		Signals:      names,
		IdleMillis:   h.idle.Milliseconds(),
		PingMillis:   activityPingInterval.Milliseconds(),
		ActivityPath: activityPath,
	})
}

// ActivityRequest reports one user interaction.
type ActivityRequest struct {
	Signal string `json:"signal"`
}

// Activity resets the idle deadline of the current session.
func (h *AuthHandler) Activity(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ActivityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	sig, err := lifecycle.ParseSignal(req.Signal)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown signal")
		return
	}

	if err := h.sessions.Touch(claims.SessionID, sig); err != nil {
		if errors.Is(err, lifecycle.ErrForcedTermination) {
			clearSessionCookies(w, h.cookies)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		logging.LogError(r.Context(), h.logger, "touch session", err, "session_id", claims.SessionID)
		writeError(w, http.StatusInternalServerError, "failed to record activity")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the verified claims of the current session.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (h *AuthHandler) loginPage(message, identifier string) loginPage {
	return loginPage{
		Title:           "Sign in",
		Error:           message,
		Identifier:      identifier,
		MinSecretLength: h.minSecret,
	}
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, audit.Event) {}

func (nopRecorder) RecordLogin(string) {}
