package handlers_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medeval/apiserver/internal/audit"
	"github.com/medeval/apiserver/internal/auth"
	"github.com/medeval/apiserver/internal/handlers"
	"github.com/medeval/apiserver/internal/lifecycle"
	"github.com/medeval/apiserver/internal/lifecycle/lifecycletest"
	"github.com/medeval/apiserver/internal/services"
	"github.com/medeval/apiserver/internal/store"
	"github.com/medeval/apiserver/types"
)

const (
	coordinatorID     = "1017000001"
	coordinatorSecret = "coordina"
	residentID        = "1017000002"
	residentSecret    = "residente"
)

type userRepo struct {
	mu     sync.Mutex
	users  map[int]types.User
	nextID int
	err    error
}

func (r *userRepo) GetByID(_ context.Context, id int) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (r *userRepo) GetByIdentifier(_ context.Context, identifier string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return types.User{}, r.err
	}
	for _, u := range r.users {
		if u.Identifier == identifier {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *userRepo) List(_ context.Context, offset, limit int) ([]types.User, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.User
	for id := 1; id < r.nextID; id++ {
		if u, ok := r.users[id]; ok {
			out = append(out, u)
		}
	}
	total := len(out)
	if offset > total {
		offset = total
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *userRepo) Create(_ context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Identifier == user.Identifier {
			return types.User{}, store.ErrConflict
		}
	}
	user.ID = r.nextID
	r.nextID++
	r.users[user.ID] = user
	return user, nil
}

func (r *userRepo) Update(_ context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return types.User{}, store.ErrNotFound
	}
	r.users[user.ID] = user
	return user, nil
}

func (r *userRepo) Delete(_ context.Context, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.users, id)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Record(_ context.Context, ev audit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []audit.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]audit.Kind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

type env struct {
	router   *chi.Mux
	clock    *lifecycletest.FakeClock
	sessions *lifecycle.Registry
	repo     *userRepo
	events   *eventLog
	limiter  *auth.AttemptLimiter
}

func newEnv(t *testing.T) *env {
	t.Helper()

	hasher := auth.NewBcryptHasher(4)
	repo := &userRepo{users: map[int]types.User{}, nextID: 1}
	userService := services.NewUserService(repo, hasher, auth.DefaultMinSecretLength)

	_, err := userService.Create(context.Background(), services.CreateUserInput{
		Identifier: coordinatorID, DisplayName: "Dra. Coordinadora", Role: "COORDINATOR", Password: coordinatorSecret,
	})
	require.NoError(t, err)
	_, err = userService.Create(context.Background(), services.CreateUserInput{
		Identifier: residentID, DisplayName: "Residente Uno", Role: "RESIDENT", Password: residentSecret,
	})
	require.NoError(t, err)

	issuer, err := auth.NewIssuer("test-signing-secret", time.Hour)
	require.NoError(t, err)

	limiter := auth.NewAttemptLimiter(time.Minute, 3)
	clock := lifecycletest.NewFakeClock(time.Now())
	sessions := lifecycle.NewRegistry(clock, 10*time.Minute, lifecycle.Hooks{})
	t.Cleanup(sessions.Close)

	events := &eventLog{}
	authHandler := handlers.NewAuthHandler(handlers.AuthOptions{
		Verifier: auth.NewVerifier(repo, hasher, auth.WithAttemptLimiter(limiter)),
		Issuer:   issuer,
		Sessions: sessions,
		Events:   events,
		Cookies:  handlers.CookieConfig{TokenName: "session_token", MarkerName: "session_marker"},
	})

	router := chi.NewRouter()
	router.Get("/healthz", handlers.Healthz)
	handlers.AuthRouter(router, authHandler)
	router.Route("/users", func(r chi.Router) {
		handlers.UserRouter(r, userService, authHandler.RequireAPI, nil)
	})

	return &env{router: router, clock: clock, sessions: sessions, repo: repo, events: events, limiter: limiter}
}

func (e *env) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) postLogin(identifier, secret string) *httptest.ResponseRecorder {
	form := url.Values{"identifier": {identifier}, "secret": {secret}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

func (e *env) login(t *testing.T, identifier, secret string) []*http.Cookie {
	t.Helper()
	rec := e.postLogin(identifier, secret)
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	require.Equal(t, "/dashboard", rec.Header().Get("Location"))
	return rec.Result().Cookies()
}

func cookieNamed(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func body(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	data, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(data)
}

func TestLoginPage(t *testing.T) {
	e := newEnv(t)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/login", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	page := body(t, rec)
	assert.Contains(t, page, `name="identifier"`)
	assert.Contains(t, page, `name="secret"`)
	assert.NotContains(t, page, "Invalid credentials")
}

func TestLogin_SetsTokenAndMarkerCookies(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t, residentID, residentSecret)

	token := cookieNamed(cookies, "session_token")
	require.NotNil(t, token)
	assert.True(t, token.HttpOnly)
	assert.Greater(t, token.MaxAge, 0)
	assert.False(t, token.Expires.IsZero())

	marker := cookieNamed(cookies, "session_marker")
	require.NotNil(t, marker)
	assert.Zero(t, marker.MaxAge, "marker must be a browser-session cookie")
	assert.True(t, marker.Expires.IsZero(), "marker must be a browser-session cookie")

	assert.Equal(t, 1, e.sessions.Len())
	assert.Equal(t, []audit.Kind{audit.KindLoginSucceeded}, e.events.kinds())
}

func TestLogin_FailuresShareOneMessage(t *testing.T) {
	cases := map[string][2]string{
		"unknown identifier": {"9999999999", residentSecret},
		"wrong secret":       {residentID, "incorrecta"},
		"short secret":       {residentID, "abc"},
		"blank identifier":   {"   ", residentSecret},
	}

	for name, creds := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			rec := e.postLogin(creds[0], creds[1])

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			page := body(t, rec)
			assert.Contains(t, page, "Invalid credentials")
			assert.NotContains(t, page, creds[1])
			assert.Nil(t, cookieNamed(rec.Result().Cookies(), "session_token"))
			assert.Zero(t, e.sessions.Len())
			assert.Equal(t, []audit.Kind{audit.KindLoginRejected}, e.events.kinds())
		})
	}
}

func TestLogin_Throttled(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusUnauthorized, e.postLogin(residentID, "incorrecta").Code)
	}

	rec := e.postLogin(residentID, residentSecret)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Zero(t, e.sessions.Len())
}

func TestLogin_StoreFailureIsNotInvalidCredentials(t *testing.T) {
	e := newEnv(t)
	e.repo.err = errors.New("connection refused")

	rec := e.postLogin(residentID, residentSecret)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, body(t, rec), "Invalid credentials")
}

func TestDashboard_WithSession(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t, residentID, residentSecret)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil), cookies...)
	require.Equal(t, http.StatusOK, rec.Code)
	page := body(t, rec)
	assert.Contains(t, page, "Residente Uno")
	assert.Contains(t, page, `setTimeout(signOut, idleMillis)`)
	assert.Contains(t, page, `fetch("/logout", {`)
	for _, sig := range lifecycle.Signals() {
		assert.Contains(t, page, string(sig))
	}
}

func TestDashboard_WithoutSessionRedirects(t *testing.T) {
	e := newEnv(t)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestDashboard_RepeatedNavigationKeepsSession(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t, residentID, residentSecret)

	for i := 0; i < 5; i++ {
		rec := e.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil), cookies...)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 1, e.sessions.Len())
}

func TestDashboard_MissingMarkerForcesLogout(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t, residentID, residentSecret)
	token := cookieNamed(cookies, "session_token")

	// A reopened browser keeps the persistent token but not the marker.
	rec := e.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil), token)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	assert.NotContains(t, body(t, rec), "Residente Uno")

	cleared := cookieNamed(rec.Result().Cookies(), "session_token")
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)
	assert.Zero(t, e.sessions.Len())

	// Restoring the marker does not revive the ended session.
	rec = e.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil), cookies...)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t, residentID, residentSecret)

	e.clock.Advance(10 * time.Minute)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil), cookies...)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func activity(signal string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/session/activity", strings.NewReader(`{"signal":"`+signal+`"}`))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestActivityResetsIdleDeadline(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t, residentID, residentSecret)

	e.clock.Advance(9*time.Minute + 59*time.Second)
	rec := e.do(activity("pointermove"), cookies...)
	require.Equal(t, http.StatusNoContent, rec.Code)

	e.clock.Advance(9 * time.Minute)
	rec = e.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil), cookies...)
	assert.Equal(t, http.StatusOK, rec.Code)

	e.clock.Advance(time.Minute)
	rec = e.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil), cookies...)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestActivity_Errors(t *testing.T) {
	e := newEnv(t)

	rec := e.do(activity("keydown"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, body(t, rec))

	cookies := e.login(t, residentID, residentSecret)
	rec = e.do(activity("click"), cookies...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/session/activity", strings.NewReader("{"))
	rec = e.do(req, cookies...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMe_ReturnsClaims(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t, coordinatorID, coordinatorSecret)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/auth/me", nil), cookies...)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := body(t, rec)
	assert.Contains(t, payload, `"role":"COORDINATOR"`)
	assert.Contains(t, payload, `"identifier":"`+coordinatorID+`"`)
	assert.NotContains(t, payload, "password")
}

func TestMe_TamperedTokenIsUnauthorized(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t, residentID, residentSecret)
	token := cookieNamed(cookies, "session_token")
	marker := cookieNamed(cookies, "session_marker")

	forged := &http.Cookie{Name: token.Name, Value: token.Value + "x"}
	rec := e.do(httptest.NewRequest(http.MethodGet, "/auth/me", nil), forged, marker)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogout(t *testing.T) {
	e := newEnv(t)
	cookies := e.login(t, residentID, residentSecret)

	rec := e.do(httptest.NewRequest(http.MethodPost, "/logout", nil), cookies...)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	for _, name := range []string{"session_token", "session_marker"} {
		c := cookieNamed(rec.Result().Cookies(), name)
		require.NotNil(t, c, name)
		assert.Less(t, c.MaxAge, 0)
	}
	assert.Zero(t, e.sessions.Len())
	assert.Equal(t, []audit.Kind{audit.KindLoginSucceeded, audit.KindLogout}, e.events.kinds())

	rec = e.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil), cookies...)
	assert.Equal(t, http.StatusSeeOther, rec.Code)

	// Logging out twice is harmless.
	rec = e.do(httptest.NewRequest(http.MethodPost, "/logout", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestLogin_AgainEndsPreviousSession(t *testing.T) {
	e := newEnv(t)
	first := e.login(t, residentID, residentSecret)

	form := url.Values{"identifier": {residentID}, "secret": {residentSecret}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := e.do(req, first...)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	second := rec.Result().Cookies()

	assert.Equal(t, 1, e.sessions.Len())
	assert.Equal(t, []audit.Kind{audit.KindLoginSucceeded, audit.KindLogout, audit.KindLoginSucceeded}, e.events.kinds())

	rec = e.do(httptest.NewRequest(http.MethodGet, "/auth/me", nil), first...)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = e.do(httptest.NewRequest(http.MethodGet, "/auth/me", nil), second...)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRootRedirectsToDashboard(t *testing.T) {
	e := newEnv(t)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, body(t, rec))
}
