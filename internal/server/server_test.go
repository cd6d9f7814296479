package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medeval/apiserver/config"
	"github.com/medeval/apiserver/internal/logging"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Auth.JWTSecret = "server-test-secret"
	cfg.Auth.BcryptCost = 4
	cfg.ServerPort = 18080
	return cfg
}

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock, *bytes.Buffer) {
	t.Helper()
	dbConn, mock, err := sqlmock.New()
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := logging.Setup(logging.ServiceName, "test", "json", &logs)
	srv, err := assemble(testConfig(), dbConn, nil, logger)
	require.NoError(t, err)
	return srv, mock, &logs
}

func TestNew_RequiresSecret(t *testing.T) {
	cfg := config.Defaults()
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestServer_Routes(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	assert.Equal(t, ":18080", srv.Addr())

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	mock.ExpectClose()
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_RejectedLoginIsCountedAndTraced(t *testing.T) {
	srv, mock, logs := newTestServer(t)

	mock.ExpectQuery("SELECT id, identifier, display_name, role, password_hash, created_at, updated_at").
		WithArgs("1017999999").
		WillReturnRows(sqlmock.NewRows([]string{"id", "identifier", "display_name", "role", "password_hash", "created_at", "updated_at"}))

	form := url.Values{"identifier": {"1017999999"}, "secret": {"no-such-secret"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `medeval_login_attempts_total{outcome="rejected"} 1`)

	assert.Contains(t, logs.String(), `"kind":"login_rejected"`)
	assert.Contains(t, logs.String(), `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`)
	assert.NotContains(t, logs.String(), "no-such-secret")

	mock.ExpectClose()
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
