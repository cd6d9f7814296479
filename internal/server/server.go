package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/medeval/apiserver/config"
	"github.com/medeval/apiserver/internal/audit"
	"github.com/medeval/apiserver/internal/auth"
	"github.com/medeval/apiserver/internal/db"
	"github.com/medeval/apiserver/internal/handlers"
	"github.com/medeval/apiserver/internal/lifecycle"
	"github.com/medeval/apiserver/internal/logging"
	"github.com/medeval/apiserver/internal/metrics"
	"github.com/medeval/apiserver/internal/mq"
	"github.com/medeval/apiserver/internal/services"
	"github.com/medeval/apiserver/internal/store"
	"github.com/medeval/apiserver/types"
	"github.com/samber/oops"
)

// ErrMissingSecret is returned when no token signing secret is configured.
var ErrMissingSecret = errors.New("JWT_SECRET is required")

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	broker     *mq.MQ
	sessions   *lifecycle.Registry
	events     *audit.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New connects to the database and the optional broker, then assembles the
// server.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, ErrMissingSecret
	}
	if logger == nil {
		logger = slog.Default()
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, oops.Code("DB_UNAVAILABLE").With("host", cfg.Database.Host).Wrap(err)
	}

	broker, err := mq.Open(ctx, cfg.MQ)
	switch {
	case errors.Is(err, mq.ErrNoBackend):
		broker = nil
	case err != nil:
		// Session events are best-effort; the server runs without them.
		logging.LogError(ctx, logger, "message broker unavailable, session events will only be logged", err)
		broker = nil
	}

	srv, err := assemble(cfg, dbConn, broker, logger)
	if err != nil {
		_ = dbConn.Close()
		if broker != nil {
			_ = broker.Close()
		}
		return nil, err
	}
	return srv, nil
}

func assemble(cfg config.Config, dbConn *sql.DB, broker *mq.MQ, logger *slog.Logger) (*Server, error) {
	hasher := auth.NewBcryptHasher(cfg.Auth.BcryptCost)
	userRepo := store.NewUserRepository(dbConn)
	userService := services.NewUserService(userRepo, hasher, cfg.Auth.MinSecretLength)

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}
	limiter := auth.NewAttemptLimiter(cfg.Auth.LoginRefill, cfg.Auth.LoginBurst)
	verifier := auth.NewVerifier(userRepo, hasher,
		auth.WithAttemptLimiter(limiter),
		auth.WithMinSecretLength(cfg.Auth.MinSecretLength),
	)

	m := metrics.New()
	var eventBroker audit.Broker
	if broker != nil {
		eventBroker = broker
	}
	events := audit.NewPublisher(logger, eventBroker)
	sessions := lifecycle.NewRegistry(lifecycle.RealClock(), cfg.Auth.IdleTimeout, sessionHooks(m, events))

	authHandler := handlers.NewAuthHandler(handlers.AuthOptions{
		Verifier:    verifier,
		Issuer:      issuer,
		Sessions:    sessions,
		Events:      events,
		Metrics:     m,
		IdleTimeout: cfg.Auth.IdleTimeout,
		Cookies: handlers.CookieConfig{
			TokenName:  cfg.Auth.TokenCookie,
			MarkerName: cfg.Auth.MarkerCookie,
			Secure:     cfg.Auth.CookieSecure,
		},
		MinSecretLength: verifier.MinSecretLength(),
		Logger:          logger,
	})

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.TraceContext,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Method(http.MethodGet, "/metrics", m.Handler())
	handlers.AuthRouter(router, authHandler)
	router.Route("/users", func(r chi.Router) {
		handlers.UserRouter(r, userService, authHandler.RequireAPI, logger)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		broker:     broker,
		sessions:   sessions,
		events:     events,
		metrics:    m,
		logger:     logger,
	}, nil
}

// sessionHooks keeps the active-session gauge current and records forced
// terminations. Logout events are recorded by the logout handler itself.
func sessionHooks(m *metrics.Metrics, events *audit.Publisher) lifecycle.Hooks {
	return lifecycle.Hooks{
		OnBegin: func(types.SessionClaims) {
			m.SessionStarted()
		},
		OnEnd: func(claims types.SessionClaims, reason lifecycle.Reason) {
			m.SessionEnded(string(reason))
			switch reason {
			case lifecycle.ReasonIdle, lifecycle.ReasonBrowserClosed, lifecycle.ReasonExpired:
				ev := audit.NewEvent(audit.KindSessionTerminated)
				ev.Reason = string(reason)
				ev.SessionID = claims.SessionID
				ev.SubjectID = claims.SubjectID
				ev.Identifier = claims.Identifier
				events.Record(context.Background(), ev)
			}
		},
	}
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start runs the HTTP server. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, ends every tracked session and releases
// the database and broker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.sessions.Close()
	s.events.Close()
	if s.broker != nil {
		err = errors.Join(err, s.broker.Close())
	}
	if s.db != nil {
		err = errors.Join(err, s.db.Close())
	}
	return err
}
