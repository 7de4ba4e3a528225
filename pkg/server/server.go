// Package server wires the HTTP surface: one chi router with the decision
// point at the transport boundary and a handler family per resource
// (pdp, hydration, reasoning, regression, evaluation).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/gantrylabs/gantry/pkg/acl"
	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/audit"
	"github.com/gantrylabs/gantry/pkg/auth"
	"github.com/gantrylabs/gantry/pkg/evaluation"
	"github.com/gantrylabs/gantry/pkg/hydration"
	"github.com/gantrylabs/gantry/pkg/linking"
	"github.com/gantrylabs/gantry/pkg/policy"
	"github.com/gantrylabs/gantry/pkg/queue"
	"github.com/gantrylabs/gantry/pkg/ratelimit"
	"github.com/gantrylabs/gantry/pkg/regression"
	"github.com/gantrylabs/gantry/pkg/scanner"
	"github.com/gantrylabs/gantry/pkg/store"
)

const (
	readinessTimeout = 2 * time.Second
	shutdownTimeout  = 30 * time.Second
)

// Deps bundles everything the handlers reach for. DB, Engine, Limiter,
// and Audit are required; Redis and Queue are optional and their absence
// degrades run-now endpoints to 503.
type Deps struct {
	DB    *store.DB
	Redis redis.UniversalClient
	Queue *queue.Queue

	Engine   *policy.Engine
	Limiter  *ratelimit.Limiter
	ACL      *acl.Manager
	Audit    *audit.Logger
	Scanner  *scanner.Scanner
	Policies *store.PolicyRepo

	Connectors *hydration.Registry
	Sources    *store.SourceRepo
	Runs       *store.RunRepo
	Items      *store.ItemRepo
	Alerts     *store.AlertRepo

	Linker *linking.Engine
	Links  *store.LinkRepo

	Harness  *evaluation.Harness
	EvalRuns *store.EvalRunRepo
	Guard    *regression.Guard

	// Sessions is optional; without it only the principal header
	// identifies callers.
	Sessions *auth.SessionValidator
	Logger   *slog.Logger

	CORSOrigins []string
	GlobalRPS   int
	GlobalBurst int
}

// Server serves the Gantry API.
type Server struct {
	deps   Deps
	logger *slog.Logger
	router chi.Router
}

// New wires the router. The decision point middleware governs every
// route except health probes.
func New(deps Deps) (*Server, error) {
	if deps.DB == nil {
		return nil, errors.New("server needs a database")
	}
	if deps.Engine == nil || deps.Limiter == nil || deps.Audit == nil {
		return nil, errors.New("server needs the decision point, rate limiter, and audit logger")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger.With("component", "server")}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(auth.RequestIDMiddleware)
	r.Use(auth.CorrelationMiddleware)
	r.Use(api.RequestLogger(s.logger))
	r.Use(s.recoverPanics)

	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", api.HeaderPrincipal, api.HeaderCorrelation, "X-Request-ID"},
		MaxAge:         300,
	}))

	rps, burst := s.deps.GlobalRPS, s.deps.GlobalBurst
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	r.Use(api.NewGlobalRateLimiter(rps, burst).Middleware)

	pdp := policy.NewMiddleware(s.deps.Engine, s.deps.Limiter, s.deps.Audit, s.deps.Sessions, s.deps.DB, s.logger)
	r.Use(pdp.Handler)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/pdp", s.mountPDP)
	r.Route("/hydration", s.mountHydration)
	r.Route("/reasoning", s.mountReasoning)
	r.Route("/regression", s.mountRegression)
	r.Route("/evaluation", s.mountEvaluation)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteNotFound(w, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		api.WriteMethodNotAllowed(w)
	})
	return r
}

// ListenAndServe runs the server until ctx is canceled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("http server draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked", "path", r.URL.Path, "panic", rec)
				api.WriteInternal(w, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: the database must answer and, when
// configured, redis must too.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	if err := s.deps.DB.PingContext(ctx); err != nil {
		s.logger.Warn("readiness: database unreachable", "error", err)
		api.WriteUnavailable(w, "database unreachable")
		return
	}
	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn("readiness: redis unreachable", "error", err)
			api.WriteUnavailable(w, "redis unreachable")
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// principalID resolves the acting principal: the identity the decision
// point stored, with a header fallback for bootstrap passthrough.
func principalID(r *http.Request) int64 {
	if id := auth.PrincipalID(r.Context()); id > 0 {
		return id
	}
	raw := r.Header.Get(api.HeaderPrincipal)
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

// int64Param parses a positive integer route parameter.
func int64Param(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", api.ErrInvalidInput, name)
	}
	return id, nil
}

// intQuery parses an optional non-negative integer query parameter.
func intQuery(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", api.ErrInvalidInput, name)
	}
	return n, nil
}

// timeQuery parses an optional RFC 3339 query parameter.
func timeQuery(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC 3339", api.ErrInvalidInput, name)
	}
	return &t, nil
}
