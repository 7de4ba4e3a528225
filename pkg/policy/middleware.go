package policy

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/audit"
	"github.com/gantrylabs/gantry/pkg/auth"
	"github.com/gantrylabs/gantry/pkg/ratelimit"
	"github.com/gantrylabs/gantry/pkg/store"
)

type decisionKey struct{}

// DecisionFrom returns the decision the middleware stored for an allowed
// request, or nil outside a governed handler.
func DecisionFrom(ctx context.Context) *Decision {
	dec, _ := ctx.Value(decisionKey{}).(*Decision)
	return dec
}

// publicPrefixes lists paths the decision point never governs.
var publicPrefixes = []string{
	"/healthz",
	"/readyz",
	"/docs",
	"/static",
}

// Middleware enforces the decision point at the transport boundary. Every
// governed request is identified, rate-checked, and evaluated; allowed
// requests carry their decision and identity into the handler context.
type Middleware struct {
	engine    *Engine
	limiter   *ratelimit.Limiter
	auditLog  *audit.Logger
	validator *auth.SessionValidator
	db        *store.DB
	logger    *slog.Logger

	tableReady   atomic.Bool
	bootstrapRun sync.Once
}

// NewMiddleware wires the middleware. validator may be nil, in which case
// only the principal header identifies callers.
func NewMiddleware(
	engine *Engine,
	limiter *ratelimit.Limiter,
	auditLog *audit.Logger,
	validator *auth.SessionValidator,
	db *store.DB,
	logger *slog.Logger,
) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		engine:    engine,
		limiter:   limiter,
		auditLog:  auditLog,
		validator: validator,
		db:        db,
		logger:    logger.With("component", "policy_middleware"),
	}
}

// resourceFromPath derives the governed resource family from the URL:
// the first path segment, or the second when the first is "api".
func resourceFromPath(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "root"
	}
	segments := strings.Split(trimmed, "/")
	if segments[0] == "api" && len(segments) > 1 {
		return segments[1]
	}
	return segments[0]
}

// actionForMethod maps the HTTP verb onto the governed action vocabulary.
func actionForMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

func isPublic(path string) bool {
	for _, prefix := range publicPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// policiesReady reports whether the policies table exists. Until it does,
// governed paths pass through so a fresh deployment can run migrations
// and seed itself through the API. The check stops once the table shows
// up.
func (m *Middleware) policiesReady(ctx context.Context) bool {
	if m.tableReady.Load() {
		return true
	}
	exists, err := m.db.TableExists(ctx, "policies")
	if err == nil && exists {
		m.tableReady.Store(true)
		return true
	}
	m.bootstrapRun.Do(func() {
		m.logger.Warn("policies table missing, decision point in passthrough mode", "error", err)
	})
	return false
}

// Handler governs every non-public request.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !m.policiesReady(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := auth.ExtractIdentity(r, m.validator)
		if err != nil {
			api.WriteUnauthorized(w, "request carries no valid principal")
			return
		}

		resource := resourceFromPath(r.URL.Path)
		ip := api.ClientIP(r)

		// Pre-check without consuming quota: a throttled caller gets the
		// 429 before the engine runs.
		status, err := m.limiter.Check(r.Context(), identity.PrincipalID, resource)
		if err != nil {
			m.logger.Error("rate check failed", "error", err, "principal_id", identity.PrincipalID)
			api.WriteInternal(w, err)
			return
		}
		if !status.Allowed {
			m.auditRateLimited(r.Context(), identity.PrincipalID, resource, ip)
			writeRateLimited(w, status)
			return
		}

		req := &Request{
			PrincipalID:  identity.PrincipalID,
			Action:       resource + "." + actionForMethod(r.Method),
			ResourceType: resource,
			Context: map[string]interface{}{
				"endpoint":   resource,
				"ip_address": ip,
				"path":       r.URL.Path,
				"method":     r.Method,
			},
		}
		dec := m.engine.Evaluate(r.Context(), req)
		if !dec.Allowed {
			if strings.HasPrefix(dec.Reason, "Rate limit exceeded") {
				writeRateLimited(w, &ratelimit.Status{Endpoint: resource, Window: status.Window})
				return
			}
			api.WriteForbidden(w, dec.Reason)
			return
		}

		ctx := auth.WithIdentity(r.Context(), identity)
		ctx = context.WithValue(ctx, decisionKey{}, dec)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeRateLimited answers 429 with the reason, remaining quota, and the
// throttled endpoint, plus a Retry-After hint of the window length.
func writeRateLimited(w http.ResponseWriter, status *ratelimit.Status) {
	retryAfter := status.Window
	if retryAfter <= 0 {
		retryAfter = 60
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	api.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"reason":    "Rate limit exceeded for " + status.Endpoint,
		"remaining": status.Remaining,
		"endpoint":  status.Endpoint,
	})
}

// auditRateLimited records a throttled request that never reached the
// engine, keeping the audit trail complete.
func (m *Middleware) auditRateLimited(ctx context.Context, principalID int64, resource, ip string) {
	entry := audit.Entry{
		PrincipalID:  &principalID,
		Action:       resource + ".request",
		ResourceType: &resource,
		Decision:     store.DecisionRateLimitExceeded,
		Metadata:     store.JSONMap{"endpoint": resource},
	}
	if ip != "" {
		entry.IP = &ip
	}
	if _, err := m.auditLog.Log(ctx, entry); err != nil {
		m.logger.Error("audit write failed", "decision", store.DecisionRateLimitExceeded, "error", err)
	}
}
