package auth

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/gantrylabs/gantry/pkg/api"
)

type requestIDKey struct{}
type correlationKey struct{}

// RequestIDMiddleware gives every request an X-Request-ID, reusing the
// client's when present. Error responses pick it up as their trace id.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID extracts the request id from the context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// CorrelationMiddleware propagates the caller's correlation id into the
// request context, minting one when absent. Queue jobs and audit metadata
// carry it onward.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(api.HeaderCorrelation)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set(api.HeaderCorrelation, correlationID)
		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), correlationID)))
	})
}

// WithCorrelationID attaches a correlation id to the context. Workers use
// it to bind a job's correlation id before invoking domain code.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation id from the context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
