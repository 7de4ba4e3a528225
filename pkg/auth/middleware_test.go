package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/auth"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestExtractIdentityFromHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	r.Header.Set(auth.HeaderPrincipal, "42")

	id, err := auth.ExtractIdentity(r, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.PrincipalID)
	assert.Equal(t, auth.SourceHeader, id.Source)
	assert.Empty(t, id.Role)
}

func TestExtractIdentityRejectsBadHeader(t *testing.T) {
	for _, raw := range []string{"zero", "0", "-3", "1.5"} {
		r := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
		r.Header.Set(auth.HeaderPrincipal, raw)

		_, err := auth.ExtractIdentity(r, nil)
		assert.ErrorIs(t, err, api.ErrInvalidInput, "header %q", raw)
	}
}

func TestExtractIdentityFromSession(t *testing.T) {
	v := auth.NewSessionValidator(testSecret, "gantry")
	token, err := v.Issue(7, "engineer", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id, err := auth.ExtractIdentity(r, v)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.PrincipalID)
	assert.Equal(t, "engineer", id.Role)
	assert.Equal(t, auth.SourceSession, id.Source)
}

func TestExtractIdentityHeaderWinsOverSession(t *testing.T) {
	v := auth.NewSessionValidator(testSecret, "gantry")
	token, err := v.Issue(7, "engineer", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	r.Header.Set(auth.HeaderPrincipal, "3")
	r.Header.Set("Authorization", "Bearer "+token)

	id, err := auth.ExtractIdentity(r, v)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id.PrincipalID)
	assert.Equal(t, auth.SourceHeader, id.Source)
}

func TestExtractIdentityNoCredentials(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/documents", nil)

	_, err := auth.ExtractIdentity(r, nil)
	assert.ErrorIs(t, err, auth.ErrNoIdentity)
}

func TestExtractIdentityMalformedBearer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	r.Header.Set("Authorization", "Token abc")

	_, err := auth.ExtractIdentity(r, nil)
	assert.ErrorIs(t, err, api.ErrInvalidInput)
}

func TestExtractIdentitySessionNotConfigured(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	r.Header.Set("Authorization", "Bearer whatever")

	_, err := auth.ExtractIdentity(r, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestValidateExpiredSession(t *testing.T) {
	v := auth.NewSessionValidator(testSecret, "gantry")
	token, err := v.Issue(7, "viewer", -time.Hour)
	require.NoError(t, err)

	_, err = v.Validate(token)
	assert.Error(t, err)
}

func TestValidateWrongSecret(t *testing.T) {
	issuer := auth.NewSessionValidator(testSecret, "gantry")
	token, err := issuer.Issue(7, "viewer", time.Hour)
	require.NoError(t, err)

	other := auth.NewSessionValidator([]byte("another-secret-another-secret!!"), "gantry")
	_, err = other.Validate(token)
	assert.Error(t, err)
}

func TestValidateWrongIssuer(t *testing.T) {
	foreign := auth.NewSessionValidator(testSecret, "someone-else")
	token, err := foreign.Issue(7, "viewer", time.Hour)
	require.NoError(t, err)

	v := auth.NewSessionValidator(testSecret, "gantry")
	_, err = v.Validate(token)
	assert.Error(t, err)
}

func TestNewSessionValidatorEmptySecret(t *testing.T) {
	assert.Nil(t, auth.NewSessionValidator(nil, "gantry"))
}

func TestIdentityContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, err := auth.IdentityFrom(ctx)
	assert.Error(t, err)
	assert.Zero(t, auth.PrincipalID(ctx))

	want := &auth.Identity{PrincipalID: 9, Source: auth.SourceHeader}
	ctx = auth.WithIdentity(ctx, want)
	got, err := auth.IdentityFrom(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, int64(9), auth.PrincipalID(ctx))
}

func TestRequestIDMiddlewareMintsAndReuses(t *testing.T) {
	var seen string
	h := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.RequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestCorrelationMiddlewarePropagates(t *testing.T) {
	var seen string
	h := auth.CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.CorrelationID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/hydration/run", nil)
	r.Header.Set(api.HeaderCorrelation, "corr-9")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "corr-9", seen)
	assert.Equal(t, "corr-9", w.Header().Get(api.HeaderCorrelation))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/hydration/run", nil))
	assert.NotEmpty(t, seen)
}
