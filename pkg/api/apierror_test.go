package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gantrylabs/gantry/pkg/api"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Status != 400 {
		t.Errorf("expected problem.status=400, got %d", problem.Status)
	}
	if problem.Title != "Bad Request" {
		t.Errorf("expected title 'Bad Request', got %q", problem.Title)
	}
	if problem.Detail != "field is missing" {
		t.Errorf("expected detail 'field is missing', got %q", problem.Detail)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// Must NOT contain internal error details
	if problem.Detail == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestWriteUnavailable_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnavailable(w, "")

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if problem.Status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", problem.Status)
	}
	if problem.Detail == "" {
		t.Error("expected a default detail message")
	}
}

func TestWriteErrorR_EnrichesWithRequestContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/pdp/evaluate", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	api.WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "bad input")

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Instance != "/api/pdp/evaluate" {
		t.Fatalf("expected instance %q, got %q", "/api/pdp/evaluate", problem.Instance)
	}
	if problem.TraceID != "req-123" {
		t.Fatalf("expected trace_id %q, got %q", "req-123", problem.TraceID)
	}
}

func TestMapError_KindToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("suite %q: %w", "bogus", api.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("run 42: %w", api.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("pack already registered: %w", api.ErrConflict), http.StatusConflict},
		{fmt.Errorf("denied: %w", api.ErrForbidden), http.StatusForbidden},
		{api.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("queue down: %w", api.ErrUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		api.MapError(w, tc.err)
		if w.Code != tc.status {
			t.Errorf("MapError(%v): expected %d, got %d", tc.err, tc.status, w.Code)
		}
	}
}
