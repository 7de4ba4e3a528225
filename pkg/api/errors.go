package api

import (
	"errors"
	"net/http"
)

// Sentinel error kinds surfaced by services and repositories. Handlers map
// them onto HTTP statuses with MapError; everything unrecognized is a 500.
var (
	// ErrInvalidInput marks rejected inputs: unknown suite, unknown
	// component, invalid regex, bad entity type, zero-width rate window.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks missing runs, requests, sources, links, alerts,
	// policies, and documents.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks duplicate pack registrations, out-of-order
	// promotions, and disabled sources.
	ErrConflict = errors.New("conflict")

	// ErrForbidden marks policy denials.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited marks rate-limit rejections.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable marks degraded or unreachable backends where the
	// request cannot proceed safely.
	ErrUnavailable = errors.New("unavailable")
)

// MapError renders err as an RFC 7807 response according to its kind.
// The error's own text becomes the problem detail for client-safe kinds;
// internal errors are sanitized by WriteInternal.
func MapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, ErrConflict):
		WriteConflict(w, err.Error())
	case errors.Is(err, ErrForbidden):
		WriteForbidden(w, err.Error())
	case errors.Is(err, ErrRateLimited):
		WriteTooManyRequests(w, 60)
	case errors.Is(err, ErrUnavailable):
		WriteUnavailable(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}
