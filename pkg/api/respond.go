package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// maxBodyBytes caps request bodies accepted by DecodeJSON.
const maxBodyBytes = 1 << 20 // 1MB

// Header names recognized across the API surface.
const (
	// HeaderPrincipal carries the integer principal id.
	HeaderPrincipal = "X-Principal-ID"
	// HeaderCorrelation carries an opaque correlation id, propagated into
	// queue jobs and audit records.
	HeaderCorrelation = "X-Correlation-ID"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the request body into v, enforcing the body size cap
// and rejecting unknown fields.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ClientIP extracts the originating client address, consulting
// X-Forwarded-For then X-Real-IP before falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the client; later hops are proxies.
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimPrefix(r.RemoteAddr, "[")
		ip = strings.TrimSuffix(ip, "]")
	}
	return ip
}

// CorrelationID returns the request's correlation id, if any.
func CorrelationID(r *http.Request) string {
	return r.Header.Get(HeaderCorrelation)
}
