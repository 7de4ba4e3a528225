// Package auth resolves who a request runs as.
//
// Callers identify themselves either with the principal header (an integer
// id, used by trusted gateways and tests) or with a signed session token.
// The policy middleware consumes the resolved Identity; this package does
// not decide anything about permissions.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gantrylabs/gantry/pkg/api"
)

// HeaderPrincipal carries the caller's integer principal id.
const HeaderPrincipal = "X-Principal-ID"

// ErrNoIdentity means the request carried neither a principal header nor a
// session token.
var ErrNoIdentity = errors.New("no identity on request")

// Identity source labels, recorded in audit metadata.
const (
	SourceHeader  = "header"
	SourceSession = "session"
)

// Identity is the resolved caller.
type Identity struct {
	PrincipalID int64
	Role        string // set only when resolved from a session token
	Source      string
}

// Claims are the session token claims. The subject is the principal id in
// decimal form.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// PrincipalID parses the subject into a principal id.
func (c *Claims) PrincipalID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("session subject %q is not a principal id", c.Subject)
	}
	return id, nil
}

// SessionValidator signs and validates HS256 session tokens.
type SessionValidator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewSessionValidator returns a validator for the given signing secret.
// Returns nil when the secret is empty, which fails sessions closed.
func NewSessionValidator(secret []byte, issuer string) *SessionValidator {
	if len(secret) == 0 {
		return nil
	}
	return &SessionValidator{secret: secret, issuer: issuer, now: time.Now}
}

// Issue mints a session token for the principal.
func (v *SessionValidator) Issue(principalID int64, role string, ttl time.Duration) (string, error) {
	if principalID <= 0 {
		return "", fmt.Errorf("%w: principal id must be positive", api.ErrInvalidInput)
	}
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(principalID, 10),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Validate parses and verifies a session token.
func (v *SessionValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("session validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid session token")
	}
	if claims.Subject == "" {
		return nil, errors.New("session subject is required")
	}
	return claims, nil
}

// ExtractIdentity resolves the caller: the principal header wins, then a
// Bearer session token. A nil validator fails sessions closed.
func ExtractIdentity(r *http.Request, v *SessionValidator) (*Identity, error) {
	if raw := r.Header.Get(HeaderPrincipal); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: %s must be a positive integer", api.ErrInvalidInput, HeaderPrincipal)
		}
		return &Identity{PrincipalID: id, Source: SourceHeader}, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, ErrNoIdentity
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, fmt.Errorf("%w: Authorization header must be 'Bearer <token>'", api.ErrInvalidInput)
	}
	if v == nil {
		return nil, errors.New("session validation not configured")
	}
	claims, err := v.Validate(parts[1])
	if err != nil {
		return nil, err
	}
	id, err := claims.PrincipalID()
	if err != nil {
		return nil, err
	}
	return &Identity{PrincipalID: id, Role: claims.Role, Source: SourceSession}, nil
}
