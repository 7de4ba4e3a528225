package auth

import (
	"context"
	"errors"
)

type identityKey struct{}

// WithIdentity attaches the resolved caller to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom retrieves the caller from the context.
func IdentityFrom(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || id == nil {
		return nil, errors.New("no identity in context")
	}
	return id, nil
}

// PrincipalID is a convenience accessor; zero when no identity is present.
func PrincipalID(ctx context.Context) int64 {
	id, err := IdentityFrom(ctx)
	if err != nil {
		return 0
	}
	return id.PrincipalID
}
