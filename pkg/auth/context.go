package auth

import (
	"context"
	"errors"
)

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity attaches an Identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext retrieves the Identity from the context.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey).(Identity)
	if !ok {
		return Identity{}, errors.New("auth: no identity in context")
	}
	return id, nil
}

// TenantID is a helper to get the tenant from the context's Identity.
func TenantID(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	if id.TenantID == "" {
		return "", ErrTenantRequired
	}
	return id.TenantID, nil
}
