package auth

import (
	"context"
	"errors"
)

// ErrNoIdentity means the request never passed RequireAccessToken.
var ErrNoIdentity = errors.New("no authenticated identity in context")

// Identity is the authenticated caller: a seeker, a consultant or an admin.
type Identity struct {
	UserID string
	Role   string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, userID, role string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserID: userID, Role: role})
}

// IdentityFrom returns the caller stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.UserID == "" || id.Role == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func UserID(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	return id.UserID, err
}

func Role(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	return id.Role, err
}
