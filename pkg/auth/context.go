// Package auth authenticates callers with HS256 bearer tokens. The token subject is the
// principal every escrow action is attributed to.
package auth

import (
	"context"
	"errors"
)

var ErrNoPrincipal = errors.New("no principal in context")

// RoleOperator may run maintenance actions such as draining the payout outbox.
const RoleOperator = "operator"

// Principal is an authenticated caller.
type Principal struct {
	ID    string
	Roles []string
}

// HasRole reports whether p carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal returns the principal set by the middleware.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}

// CallerID returns the principal id, or "" for anonymous requests.
func CallerID(ctx context.Context) string {
	p, _ := GetPrincipal(ctx)
	return p.ID
}
