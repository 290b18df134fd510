// Package auth adapts the shared bearer-token library to the step API: scopes, per-user
// access rules and the HTTP middleware.
package auth

import (
	"context"

	authlib "example.com/stepcount/internal/platform/authlib"
)

// Scopes understood by the step API. Admin grants access to every user's records.
const (
	ScopeStepsWrite = "steps:write"
	ScopeStepsRead  = "steps:read"
	ScopeStepsAdmin = "steps:admin"
)

type (
	Claims = authlib.Claims
	Config = authlib.Config
)

// WithClaims stores the claims in the request context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return authlib.WithClaims(ctx, claims)
}

// FromContext retrieves claims from context.
func FromContext(ctx context.Context) (*Claims, bool) {
	return authlib.FromContext(ctx)
}

// HasAnyScope reports whether claims carry at least one of scopes.
func HasAnyScope(claims *Claims, scopes ...string) bool {
	if claims == nil {
		return false
	}
	for _, s := range scopes {
		if claims.HasScope(s) {
			return true
		}
	}
	return false
}

// CanAccessUser reports whether the caller may read or write userID's records.
func CanAccessUser(claims *Claims, userID string) bool {
	if claims == nil || userID == "" {
		return false
	}
	return claims.Subject == userID || claims.HasScope(ScopeStepsAdmin)
}
