// ABOUTME: Authentication context for tracking tenant identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Method names how a caller authenticated.
type Method string

const (
	MethodJWT       Method = "jwt"
	MethodAPIKey    Method = "api_key"
	MethodAnonymous Method = "anonymous"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	TenantID      string
	ParticipantID string // may be empty; callers may then name one per request
	Method        Method

	// Credential is the raw Authorization header value, forwarded to the
	// workflow engine. Empty for anonymous callers.
	Credential string
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
