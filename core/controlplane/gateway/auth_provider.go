package gateway

import (
	"context"
	"net/http"
)

// AuthContext captures request identity. PrincipalID becomes the default
// lock owner.
type AuthContext struct {
	APIKey      string
	PrincipalID string
	Method      string
}

type authContextKey struct{}

// AuthProvider authenticates API requests.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
}

func authFromContext(ctx context.Context) *AuthContext {
	if ctx == nil {
		return nil
	}
	if raw := ctx.Value(authContextKey{}); raw != nil {
		if auth, ok := raw.(*AuthContext); ok {
			return auth
		}
	}
	return nil
}

func authFromRequest(r *http.Request) *AuthContext {
	if r == nil {
		return nil
	}
	return authFromContext(r.Context())
}
