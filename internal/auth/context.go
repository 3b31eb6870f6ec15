// ABOUTME: Authentication context for tracking the caller and its policy through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"

	"github.com/2389/probehub/internal/policy"
	"github.com/2389/probehub/internal/store"
)

// Caller types beyond the stored key types.
const (
	TypeAnonymous = "anonymous"
)

// AuthContext holds the authenticated identity extracted from a request.
// A nil or empty Policy means unrestricted access.
type AuthContext struct {
	Type       string         // "client" | "agent" | "admin" | "anonymous"
	KeyID      string         // API key ID, "anonymous" when auth is disabled
	KeyName    string         // human-readable key name
	ClientName string         // self-reported client name (MCP clientInfo.name)
	Policy     *policy.Policy // access policy attached to the key
}

// Anonymous returns the unrestricted context used when auth is disabled.
func Anonymous() *AuthContext {
	return &AuthContext{Type: TypeAnonymous, KeyID: TypeAnonymous, KeyName: TypeAnonymous}
}

// FromKey builds an AuthContext for a stored API key.
func FromKey(key *store.APIKey) *AuthContext {
	return &AuthContext{
		Type:    string(key.Type),
		KeyID:   key.ID,
		KeyName: key.Name,
		Policy:  key.Policy,
	}
}

// IsAdmin returns true for admin keys and anonymous callers.
func (a *AuthContext) IsAdmin() bool {
	return a.Type == string(store.KeyTypeAdmin) || a.Type == TypeAnonymous
}

// CallerID is the identity recorded in audit entries.
func (a *AuthContext) CallerID() string {
	if a == nil {
		return ""
	}
	return a.KeyID
}

// WithClientName returns a copy of a carrying the client name.
func (a *AuthContext) WithClientName(name string) *AuthContext {
	c := *a
	c.ClientName = name
	return &c
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
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

// CallerFromContext returns the caller ID of the request, or "" when unauthenticated.
func CallerFromContext(ctx context.Context) string {
	return FromContext(ctx).CallerID()
}
