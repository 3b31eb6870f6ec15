// ABOUTME: HTTP middleware for bearer-token authentication on API endpoints
// ABOUTME: Resolves the token's key ID to a stored API key and attaches its policy to the context

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/probehub/internal/store"
)

// KeyStore looks up API keys by ID.
type KeyStore interface {
	GetAPIKey(ctx context.Context, id string) (*store.APIKey, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// authFailure is a rejected credential with the HTTP status to report.
type authFailure struct {
	status int
	msg    string
}

// Authenticate resolves a bearer token to an AuthContext.
func Authenticate(ctx context.Context, keys KeyStore, verifier TokenVerifier, token string) (*AuthContext, error) {
	claims, err := verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	key, err := keys.GetAPIKey(ctx, claims.KeyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if key.Revoked() {
		return nil, store.ErrKeyRevoked
	}
	return FromKey(key), nil
}

func authenticateRequest(r *http.Request, keys KeyStore, verifier TokenVerifier) (*AuthContext, *authFailure) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		return nil, &authFailure{http.StatusUnauthorized, errMsg}
	}
	authCtx, err := Authenticate(r.Context(), keys, verifier, token)
	switch {
	case err == nil:
		return authCtx, nil
	case errors.Is(err, store.ErrKeyRevoked):
		return nil, &authFailure{http.StatusForbidden, "api key has been revoked"}
	case errors.Is(err, ErrExpiredToken):
		return nil, &authFailure{http.StatusUnauthorized, "token expired"}
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrMissingClaim):
		return nil, &authFailure{http.StatusUnauthorized, "invalid token"}
	default:
		return nil, &authFailure{http.StatusInternalServerError, "failed to look up api key"}
	}
}

// HTTPAuthMiddleware creates an HTTP middleware that requires a valid bearer token.
// It looks up the API key and adds AuthContext to the request context using the same
// WithAuth/FromContext pattern as the gRPC interceptor.
func HTTPAuthMiddleware(keys KeyStore, verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, fail := authenticateRequest(r, keys, verifier)
			if fail != nil {
				if logger != nil {
					logger.Warn("auth failure", "reason", fail.msg, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				}
				writeAuthError(w, fail.status, fail.msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// NoAuthMiddleware injects the unrestricted anonymous context. Used when no
// jwt_secret is configured.
func NoAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), Anonymous())))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires an admin key.
// Must be used after HTTPAuthMiddleware or NoAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !authCtx.IsAdmin() {
				writeAuthError(w, http.StatusForbidden, "admin key required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
