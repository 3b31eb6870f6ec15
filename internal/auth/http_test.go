// ABOUTME: Tests for HTTP authentication middleware and key issuance
// ABOUTME: Covers token extraction, key lookup, revocation, anonymous mode, and the admin gate

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/probehub/internal/policy"
	"github.com/2389/probehub/internal/store"
)

func setupKeys(t *testing.T) (*store.MockStore, *JWTVerifier) {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	return store.NewMockStore(), verifier
}

func serve(mw func(http.Handler) http.Handler, authHeader string) (*httptest.ResponseRecorder, *AuthContext) {
	var got *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	keys, verifier := setupKeys(t)
	pol := &policy.Policy{AllowedProbes: []string{"system.*"}}
	key, token, err := IssueKey(context.Background(), keys, verifier, IssueRequest{Name: "claude", Policy: pol})
	require.NoError(t, err)

	rec, got := serve(HTTPAuthMiddleware(keys, verifier, nil), "Bearer "+token)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, key.ID, got.KeyID)
	assert.Equal(t, "client", got.Type)
	assert.Equal(t, "claude", got.KeyName)
	assert.Equal(t, []string{"system.*"}, got.Policy.AllowedProbes)
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	keys, verifier := setupKeys(t)
	revoked, revokedToken, err := IssueKey(context.Background(), keys, verifier, IssueRequest{Name: "old"})
	require.NoError(t, err)
	require.NoError(t, keys.RevokeAPIKey(context.Background(), revoked.ID))

	orphanToken, _ := verifier.Generate("no-such-key", "client", time.Hour)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"unknown key", "Bearer " + orphanToken, http.StatusUnauthorized},
		{"revoked key", "Bearer " + revokedToken, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, got := serve(HTTPAuthMiddleware(keys, verifier, nil), tt.header)
			assert.Equal(t, tt.status, rec.Code)
			assert.Nil(t, got)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestNoAuthMiddleware(t *testing.T) {
	rec, got := serve(NoAuthMiddleware(), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, TypeAnonymous, got.Type)
	assert.True(t, got.Policy.IsEmpty())
	assert.True(t, got.IsAdmin())
}

func TestRequireAdminHTTP(t *testing.T) {
	keys, verifier := setupKeys(t)
	_, clientToken, _ := IssueKey(context.Background(), keys, verifier, IssueRequest{Name: "c"})
	_, adminToken, _ := IssueKey(context.Background(), keys, verifier, IssueRequest{Name: "a", Type: store.KeyTypeAdmin})

	chain := func(next http.Handler) http.Handler {
		return HTTPAuthMiddleware(keys, verifier, nil)(RequireAdminHTTP()(next))
	}

	rec, _ := serve(chain, "Bearer "+clientToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, got := serve(chain, "Bearer "+adminToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", got.Type)
}

func TestIssueKeyValidates(t *testing.T) {
	keys, verifier := setupKeys(t)
	ctx := context.Background()

	_, _, err := IssueKey(ctx, keys, verifier, IssueRequest{})
	assert.Error(t, err)

	_, _, err = IssueKey(ctx, keys, verifier, IssueRequest{Name: "x", Type: "robot"})
	assert.Error(t, err)

	_, _, err = IssueKey(ctx, keys, verifier, IssueRequest{Name: "x", Policy: &policy.Policy{MaxCapabilityLevel: "root"}})
	assert.Error(t, err)
}

func TestCallerFromContext(t *testing.T) {
	assert.Equal(t, "", CallerFromContext(context.Background()))
	ctx := WithAuth(context.Background(), &AuthContext{KeyID: "k1"})
	assert.Equal(t, "k1", CallerFromContext(ctx))
}
