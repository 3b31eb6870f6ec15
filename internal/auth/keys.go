// ABOUTME: API key issuance: stores a new key with its policy and signs a bearer token for it
// ABOUTME: The token is returned once and never persisted

package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/probehub/internal/policy"
	"github.com/2389/probehub/internal/store"
)

// IssueRequest describes a key to create.
type IssueRequest struct {
	Name      string
	Type      store.KeyType
	Policy    *policy.Policy
	ExpiresIn time.Duration // zero means the token never expires
}

// IssueKey creates an API key and returns it with a signed token.
func IssueKey(ctx context.Context, keys store.APIKeyStore, verifier *JWTVerifier, req IssueRequest) (*store.APIKey, string, error) {
	if req.Name == "" {
		return nil, "", fmt.Errorf("key name is required")
	}
	if req.Type == "" {
		req.Type = store.KeyTypeClient
	}
	if !req.Type.Valid() {
		return nil, "", fmt.Errorf("invalid key type %q", req.Type)
	}
	if req.Policy != nil {
		if err := req.Policy.Validate(); err != nil {
			return nil, "", fmt.Errorf("invalid policy: %w", err)
		}
	}

	key := &store.APIKey{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Type:      req.Type,
		Policy:    req.Policy,
		CreatedAt: time.Now().UTC(),
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("storing api key: %w", err)
	}

	token, err := verifier.Generate(key.ID, string(key.Type), req.ExpiresIn)
	if err != nil {
		return nil, "", fmt.Errorf("signing token: %w", err)
	}
	return key, token, nil
}
