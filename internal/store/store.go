// ABOUTME: Store interfaces and shared types for hub persistence
// ABOUTME: Covers the audit chain, API keys with their policies, and critical paths

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/probehub/internal/audit"
	"github.com/2389/probehub/internal/criticalpath"
	"github.com/2389/probehub/internal/policy"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrKeyRevoked    = errors.New("api key revoked")
)

// KeyType identifies who holds an API key.
type KeyType string

const (
	KeyTypeClient KeyType = "client"
	KeyTypeAgent  KeyType = "agent"
	KeyTypeAdmin  KeyType = "admin"
)

// Valid reports whether t is a known key type.
func (t KeyType) Valid() bool {
	switch t {
	case KeyTypeClient, KeyTypeAgent, KeyTypeAdmin:
		return true
	}
	return false
}

// APIKey is a stored credential. The signed token itself is never stored,
// only the key ID it carries. A nil Policy means unrestricted access.
type APIKey struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      KeyType        `json:"type"`
	Policy    *policy.Policy `json:"policy,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	RevokedAt *time.Time     `json:"revokedAt,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// APIKeyStore persists API keys.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *APIKey) error
	// GetAPIKey returns ErrNotFound for unknown IDs. Revoked keys are returned as-is.
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// Store is everything the hub persists.
type Store interface {
	audit.Store
	criticalpath.Store
	APIKeyStore

	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
