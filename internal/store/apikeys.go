// ABOUTME: API key persistence with the access policy stored as JSON
// ABOUTME: Keys are revoked by timestamp rather than deleted so audit caller IDs stay resolvable

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/probehub/internal/policy"
)

// CreateAPIKey stores a new API key.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if !key.Type.Valid() {
		return fmt.Errorf("invalid key type %q", key.Type)
	}

	var policyJSON sql.NullString
	if key.Policy != nil && !key.Policy.IsEmpty() {
		b, err := json.Marshal(key.Policy)
		if err != nil {
			return fmt.Errorf("marshaling policy: %w", err)
		}
		policyJSON = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO api_keys (key_id, name, type, policy_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		key.ID,
		key.Name,
		string(key.Type),
		policyJSON,
		formatTime(key.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("api key %s: %w", key.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting api key: %w", err)
	}

	s.logger.Debug("created api key", "key_id", key.ID, "name", key.Name, "type", key.Type)
	return nil
}

// GetAPIKey retrieves a key by ID.
// Returns ErrNotFound if the key doesn't exist.
func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	query := `
		SELECT key_id, name, type, policy_json, created_at, revoked_at
		FROM api_keys
		WHERE key_id = ?
	`
	key, err := scanAPIKey(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return key, err
}

// ListAPIKeys returns all keys, oldest first.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	query := `
		SELECT key_id, name, type, policy_json, created_at, revoked_at
		FROM api_keys
		ORDER BY created_at ASC, key_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks a key revoked. Revoking an already revoked key is a no-op.
// Returns ErrNotFound if the key doesn't exist.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = COALESCE(revoked_at, ?) WHERE key_id = ?`,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("revoked api key", "key_id", id)
	return nil
}

func scanAPIKey(scanner rowScanner) (*APIKey, error) {
	var key APIKey
	var typeStr, createdAtStr string
	var policyJSON, revokedAtStr sql.NullString

	if err := scanner.Scan(&key.ID, &key.Name, &typeStr, &policyJSON, &createdAtStr, &revokedAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning api key: %w", err)
	}
	key.Type = KeyType(typeStr)

	var err error
	key.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if revokedAtStr.Valid {
		t, err := parseTime(revokedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing revoked_at: %w", err)
		}
		key.RevokedAt = &t
	}
	if policyJSON.Valid {
		var p policy.Policy
		if err := json.Unmarshal([]byte(policyJSON.String), &p); err != nil {
			return nil, fmt.Errorf("unmarshaling policy: %w", err)
		}
		key.Policy = &p
	}
	return &key, nil
}
