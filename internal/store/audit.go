// ABOUTME: Audit entry persistence for the hash-linked probe call log
// ABOUTME: Entries are inserted with caller-assigned IDs and never updated

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/2389/probehub/internal/audit"
	"github.com/2389/probehub/internal/probe"
)

const auditColumns = `id, ts, caller_id, agent_id, probe, status, duration_ms, request_json, response_json, prev_hash, hash`

// InsertAuditEntry stores a new entry. The ID must not already exist.
func (s *SQLiteStore) InsertAuditEntry(ctx context.Context, e *audit.Entry) error {
	query := `INSERT INTO audit_entries (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		formatTime(e.Timestamp),
		e.CallerID,
		e.AgentID,
		e.Probe,
		string(e.Status),
		e.DurationMs,
		e.RequestJSON,
		e.ResponseJSON,
		e.PrevHash,
		e.Hash,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("audit entry %d: %w", e.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("audit entry stored", "id", e.ID, "probe", e.Probe)
	return nil
}

// LastAuditEntry returns the entry with the highest ID, or nil if there are none.
func (s *SQLiteStore) LastAuditEntry(ctx context.Context) (*audit.Entry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries ORDER BY id DESC LIMIT 1`

	e, err := scanAuditEntry(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListAuditEntries returns up to limit entries with ID greater than afterID, oldest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, afterID int64, limit int) ([]*audit.Entry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries WHERE id > ? ORDER BY id ASC LIMIT ?`
	return s.queryAuditEntries(ctx, query, afterID, normalizeAuditLimit(limit))
}

// RecentAuditEntries returns up to limit entries, newest first.
func (s *SQLiteStore) RecentAuditEntries(ctx context.Context, limit int) ([]*audit.Entry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries ORDER BY id DESC LIMIT ?`
	return s.queryAuditEntries(ctx, query, normalizeAuditLimit(limit))
}

func (s *SQLiteStore) queryAuditEntries(ctx context.Context, query string, args ...any) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

// normalizeAuditLimit returns a valid limit value (default 100, max 1000).
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// scanAuditEntry scans a row into an audit.Entry.
func scanAuditEntry(scanner rowScanner) (*audit.Entry, error) {
	var e audit.Entry
	var tsStr, statusStr string

	if err := scanner.Scan(
		&e.ID,
		&tsStr,
		&e.CallerID,
		&e.AgentID,
		&e.Probe,
		&statusStr,
		&e.DurationMs,
		&e.RequestJSON,
		&e.ResponseJSON,
		&e.PrevHash,
		&e.Hash,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Status = probe.Status(statusStr)
	var err error
	e.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &e, nil
}
