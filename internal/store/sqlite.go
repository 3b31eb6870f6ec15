// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database in WAL mode and creates the schema on first use

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection keeps the per-connection pragmas in force and serializes writers
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id            INTEGER PRIMARY KEY,
			ts            TEXT NOT NULL,
			caller_id     TEXT NOT NULL,
			agent_id      TEXT NOT NULL,
			probe         TEXT NOT NULL,
			status        TEXT NOT NULL,
			duration_ms   INTEGER NOT NULL,
			request_json  TEXT NOT NULL,
			response_json TEXT NOT NULL,
			prev_hash     TEXT NOT NULL,
			hash          TEXT NOT NULL,

			CHECK (status IN ('success', 'error', 'timeout'))
		);

		CREATE TABLE IF NOT EXISTS api_keys (
			key_id      TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			type        TEXT NOT NULL,
			policy_json TEXT,
			created_at  TEXT NOT NULL,
			revoked_at  TEXT,

			CHECK (type IN ('client', 'agent', 'admin'))
		);

		CREATE TABLE IF NOT EXISTS critical_paths (
			path_id     TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS critical_path_steps (
			step_id     TEXT PRIMARY KEY,
			path_id     TEXT NOT NULL,
			step_order  INTEGER NOT NULL,
			name        TEXT NOT NULL DEFAULT '',
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			probes_json TEXT NOT NULL,

			FOREIGN KEY (path_id) REFERENCES critical_paths(path_id) ON DELETE CASCADE,
			CHECK (target_type IN ('agent', 'integration'))
		);

		CREATE INDEX IF NOT EXISTS idx_critical_path_steps_path
			ON critical_path_steps(path_id, step_order);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
