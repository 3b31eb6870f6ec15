// ABOUTME: Critical path and step persistence
// ABOUTME: Step lists are replaced wholesale inside a transaction to keep order values dense

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/probehub/internal/criticalpath"
)

// CreatePath stores a new path. Any steps on p are stored too.
func (s *SQLiteStore) CreatePath(ctx context.Context, p *criticalpath.Path) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO critical_paths (path_id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("path %s: %w", p.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting path: %w", err)
	}

	if err := insertSteps(ctx, tx, p.ID, p.Steps); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("created critical path", "path_id", p.ID, "name", p.Name)
	return nil
}

// GetPath retrieves a path with its steps sorted by order.
// Returns criticalpath.ErrPathNotFound if the path doesn't exist.
func (s *SQLiteStore) GetPath(ctx context.Context, id string) (*criticalpath.Path, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path_id, name, description, created_at, updated_at
		FROM critical_paths
		WHERE path_id = ?
	`, id)
	p, err := scanPath(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", criticalpath.ErrPathNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	p.Steps, err = s.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPaths returns all paths with their steps, ordered by name.
func (s *SQLiteStore) ListPaths(ctx context.Context) ([]*criticalpath.Path, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path_id, name, description, created_at, updated_at
		FROM critical_paths
		ORDER BY name ASC, path_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying paths: %w", err)
	}

	var paths []*criticalpath.Path
	for rows.Next() {
		p, err := scanPath(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating paths: %w", err)
	}
	rows.Close()

	for _, p := range paths {
		if p.Steps, err = s.loadSteps(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// UpdatePath updates a path's name, description and updated_at. Steps are untouched.
func (s *SQLiteStore) UpdatePath(ctx context.Context, p *criticalpath.Path) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE critical_paths
		SET name = ?, description = ?, updated_at = ?
		WHERE path_id = ?
	`, p.Name, p.Description, formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("updating path: %w", err)
	}
	return requireAffected(result, p.ID)
}

// DeletePath removes a path and its steps.
func (s *SQLiteStore) DeletePath(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM critical_path_steps WHERE path_id = ?`, id); err != nil {
		return fmt.Errorf("deleting steps: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM critical_paths WHERE path_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting path: %w", err)
	}
	if err := requireAffected(result, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	s.logger.Debug("deleted critical path", "path_id", id)
	return nil
}

// ReplaceSteps swaps the full step list of a path in one transaction.
func (s *SQLiteStore) ReplaceSteps(ctx context.Context, pathID string, steps []*criticalpath.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM critical_paths WHERE path_id = ?`, pathID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", criticalpath.ErrPathNotFound, pathID)
	}
	if err != nil {
		return fmt.Errorf("checking path: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM critical_path_steps WHERE path_id = ?`, pathID); err != nil {
		return fmt.Errorf("clearing steps: %w", err)
	}
	if err := insertSteps(ctx, tx, pathID, steps); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func insertSteps(ctx context.Context, tx *sql.Tx, pathID string, steps []*criticalpath.Step) error {
	for _, st := range steps {
		probes := st.Probes
		if probes == nil {
			probes = []string{}
		}
		probesJSON, err := json.Marshal(probes)
		if err != nil {
			return fmt.Errorf("marshaling probes: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO critical_path_steps (step_id, path_id, step_order, name, target_type, target_id, probes_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, st.ID, pathID, st.Order, st.Name, string(st.TargetType), st.TargetID, string(probesJSON))
		if err != nil {
			return fmt.Errorf("inserting step %s: %w", st.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, pathID string) ([]*criticalpath.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, path_id, step_order, name, target_type, target_id, probes_json
		FROM critical_path_steps
		WHERE path_id = ?
		ORDER BY step_order ASC
	`, pathID)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer rows.Close()

	steps := []*criticalpath.Step{}
	for rows.Next() {
		var st criticalpath.Step
		var targetType, probesJSON string
		if err := rows.Scan(&st.ID, &st.PathID, &st.Order, &st.Name, &targetType, &st.TargetID, &probesJSON); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		st.TargetType = criticalpath.TargetType(targetType)
		if err := json.Unmarshal([]byte(probesJSON), &st.Probes); err != nil {
			return nil, fmt.Errorf("unmarshaling probes: %w", err)
		}
		steps = append(steps, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating steps: %w", err)
	}
	return steps, nil
}

func scanPath(scanner rowScanner) (*criticalpath.Path, error) {
	var p criticalpath.Path
	var createdAtStr, updatedAtStr string
	if err := scanner.Scan(&p.ID, &p.Name, &p.Description, &createdAtStr, &updatedAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning path: %w", err)
	}

	var err error
	if p.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

func requireAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", criticalpath.ErrPathNotFound, id)
	}
	return nil
}
