// ABOUTME: CRUD for critical paths that keeps step order dense after every edit.
// ABOUTME: All step mutations rewrite the full step list through Store.ReplaceSteps.

package criticalpath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service edits critical paths.
type Service struct {
	store  Store
	logger *slog.Logger

	// mu serializes load-modify-save of a path so concurrent edits don't drop steps.
	mu sync.Mutex
}

// NewService creates a new Service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// CreatePath creates an empty path.
func (s *Service) CreatePath(ctx context.Context, name, description string) (*Path, error) {
	if name == "" {
		return nil, errors.New("path name is required")
	}
	now := time.Now().UTC()
	p := &Path{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Steps:       []*Step{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePath(ctx, p); err != nil {
		return nil, fmt.Errorf("creating path: %w", err)
	}
	s.logger.Info("critical path created", "path_id", p.ID, "name", name)
	return p, nil
}

// GetPath returns a path with its ordered steps.
func (s *Service) GetPath(ctx context.Context, id string) (*Path, error) {
	return s.store.GetPath(ctx, id)
}

// ListPaths returns every path.
func (s *Service) ListPaths(ctx context.Context) ([]*Path, error) {
	return s.store.ListPaths(ctx)
}

// UpdatePath changes a path's name and description.
func (s *Service) UpdatePath(ctx context.Context, id, name, description string) (*Path, error) {
	if name == "" {
		return nil, errors.New("path name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.store.GetPath(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Name = name
	p.Description = description
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdatePath(ctx, p); err != nil {
		return nil, fmt.Errorf("updating path: %w", err)
	}
	return p, nil
}

// DeletePath removes a path and its steps.
func (s *Service) DeletePath(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.DeletePath(ctx, id); err != nil {
		return err
	}
	s.logger.Info("critical path deleted", "path_id", id)
	return nil
}

// AddStep appends a step. A non-negative position inserts it there instead.
func (s *Service) AddStep(ctx context.Context, pathID string, in StepInput, position int) (*Step, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.store.GetPath(ctx, pathID)
	if err != nil {
		return nil, err
	}

	step := &Step{
		ID:         uuid.New().String(),
		PathID:     pathID,
		Name:       in.Name,
		TargetType: in.TargetType,
		TargetID:   in.TargetID,
		Probes:     slices.Clone(in.Probes),
	}
	if position < 0 || position >= len(p.Steps) {
		p.Steps = append(p.Steps, step)
	} else {
		p.Steps = slices.Insert(p.Steps, position, step)
	}

	if err := s.saveSteps(ctx, p); err != nil {
		return nil, err
	}
	return step, nil
}

// UpdateStep replaces a step's definition without moving it.
func (s *Service) UpdateStep(ctx context.Context, pathID, stepID string, in StepInput) (*Step, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.store.GetPath(ctx, pathID)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(p.Steps, func(st *Step) bool { return st.ID == stepID })
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}

	st := p.Steps[idx]
	st.Name = in.Name
	st.TargetType = in.TargetType
	st.TargetID = in.TargetID
	st.Probes = slices.Clone(in.Probes)

	if err := s.saveSteps(ctx, p); err != nil {
		return nil, err
	}
	return st, nil
}

// RemoveStep deletes a step and closes the gap it leaves.
func (s *Service) RemoveStep(ctx context.Context, pathID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.store.GetPath(ctx, pathID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(p.Steps, func(st *Step) bool { return st.ID == stepID })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	p.Steps = slices.Delete(p.Steps, idx, idx+1)
	return s.saveSteps(ctx, p)
}

// ReorderSteps puts the steps in the order given. stepIDs must name every step exactly once.
func (s *Service) ReorderSteps(ctx context.Context, pathID string, stepIDs []string) (*Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.store.GetPath(ctx, pathID)
	if err != nil {
		return nil, err
	}
	if len(stepIDs) != len(p.Steps) {
		return nil, fmt.Errorf("%w: expected %d step ids, got %d", ErrInvalidOrder, len(p.Steps), len(stepIDs))
	}

	byID := make(map[string]*Step, len(p.Steps))
	for _, st := range p.Steps {
		byID[st.ID] = st
	}
	reordered := make([]*Step, 0, len(stepIDs))
	for _, id := range stepIDs {
		st, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown or repeated step %s", ErrInvalidOrder, id)
		}
		delete(byID, id)
		reordered = append(reordered, st)
	}
	p.Steps = reordered

	if err := s.saveSteps(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// saveSteps renumbers steps to [0..n-1] and persists them. Callers hold s.mu.
func (s *Service) saveSteps(ctx context.Context, p *Path) error {
	for i, st := range p.Steps {
		st.Order = i
	}
	if err := s.store.ReplaceSteps(ctx, p.ID, p.Steps); err != nil {
		return fmt.Errorf("saving steps: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdatePath(ctx, p); err != nil {
		return fmt.Errorf("updating path: %w", err)
	}
	return nil
}
