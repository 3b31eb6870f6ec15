// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/2389/probehub/internal/audit"
	"github.com/2389/probehub/internal/criticalpath"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	entries []*audit.Entry                  // ascending by ID
	keys    map[string]*APIKey              // keyed by key ID
	paths   map[string]*criticalpath.Path   // keyed by path ID, steps stored separately
	steps   map[string][]*criticalpath.Step // keyed by path ID

	// InsertErr, when set, is returned by InsertAuditEntry.
	InsertErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		keys:  make(map[string]*APIKey),
		paths: make(map[string]*criticalpath.Path),
		steps: make(map[string][]*criticalpath.Step),
	}
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// InsertAuditEntry stores a copy of e.
func (m *MockStore) InsertAuditEntry(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InsertErr != nil {
		return m.InsertErr
	}
	for _, existing := range m.entries {
		if existing.ID == e.ID {
			return fmt.Errorf("audit entry %d: %w", e.ID, ErrAlreadyExists)
		}
	}
	c := *e
	m.entries = append(m.entries, &c)
	sort.Slice(m.entries, func(i, j int) bool { return m.entries[i].ID < m.entries[j].ID })
	return nil
}

// LastAuditEntry returns the entry with the highest ID, or nil.
func (m *MockStore) LastAuditEntry(_ context.Context) (*audit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return nil, nil
	}
	c := *m.entries[len(m.entries)-1]
	return &c, nil
}

// ListAuditEntries returns up to limit entries after afterID, oldest first.
func (m *MockStore) ListAuditEntries(_ context.Context, afterID int64, limit int) ([]*audit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = normalizeAuditLimit(limit)
	var out []*audit.Entry
	for _, e := range m.entries {
		if e.ID <= afterID {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// RecentAuditEntries returns up to limit entries, newest first.
func (m *MockStore) RecentAuditEntries(_ context.Context, limit int) ([]*audit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = normalizeAuditLimit(limit)
	var out []*audit.Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		c := *m.entries[i]
		out = append(out, &c)
	}
	return out, nil
}

// TamperAuditEntry mutates a stored entry in place, bypassing the append-only
// contract. Used by tests exercising chain verification.
func (m *MockStore) TamperAuditEntry(id int64, mutate func(e *audit.Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.ID == id {
			mutate(e)
			return true
		}
	}
	return false
}

// DeleteAuditEntry removes a stored entry, bypassing the append-only contract.
func (m *MockStore) DeleteAuditEntry(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.entries {
		if e.ID == id {
			m.entries = slices.Delete(m.entries, i, i+1)
			return true
		}
	}
	return false
}

// CreateAPIKey stores a copy of key.
func (m *MockStore) CreateAPIKey(_ context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !key.Type.Valid() {
		return fmt.Errorf("invalid key type %q", key.Type)
	}
	if _, ok := m.keys[key.ID]; ok {
		return fmt.Errorf("api key %s: %w", key.ID, ErrAlreadyExists)
	}
	c := *key
	m.keys[key.ID] = &c
	return nil
}

// GetAPIKey retrieves a key by ID.
func (m *MockStore) GetAPIKey(_ context.Context, id string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *key
	return &c, nil
}

// ListAPIKeys returns all keys, oldest first.
func (m *MockStore) ListAPIKeys(_ context.Context) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*APIKey, 0, len(m.keys))
	for _, key := range m.keys {
		c := *key
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RevokeAPIKey marks a key revoked.
func (m *MockStore) RevokeAPIKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	if key.RevokedAt == nil {
		now := time.Now().UTC()
		key.RevokedAt = &now
	}
	return nil
}

// CreatePath stores a copy of p and its steps.
func (m *MockStore) CreatePath(_ context.Context, p *criticalpath.Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.paths[p.ID]; ok {
		return fmt.Errorf("path %s: %w", p.ID, ErrAlreadyExists)
	}
	c := *p
	c.Steps = nil
	m.paths[p.ID] = &c
	m.steps[p.ID] = copySteps(p.Steps)
	return nil
}

// GetPath retrieves a path with its steps sorted by order.
func (m *MockStore) GetPath(_ context.Context, id string) (*criticalpath.Path, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.getPathLocked(id)
}

func (m *MockStore) getPathLocked(id string) (*criticalpath.Path, error) {
	p, ok := m.paths[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", criticalpath.ErrPathNotFound, id)
	}
	c := *p
	c.Steps = copySteps(m.steps[id])
	sort.SliceStable(c.Steps, func(i, j int) bool { return c.Steps[i].Order < c.Steps[j].Order })
	return &c, nil
}

// ListPaths returns all paths ordered by name.
func (m *MockStore) ListPaths(_ context.Context) ([]*criticalpath.Path, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*criticalpath.Path, 0, len(m.paths))
	for id := range m.paths {
		p, _ := m.getPathLocked(id)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdatePath updates name, description and updated_at.
func (m *MockStore) UpdatePath(_ context.Context, p *criticalpath.Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.paths[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", criticalpath.ErrPathNotFound, p.ID)
	}
	existing.Name = p.Name
	existing.Description = p.Description
	existing.UpdatedAt = p.UpdatedAt
	return nil
}

// DeletePath removes a path and its steps.
func (m *MockStore) DeletePath(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.paths[id]; !ok {
		return fmt.Errorf("%w: %s", criticalpath.ErrPathNotFound, id)
	}
	delete(m.paths, id)
	delete(m.steps, id)
	return nil
}

// ReplaceSteps swaps the full step list of a path.
func (m *MockStore) ReplaceSteps(_ context.Context, pathID string, steps []*criticalpath.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.paths[pathID]; !ok {
		return fmt.Errorf("%w: %s", criticalpath.ErrPathNotFound, pathID)
	}
	cp := copySteps(steps)
	for _, st := range cp {
		st.PathID = pathID
	}
	m.steps[pathID] = cp
	return nil
}

func copySteps(steps []*criticalpath.Step) []*criticalpath.Step {
	out := make([]*criticalpath.Step, 0, len(steps))
	for _, st := range steps {
		c := *st
		c.Probes = slices.Clone(st.Probes)
		out = append(out, &c)
	}
	return out
}
