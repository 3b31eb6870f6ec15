// ABOUTME: Tests for the SQLite store covering audit entries, API keys and critical paths
// ABOUTME: Each test opens a fresh database in a temp directory

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/probehub/internal/audit"
	"github.com/2389/probehub/internal/criticalpath"
	"github.com/2389/probehub/internal/policy"
	"github.com/2389/probehub/internal/probe"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func testEntry(id int64) *audit.Entry {
	return &audit.Entry{
		ID:           id,
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		CallerID:     "key-1",
		AgentID:      "web-1",
		Probe:        "system.uptime",
		Status:       probe.StatusSuccess,
		DurationMs:   12,
		RequestJSON:  `{"probe":"system.uptime"}`,
		ResponseJSON: `{"status":"success"}`,
		PrevHash:     audit.GenesisHash,
		Hash:         fmt.Sprintf("hash-%d", id),
	}
}

func TestStore_CreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "hub.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestStore_LastAuditEntryEmpty(t *testing.T) {
	s := setupTestStore(t)

	e, err := s.LastAuditEntry(context.Background())
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestStore_AuditEntryRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	in := testEntry(1)
	require.NoError(t, s.InsertAuditEntry(ctx, in))

	got, err := s.LastAuditEntry(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in.ID, got.ID)
	assert.True(t, in.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, in.CallerID, got.CallerID)
	assert.Equal(t, in.Status, got.Status)
	assert.Equal(t, in.RequestJSON, got.RequestJSON)
	assert.Equal(t, in.Hash, got.Hash)

	// Hash inputs survive the round trip exactly.
	assert.Equal(t, audit.ComputeHash(in), audit.ComputeHash(got))
}

func TestStore_InsertAuditEntryDuplicateID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertAuditEntry(ctx, testEntry(1)))
	err := s.InsertAuditEntry(ctx, testEntry(1))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStore_ListAndRecentAuditEntries(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for id := int64(1); id <= 5; id++ {
		require.NoError(t, s.InsertAuditEntry(ctx, testEntry(id)))
	}

	after, err := s.ListAuditEntries(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(3), after[0].ID)
	assert.Equal(t, int64(4), after[1].ID)

	recent, err := s.RecentAuditEntries(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(5), recent[0].ID)
	assert.Equal(t, int64(3), recent[2].ID)
}

func TestStore_ChainDetectsTamperedRow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	chain := audit.NewChain(s, nil)

	for range 4 {
		_, err := chain.Append(ctx, audit.Record{Probe: "system.uptime", Status: probe.StatusSuccess, RequestJSON: "{}", ResponseJSON: "{}"})
		require.NoError(t, err)
	}

	res, err := chain.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 4, res.Checked)

	_, err = s.db.ExecContext(ctx, `UPDATE audit_entries SET status = 'error' WHERE id = 3`)
	require.NoError(t, err)

	res, err = chain.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotNil(t, res.BrokenAt)
	assert.Equal(t, int64(3), *res.BrokenAt)
}

func TestStore_APIKeyLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	pol := &policy.Policy{
		AllowedAgents:      []string{"web-1"},
		AllowedProbes:      []string{"system.*"},
		MaxCapabilityLevel: policy.LevelObserve,
	}
	created := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.CreateAPIKey(ctx, &APIKey{ID: "k1", Name: "claude", Type: KeyTypeClient, Policy: pol, CreatedAt: created}))
	require.NoError(t, s.CreateAPIKey(ctx, &APIKey{ID: "k2", Name: "ops", Type: KeyTypeAdmin, CreatedAt: created.Add(time.Second)}))

	got, err := s.GetAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "claude", got.Name)
	assert.Equal(t, KeyTypeClient, got.Type)
	require.NotNil(t, got.Policy)
	assert.Equal(t, pol.AllowedProbes, got.Policy.AllowedProbes)
	assert.Equal(t, policy.LevelObserve, got.Policy.MaxCapabilityLevel)
	assert.False(t, got.Revoked())

	unrestricted, err := s.GetAPIKey(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, unrestricted.Policy)

	keys, err := s.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "k1", keys[0].ID)

	require.NoError(t, s.RevokeAPIKey(ctx, "k1"))
	got, err = s.GetAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, got.Revoked())

	assert.ErrorIs(t, s.RevokeAPIKey(ctx, "missing"), ErrNotFound)
	_, err = s.GetAPIKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateAPIKeyRejectsBadType(t *testing.T) {
	s := setupTestStore(t)
	err := s.CreateAPIKey(context.Background(), &APIKey{ID: "k", Name: "x", Type: "robot", CreatedAt: time.Now()})
	assert.Error(t, err)
}

func TestStore_CriticalPathSteps(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := &criticalpath.Path{ID: "p1", Name: "checkout", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreatePath(ctx, p))

	steps := []*criticalpath.Step{
		{ID: "s-b", Order: 1, Name: "db", TargetType: criticalpath.TargetAgent, TargetID: "db-1", Probes: []string{"postgres.status"}},
		{ID: "s-a", Order: 0, Name: "web", TargetType: criticalpath.TargetAgent, TargetID: "web-1", Probes: []string{"system.uptime", "nginx.status"}},
	}
	require.NoError(t, s.ReplaceSteps(ctx, "p1", steps))

	got, err := s.GetPath(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "s-a", got.Steps[0].ID)
	assert.Equal(t, "p1", got.Steps[0].PathID)
	assert.Equal(t, []string{"system.uptime", "nginx.status"}, got.Steps[0].Probes)
	assert.Equal(t, "s-b", got.Steps[1].ID)

	require.NoError(t, s.ReplaceSteps(ctx, "p1", steps[:1]))
	got, err = s.GetPath(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)

	err = s.ReplaceSteps(ctx, "missing", steps)
	assert.ErrorIs(t, err, criticalpath.ErrPathNotFound)
}

func TestStore_CriticalPathUpdateListDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreatePath(ctx, &criticalpath.Path{ID: "p2", Name: "zeta", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.CreatePath(ctx, &criticalpath.Path{ID: "p1", Name: "alpha", CreatedAt: now, UpdatedAt: now}))

	err := s.CreatePath(ctx, &criticalpath.Path{ID: "p1", Name: "dup", CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, s.UpdatePath(ctx, &criticalpath.Path{ID: "p1", Name: "alpha-2", Description: "d", UpdatedAt: now}))

	paths, err := s.ListPaths(ctx)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "alpha-2", paths[0].Name)
	assert.Equal(t, "d", paths[0].Description)
	assert.Empty(t, paths[0].Steps)

	require.NoError(t, s.ReplaceSteps(ctx, "p1", []*criticalpath.Step{
		{ID: "s1", TargetType: criticalpath.TargetIntegration, TargetID: "prom"},
	}))
	require.NoError(t, s.DeletePath(ctx, "p1"))

	_, err = s.GetPath(ctx, "p1")
	assert.ErrorIs(t, err, criticalpath.ErrPathNotFound)
	assert.ErrorIs(t, s.DeletePath(ctx, "p1"), criticalpath.ErrPathNotFound)
	assert.ErrorIs(t, s.UpdatePath(ctx, &criticalpath.Path{ID: "p1", Name: "x"}), criticalpath.ErrPathNotFound)

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM critical_path_steps`).Scan(&count))
	assert.Zero(t, count)
}
