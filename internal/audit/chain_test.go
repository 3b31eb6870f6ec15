package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/probehub/internal/audit"
	"github.com/2389/probehub/internal/probe"
	"github.com/2389/probehub/internal/store"
)

func appendN(t *testing.T, chain *audit.Chain, n int) []*audit.Entry {
	t.Helper()
	entries := make([]*audit.Entry, 0, n)
	for i := range n {
		e, err := chain.Append(context.Background(), audit.Record{
			CallerID:     "key-1",
			AgentID:      "web-1",
			Probe:        "system.uptime",
			Status:       probe.StatusSuccess,
			DurationMs:   int64(i),
			RequestJSON:  `{"probe":"system.uptime"}`,
			ResponseJSON: `{"status":"success"}`,
		})
		require.NoError(t, err)
		entries = append(entries, e)
	}
	return entries
}

func TestAppendLinksEntries(t *testing.T) {
	chain := audit.NewChain(store.NewMockStore(), nil)
	entries := appendN(t, chain, 3)

	assert.Equal(t, int64(1), entries[0].ID)
	assert.Equal(t, audit.GenesisHash, entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.Equal(t, entries[1].Hash, entries[2].PrevHash)
	assert.Equal(t, int64(3), entries[2].ID)
	assert.Len(t, entries[0].Hash, 64)
	assert.Equal(t, audit.ComputeHash(entries[2]), entries[2].Hash)
}

func TestVerifyUntamperedChain(t *testing.T) {
	chain := audit.NewChain(store.NewMockStore(), nil)
	appendN(t, chain, 10)

	res, err := chain.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Nil(t, res.BrokenAt)
	assert.Equal(t, 10, res.Checked)
}

func TestVerifyEmptyChain(t *testing.T) {
	res, err := audit.NewChain(store.NewMockStore(), nil).Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Zero(t, res.Checked)
}

func TestVerifyDetectsMutationOfAnyField(t *testing.T) {
	mutations := map[string]func(e *audit.Entry){
		"caller":   func(e *audit.Entry) { e.CallerID = "someone-else" },
		"status":   func(e *audit.Entry) { e.Status = probe.StatusError },
		"response": func(e *audit.Entry) { e.ResponseJSON = `{"status":"error"}` },
		"duration": func(e *audit.Entry) { e.DurationMs = 9999 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			ms := store.NewMockStore()
			chain := audit.NewChain(ms, nil)
			appendN(t, chain, 5)

			require.True(t, ms.TamperAuditEntry(3, mutate))

			res, err := chain.Verify(context.Background())
			require.NoError(t, err)
			assert.False(t, res.Valid)
			require.NotNil(t, res.BrokenAt)
			assert.Equal(t, int64(3), *res.BrokenAt)
			assert.Equal(t, 2, res.Checked)
		})
	}
}

func TestVerifyDetectsRehashedEntry(t *testing.T) {
	ms := store.NewMockStore()
	chain := audit.NewChain(ms, nil)
	appendN(t, chain, 4)

	// Rewriting an entry and its own hash still breaks the next link.
	ms.TamperAuditEntry(2, func(e *audit.Entry) {
		e.Probe = "docker.containers.list"
		e.Hash = audit.ComputeHash(e)
	})

	res, err := chain.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotNil(t, res.BrokenAt)
	assert.Equal(t, int64(3), *res.BrokenAt)
}

func TestVerifyDetectsGap(t *testing.T) {
	ms := store.NewMockStore()
	chain := audit.NewChain(ms, nil)
	appendN(t, chain, 4)

	require.True(t, ms.DeleteAuditEntry(2))

	res, err := chain.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotNil(t, res.BrokenAt)
	assert.Equal(t, int64(3), *res.BrokenAt)
	assert.Contains(t, res.Reason, "expected id 2")
}

func TestConcurrentAppendsStayContiguous(t *testing.T) {
	ms := store.NewMockStore()
	chain := audit.NewChain(ms, nil)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := chain.Append(context.Background(), audit.Record{Probe: "x.y", Status: probe.StatusSuccess})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := chain.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 20, res.Checked)
}

func TestRecentNewestFirst(t *testing.T) {
	chain := audit.NewChain(store.NewMockStore(), nil)
	appendN(t, chain, 5)

	recent, err := chain.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(5), recent[0].ID)
	assert.Equal(t, int64(4), recent[1].ID)
}

func TestAppendFailsWhenStoreFails(t *testing.T) {
	ms := store.NewMockStore()
	ms.InsertErr = errors.New("disk full")
	chain := audit.NewChain(ms, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := chain.Append(ctx, audit.Record{Probe: "x.y", Status: probe.StatusSuccess})
	assert.Error(t, err)
}
