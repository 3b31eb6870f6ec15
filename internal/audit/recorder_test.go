package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/probehub/internal/audit"
	"github.com/2389/probehub/internal/probe"
	"github.com/2389/probehub/internal/store"
)

type callerKey struct{}

func callerFromContext(ctx context.Context) string {
	s, _ := ctx.Value(callerKey{}).(string)
	return s
}

func TestRecorderRecordsSuccess(t *testing.T) {
	ms := store.NewMockStore()
	want := &probe.Result{Probe: "system.uptime", Status: probe.StatusSuccess, Data: map[string]any{"seconds": 42.0}, DurationMs: 7}
	rec := audit.NewRecorder(audit.RecorderConfig{
		Next: probe.ExecutorFunc(func(context.Context, string, map[string]any, string) (*probe.Result, error) {
			return want, nil
		}),
		Chain:  audit.NewChain(ms, nil),
		Caller: callerFromContext,
	})

	ctx := context.WithValue(context.Background(), callerKey{}, "key-7")
	got, err := rec.Execute(ctx, "system.uptime", map[string]any{"verbose": true}, "web-1")
	require.NoError(t, err)
	assert.Same(t, want, got)

	entries, err := ms.RecentAuditEntries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "key-7", e.CallerID)
	assert.Equal(t, "web-1", e.AgentID)
	assert.Equal(t, "system.uptime", e.Probe)
	assert.Equal(t, probe.StatusSuccess, e.Status)
	assert.Equal(t, int64(7), e.DurationMs)

	var req map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.RequestJSON), &req))
	assert.Equal(t, "system.uptime", req["probe"])
	assert.Equal(t, map[string]any{"verbose": true}, req["params"])
	assert.Contains(t, e.ResponseJSON, `"seconds":42`)
}

func TestRecorderPassesErrorsThroughUnchanged(t *testing.T) {
	ms := store.NewMockStore()
	sentinel := fmt.Errorf("probe system.uptime %w after 30s", probe.ErrTimedOut)
	rec := audit.NewRecorder(audit.RecorderConfig{
		Next: probe.ExecutorFunc(func(context.Context, string, map[string]any, string) (*probe.Result, error) {
			return nil, sentinel
		}),
		Chain: audit.NewChain(ms, nil),
	})

	got, err := rec.Execute(context.Background(), "system.uptime", nil, "web-1")
	assert.Nil(t, got)
	assert.Same(t, sentinel, err)

	entries, _ := ms.RecentAuditEntries(context.Background(), 10)
	require.Len(t, entries, 1)
	assert.Equal(t, probe.StatusTimeout, entries[0].Status)
	assert.Contains(t, entries[0].ResponseJSON, "timed out")
}

func TestRecorderClassifiesPlainErrors(t *testing.T) {
	ms := store.NewMockStore()
	rec := audit.NewRecorder(audit.RecorderConfig{
		Next: probe.ExecutorFunc(func(context.Context, string, map[string]any, string) (*probe.Result, error) {
			return nil, errors.New("agent not connected")
		}),
		Chain: audit.NewChain(ms, nil),
	})

	_, err := rec.Execute(context.Background(), "system.uptime", nil, "gone")
	require.Error(t, err)

	entries, _ := ms.RecentAuditEntries(context.Background(), 10)
	require.Len(t, entries, 1)
	assert.Equal(t, probe.StatusError, entries[0].Status)
}

func TestRecorderSurvivesAuditFailure(t *testing.T) {
	ms := store.NewMockStore()
	ms.InsertErr = errors.New("disk full")
	failures := 0
	want := &probe.Result{Probe: "redis.ping", Status: probe.StatusSuccess}

	rec := audit.NewRecorder(audit.RecorderConfig{
		Next: probe.ExecutorFunc(func(context.Context, string, map[string]any, string) (*probe.Result, error) {
			return want, nil
		}),
		Chain:           audit.NewChain(ms, nil),
		OnAppendFailure: func() { failures++ },
	})

	got, err := rec.Execute(context.Background(), "redis.ping", nil, "")
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, 1, failures)
}
