package diagnostics

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/probehub/internal/probe"
	"github.com/2389/probehub/internal/runbook"
)

type fleetExecutor struct {
	mu       sync.Mutex
	calls    []string
	down     map[string]bool
	diskData any
}

func (f *fleetExecutor) Execute(_ context.Context, name string, params map[string]any, agentID string) (*probe.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentID+"/"+name)
	f.mu.Unlock()

	if f.down[agentID] {
		return nil, errors.New("agent not connected: " + agentID)
	}
	switch name {
	case "system.disk.usage":
		return &probe.Result{Probe: name, Status: probe.StatusSuccess, Data: f.diskData}, nil
	case "system.disk.largest":
		return &probe.Result{Probe: name, Status: probe.StatusSuccess, Data: map[string]any{"path": params["path"]}}, nil
	default:
		return &probe.Result{Probe: name, Status: probe.StatusSuccess, Data: map[string]any{"seconds": 100.0}}, nil
	}
}

func newEngine(t *testing.T) *runbook.Engine {
	t.Helper()
	e := runbook.NewEngine(runbook.EngineConfig{})
	require.NoError(t, Register(e))
	return e
}

func TestAgentConnectivity(t *testing.T) {
	e := newEngine(t)
	exec := &fleetExecutor{down: map[string]bool{"db-1": true}}

	res, err := e.ExecuteDiagnostic(context.Background(), CategoryAgentConnectivity, nil, exec,
		runbook.DiagnosticContext{ConnectedAgents: []string{"web-1", "db-1", "web-2"}}, runbook.DiagnosticOptions{})
	require.NoError(t, err)

	assert.Len(t, res.Findings, 3)
	assert.Equal(t, 2, res.Summary.ProbesSucceeded)
	assert.Equal(t, 1, res.Summary.ProbesFailed)
	assert.Equal(t, "2 of 3 connected agents responded; unresponsive: db-1", res.SummaryText)
	assert.Equal(t, probe.StatusError, res.Findings["db-1/system.uptime"].Status)
}

func TestAgentConnectivityNoAgents(t *testing.T) {
	e := newEngine(t)
	res, err := e.ExecuteDiagnostic(context.Background(), CategoryAgentConnectivity, nil, &fleetExecutor{},
		runbook.DiagnosticContext{}, runbook.DiagnosticOptions{})
	require.NoError(t, err)
	assert.Equal(t, "No agents are connected", res.SummaryText)
	assert.Empty(t, res.Findings)
}

func TestDiskPressureDrillsIntoHotMounts(t *testing.T) {
	e := newEngine(t)
	exec := &fleetExecutor{diskData: map[string]any{
		"mounts": []any{
			map[string]any{"mount": "/", "usedPercent": 95.5},
			map[string]any{"mount": "/data", "usedPercent": 40.0},
			map[string]any{"mount": "/var", "usedPercent": 91.0},
		},
	}}

	res, err := e.ExecuteDiagnostic(context.Background(), CategoryDiskPressure, map[string]any{"agent_id": "web-1"}, exec,
		runbook.DiagnosticContext{}, runbook.DiagnosticOptions{})
	require.NoError(t, err)

	assert.Equal(t, "Mounts above 90% on web-1: /, /var", res.SummaryText)
	assert.Equal(t, []string{
		"web-1/system.disk.usage",
		"web-1/system.disk.largest",
		"web-1/system.disk.largest",
	}, exec.calls)
	require.Len(t, res.Findings, 3)
	assert.Contains(t, res.Findings, "system.disk.usage")
	assert.Equal(t, map[string]any{"path": "/"}, res.Findings["system.disk.largest:/"].Data)
	assert.Equal(t, map[string]any{"path": "/var"}, res.Findings["system.disk.largest:/var"].Data)
	assert.Equal(t, 3, res.Summary.ProbesRun)
	assert.Equal(t, 3, res.Summary.ProbesSucceeded)
}

func TestDiskPressureHealthy(t *testing.T) {
	e := newEngine(t)
	exec := &fleetExecutor{diskData: map[string]any{
		"mounts": []any{map[string]any{"mount": "/", "usedPercent": 20.0}},
	}}

	res, err := e.ExecuteDiagnostic(context.Background(), CategoryDiskPressure,
		map[string]any{"agent_id": "web-1", "threshold": 50.0}, exec,
		runbook.DiagnosticContext{}, runbook.DiagnosticOptions{})
	require.NoError(t, err)
	assert.Equal(t, "All mounts on web-1 are below 50% usage", res.SummaryText)
	assert.Len(t, exec.calls, 1)
	assert.Len(t, res.Findings, 1)
	assert.Equal(t, 1, res.Summary.ProbesRun)
}

func TestDiskPressureRequiresAgent(t *testing.T) {
	e := newEngine(t)
	res, err := e.ExecuteDiagnostic(context.Background(), CategoryDiskPressure, nil, &fleetExecutor{},
		runbook.DiagnosticContext{}, runbook.DiagnosticOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.SummaryText, "agent_id parameter is required")
}
