// ABOUTME: Built-in programmatic diagnostics registered into the runbook engine.
// ABOUTME: Each handler calls probes adaptively and builds its own findings.

package diagnostics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/2389/probehub/internal/probe"
	"github.com/2389/probehub/internal/runbook"
)

const (
	// CategoryAgentConnectivity pings every connected agent.
	CategoryAgentConnectivity = "agent-connectivity"
	// CategoryDiskPressure looks for full filesystems on one agent.
	CategoryDiskPressure = "disk-pressure"

	defaultDiskThreshold = 90.0
)

// Register adds every built-in diagnostic to the engine.
func Register(e *runbook.Engine) error {
	for _, d := range []runbook.Diagnostic{
		{
			Category:    CategoryAgentConnectivity,
			Description: "Runs system.uptime on every connected agent and reports which ones answer",
			Handler:     agentConnectivity,
		},
		{
			Category:    CategoryDiskPressure,
			Description: "Checks disk usage on an agent and lists the largest paths on mounts above the threshold",
			Handler:     diskPressure,
		},
	} {
		if err := e.RegisterDiagnostic(d); err != nil {
			return err
		}
	}
	return nil
}

func agentConnectivity(ctx context.Context, _ map[string]any, run runbook.RunProbeFunc, dctx runbook.DiagnosticContext) (*runbook.DiagnosticResult, error) {
	if len(dctx.ConnectedAgents) == 0 {
		return &runbook.DiagnosticResult{
			Findings:    map[string]*probe.Result{},
			SummaryText: "No agents are connected",
		}, nil
	}

	var mu sync.Mutex
	findings := make(map[string]*probe.Result, len(dctx.ConnectedAgents))
	var g errgroup.Group
	g.SetLimit(16)
	for _, agentID := range dctx.ConnectedAgents {
		g.Go(func() error {
			r := run(ctx, "system.uptime", nil, agentID)
			mu.Lock()
			findings[agentID+"/system.uptime"] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var silent []string
	for _, agentID := range dctx.ConnectedAgents {
		if !findings[agentID+"/system.uptime"].Succeeded() {
			silent = append(silent, agentID)
		}
	}
	sort.Strings(silent)

	text := fmt.Sprintf("%d of %d connected agents responded", len(dctx.ConnectedAgents)-len(silent), len(dctx.ConnectedAgents))
	if len(silent) > 0 {
		text += "; unresponsive: " + strings.Join(silent, ", ")
	}
	return &runbook.DiagnosticResult{Findings: findings, SummaryText: text}, nil
}

func diskPressure(ctx context.Context, params map[string]any, run runbook.RunProbeFunc, _ runbook.DiagnosticContext) (*runbook.DiagnosticResult, error) {
	agentID, _ := params["agent_id"].(string)
	if agentID == "" {
		return nil, fmt.Errorf("agent_id parameter is required")
	}
	threshold := defaultDiskThreshold
	if v, ok := params["threshold"].(float64); ok && v > 0 {
		threshold = v
	}

	usage := run(ctx, "system.disk.usage", nil, agentID)
	findings := map[string]*probe.Result{"system.disk.usage": usage}
	if !usage.Succeeded() {
		return &runbook.DiagnosticResult{
			Findings:    findings,
			SummaryText: fmt.Sprintf("Could not read disk usage on %s: %s", agentID, usage.Error),
		}, nil
	}

	hot := hotMounts(usage.Data, threshold)
	if len(hot) == 0 {
		return &runbook.DiagnosticResult{
			Findings:    findings,
			SummaryText: fmt.Sprintf("All mounts on %s are below %.0f%% usage", agentID, threshold),
		}, nil
	}

	for _, mount := range hot {
		findings["system.disk.largest:"+mount] = run(ctx, "system.disk.largest", map[string]any{"path": mount}, agentID)
	}
	return &runbook.DiagnosticResult{
		Findings:    findings,
		SummaryText: fmt.Sprintf("Mounts above %.0f%% on %s: %s", threshold, agentID, strings.Join(hot, ", ")),
	}, nil
}

// hotMounts extracts mounts at or above threshold from a system.disk.usage
// payload of the form {"mounts": [{"mount": "/", "usedPercent": 93.1}]}.
func hotMounts(data any, threshold float64) []string {
	m, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	entries, ok := m["mounts"].([]any)
	if !ok {
		return nil
	}
	var hot []string
	for _, e := range entries {
		mount, ok := e.(map[string]any)
		if !ok {
			continue
		}
		path, _ := mount["mount"].(string)
		used, _ := mount["usedPercent"].(float64)
		if path != "" && used >= threshold {
			hot = append(hot, path)
		}
	}
	sort.Strings(hot)
	return hot
}
