// ABOUTME: Executes a critical path step by step and aggregates pass/fail/partial status.
// ABOUTME: Probes within a step run concurrently; steps always run in order and never abort early.

package criticalpath

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/probehub/internal/probe"
	"github.com/2389/probehub/internal/runbook"
)

// IntegrationParam names the probe parameter that selects an integration instance.
const IntegrationParam = "integration_id"

// Status is the aggregate outcome of a step or a path.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusPartial Status = "partial"
)

// StepResult is the ephemeral outcome of one step.
type StepResult struct {
	StepID     string          `json:"stepId"`
	Name       string          `json:"name"`
	Order      int             `json:"order"`
	TargetType TargetType      `json:"targetType"`
	TargetID   string          `json:"targetId"`
	Status     Status          `json:"status"`
	DurationMs int64           `json:"durationMs"`
	Results    []*probe.Result `json:"results"`
}

// ExecuteResult is the outcome of a full path run.
type ExecuteResult struct {
	PathID          string       `json:"pathId"`
	PathName        string       `json:"pathName"`
	OverallStatus   Status       `json:"overallStatus"`
	TotalDurationMs int64        `json:"totalDurationMs"`
	Steps           []StepResult `json:"steps"`
}

// Executor runs critical paths through a probe executor.
type Executor struct {
	exec        probe.Executor
	maxParallel int
	logger      *slog.Logger
}

// NewExecutor creates an Executor. maxParallel bounds probes per step; zero is unlimited.
func NewExecutor(exec probe.Executor, maxParallel int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{exec: exec, maxParallel: maxParallel, logger: logger}
}

// Execute runs every step of p in order. The step definitions are not modified.
func (x *Executor) Execute(ctx context.Context, p *Path) *ExecuteResult {
	x.logger.Info("executing critical path", "path_id", p.ID, "steps", len(p.Steps))

	out := &ExecuteResult{
		PathID:   p.ID,
		PathName: p.Name,
		Steps:    make([]StepResult, 0, len(p.Steps)),
	}
	statuses := make([]Status, 0, len(p.Steps))
	for _, st := range p.Steps {
		sr := x.runStep(ctx, st)
		out.Steps = append(out.Steps, sr)
		out.TotalDurationMs += sr.DurationMs
		statuses = append(statuses, sr.Status)
	}
	out.OverallStatus = aggregate(statuses)

	x.logger.Info("critical path complete",
		"path_id", p.ID,
		"overall_status", out.OverallStatus,
		"duration_ms", out.TotalDurationMs,
	)
	return out
}

func (x *Executor) runStep(ctx context.Context, st *Step) StepResult {
	agentID, params := Target(st)

	start := time.Now()
	results := make([]*probe.Result, len(st.Probes))
	var g errgroup.Group
	if x.maxParallel > 0 {
		g.SetLimit(x.maxParallel)
	}
	for i, name := range st.Probes {
		g.Go(func() error {
			results[i] = runbook.CallProbe(ctx, x.exec, name, params, agentID)
			return nil
		})
	}
	_ = g.Wait()

	passed := make([]bool, len(results))
	for i, r := range results {
		passed[i] = r.Succeeded()
	}

	return StepResult{
		StepID:     st.ID,
		Name:       st.Name,
		Order:      st.Order,
		TargetType: st.TargetType,
		TargetID:   st.TargetID,
		Status:     StepStatus(passed),
		DurationMs: time.Since(start).Milliseconds(),
		Results:    results,
	}
}

// Target returns the agent ID and probe params that bind a step to its target.
func Target(st *Step) (agentID string, params map[string]any) {
	if st.TargetType == TargetIntegration {
		return "", map[string]any{IntegrationParam: st.TargetID}
	}
	return st.TargetID, nil
}

// StepStatus is pass when every probe succeeded, fail when none did, and
// partial otherwise. A step with no probes passes.
func StepStatus(passed []bool) Status {
	ok := 0
	for _, p := range passed {
		if p {
			ok++
		}
	}
	switch {
	case ok == len(passed):
		return StatusPass
	case ok == 0:
		return StatusFail
	default:
		return StatusPartial
	}
}

// aggregate applies the same rule across step statuses. A partial step makes
// the path partial.
func aggregate(statuses []Status) Status {
	pass, fail := 0, 0
	for _, s := range statuses {
		switch s {
		case StatusPass:
			pass++
		case StatusFail:
			fail++
		}
	}
	switch {
	case pass == len(statuses):
		return StatusPass
	case fail == len(statuses):
		return StatusFail
	default:
		return StatusPartial
	}
}
