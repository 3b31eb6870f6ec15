package criticalpath

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/probehub/internal/probe"
)

type targetExecutor struct {
	mu      sync.Mutex
	calls   []string
	params  []map[string]any
	failing map[string]bool // "target/probe"
}

func (e *targetExecutor) Execute(_ context.Context, name string, params map[string]any, agentID string) (*probe.Result, error) {
	target := agentID
	if target == "" {
		target, _ = params[IntegrationParam].(string)
	}
	key := target + "/" + name

	e.mu.Lock()
	e.calls = append(e.calls, key)
	e.params = append(e.params, params)
	e.mu.Unlock()

	if e.failing[key] {
		return nil, errors.New("probe failed on " + target)
	}
	return &probe.Result{Probe: name, Status: probe.StatusSuccess}, nil
}

func step(order int, tt TargetType, target string, probes ...string) *Step {
	return &Step{ID: target + "-step", Order: order, Name: target, TargetType: tt, TargetID: target, Probes: probes}
}

func TestStepStatus(t *testing.T) {
	assert.Equal(t, StatusPass, StepStatus(nil))
	assert.Equal(t, StatusPass, StepStatus([]bool{true, true}))
	assert.Equal(t, StatusFail, StepStatus([]bool{false, false}))
	assert.Equal(t, StatusPartial, StepStatus([]bool{true, false}))
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, StatusPass, aggregate(nil))
	assert.Equal(t, StatusPass, aggregate([]Status{StatusPass, StatusPass}))
	assert.Equal(t, StatusFail, aggregate([]Status{StatusFail, StatusFail}))
	assert.Equal(t, StatusPartial, aggregate([]Status{StatusPass, StatusFail}))
	assert.Equal(t, StatusPartial, aggregate([]Status{StatusPartial, StatusPartial}))
}

func TestExecuteMiddleStepFailsEntirely(t *testing.T) {
	exec := &targetExecutor{failing: map[string]bool{
		"db-1/postgres.status":      true,
		"db-1/postgres.connections": true,
	}}
	path := &Path{ID: "p1", Name: "checkout", Steps: []*Step{
		step(0, TargetAgent, "web-1", "system.uptime", "nginx.status"),
		step(1, TargetAgent, "db-1", "postgres.status", "postgres.connections"),
		step(2, TargetIntegration, "prom-main", "prometheus.targets"),
	}}

	res := NewExecutor(exec, 0, nil).Execute(context.Background(), path)

	assert.Equal(t, StatusPartial, res.OverallStatus)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, StatusPass, res.Steps[0].Status)
	assert.Equal(t, StatusFail, res.Steps[1].Status)
	assert.Equal(t, StatusPass, res.Steps[2].Status)
	assert.Len(t, res.Steps[1].Results, 2)
	assert.Equal(t, probe.StatusError, res.Steps[1].Results[0].Status)

	var sum int64
	for _, s := range res.Steps {
		sum += s.DurationMs
	}
	assert.Equal(t, sum, res.TotalDurationMs)
	assert.Equal(t, "checkout", res.PathName)
}

func TestExecuteRunsAllStepsInOrder(t *testing.T) {
	exec := &targetExecutor{failing: map[string]bool{"a/x.one": true}}
	path := &Path{ID: "p", Steps: []*Step{
		step(0, TargetAgent, "a", "x.one"),
		step(1, TargetAgent, "b", "x.one"),
		step(2, TargetAgent, "c", "x.one"),
	}}

	res := NewExecutor(exec, 1, nil).Execute(context.Background(), path)
	assert.Equal(t, []string{"a/x.one", "b/x.one", "c/x.one"}, exec.calls)
	assert.Equal(t, StatusPartial, res.OverallStatus)
}

func TestExecuteAllFail(t *testing.T) {
	exec := &targetExecutor{failing: map[string]bool{"a/x.one": true, "b/x.one": true}}
	path := &Path{ID: "p", Steps: []*Step{
		step(0, TargetAgent, "a", "x.one"),
		step(1, TargetAgent, "b", "x.one"),
	}}

	res := NewExecutor(exec, 0, nil).Execute(context.Background(), path)
	assert.Equal(t, StatusFail, res.OverallStatus)
}

func TestExecuteIntegrationStepPassesIntegrationID(t *testing.T) {
	exec := &targetExecutor{}
	path := &Path{ID: "p", Steps: []*Step{step(0, TargetIntegration, "cache", "redis.ping")}}

	NewExecutor(exec, 0, nil).Execute(context.Background(), path)
	require.Len(t, exec.params, 1)
	assert.Equal(t, map[string]any{IntegrationParam: "cache"}, exec.params[0])
}

func TestExecuteDoesNotMutateSteps(t *testing.T) {
	st := step(0, TargetAgent, "a", "x.one", "x.two")
	path := &Path{ID: "p", Steps: []*Step{st}}
	before := *st

	NewExecutor(&targetExecutor{}, 0, nil).Execute(context.Background(), path)
	assert.Equal(t, before, *st)
}

func TestStepInputValidate(t *testing.T) {
	assert.NoError(t, StepInput{TargetType: TargetAgent, TargetID: "a"}.Validate())
	assert.ErrorIs(t, StepInput{TargetType: "vm", TargetID: "a"}.Validate(), ErrInvalidStep)
	assert.ErrorIs(t, StepInput{TargetType: TargetAgent}.Validate(), ErrInvalidStep)
	assert.ErrorIs(t, StepInput{TargetType: TargetAgent, TargetID: "a", Probes: []string{""}}.Validate(), ErrInvalidStep)
}
