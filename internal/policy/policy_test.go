package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allLevels = []Level{LevelObserve, LevelInteract, LevelManage}

func TestEmptyPolicyAllowsEverything(t *testing.T) {
	for _, p := range []*Policy{nil, {}} {
		for _, lvl := range allLevels {
			assert.True(t, EvaluateProbeAccess(p, "any-agent", "docker.containers.restart", lvl).Allowed)
		}
		assert.True(t, EvaluateAgentAccess(p, "any-agent").Allowed)
		assert.True(t, EvaluateClientAccess(p, "any-client").Allowed)
	}
}

func TestAllowedAgents(t *testing.T) {
	p := &Policy{AllowedAgents: []string{"web-1", "web-2"}}

	assert.True(t, EvaluateAgentAccess(p, "web-1").Allowed)

	d := EvaluateAgentAccess(p, "db-1")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "db-1")

	d = EvaluateProbeAccess(p, "db-1", "system.uptime", LevelObserve)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "db-1")
}

func TestAllowedProbesPrefixPattern(t *testing.T) {
	p := &Policy{AllowedProbes: []string{"system.*"}}

	assert.True(t, EvaluateProbeAccess(p, "web-1", "system.disk.usage", LevelObserve).Allowed)

	d := EvaluateProbeAccess(p, "web-1", "docker.containers.list", LevelObserve)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "docker.containers.list")
}

func TestAllowedProbesExactPattern(t *testing.T) {
	p := &Policy{AllowedProbes: []string{"docker.containers.list"}}

	assert.True(t, EvaluateProbeAccess(p, "a", "docker.containers.list", LevelObserve).Allowed)
	assert.False(t, EvaluateProbeAccess(p, "a", "docker.containers.listall", LevelObserve).Allowed)
	assert.False(t, EvaluateProbeAccess(p, "a", "docker.containers", LevelObserve).Allowed)
}

func TestMatchProbe(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"system.*", "system.disk.usage", true},
		{"system.*", "systemd.status", false},
		{"system.*", "system", false},
		{"system.disk.*", "system.disk.usage", true},
		{"system.disk.*", "system.uptime", false},
		{"system.uptime", "system.uptime", true},
		{"*", "system.uptime", false},
		{"system*", "systemd.status", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchProbe(tt.pattern, tt.name))
		})
	}
}

func TestCeilingIsMinimumOfGlobalAndPerAgent(t *testing.T) {
	for _, global := range allLevels {
		for _, perAgent := range allLevels {
			p := &Policy{
				MaxCapabilityLevel: global,
				AgentCapabilities:  map[string]Level{"web-1": perAgent},
			}
			want := Min(global, perAgent)
			assert.Equal(t, want, p.Ceiling("web-1"), "global=%s perAgent=%s", global, perAgent)

			for _, requested := range allLevels {
				got := EvaluateProbeAccess(p, "web-1", "system.uptime", requested).Allowed
				assert.Equal(t, requested.AtMost(want), got,
					"global=%s perAgent=%s requested=%s", global, perAgent, requested)
			}
		}
	}
}

func TestPerAgentOverrideCannotWiden(t *testing.T) {
	p := &Policy{
		MaxCapabilityLevel: LevelObserve,
		AgentCapabilities:  map[string]Level{"web-1": LevelManage},
	}

	d := EvaluateProbeAccess(p, "web-1", "docker.containers.restart", LevelManage)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "manage")

	assert.True(t, EvaluateProbeAccess(p, "web-1", "system.uptime", LevelObserve).Allowed)
}

func TestPerAgentOverrideNarrowsOnlyThatAgent(t *testing.T) {
	p := &Policy{AgentCapabilities: map[string]Level{"db-1": LevelObserve}}

	assert.False(t, EvaluateProbeAccess(p, "db-1", "x.y", LevelInteract).Allowed)
	assert.True(t, EvaluateProbeAccess(p, "web-1", "x.y", LevelManage).Allowed)
}

func TestUnknownCapabilityIsDenied(t *testing.T) {
	p := &Policy{MaxCapabilityLevel: LevelManage}
	assert.False(t, EvaluateProbeAccess(p, "a", "x.y", Level("root")).Allowed)
}

func TestEvaluateAgentAccessIgnoresOtherRules(t *testing.T) {
	p := &Policy{
		AllowedProbes:      []string{"system.*"},
		MaxCapabilityLevel: LevelObserve,
	}
	assert.True(t, EvaluateAgentAccess(p, "anything").Allowed)
}

func TestEvaluateClientAccess(t *testing.T) {
	p := &Policy{AllowedClients: []string{"claude-desktop"}}

	assert.True(t, EvaluateClientAccess(p, "claude-desktop").Allowed)
	d := EvaluateClientAccess(p, "curl")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "curl")
}

func TestParse(t *testing.T) {
	p, err := Parse("")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = Parse(`{"allowedProbes":["system.*"],"maxCapabilityLevel":"interact","agentCapabilities":{"db-1":"observe"}}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"system.*"}, p.AllowedProbes)
	assert.Equal(t, LevelInteract, p.MaxCapabilityLevel)
	assert.Equal(t, LevelObserve, p.AgentCapabilities["db-1"])

	_, err = Parse(`{"maxCapabilityLevel":"root"}`)
	require.Error(t, err)

	_, err = Parse(`{not json`)
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel(" Interact ")
	require.NoError(t, err)
	assert.Equal(t, LevelInteract, lvl)

	_, err = ParseLevel("admin")
	require.Error(t, err)
}
