// ABOUTME: Capability-based access policy attached to API keys and MCP clients.
// ABOUTME: Pure evaluators decide whether a caller may reach an agent, probe, or client slot.

package policy

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Level is a capability tier. Observe < Interact < Manage.
type Level string

const (
	LevelObserve  Level = "observe"
	LevelInteract Level = "interact"
	LevelManage   Level = "manage"
)

// rank returns the position of l in the total order, or -1 for an unknown level.
func (l Level) rank() int {
	switch l {
	case LevelObserve:
		return 0
	case LevelInteract:
		return 1
	case LevelManage:
		return 2
	default:
		return -1
	}
}

// Valid reports whether l is one of the three defined levels.
func (l Level) Valid() bool {
	return l.rank() >= 0
}

// AtMost reports whether l does not exceed ceiling.
func (l Level) AtMost(ceiling Level) bool {
	return l.Valid() && ceiling.Valid() && l.rank() <= ceiling.rank()
}

// Min returns the stricter of two levels.
func Min(a, b Level) Level {
	if a.rank() <= b.rank() {
		return a
	}
	return b
}

// ParseLevel converts a string into a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown capability level %q", s)
	}
	return l, nil
}

// Policy restricts what a caller can do. Every field is optional; a nil or
// zero Policy grants full access.
type Policy struct {
	AllowedAgents      []string         `json:"allowedAgents,omitempty" yaml:"allowed_agents,omitempty"`
	AllowedProbes      []string         `json:"allowedProbes,omitempty" yaml:"allowed_probes,omitempty"`
	MaxCapabilityLevel Level            `json:"maxCapabilityLevel,omitempty" yaml:"max_capability_level,omitempty"`
	AgentCapabilities  map[string]Level `json:"agentCapabilities,omitempty" yaml:"agent_capabilities,omitempty"`
	AllowedClients     []string         `json:"allowedClients,omitempty" yaml:"allowed_clients,omitempty"`
}

// IsEmpty reports whether p places no restrictions at all.
func (p *Policy) IsEmpty() bool {
	return p == nil ||
		(len(p.AllowedAgents) == 0 &&
			len(p.AllowedProbes) == 0 &&
			p.MaxCapabilityLevel == "" &&
			len(p.AgentCapabilities) == 0 &&
			len(p.AllowedClients) == 0)
}

// Validate checks that every level in the policy is known.
func (p *Policy) Validate() error {
	if p == nil {
		return nil
	}
	if p.MaxCapabilityLevel != "" && !p.MaxCapabilityLevel.Valid() {
		return fmt.Errorf("maxCapabilityLevel: unknown level %q", p.MaxCapabilityLevel)
	}
	for agentID, lvl := range p.AgentCapabilities {
		if !lvl.Valid() {
			return fmt.Errorf("agentCapabilities[%s]: unknown level %q", agentID, lvl)
		}
	}
	return nil
}

// Parse decodes a JSON policy document. An empty document yields nil.
func Parse(raw string) (*Policy, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var p Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Ceiling returns the effective capability ceiling for agentID. A per-agent
// override can narrow the global ceiling but never widen it.
func (p *Policy) Ceiling(agentID string) Level {
	global := LevelManage
	if p != nil && p.MaxCapabilityLevel != "" {
		global = p.MaxCapabilityLevel
	}
	perAgent := LevelManage
	if p != nil {
		if lvl, ok := p.AgentCapabilities[agentID]; ok {
			perAgent = lvl
		}
	}
	return Min(global, perAgent)
}

// MatchProbe reports whether probeName matches pattern. A pattern ending in
// ".*" matches by prefix up to and including the dot; anything else is exact.
func MatchProbe(pattern, probeName string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasSuffix(prefix, ".") {
		return strings.HasPrefix(probeName, prefix)
	}
	return pattern == probeName
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// EvaluateAgentAccess checks only the agent allow-list.
func EvaluateAgentAccess(p *Policy, agentID string) Decision {
	if p.IsEmpty() {
		return allow()
	}
	if len(p.AllowedAgents) > 0 && !slices.Contains(p.AllowedAgents, agentID) {
		return deny("agent %q is not in the allowed agents list", agentID)
	}
	return allow()
}

// EvaluateProbeAccess checks the agent allow-list, the probe patterns, and the
// capability ceiling. All three must pass.
func EvaluateProbeAccess(p *Policy, agentID, probeName string, capability Level) Decision {
	if p.IsEmpty() {
		return allow()
	}
	if d := EvaluateAgentAccess(p, agentID); !d.Allowed {
		return d
	}
	if len(p.AllowedProbes) > 0 {
		matched := slices.ContainsFunc(p.AllowedProbes, func(pattern string) bool {
			return MatchProbe(pattern, probeName)
		})
		if !matched {
			return deny("probe %q does not match any allowed probe pattern", probeName)
		}
	}
	ceiling := p.Ceiling(agentID)
	if !capability.AtMost(ceiling) {
		return deny("capability %q for probe %q exceeds the %q ceiling for agent %q",
			capability, probeName, ceiling, agentID)
	}
	return allow()
}

// EvaluateClientAccess checks the MCP client allow-list.
func EvaluateClientAccess(p *Policy, clientName string) Decision {
	if p.IsEmpty() || len(p.AllowedClients) == 0 {
		return allow()
	}
	if !slices.Contains(p.AllowedClients, clientName) {
		return deny("client %q is not in the allowed clients list", clientName)
	}
	return allow()
}
