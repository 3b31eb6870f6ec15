// ABOUTME: Frames exchanged on the agent stream between probehub and its agents.
// ABOUTME: Each message carries exactly one non-nil payload field.

package wire

import (
	"github.com/2389/probehub/internal/probe"
)

// AgentMessage is sent from an agent to the hub.
type AgentMessage struct {
	Register  *Register      `json:"register,omitempty"`
	Heartbeat *Heartbeat     `json:"heartbeat,omitempty"`
	Result    *ProbeResponse `json:"result,omitempty"`
}

// ServerMessage is sent from the hub to an agent.
type ServerMessage struct {
	Welcome  *Welcome      `json:"welcome,omitempty"`
	Probe    *ProbeRequest `json:"probe,omitempty"`
	Shutdown *Shutdown     `json:"shutdown,omitempty"`
}

// Register must be the first frame an agent sends.
type Register struct {
	AgentID  string   `json:"agent_id"`
	Name     string   `json:"name"`
	Version  string   `json:"version,omitempty"`
	Hostname string   `json:"hostname,omitempty"`
	Packs    []string `json:"packs,omitempty"`
}

// Welcome acknowledges a registration.
type Welcome struct {
	ServerID string `json:"server_id"`
	AgentID  string `json:"agent_id"`
}

// Heartbeat keeps an idle connection from being swept.
type Heartbeat struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

// ProbeRequest asks the agent to run one probe.
type ProbeRequest struct {
	CorrelationID string         `json:"correlation_id"`
	Probe         string         `json:"probe"`
	Params        map[string]any `json:"params,omitempty"`
	TimeoutMs     int64          `json:"timeout_ms,omitempty"`
}

// ProbeResponse carries the result of a ProbeRequest back to the hub.
type ProbeResponse struct {
	CorrelationID string        `json:"correlation_id"`
	Result        *probe.Result `json:"result"`
}

// Shutdown tells the agent the hub is closing its stream.
type Shutdown struct {
	Reason string `json:"reason"`
}
