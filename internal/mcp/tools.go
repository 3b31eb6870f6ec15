// ABOUTME: MCP tool table: list_agents, list_runbooks, run_probe, run_runbook, run_diagnostic, verify_audit.
// ABOUTME: Every tool calls the hub service so MCP shares the REST policy gate and audit path.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/2389/probehub/internal/agent"
	"github.com/2389/probehub/internal/audit"
	"github.com/2389/probehub/internal/hub"
	"github.com/2389/probehub/internal/integrations"
	"github.com/2389/probehub/internal/probe"
	"github.com/2389/probehub/internal/runbook"
)

// Hub is the slice of hub.Service the MCP tools use.
type Hub interface {
	ListAgents(ctx context.Context) []*agent.AgentInfo
	ListCategories() []runbook.CategoryInfo
	RunProbe(ctx context.Context, surface, agentID, name string, params map[string]any) (*probe.Result, error)
	RunRunbook(ctx context.Context, surface, category, agentID string) (*runbook.Result, error)
	RunDiagnostic(ctx context.Context, surface, category string, params map[string]any) (*runbook.DiagnosticResult, error)
	VerifyAudit(ctx context.Context) (*audit.VerifyResult, error)
}

var _ Hub = (*hub.Service)(nil)

type tool struct {
	description string
	schema      string
	call        func(ctx context.Context, args json.RawMessage) (any, error)
}

// toolOrder fixes the tools/list order.
var toolOrder = []string{
	"list_agents",
	"list_runbooks",
	"run_probe",
	"run_runbook",
	"run_diagnostic",
	"verify_audit",
}

type runProbeArgs struct {
	AgentID       string         `json:"agentId"`
	IntegrationID string         `json:"integrationId"`
	Probe         string         `json:"probe"`
	Params        map[string]any `json:"params"`
}

type runRunbookArgs struct {
	AgentID  string `json:"agentId"`
	Category string `json:"category"`
}

type runDiagnosticArgs struct {
	Category string         `json:"category"`
	Params   map[string]any `json:"params"`
}

func (s *Server) buildTools() map[string]tool {
	return map[string]tool{
		"list_agents": {
			description: "List connected agents and the probe packs they advertise.",
			schema:      `{"type":"object","properties":{}}`,
			call: func(ctx context.Context, _ json.RawMessage) (any, error) {
				return s.hub.ListAgents(ctx), nil
			},
		},
		"list_runbooks": {
			description: "List runbook and diagnostic categories with the probes each one runs.",
			schema:      `{"type":"object","properties":{}}`,
			call: func(context.Context, json.RawMessage) (any, error) {
				return s.hub.ListCategories(), nil
			},
		},
		"run_probe": {
			description: "Run one probe. Agent probes need agentId; integration probes need integrationId.",
			schema: `{"type":"object","properties":{` +
				`"probe":{"type":"string","description":"Qualified probe name, e.g. system.disk.usage"},` +
				`"agentId":{"type":"string"},` +
				`"integrationId":{"type":"string"},` +
				`"params":{"type":"object"}},"required":["probe"]}`,
			call: s.runProbe,
		},
		"run_runbook": {
			description: "Run every probe of a runbook category on one agent.",
			schema: `{"type":"object","properties":{` +
				`"category":{"type":"string"},` +
				`"agentId":{"type":"string"}},"required":["category","agentId"]}`,
			call: s.runRunbook,
		},
		"run_diagnostic": {
			description: "Run a fleet-wide diagnostic such as agent-connectivity or disk-pressure.",
			schema: `{"type":"object","properties":{` +
				`"category":{"type":"string"},` +
				`"params":{"type":"object"}},"required":["category"]}`,
			call: s.runDiagnostic,
		},
		"verify_audit": {
			description: "Verify the audit log hash chain and report the first broken entry.",
			schema:      `{"type":"object","properties":{}}`,
			call: func(ctx context.Context, _ json.RawMessage) (any, error) {
				return s.hub.VerifyAudit(ctx)
			},
		},
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (s *Server) runProbe(ctx context.Context, raw json.RawMessage) (any, error) {
	var args runProbeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Probe == "" {
		return nil, errors.New("probe is required")
	}

	params := args.Params
	if args.IntegrationID != "" {
		params = make(map[string]any, len(args.Params)+1)
		maps.Copy(params, args.Params)
		params[integrations.ParamIntegrationID] = args.IntegrationID
	}

	res, err := s.hub.RunProbe(ctx, hub.SurfaceMCP, args.AgentID, args.Probe, params)
	if err != nil {
		return nil, err
	}
	return probe.Normalize(res), nil
}

func (s *Server) runRunbook(ctx context.Context, raw json.RawMessage) (any, error) {
	var args runRunbookArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Category == "" || args.AgentID == "" {
		return nil, errors.New("category and agentId are required")
	}
	return s.hub.RunRunbook(ctx, hub.SurfaceMCP, args.Category, args.AgentID)
}

func (s *Server) runDiagnostic(ctx context.Context, raw json.RawMessage) (any, error) {
	var args runDiagnosticArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Category == "" {
		return nil, errors.New("category is required")
	}
	return s.hub.RunDiagnostic(ctx, hub.SurfaceMCP, args.Category, args.Params)
}
