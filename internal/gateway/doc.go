// Package gateway orchestrates the probehub server components.
//
// # Overview
//
// The gateway package is the central coordinator of the probehub server. It
// builds the probe pipeline and owns the gRPC server that agents dial, the
// HTTP server that operators and AI clients use, the agent manager, and the
// data store.
//
// # Probe Pipeline
//
// Every probe call, whatever surface it arrives on, takes the same path:
//
//	hub.Service (policy gate)
//	  -> audit.Recorder (hash chain entry)
//	    -> metrics.Executor (latency and status counters)
//	      -> packs.Router (agent dispatch or hub-local handler)
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /api/agents - List connected agents visible to the caller
//   - POST /api/agents/{agentID}/probes - Run one probe on an agent
//   - POST /api/agents/{agentID}/runbooks/{category} - Run a runbook
//   - GET /api/probes - List the probe catalog
//   - GET /api/runbooks - List runbook and diagnostic categories
//   - GET /api/targets - List agents and integration instances
//   - POST /api/integrations/probes - Run a hub-local integration probe
//   - POST /api/diagnostics/{category} - Run a fleet-wide diagnostic
//   - /api/critical-paths - Critical path CRUD (mutations need an admin key)
//   - GET /api/audit, /api/audit/verify - Audit log and chain verification
//   - POST /mcp - JSON-RPC endpoint for AI clients
//   - GET /health, /health/ready - Liveness and readiness
//
// Policy denials map to 403, unknown probes, runbooks and paths to 404,
// offline agents to 409. A probe that runs but fails still returns 200 with
// an error or timeout result.
//
// # gRPC Service
//
// The gateway implements the AgentHub service from the wire package:
//
//	service AgentHub {
//	    rpc Connect(stream AgentMessage) returns (stream ServerMessage);
//	}
//
// The first frame must be a register. The hub answers with a welcome before
// the agent becomes visible, then forwards probe requests and matches result
// frames back to waiting callers by correlation ID.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run also starts a sweeper that drops agents silent for longer than
// agents.heartbeat_timeout. Cancelling ctx stops HTTP, sends every agent a
// shutdown frame, stops gRPC, and closes the store.
//
// # Key Files
//
//   - gateway.go: Gateway struct, pipeline wiring, Run/Shutdown
//   - api.go: HTTP handlers and error mapping
//   - grpc.go: AgentHub stream handling
//   - ratelimit.go: Per-caller token buckets
package gateway
