// Package mcp implements the Model Context Protocol server that lets AI
// assistants run probehub diagnostics.
//
// # Overview
//
// MCP (Model Context Protocol) is a standard for AI tool integration. This
// package serves JSON-RPC 2.0 over Streamable HTTP on a single endpoint:
//
//   - POST /mcp - initialize, ping, tools/list, tools/call, notifications
//   - DELETE /mcp - terminate the session named by Mcp-Session-Id
//
// # Authentication
//
// The server does not parse credentials itself. The gateway mounts it behind
// the same bearer-token middleware as the REST API, so every request already
// carries an auth.AuthContext. Sessions are bound to the API key that created
// them; another key presenting the session ID gets 404.
//
// # Client Allow-list
//
// initialize reads clientInfo.name and checks it against the key policy's
// allowedClients list. The check is repeated on every later request because
// key policies are reloaded per request.
//
// # Tools
//
//   - list_agents: connected agents visible to the caller
//   - list_runbooks: runbook and diagnostic categories
//   - run_probe: {probe, agentId | integrationId, params}
//   - run_runbook: {category, agentId}
//   - run_diagnostic: {category, params}
//   - verify_audit: audit chain verification
//
// Tool calls go through hub.Service with surface "mcp", so policy denials,
// audit entries and metrics match the REST API exactly. A denied or failed
// call comes back as a tool result with isError set, not a JSON-RPC error.
//
// # Integration with Claude Desktop
//
//	{
//	  "mcpServers": {
//	    "probehub": {
//	      "url": "http://localhost:8080/mcp",
//	      "headers": {"Authorization": "Bearer <token>"}
//	    }
//	  }
//	}
package mcp
