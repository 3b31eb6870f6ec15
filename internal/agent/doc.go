// Package agent owns live agent connections and dispatches probes to them.
//
// # Overview
//
// Agents dial the hub and hold one bidirectional stream open. The Manager is
// the single owner of the registry that maps agent IDs to those streams; no
// other package sees the underlying map.
//
// # Manager
//
//	mgr := agent.NewManager(agent.ManagerConfig{Catalog: registry, Logger: logger})
//
// Key operations:
//
//   - Register(conn): add a connection, closing any stale one with the same ID
//   - Unregister(agentID): remove and close an agent
//   - UnregisterConnection(conn): remove conn only if it is still current
//   - IsOnline(agentID), OnlineIDs(), ListAgents()
//   - SendProbe(ctx, agentID, probe, params): correlated request/response
//   - HandleResponse(correlationID, result): resolve a pending SendProbe
//   - SweepStale(maxIdle): drop agents that stopped heartbeating
//
// # Request/Response Correlation
//
// SendProbe:
//
//  1. Generates a correlation ID
//  2. Registers a buffered result channel under that ID
//  3. Sends a probe frame on the agent's stream
//  4. Waits for HandleResponse, the probe timeout, or context cancellation
//
// The timeout is the probe's manifest timeout, or the configured default when
// the catalog has none. Timeout errors wrap ErrProbeTimeout and mention
// "timed out". Sending to an agent that is not connected fails at once with
// ErrAgentNotFound. When a connection drops or is replaced, every probe still
// waiting on it fails with ErrAgentDisconnected.
//
// # Thread Safety
//
// Manager and Connection are safe for concurrent use. Sends on a single
// connection are serialized because gRPC streams do not allow concurrent sends.
package agent
