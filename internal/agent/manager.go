// ABOUTME: Registry of connected agents and the correlated probe dispatcher.
// ABOUTME: Sends probe requests over agent streams and resolves them by correlation ID.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/probehub/internal/packs"
	"github.com/2389/probehub/internal/probe"
	"github.com/2389/probehub/internal/wire"
)

// ErrAgentNotFound indicates the agent is not connected.
var ErrAgentNotFound = errors.New("agent not connected")

// ErrAgentDisconnected indicates the agent's connection dropped before it answered.
var ErrAgentDisconnected = errors.New("agent disconnected")

// ErrProbeTimeout indicates an agent did not answer within the probe's timeout.
var ErrProbeTimeout = fmt.Errorf("probe %w", probe.ErrTimedOut)

// DefaultProbeTimeout applies to probes whose manifest declares no timeout.
const DefaultProbeTimeout = 30 * time.Second

// Catalog resolves probe definitions for timeouts and result metadata.
type Catalog interface {
	GetProbe(name string) (*packs.Probe, bool)
}

type outcome struct {
	result *probe.Result
	err    error
}

type pendingProbe struct {
	conn *Connection
	ch   chan outcome
}

// Manager coordinates all connected agents and dispatches probes to them.
type Manager struct {
	agents map[string]*Connection
	mu     sync.RWMutex

	pending   map[string]*pendingProbe
	pendingMu sync.Mutex

	catalog        Catalog
	defaultTimeout time.Duration
	onCount        func(int)
	logger         *slog.Logger
}

// ManagerConfig contains configuration options for the Manager.
type ManagerConfig struct {
	Catalog        Catalog
	DefaultTimeout time.Duration
	Logger         *slog.Logger

	// OnAgentCountChange is called with the new total after every registry change.
	OnAgentCountChange func(int)
}

// NewManager creates a new Manager instance.
func NewManager(cfg ManagerConfig) *Manager {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents:         make(map[string]*Connection),
		pending:        make(map[string]*pendingProbe),
		catalog:        cfg.Catalog,
		defaultTimeout: timeout,
		onCount:        cfg.OnAgentCountChange,
		logger:         logger,
	}
}

// Register adds an agent connection. A connection already registered under the
// same ID is closed and replaced, and its outstanding probes fail.
func (m *Manager) Register(conn *Connection) {
	m.mu.Lock()
	stale, replaced := m.agents[conn.ID]
	m.agents[conn.ID] = conn
	total := len(m.agents)
	m.mu.Unlock()

	if replaced && stale != conn {
		m.logger.Warn("replacing stale agent connection", "agent_id", conn.ID)
		m.failPending(stale, ErrAgentDisconnected)
		stale.Close("replaced by a newer connection")
	}

	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"name", conn.Name,
		"version", conn.Version,
		"hostname", conn.Hostname,
		"packs", conn.Packs,
		"total_agents", total,
	)
	m.notifyCount(total)
}

// Unregister removes the agent with the given ID and closes its connection.
func (m *Manager) Unregister(agentID string) {
	m.mu.Lock()
	conn, exists := m.agents[agentID]
	if exists {
		delete(m.agents, agentID)
	}
	total := len(m.agents)
	m.mu.Unlock()

	if !exists {
		return
	}
	m.failPending(conn, ErrAgentDisconnected)
	conn.Close("unregistered")
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", agentID,
		"name", conn.Name,
		"total_agents", total,
	)
	m.notifyCount(total)
}

// UnregisterConnection removes conn only if it is still the registered
// connection for its ID, so a replaced stream cannot evict its successor.
// Outstanding probes on conn fail either way.
func (m *Manager) UnregisterConnection(conn *Connection) bool {
	m.mu.Lock()
	current, exists := m.agents[conn.ID]
	removed := exists && current == conn
	if removed {
		delete(m.agents, conn.ID)
	}
	total := len(m.agents)
	m.mu.Unlock()

	m.failPending(conn, ErrAgentDisconnected)
	if !removed {
		return false
	}
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.ID,
		"name", conn.Name,
		"total_agents", total,
	)
	m.notifyCount(total)
	return true
}

// GetAgent retrieves a specific agent by ID.
func (m *Manager) GetAgent(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.agents[id]
	return conn, ok
}

// IsOnline checks whether an agent with the given ID is currently connected.
func (m *Manager) IsOnline(agentID string) bool {
	_, ok := m.GetAgent(agentID)
	return ok
}

// OnlineIDs returns the IDs of all connected agents in sorted order.
func (m *Manager) OnlineIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AgentInfo contains public information about a connected agent.
type AgentInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	Packs       []string  `json:"packs,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// ListAgents returns information about all connected agents sorted by ID.
func (m *Manager) ListAgents() []*AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*AgentInfo, 0, len(m.agents))
	for _, conn := range m.agents {
		agents = append(agents, &AgentInfo{
			ID:          conn.ID,
			Name:        conn.Name,
			Version:     conn.Version,
			Hostname:    conn.Hostname,
			Packs:       conn.Packs,
			ConnectedAt: conn.ConnectedAt,
			LastSeen:    conn.LastSeen(),
		})
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// SendProbe transmits a probe request to the agent and waits for the matching
// response. It fails immediately if the agent is not connected.
func (m *Manager) SendProbe(ctx context.Context, agentID, name string, params map[string]any) (*probe.Result, error) {
	conn, ok := m.GetAgent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	var def *packs.Probe
	if m.catalog != nil {
		def, _ = m.catalog.GetProbe(name)
	}
	timeout := m.defaultTimeout
	if def != nil && def.Timeout > 0 {
		timeout = def.Timeout
	}

	correlationID := uuid.New().String()
	ch := make(chan outcome, 1)
	m.pendingMu.Lock()
	m.pending[correlationID] = &pendingProbe{conn: conn, ch: ch}
	m.pendingMu.Unlock()
	defer m.dropPending(correlationID)

	// An unregister that ran after GetAgent has already swept pending.
	m.mu.RLock()
	current := m.agents[agentID]
	m.mu.RUnlock()
	if current != conn {
		return nil, fmt.Errorf("%w: %s", ErrAgentDisconnected, agentID)
	}

	start := time.Now()
	err := conn.Send(&wire.ServerMessage{Probe: &wire.ProbeRequest{
		CorrelationID: correlationID,
		Probe:         name,
		Params:        params,
		TimeoutMs:     timeout.Milliseconds(),
	}})
	if err != nil {
		return nil, fmt.Errorf("%w: sending %s to %s: %v", ErrAgentDisconnected, name, agentID, err)
	}

	m.logger.Debug("probe sent to agent",
		"agent_id", agentID,
		"probe", name,
		"correlation_id", correlationID,
		"timeout", timeout,
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return m.completeResult(out.result, conn, def, name, time.Since(start)), nil
	case <-timer.C:
		m.logger.Warn("probe timed out",
			"agent_id", agentID,
			"probe", name,
			"correlation_id", correlationID,
			"timeout", timeout,
		)
		return nil, fmt.Errorf("%w: %s on agent %s after %s", ErrProbeTimeout, name, agentID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// completeResult fills in fields the agent left empty.
func (m *Manager) completeResult(res *probe.Result, conn *Connection, def *packs.Probe, name string, elapsed time.Duration) *probe.Result {
	if res == nil {
		return &probe.Result{
			Probe:      name,
			Status:     probe.StatusError,
			Error:      "agent returned an empty result",
			DurationMs: elapsed.Milliseconds(),
			Metadata:   probe.Metadata{AgentVersion: conn.Version},
		}
	}

	res = res.Clone()
	if res.Probe == "" {
		res.Probe = name
	}
	if res.DurationMs == 0 {
		res.DurationMs = elapsed.Milliseconds()
	}
	if res.Metadata.AgentVersion == "" {
		res.Metadata.AgentVersion = conn.Version
	}
	if def != nil {
		if res.Metadata.PackName == "" {
			res.Metadata.PackName = def.Pack
		}
		if res.Metadata.PackVersion == "" {
			res.Metadata.PackVersion = def.PackVersion
		}
		if res.Metadata.CapabilityLevel == "" {
			res.Metadata.CapabilityLevel = string(def.Capability)
		}
	}
	return probe.Normalize(res)
}

// HandleResponse resolves the pending probe with the given correlation ID.
// Late or unknown responses are logged and discarded.
func (m *Manager) HandleResponse(correlationID string, result *probe.Result) bool {
	m.pendingMu.Lock()
	p, ok := m.pending[correlationID]
	if ok {
		delete(m.pending, correlationID)
	}
	m.pendingMu.Unlock()

	if !ok {
		m.logger.Warn("received result for unknown request", "correlation_id", correlationID)
		return false
	}
	p.ch <- outcome{result: result}
	return true
}

// PendingCount returns the number of outstanding probe requests.
func (m *Manager) PendingCount() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

// SweepStale closes and removes agents with no activity for longer than maxIdle.
func (m *Manager) SweepStale(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.RLock()
	var stale []*Connection
	for _, conn := range m.agents {
		if conn.LastSeen().Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	m.mu.RUnlock()

	ids := make([]string, 0, len(stale))
	for _, conn := range stale {
		if m.UnregisterConnection(conn) {
			conn.Close("heartbeat timeout")
			ids = append(ids, conn.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close disconnects every agent. Called during shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.agents))
	for _, conn := range m.agents {
		conns = append(conns, conn)
	}
	m.agents = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		m.failPending(conn, ErrAgentDisconnected)
		conn.Close("hub shutting down")
	}
	m.logger.Info("agent manager closed", "agents_closed", len(conns))
	m.notifyCount(0)
}

// dropPending removes a pending entry that was never resolved.
func (m *Manager) dropPending(correlationID string) {
	m.pendingMu.Lock()
	delete(m.pending, correlationID)
	m.pendingMu.Unlock()
}

// failPending resolves every outstanding probe on conn with err.
func (m *Manager) failPending(conn *Connection, err error) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	for id, p := range m.pending {
		if p.conn != conn {
			continue
		}
		delete(m.pending, id)
		p.ch <- outcome{err: fmt.Errorf("%w: %s", err, conn.ID)}
	}
}

func (m *Manager) notifyCount(total int) {
	if m.onCount != nil {
		m.onCount(total)
	}
}
