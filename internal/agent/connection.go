// ABOUTME: Represents a single connected agent and its outbound stream.
// ABOUTME: Serializes sends, tracks liveness, and signals the stream handler on close.

package agent

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/probehub/internal/wire"
)

// Sender is the outbound half of an agent transport session.
type Sender interface {
	Send(*wire.ServerMessage) error
}

// Connection is the live binding between an agent ID and its transport session.
type Connection struct {
	ID          string
	Name        string
	Version     string
	Hostname    string
	Packs       []string
	ConnectedAt time.Time

	sender   Sender
	sendMu   sync.Mutex
	lastSeen atomic.Int64
	done     chan struct{}
	closed   sync.Once
	logger   *slog.Logger
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	ID       string
	Name     string
	Version  string
	Hostname string
	Packs    []string
	Sender   Sender
	Logger   *slog.Logger
}

// NewConnection creates a new Connection for a connected agent.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	c := &Connection{
		ID:          p.ID,
		Name:        p.Name,
		Version:     p.Version,
		Hostname:    p.Hostname,
		Packs:       p.Packs,
		ConnectedAt: now,
		sender:      p.Sender,
		done:        make(chan struct{}),
		logger:      logger,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Send transmits a ServerMessage to the agent. Safe for concurrent use.
func (c *Connection) Send(msg *wire.ServerMessage) error {
	select {
	case <-c.done:
		return ErrAgentDisconnected
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sender.Send(msg)
}

// Touch records activity from the agent.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last recorded activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Done is closed once the connection has been closed by the hub.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close tells the agent why its stream is ending and releases the stream
// handler. Safe to call multiple times.
func (c *Connection) Close(reason string) {
	c.closed.Do(func() {
		c.sendMu.Lock()
		if err := c.sender.Send(&wire.ServerMessage{Shutdown: &wire.Shutdown{Reason: reason}}); err != nil {
			c.logger.Debug("shutdown frame not delivered", "agent_id", c.ID, "error", err)
		}
		c.sendMu.Unlock()
		close(c.done)
	})
}
