// ABOUTME: AgentHub gRPC service implementation for agent communication
// ABOUTME: Handles registration, heartbeats and probe results on the bidirectional agent stream

package gateway

import (
	"errors"
	"io"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/probehub/internal/agent"
	"github.com/2389/probehub/internal/auth"
	"github.com/2389/probehub/internal/wire"
)

// agentHubServer implements the AgentHub gRPC service.
type agentHubServer struct {
	gateway *Gateway
	logger  *slog.Logger
}

// newAgentHubServer creates a new AgentHub service instance.
func newAgentHubServer(gw *Gateway, logger *slog.Logger) *agentHubServer {
	return &agentHubServer{
		gateway: gw,
		logger:  logger,
	}
}

// Connect handles the bidirectional streaming connection with an agent.
// Protocol flow:
// 1. Agent sends a register frame
// 2. Server responds with a welcome frame
// 3. Agent sends heartbeat or result frames
// 4. Server sends probe or shutdown frames
func (s *agentHubServer) Connect(stream wire.ConnectServer) error {
	msg, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return status.Errorf(codes.Internal, "receiving first message: %v", err)
	}

	reg := msg.Register
	if reg == nil {
		return status.Error(codes.InvalidArgument, "first message must be register")
	}
	if reg.AgentID == "" {
		return status.Error(codes.InvalidArgument, "agent_id is required")
	}
	if err := auth.CheckAgentRegistration(stream.Context(), reg.AgentID); err != nil {
		return err
	}

	conn := agent.NewConnection(agent.ConnectionParams{
		ID:       reg.AgentID,
		Name:     reg.Name,
		Version:  reg.Version,
		Hostname: reg.Hostname,
		Packs:    reg.Packs,
		Sender:   stream,
		Logger:   s.logger.With("agent_id", reg.AgentID),
	})

	// Welcome goes out before the agent is visible so no probe can overtake it.
	welcome := &wire.ServerMessage{Welcome: &wire.Welcome{
		ServerID: s.gateway.serverID,
		AgentID:  reg.AgentID,
	}}
	if err := conn.Send(welcome); err != nil {
		return status.Errorf(codes.Internal, "sending welcome: %v", err)
	}

	manager := s.gateway.agentManager
	manager.Register(conn)
	defer manager.UnregisterConnection(conn)

	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			s.handleMessage(conn, msg)
		}
	}()

	select {
	case err := <-recvErr:
		if errors.Is(err, io.EOF) {
			s.logger.Info("agent disconnected (EOF)", "agent_id", conn.ID)
			return nil
		}
		if status.Code(err) == codes.Canceled {
			s.logger.Info("agent stream cancelled", "agent_id", conn.ID)
			return nil
		}
		s.logger.Error("receiving message", "error", err, "agent_id", conn.ID)
		return status.Errorf(codes.Internal, "receiving message: %v", err)
	case <-conn.Done():
		s.logger.Info("agent stream closed by hub", "agent_id", conn.ID)
		return nil
	}
}

// handleMessage dispatches one frame from a registered agent.
func (s *agentHubServer) handleMessage(conn *agent.Connection, msg *wire.AgentMessage) {
	conn.Touch()

	switch {
	case msg.Heartbeat != nil:
		s.logger.Debug("received heartbeat",
			"agent_id", conn.ID,
			"timestamp_ms", msg.Heartbeat.TimestampMs,
		)

	case msg.Result != nil:
		s.handleResult(conn, msg.Result)

	case msg.Register != nil:
		s.logger.Warn("received duplicate registration", "agent_id", conn.ID)

	default:
		s.logger.Warn("received unknown message type", "agent_id", conn.ID)
	}
}

// handleResult routes a probe result to the waiting dispatcher.
func (s *agentHubServer) handleResult(conn *agent.Connection, resp *wire.ProbeResponse) {
	s.logger.Debug("received result",
		"agent_id", conn.ID,
		"correlation_id", resp.CorrelationID,
	)
	if resp.Result == nil {
		s.logger.Warn("result frame without result", "agent_id", conn.ID, "correlation_id", resp.CorrelationID)
		return
	}
	if !s.gateway.agentManager.HandleResponse(resp.CorrelationID, resp.Result) {
		s.logger.Warn("no pending probe for result", "agent_id", conn.ID, "correlation_id", resp.CorrelationID)
	}
}
