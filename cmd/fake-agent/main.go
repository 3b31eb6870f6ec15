// ABOUTME: Minimal fake agent for E2E testing: connects over gRPC and answers system and docker probes
// ABOUTME: Usage: fake-agent [-addr localhost:50051] [-id fake-agent-1] [-token $PROBEHUB_TOKEN]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/2389/probehub/internal/wire"
)

const agentVersion = "0.1.0"

// errReplaced ends the agent when the hub hands its ID to another connection.
var errReplaced = errors.New("connection replaced by another agent with the same id")

type options struct {
	addr      string
	id        string
	name      string
	token     string
	packs     []string
	heartbeat time.Duration
	attempts  uint
}

func main() {
	addr := flag.String("addr", "localhost:50051", "gRPC server address")
	agentID := flag.String("id", "fake-agent-1", "Agent ID")
	name := flag.String("name", "Fake Agent", "Agent display name")
	token := flag.String("token", os.Getenv("PROBEHUB_TOKEN"), "Agent API token")
	packs := flag.String("packs", "system,docker", "Comma separated packs to advertise")
	heartbeat := flag.Duration("heartbeat", 10*time.Second, "Heartbeat interval")
	attempts := flag.Uint("attempts", 10, "Connection attempts before giving up")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("agent_id", *agentID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, logger, options{
		addr:      *addr,
		id:        *agentID,
		name:      *name,
		token:     *token,
		packs:     strings.Split(*packs, ","),
		heartbeat: *heartbeat,
		attempts:  *attempts,
	})
	if err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

// run keeps a session open, reconnecting with backoff until ctx is done or
// the hub rejects the agent outright.
func run(ctx context.Context, logger *slog.Logger, opts options) error {
	conn, err := grpc.NewClient(opts.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	client := wire.NewAgentHubClient(conn)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(opts.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(retryable),
	)
	err = r.Do(func() error {
		err := session(ctx, logger, client, opts)
		if err != nil && retryable(err) && ctx.Err() == nil {
			logger.Warn("session ended, reconnecting", "error", err)
		}
		return err
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// retryable reports whether a session error is worth reconnecting after.
func retryable(err error) bool {
	if errors.Is(err, errReplaced) {
		return false
	}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument:
		return false
	}
	return true
}

// session runs one stream from registration until it ends.
func session(ctx context.Context, logger *slog.Logger, client *wire.AgentHubClient, opts options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if opts.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+opts.token)
	}

	stream, err := client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}

	// Only one goroutine may call Send on a stream at a time.
	var sendMu sync.Mutex
	send := func(msg *wire.AgentMessage) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.Send(msg)
	}

	hostname, _ := os.Hostname()
	if err := send(&wire.AgentMessage{Register: &wire.Register{
		AgentID:  opts.id,
		Name:     opts.name,
		Version:  agentVersion,
		Hostname: hostname,
		Packs:    opts.packs,
	}}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	msg, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	if msg.Welcome == nil {
		return fmt.Errorf("expected welcome, got: %+v", msg)
	}
	logger.Info("registered", "server_id", msg.Welcome.ServerID)

	go heartbeat(ctx, logger, send, opts.heartbeat)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("hub closed the stream")
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recv error: %w", err)
		}

		switch {
		case msg.Shutdown != nil:
			logger.Info("hub requested shutdown", "reason", msg.Shutdown.Reason)
			if strings.Contains(msg.Shutdown.Reason, "replaced") {
				return errReplaced
			}
			return fmt.Errorf("hub shutdown: %s", msg.Shutdown.Reason)

		case msg.Probe != nil:
			req := msg.Probe
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				res := answer(ctx, req)
				logger.Info("probe answered", "probe", req.Probe, "correlation_id", req.CorrelationID, "status", res.Status)
				if err := send(&wire.AgentMessage{Result: &wire.ProbeResponse{
					CorrelationID: req.CorrelationID,
					Result:        res,
				}}); err != nil {
					logger.Warn("send result failed", "correlation_id", req.CorrelationID, "error", err)
				}
			}()
		}
	}
}

func heartbeat(ctx context.Context, logger *slog.Logger, send func(*wire.AgentMessage) error, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := send(&wire.AgentMessage{Heartbeat: &wire.Heartbeat{TimestampMs: now.UnixMilli()}}); err != nil {
				logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}
