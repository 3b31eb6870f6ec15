// ABOUTME: Gateway orchestrator that coordinates the gRPC agent stream and the HTTP surfaces
// ABOUTME: Builds the probe pipeline, sweeps stale agents, and manages server lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/probehub/internal/agent"
	"github.com/2389/probehub/internal/audit"
	"github.com/2389/probehub/internal/auth"
	"github.com/2389/probehub/internal/config"
	"github.com/2389/probehub/internal/criticalpath"
	"github.com/2389/probehub/internal/diagnostics"
	"github.com/2389/probehub/internal/hub"
	"github.com/2389/probehub/internal/integrations"
	"github.com/2389/probehub/internal/mcp"
	"github.com/2389/probehub/internal/metrics"
	"github.com/2389/probehub/internal/packs"
	"github.com/2389/probehub/internal/runbook"
	"github.com/2389/probehub/internal/store"
	"github.com/2389/probehub/internal/wire"
)

// integrationHTTPTimeout bounds every outbound request made by integration probes.
const integrationHTTPTimeout = 15 * time.Second

// Gateway orchestrates the probehub server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	agentManager *agent.Manager
	registry     *packs.Registry
	router       *packs.Router
	engine       *runbook.Engine
	hub          *hub.Service
	verifier     *auth.JWTVerifier
	limiter      *rateLimiter
	grpcServer   *grpc.Server
	httpServer   *http.Server
	mcpServer    *mcp.Server
	logger       *slog.Logger

	metrics         *metrics.Metrics
	metricsRegistry *prometheus.Registry

	// serverID identifies this hub instance in welcome frames
	serverID string
}

// Option customizes a Gateway during construction.
type Option func(*options)

type options struct {
	store store.Store
}

// WithStore replaces the SQLite store opened from database.path.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		s = sqlStore
	}

	gw, err := build(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func build(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metricsRegistry)

	registry := packs.NewRegistry(logger.With("component", "pack-registry"))
	manifests, err := packs.LoadManifests(cfg.Packs.ManifestDir)
	if err != nil {
		return nil, fmt.Errorf("loading pack manifests: %w", err)
	}
	if err := registry.RegisterManifests(manifests); err != nil {
		return nil, fmt.Errorf("registering pack manifests: %w", err)
	}

	providers, err := integrations.NewStaticProvider(cfg.Integrations)
	if err != nil {
		return nil, fmt.Errorf("loading integrations: %w", err)
	}
	if err := integrations.Register(registry, providers, &http.Client{Timeout: integrationHTTPTimeout}); err != nil {
		return nil, fmt.Errorf("registering integration packs: %w", err)
	}

	agentMgr := agent.NewManager(agent.ManagerConfig{
		Catalog:            registry,
		DefaultTimeout:     cfg.Agents.DefaultProbeTimeout,
		Logger:             logger.With("component", "agent-manager"),
		OnAgentCountChange: m.SetAgentCount,
	})

	router := packs.NewRouter(packs.RouterConfig{
		Registry:             registry,
		Dispatcher:           agentMgr,
		Logger:               logger.With("component", "pack-router"),
		Timeout:              cfg.Agents.DefaultProbeTimeout,
		OnBreakerStateChange: m.SetBreakerState,
	})

	chain := audit.NewChain(s, logger.With("component", "audit"))
	executor := audit.NewRecorder(audit.RecorderConfig{
		Next:            m.Instrument(router),
		Chain:           chain,
		Caller:          auth.CallerFromContext,
		Logger:          logger.With("component", "audit"),
		OnAppendFailure: m.IncAuditFailure,
	})

	engine := runbook.NewEngine(runbook.EngineConfig{
		Logger:           logger.With("component", "runbook"),
		MaxParallel:      cfg.Diagnostics.MaxParallel,
		DefaultTimeout:   cfg.Diagnostics.Timeout,
		MaxProbeDataSize: cfg.Diagnostics.MaxProbeDataSize,
	})
	loaded, err := engine.LoadFromManifests(registry.Manifests())
	if err != nil {
		return nil, fmt.Errorf("loading runbooks: %w", err)
	}
	if err := diagnostics.Register(engine); err != nil {
		return nil, fmt.Errorf("registering diagnostics: %w", err)
	}
	logger.Info("runbook engine ready", "runbooks", loaded, "categories", len(engine.Categories()))

	hubSvc := hub.New(hub.Config{
		Agents:       agentMgr,
		Registry:     registry,
		Engine:       engine,
		Paths:        criticalpath.NewService(s, logger.With("component", "critical-path")),
		Chain:        chain,
		Integrations: providers,
		Executor:     executor,
		MaxParallel:  cfg.Diagnostics.MaxParallel,
		Diagnostics: runbook.DiagnosticOptions{
			Timeout:          cfg.Diagnostics.Timeout,
			MaxProbeDataSize: cfg.Diagnostics.MaxProbeDataSize,
		},
		Logger:   logger.With("component", "hub"),
		OnDenied: m.IncDenial,
	})

	gw := &Gateway{
		config:          cfg,
		store:           s,
		agentManager:    agentMgr,
		registry:        registry,
		router:          router,
		engine:          engine,
		hub:             hubSvc,
		logger:          logger.With("component", "gateway"),
		metrics:         m,
		metricsRegistry: metricsRegistry,
		serverID:        generateServerID(),
	}

	if cfg.Auth.Enabled() {
		gw.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}
	if cfg.RateLimit.Enabled() {
		gw.limiter = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	gw.grpcServer = gw.createGRPCServer()
	wire.RegisterAgentHubServer(gw.grpcServer, newAgentHubServer(gw, logger.With("component", "grpc")))

	gw.mcpServer = mcp.NewServer(mcp.Config{
		Hub:    hubSvc,
		Logger: logger.With("component", "mcp"),
	})

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// createGRPCServer creates the agent-facing gRPC server with or without auth.
func (g *Gateway) createGRPCServer() *grpc.Server {
	interceptor := auth.NoAuthStreamInterceptor()
	if g.verifier != nil {
		interceptor = auth.StreamInterceptor(g.store, g.verifier, g.logger.With("component", "grpc-auth"))
		g.logger.Info("agent stream auth enabled")
	} else {
		g.logger.Warn("auth disabled - no jwt_secret configured")
	}

	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(interceptor),
	)
}

// Handler returns the HTTP handler tree. Used by tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// runSweeper closes agents that have been silent longer than the heartbeat
// timeout and prunes idle rate limit buckets, until ctx is done.
func (g *Gateway) runSweeper(ctx context.Context) {
	interval := g.config.Agents.HeartbeatInterval
	timeout := g.config.Agents.HeartbeatTimeout
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stale := g.agentManager.SweepStale(timeout); len(stale) > 0 {
				g.logger.Warn("removed stale agents", "agents", stale, "heartbeat_timeout", timeout)
			}
			if g.limiter != nil {
				g.limiter.prune(10 * timeout)
			}
		}
	}
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupTCPListeners()
	if err != nil {
		return err
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go g.runSweeper(sweepCtx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopSweeper()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Agents receive a shutdown frame before their streams are closed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.agentManager.Close()
	g.shutdownGRPCServer(ctx)
	if g.mcpServer != nil {
		g.mcpServer.Close()
	}

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// generateServerID creates a unique identifier for this hub instance.
func generateServerID() string {
	return fmt.Sprintf("probehub-%d", time.Now().UnixNano()%1000000)
}
