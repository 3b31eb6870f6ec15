// ABOUTME: Probe router that sends a call to a remote agent or a hub-local handler.
// ABOUTME: Local handlers run behind a per-pack circuit breaker with a per-probe timeout.

package packs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/2389/probehub/internal/probe"
)

// ErrNoLocalHandler indicates the probe's pack is not a hub-local pack.
var ErrNoLocalHandler = errors.New("no hub-local handler for probe")

// ErrNoDispatcher indicates an agent-targeted call reached a router built without a dispatcher.
var ErrNoDispatcher = errors.New("no agent dispatcher configured")

// DefaultTimeout is the default timeout for hub-local probes that declare none.
const DefaultTimeout = 30 * time.Second

// Dispatcher sends a probe to a connected agent and waits for its result.
type Dispatcher interface {
	SendProbe(ctx context.Context, agentID, name string, params map[string]any) (*probe.Result, error)
}

// Router is the single execution entry point for probes. It performs no policy
// checks; callers gate requests before reaching it.
type Router struct {
	registry   *Registry
	dispatcher Dispatcher
	logger     *slog.Logger
	timeout    time.Duration
	onBreaker  func(pack string, state gobreaker.State)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// RouterConfig contains configuration options for the Router.
type RouterConfig struct {
	Registry   *Registry
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Timeout    time.Duration

	// OnBreakerStateChange is called whenever a pack's circuit breaker changes state.
	OnBreakerStateChange func(pack string, state gobreaker.State)
}

// NewRouter creates a new Router with the given configuration.
func NewRouter(cfg RouterConfig) *Router {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		timeout:    timeout,
		onBreaker:  cfg.OnBreakerStateChange,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs a qualified probe. With an agentID the call goes to the
// dispatcher; without one it runs the probe's hub-local handler. Errors from
// either path are returned unchanged.
func (r *Router) Execute(ctx context.Context, name string, params map[string]any, agentID string) (*probe.Result, error) {
	if agentID != "" {
		if r.dispatcher == nil {
			return nil, ErrNoDispatcher
		}
		r.logger.Debug("→ dispatching to agent", "probe", name, "agent_id", agentID)
		return r.dispatcher.SendProbe(ctx, agentID, name, params)
	}
	return r.executeLocal(ctx, name, params)
}

type localOutcome struct {
	data any
	err  error
}

func (r *Router) executeLocal(ctx context.Context, name string, params map[string]any) (*probe.Result, error) {
	packName, probeName, ok := probe.SplitName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProbeNotFound, name)
	}
	lp := r.registry.LocalPack(packName)
	if lp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLocalHandler, name)
	}
	handler, ok := lp.Handlers[probeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProbeNotFound, name)
	}

	timeout := r.timeout
	def, _ := r.registry.GetProbe(name)
	if def != nil && def.Timeout > 0 {
		timeout = def.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.Info("→ dispatching to hub-local handler", "probe", name)
	start := time.Now()

	done := make(chan localOutcome, 1)
	cb := r.breaker(packName)
	go func() {
		data, err := cb.Execute(func() (any, error) {
			return handler(ctx, params)
		})
		done <- localOutcome{data: data, err: err}
	}()

	var out localOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.logger.Warn("hub-local probe timed out", "probe", name, "timeout", timeout)
			return nil, fmt.Errorf("probe %s %w after %s", name, probe.ErrTimedOut, timeout)
		}
		return nil, ctx.Err()
	}
	elapsed := time.Since(start).Milliseconds()

	if out.err != nil {
		r.logger.Warn("hub-local probe error", "probe", name, "error", out.err)
		return nil, out.err
	}

	r.logger.Info("← hub-local handler responded", "probe", name, "duration_ms", elapsed)

	meta := probe.Metadata{PackName: packName, PackVersion: lp.Manifest.Version}
	if def != nil {
		meta.CapabilityLevel = string(def.Capability)
	}

	// Handlers may return a full Result to report an error status with data.
	if res, ok := out.data.(*probe.Result); ok {
		res = res.Clone()
		res.Probe = name
		res.DurationMs = elapsed
		res.Metadata = meta
		if !res.Status.Valid() {
			res.Status = probe.StatusSuccess
		}
		return probe.Normalize(res), nil
	}

	return &probe.Result{
		Probe:      name,
		Status:     probe.StatusSuccess,
		Data:       out.data,
		DurationMs: elapsed,
		Metadata:   meta,
	}, nil
}

// breaker returns the circuit breaker for a hub-local pack, creating it on first use.
func (r *Router) breaker(pack string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[pack]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        pack,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "pack", name, "from", from.String(), "to", to.String())
			if r.onBreaker != nil {
				r.onBreaker(name, to)
			}
		},
	})
	r.breakers[pack] = cb
	return cb
}

// Probes returns the probe catalog backing this router.
func (r *Router) Probes() *Registry {
	return r.registry
}
