// ABOUTME: Tests for the probe router including dispatch, local handlers, and timeouts.
// ABOUTME: Validates that errors pass through unchanged and metadata is populated.

package packs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/probehub/internal/policy"
	"github.com/2389/probehub/internal/probe"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeDispatcher) SendProbe(_ context.Context, agentID, name string, _ map[string]any) (*probe.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentID+"/"+name)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &probe.Result{Probe: name, Status: probe.StatusSuccess, Data: "remote"}, nil
}

func setupRouterTest(t *testing.T, handlers map[string]Handler, timeoutMs int) (*Router, *fakeDispatcher) {
	t.Helper()
	registry := NewRegistry(slog.Default())

	defs := make([]ProbeDef, 0, len(handlers))
	for name := range handlers {
		defs = append(defs, ProbeDef{Name: name, Capability: policy.LevelObserve, TimeoutMs: timeoutMs})
	}
	require.NoError(t, registry.RegisterLocalPack(&LocalPack{
		Manifest: &PackManifest{Name: "ext", Version: "2.0.0", Probes: defs},
		Handlers: handlers,
	}))

	d := &fakeDispatcher{}
	router := NewRouter(RouterConfig{
		Registry:   registry,
		Dispatcher: d,
		Logger:     slog.Default(),
		Timeout:    5 * time.Second,
	})
	return router, d
}

func TestRouterDispatchesToAgent(t *testing.T) {
	router, d := setupRouterTest(t, map[string]Handler{}, 0)

	res, err := router.Execute(context.Background(), "system.uptime", nil, "web-1")
	require.NoError(t, err)
	assert.Equal(t, "remote", res.Data)
	assert.Equal(t, []string{"web-1/system.uptime"}, d.calls)
}

func TestRouterReturnsDispatcherErrorUnchanged(t *testing.T) {
	router, d := setupRouterTest(t, map[string]Handler{}, 0)
	sentinel := errors.New("agent web-1 not connected")
	d.err = sentinel

	_, err := router.Execute(context.Background(), "system.uptime", nil, "web-1")
	assert.Same(t, sentinel, err)
}

func TestRouterRunsLocalHandler(t *testing.T) {
	var gotParams map[string]any
	router, d := setupRouterTest(t, map[string]Handler{
		"ping": func(_ context.Context, params map[string]any) (any, error) {
			gotParams = params
			return map[string]any{"pong": true}, nil
		},
	}, 0)

	res, err := router.Execute(context.Background(), "ext.ping", map[string]any{"integration_id": "cache"}, "")
	require.NoError(t, err)
	assert.Empty(t, d.calls, "local probes never reach the dispatcher")
	assert.Equal(t, probe.StatusSuccess, res.Status)
	assert.Equal(t, "ext.ping", res.Probe)
	assert.Equal(t, map[string]any{"pong": true}, res.Data)
	assert.Equal(t, "ext", res.Metadata.PackName)
	assert.Equal(t, "2.0.0", res.Metadata.PackVersion)
	assert.Equal(t, "observe", res.Metadata.CapabilityLevel)
	assert.Equal(t, "cache", gotParams["integration_id"])
}

func TestRouterLocalHandlerErrorUnchanged(t *testing.T) {
	sentinel := errors.New("connection refused")
	router, _ := setupRouterTest(t, map[string]Handler{
		"ping": func(context.Context, map[string]any) (any, error) { return nil, sentinel },
	}, 0)

	_, err := router.Execute(context.Background(), "ext.ping", nil, "")
	assert.Same(t, sentinel, err)
}

func TestRouterLocalHandlerReturnsResult(t *testing.T) {
	router, _ := setupRouterTest(t, map[string]Handler{
		"ping": func(context.Context, map[string]any) (any, error) {
			return &probe.Result{Status: probe.StatusError, Data: map[string]any{"error": "NOAUTH"}}, nil
		},
	}, 0)

	res, err := router.Execute(context.Background(), "ext.ping", nil, "")
	require.NoError(t, err)
	assert.Equal(t, probe.StatusError, res.Status)
	assert.Equal(t, "NOAUTH", res.Error)
	assert.Equal(t, "ext.ping", res.Probe)
}

func TestRouterLocalTimeout(t *testing.T) {
	router, _ := setupRouterTest(t, map[string]Handler{
		"slow": func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}, 50)

	start := time.Now()
	_, err := router.Execute(context.Background(), "ext.slow", nil, "")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, probe.IsTimeout(err))
}

func TestRouterUnknownProbe(t *testing.T) {
	router, _ := setupRouterTest(t, map[string]Handler{}, 0)

	_, err := router.Execute(context.Background(), "nopack.thing", nil, "")
	require.ErrorIs(t, err, ErrNoLocalHandler)
	assert.True(t, strings.Contains(err.Error(), "nopack.thing"))

	_, err = router.Execute(context.Background(), "ext.missing", nil, "")
	require.ErrorIs(t, err, ErrProbeNotFound)

	_, err = router.Execute(context.Background(), "undotted", nil, "")
	require.ErrorIs(t, err, ErrProbeNotFound)
}

func TestRouterWithoutDispatcher(t *testing.T) {
	router := NewRouter(RouterConfig{Registry: NewRegistry(slog.Default())})
	_, err := router.Execute(context.Background(), "system.uptime", nil, "web-1")
	require.ErrorIs(t, err, ErrNoDispatcher)
}

func TestRouterBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var mu sync.Mutex
	var states []gobreaker.State
	registry := NewRegistry(slog.Default())
	require.NoError(t, registry.RegisterLocalPack(&LocalPack{
		Manifest: &PackManifest{Name: "flaky", Version: "1", Probes: []ProbeDef{{Name: "call", Capability: policy.LevelObserve}}},
		Handlers: map[string]Handler{
			"call": func(context.Context, map[string]any) (any, error) { return nil, errors.New("down") },
		},
	}))
	router := NewRouter(RouterConfig{
		Registry: registry,
		OnBreakerStateChange: func(_ string, s gobreaker.State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	for range 6 {
		_, err := router.Execute(context.Background(), "flaky.call", nil, "")
		require.EqualError(t, err, "down")
	}

	_, err := router.Execute(context.Background(), "flaky.call", nil, "")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, states)
}
