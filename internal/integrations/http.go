// ABOUTME: HTTP integration pack with a single endpoint health check probe.
// ABOUTME: The target URL comes from the integration instance or an explicit url parameter.

package integrations

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/probehub/internal/packs"
	"github.com/2389/probehub/internal/policy"
	"github.com/2389/probehub/internal/probe"
)

// HTTPPack creates the http pack. A nil client uses a client without its own timeout;
// the router's per-probe deadline bounds each request.
func HTTPPack(provider CredentialProvider, client *http.Client) *packs.LocalPack {
	if client == nil {
		client = &http.Client{}
	}
	h := &httpHandlers{provider: provider, client: client}
	return &packs.LocalPack{
		Manifest: &packs.PackManifest{
			Name:        TypeHTTP,
			Version:     "1.0.0",
			Description: "HTTP endpoint checks",
			Probes: []packs.ProbeDef{
				{Name: "check", Description: "GET a URL and compare the status code", Capability: policy.LevelObserve, TimeoutMs: 10_000},
			},
		},
		Handlers: map[string]packs.Handler{
			"check": h.Check,
		},
	}
}

type httpHandlers struct {
	provider CredentialProvider
	client   *http.Client
}

// Check issues a GET and reports status code and latency. A status other than
// the expected one (default 200) produces an error-status result.
func (h *httpHandlers) Check(ctx context.Context, params map[string]any) (any, error) {
	url := stringParam(params, "url")
	expected := intParam(params, "expected_status", 0)

	if stringParam(params, ParamIntegrationID) != "" {
		inst, err := resolve(h.provider, params, TypeHTTP)
		if err != nil {
			return nil, err
		}
		if url == "" {
			url = inst.Setting("url")
		}
		if expected == 0 {
			expected = inst.IntSetting("expected_status", 0)
		}
	}
	if url == "" {
		return nil, fmt.Errorf("%w: url", ErrMissingParam)
	}
	if expected == 0 {
		expected = http.StatusOK
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	latency := time.Since(start).Milliseconds()

	data := map[string]any{
		"url":            url,
		"statusCode":     resp.StatusCode,
		"expectedStatus": expected,
		"latencyMs":      latency,
	}
	if resp.StatusCode != expected {
		data["error"] = fmt.Sprintf("unexpected status %d from %s (want %d)", resp.StatusCode, url, expected)
		return &probe.Result{Status: probe.StatusError, Data: data}, nil
	}
	return data, nil
}
