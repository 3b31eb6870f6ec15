// ABOUTME: Tests for the MCP HTTP server including sessions, the client allow-list and tool calls.
// ABOUTME: Uses a fake hub so tool routing and error reporting are checked without agents.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/probehub/internal/agent"
	"github.com/2389/probehub/internal/audit"
	"github.com/2389/probehub/internal/auth"
	"github.com/2389/probehub/internal/hub"
	"github.com/2389/probehub/internal/policy"
	"github.com/2389/probehub/internal/probe"
	"github.com/2389/probehub/internal/runbook"
)

type probeCall struct {
	surface string
	agentID string
	name    string
	params  map[string]any
	client  string
}

type fakeHub struct {
	calls    []probeCall
	probeErr error
}

func (f *fakeHub) ListAgents(context.Context) []*agent.AgentInfo {
	return []*agent.AgentInfo{{ID: "web-1", Name: "web"}}
}

func (f *fakeHub) ListCategories() []runbook.CategoryInfo {
	return []runbook.CategoryInfo{{Category: "system-health", Kind: "runbook"}}
}

func (f *fakeHub) RunProbe(ctx context.Context, surface, agentID, name string, params map[string]any) (*probe.Result, error) {
	client := ""
	if ac := auth.FromContext(ctx); ac != nil {
		client = ac.ClientName
	}
	f.calls = append(f.calls, probeCall{surface: surface, agentID: agentID, name: name, params: params, client: client})
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &probe.Result{Probe: name, Status: probe.StatusSuccess, Data: map[string]any{"uptime": 42}}, nil
}

func (f *fakeHub) RunRunbook(_ context.Context, surface, category, agentID string) (*runbook.Result, error) {
	return &runbook.Result{Category: category, AgentID: agentID}, nil
}

func (f *fakeHub) RunDiagnostic(_ context.Context, surface, category string, _ map[string]any) (*runbook.DiagnosticResult, error) {
	return nil, runbook.ErrRunbookNotFound
}

func (f *fakeHub) VerifyAudit(context.Context) (*audit.VerifyResult, error) {
	return &audit.VerifyResult{Valid: true, Checked: 3}, nil
}

// withCaller plays the role of the gateway auth middleware.
func withCaller(ac *auth.AuthContext, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ac != nil {
			r = r.WithContext(auth.WithAuth(r.Context(), ac))
		}
		next.ServeHTTP(w, r)
	})
}

type testClient struct {
	t       *testing.T
	handler http.Handler
	session string
}

func (c *testClient) post(method string, params any) (*httptest.ResponseRecorder, JSONRPCResponse) {
	c.t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(c.t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(raw))
	if c.session != "" {
		req.Header.Set("Mcp-Session-Id", c.session)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)

	var resp JSONRPCResponse
	if rr.Code == http.StatusOK {
		require.NoError(c.t, json.NewDecoder(rr.Body).Decode(&resp))
	}
	return rr, resp
}

func (c *testClient) initialize(clientName string) JSONRPCResponse {
	c.t.Helper()
	rr, resp := c.post("initialize", map[string]any{
		"protocolVersion": "2025-06-18",
		"clientInfo":      map[string]any{"name": clientName},
	})
	require.Equal(c.t, http.StatusOK, rr.Code)
	c.session = rr.Header().Get("Mcp-Session-Id")
	return resp
}

func (c *testClient) callTool(name string, args any) MCPCallToolResult {
	c.t.Helper()
	rr, resp := c.post("tools/call", map[string]any{"name": name, "arguments": args})
	require.Equal(c.t, http.StatusOK, rr.Code)
	require.Nil(c.t, resp.Error, "unexpected JSON-RPC error")

	raw, err := json.Marshal(resp.Result)
	require.NoError(c.t, err)
	var out MCPCallToolResult
	require.NoError(c.t, json.Unmarshal(raw, &out))
	return out
}

func newTestServer(t *testing.T, h Hub, ac *auth.AuthContext) (*Server, *testClient) {
	t.Helper()
	srv := NewServer(Config{Hub: h, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	return srv, &testClient{t: t, handler: withCaller(ac, srv)}
}

func TestInitializeCreatesSession(t *testing.T) {
	srv, c := newTestServer(t, &fakeHub{}, auth.Anonymous())

	resp := c.initialize("claude-code")

	require.Nil(t, resp.Error)
	assert.NotEmpty(t, c.session)
	assert.Equal(t, 1, srv.SessionCount())

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2025-06-18", result["protocolVersion"])
}

func TestInitializeUnknownVersionGetsLatest(t *testing.T) {
	_, c := newTestServer(t, &fakeHub{}, auth.Anonymous())

	rr, resp := c.post("initialize", map[string]any{
		"protocolVersion": "1999-01-01",
		"clientInfo":      map[string]any{"name": "x"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	result := resp.Result.(map[string]any)
	assert.Equal(t, latestProtocolVersion, result["protocolVersion"])
}

func TestInitializeClientAllowList(t *testing.T) {
	ac := &auth.AuthContext{
		Type:   "client",
		KeyID:  "key-1",
		Policy: &policy.Policy{AllowedClients: []string{"claude-code"}},
	}
	srv, c := newTestServer(t, &fakeHub{}, ac)

	rr, resp := c.post("initialize", map[string]any{"clientInfo": map[string]any{"name": "rogue-bot"}})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "rogue-bot")
	assert.Empty(t, rr.Header().Get("Mcp-Session-Id"))
	assert.Equal(t, 0, srv.SessionCount())

	ok := c.initialize("claude-code")
	assert.Nil(t, ok.Error)
}

func TestRequestsRequireSession(t *testing.T) {
	_, c := newTestServer(t, &fakeHub{}, auth.Anonymous())

	rr, _ := c.post("tools/list", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	c.session = "does-not-exist"
	rr, _ = c.post("tools/list", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSessionBoundToCaller(t *testing.T) {
	srv := NewServer(Config{Hub: &fakeHub{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	owner := &testClient{t: t, handler: withCaller(&auth.AuthContext{Type: "client", KeyID: "key-a"}, srv)}
	owner.initialize("claude-code")

	other := &testClient{t: t, handler: withCaller(&auth.AuthContext{Type: "client", KeyID: "key-b"}, srv), session: owner.session}
	rr, _ := other.post("tools/list", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", owner.session)
	del := httptest.NewRecorder()
	other.handler.ServeHTTP(del, req)
	assert.Equal(t, http.StatusForbidden, del.Code)

	req = httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", owner.session)
	del = httptest.NewRecorder()
	owner.handler.ServeHTTP(del, req)
	assert.Equal(t, http.StatusNoContent, del.Code)
	assert.Equal(t, 0, srv.SessionCount())
}

func TestNoAuthContextRejected(t *testing.T) {
	_, c := newTestServer(t, &fakeHub{}, nil)

	_, resp := c.post("initialize", map[string]any{"clientInfo": map[string]any{"name": "x"}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "authentication required", resp.Error.Message)
}

func TestToolsList(t *testing.T) {
	_, c := newTestServer(t, &fakeHub{}, auth.Anonymous())
	c.initialize("claude-code")

	rr, resp := c.post("tools/list", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var list MCPListToolsResult
	require.NoError(t, json.Unmarshal(raw, &list))

	names := make([]string, len(list.Tools))
	for i, tl := range list.Tools {
		names[i] = tl.Name
		assert.True(t, json.Valid(tl.InputSchema), "schema for %s", tl.Name)
	}
	assert.Equal(t, toolOrder, names)
}

func TestRunProbeTool(t *testing.T) {
	h := &fakeHub{}
	_, c := newTestServer(t, h, auth.Anonymous())
	c.initialize("claude-code")

	out := c.callTool("run_probe", map[string]any{"agentId": "web-1", "probe": "system.uptime"})

	assert.False(t, out.IsError)
	require.Len(t, out.Content, 1)
	assert.Contains(t, out.Content[0].Text, `"uptime": 42`)

	require.Len(t, h.calls, 1)
	assert.Equal(t, hub.SurfaceMCP, h.calls[0].surface)
	assert.Equal(t, "web-1", h.calls[0].agentID)
	assert.Equal(t, "claude-code", h.calls[0].client)
}

func TestRunProbeToolIntegrationTarget(t *testing.T) {
	h := &fakeHub{}
	_, c := newTestServer(t, h, auth.Anonymous())
	c.initialize("claude-code")

	c.callTool("run_probe", map[string]any{
		"integrationId": "cache",
		"probe":         "redis.ping",
		"params":        map[string]any{"verbose": true},
	})

	require.Len(t, h.calls, 1)
	assert.Empty(t, h.calls[0].agentID)
	assert.Equal(t, "cache", h.calls[0].params["integration_id"])
	assert.Equal(t, true, h.calls[0].params["verbose"])
}

func TestToolErrorsAreToolResults(t *testing.T) {
	h := &fakeHub{probeErr: &hub.DeniedError{Reason: "probe outside allowed list"}}
	_, c := newTestServer(t, h, auth.Anonymous())
	c.initialize("claude-code")

	out := c.callTool("run_probe", map[string]any{"agentId": "web-1", "probe": "system.service.restart"})
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content[0].Text, "access denied")

	out = c.callTool("run_probe", map[string]any{"agentId": "web-1"})
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content[0].Text, "probe is required")

	out = c.callTool("run_diagnostic", map[string]any{"category": "nope"})
	assert.True(t, out.IsError)
	assert.Equal(t, runbook.ErrRunbookNotFound.Error(), out.Content[0].Text)
}

func TestUnknownToolAndMethod(t *testing.T) {
	_, c := newTestServer(t, &fakeHub{}, auth.Anonymous())
	c.initialize("claude-code")

	_, resp := c.post("tools/call", map[string]any{"name": "rm_rf"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)

	_, resp = c.post("resources/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, JSONRPCMethodNotFound, resp.Error.Code)
}

func TestVerifyAuditTool(t *testing.T) {
	_, c := newTestServer(t, &fakeHub{}, auth.Anonymous())
	c.initialize("claude-code")

	out := c.callTool("verify_audit", nil)
	assert.False(t, out.IsError)
	assert.Contains(t, out.Content[0].Text, `"valid": true`)
}

func TestNotificationAccepted(t *testing.T) {
	srv, c := newTestServer(t, &fakeHub{}, auth.Anonymous())
	c.initialize("claude-code")

	req := httptest.NewRequest(http.MethodPost, "/mcp",
		bytes.NewBufferString(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	req.Header.Set("Mcp-Session-Id", c.session)
	rr := httptest.NewRecorder()
	withCaller(auth.Anonymous(), srv).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestCloseDropsSessions(t *testing.T) {
	srv, c := newTestServer(t, &fakeHub{}, auth.Anonymous())
	c.initialize("claude-code")
	require.Equal(t, 1, srv.SessionCount())

	srv.Close()

	rr, _ := c.post("tools/list", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, &fakeHub{}, auth.Anonymous())
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
