// ABOUTME: HTTP API handlers for probes, runbooks, diagnostics, critical paths and the audit log.
// ABOUTME: Routes are mounted on chi; every handler reaches probes only through the hub service.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/probehub/internal/agent"
	"github.com/2389/probehub/internal/auth"
	"github.com/2389/probehub/internal/criticalpath"
	"github.com/2389/probehub/internal/hub"
	"github.com/2389/probehub/internal/integrations"
	"github.com/2389/probehub/internal/packs"
	"github.com/2389/probehub/internal/probe"
	"github.com/2389/probehub/internal/runbook"
)

// maxRequestBodySize bounds JSON request bodies (1MB).
const maxRequestBodySize = 1 << 20

// RunProbeRequest is the JSON request body for POST /api/agents/{agentID}/probes.
type RunProbeRequest struct {
	Probe  string         `json:"probe"`
	Params map[string]any `json:"params,omitempty"`
}

// RunIntegrationProbeRequest is the JSON request body for POST /api/integrations/probes.
type RunIntegrationProbeRequest struct {
	Probe         string         `json:"probe"`
	IntegrationID string         `json:"integrationId"`
	Params        map[string]any `json:"params,omitempty"`
}

// RunDiagnosticRequest is the optional JSON request body for POST /api/diagnostics/{category}.
type RunDiagnosticRequest struct {
	Params map[string]any `json:"params,omitempty"`
}

// PathRequest is the JSON request body for creating or updating a critical path.
type PathRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// StepRequest is the JSON request body for adding or updating a step.
// Position is only read when adding; absent means append.
type StepRequest struct {
	criticalpath.StepInput
	Position *int `json:"position,omitempty"`
}

// ReorderRequest is the JSON request body for POST /api/critical-paths/{pathID}/reorder.
type ReorderRequest struct {
	StepIDs []string `json:"stepIds"`
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		r.Method(http.MethodGet, g.config.Metrics.Path, promhttp.HandlerFor(g.metricsRegistry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(g.authMiddleware())
		if g.limiter != nil {
			r.Use(g.limiter.Middleware)
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/agents", g.handleListAgents)
			r.Post("/agents/{agentID}/probes", g.handleRunProbe)
			r.Post("/agents/{agentID}/runbooks/{category}", g.handleRunRunbook)

			r.Get("/probes", g.handleListProbes)
			r.Get("/runbooks", g.handleListRunbooks)
			r.Get("/targets", g.handleListTargets)
			r.Post("/integrations/probes", g.handleRunIntegrationProbe)
			r.Post("/diagnostics/{category}", g.handleRunDiagnostic)

			r.Route("/critical-paths", func(r chi.Router) {
				r.Get("/", g.handleListPaths)
				r.Get("/{pathID}", g.handleGetPath)
				r.Post("/{pathID}/execute", g.handleExecutePath)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireAdminHTTP())
					r.Post("/", g.handleCreatePath)
					r.Put("/{pathID}", g.handleUpdatePath)
					r.Delete("/{pathID}", g.handleDeletePath)
					r.Post("/{pathID}/steps", g.handleAddStep)
					r.Put("/{pathID}/steps/{stepID}", g.handleUpdateStep)
					r.Delete("/{pathID}/steps/{stepID}", g.handleRemoveStep)
					r.Post("/{pathID}/reorder", g.handleReorderSteps)
				})
			})

			r.Get("/audit", g.handleListAudit)
			r.Get("/audit/verify", g.handleVerifyAudit)
		})

		if g.mcpServer != nil {
			r.Handle("/mcp", g.mcpServer)
		}
	})

	return r
}

// authMiddleware resolves bearer tokens when auth is configured, otherwise
// attaches the anonymous context.
func (g *Gateway) authMiddleware() func(http.Handler) http.Handler {
	if g.verifier == nil {
		return auth.NoAuthMiddleware()
	}
	return auth.HTTPAuthMiddleware(g.store, g.verifier, g.logger.With("component", "http-auth"))
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.agentManager.ListAgents()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}

// handleListAgents handles GET /api/agents.
// Agents outside the caller's allowedAgents list are omitted.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.hub.ListAgents(r.Context()))
}

// handleRunProbe handles POST /api/agents/{agentID}/probes.
func (g *Gateway) handleRunProbe(w http.ResponseWriter, r *http.Request) {
	var req RunProbeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Probe == "" {
		writeJSONError(w, http.StatusBadRequest, "probe is required")
		return
	}

	agentID := chi.URLParam(r, "agentID")
	res, err := g.hub.RunProbe(r.Context(), hub.SurfaceREST, agentID, req.Probe, req.Params)
	g.writeProbeResult(w, req.Probe, res, err)
}

// handleRunIntegrationProbe handles POST /api/integrations/probes.
func (g *Gateway) handleRunIntegrationProbe(w http.ResponseWriter, r *http.Request) {
	var req RunIntegrationProbeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Probe == "" || req.IntegrationID == "" {
		writeJSONError(w, http.StatusBadRequest, "probe and integrationId are required")
		return
	}

	params := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	params[integrations.ParamIntegrationID] = req.IntegrationID

	res, err := g.hub.RunProbe(r.Context(), hub.SurfaceREST, "", req.Probe, params)
	g.writeProbeResult(w, req.Probe, res, err)
}

// writeProbeResult reports a single probe call. Execution failures that are
// not about the request itself come back as a result with an error status.
func (g *Gateway) writeProbeResult(w http.ResponseWriter, name string, res *probe.Result, err error) {
	if err != nil {
		if isRequestError(err) {
			g.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, probe.FromError(name, err, 0))
		return
	}
	writeJSON(w, http.StatusOK, probe.Normalize(res))
}

// handleRunRunbook handles POST /api/agents/{agentID}/runbooks/{category}.
func (g *Gateway) handleRunRunbook(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	category := chi.URLParam(r, "category")

	res, err := g.hub.RunRunbook(r.Context(), hub.SurfaceREST, category, agentID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListProbes handles GET /api/probes.
func (g *Gateway) handleListProbes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.hub.ListProbes())
}

// handleListRunbooks handles GET /api/runbooks.
func (g *Gateway) handleListRunbooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.hub.ListCategories())
}

// handleListTargets handles GET /api/targets.
func (g *Gateway) handleListTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.hub.Targets(r.Context()))
}

// handleRunDiagnostic handles POST /api/diagnostics/{category}. The body is optional.
func (g *Gateway) handleRunDiagnostic(w http.ResponseWriter, r *http.Request) {
	var req RunDiagnosticRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.hub.RunDiagnostic(r.Context(), hub.SurfaceREST, chi.URLParam(r, "category"), req.Params)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListPaths handles GET /api/critical-paths.
func (g *Gateway) handleListPaths(w http.ResponseWriter, r *http.Request) {
	paths, err := g.hub.Paths().ListPaths(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	if paths == nil {
		paths = []*criticalpath.Path{}
	}
	writeJSON(w, http.StatusOK, paths)
}

// handleGetPath handles GET /api/critical-paths/{pathID}.
func (g *Gateway) handleGetPath(w http.ResponseWriter, r *http.Request) {
	p, err := g.hub.Paths().GetPath(r.Context(), chi.URLParam(r, "pathID"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleCreatePath handles POST /api/critical-paths.
func (g *Gateway) handleCreatePath(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	p, err := g.hub.Paths().CreatePath(r.Context(), req.Name, req.Description)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handleUpdatePath handles PUT /api/critical-paths/{pathID}.
func (g *Gateway) handleUpdatePath(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	p, err := g.hub.Paths().UpdatePath(r.Context(), chi.URLParam(r, "pathID"), req.Name, req.Description)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleDeletePath handles DELETE /api/critical-paths/{pathID}.
func (g *Gateway) handleDeletePath(w http.ResponseWriter, r *http.Request) {
	if err := g.hub.Paths().DeletePath(r.Context(), chi.URLParam(r, "pathID")); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAddStep handles POST /api/critical-paths/{pathID}/steps.
func (g *Gateway) handleAddStep(w http.ResponseWriter, r *http.Request) {
	var req StepRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	position := -1
	if req.Position != nil {
		position = *req.Position
	}

	step, err := g.hub.Paths().AddStep(r.Context(), chi.URLParam(r, "pathID"), req.StepInput, position)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, step)
}

// handleUpdateStep handles PUT /api/critical-paths/{pathID}/steps/{stepID}.
func (g *Gateway) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	var req StepRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	step, err := g.hub.Paths().UpdateStep(r.Context(), chi.URLParam(r, "pathID"), chi.URLParam(r, "stepID"), req.StepInput)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// handleRemoveStep handles DELETE /api/critical-paths/{pathID}/steps/{stepID}.
func (g *Gateway) handleRemoveStep(w http.ResponseWriter, r *http.Request) {
	if err := g.hub.Paths().RemoveStep(r.Context(), chi.URLParam(r, "pathID"), chi.URLParam(r, "stepID")); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReorderSteps handles POST /api/critical-paths/{pathID}/reorder.
func (g *Gateway) handleReorderSteps(w http.ResponseWriter, r *http.Request) {
	var req ReorderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := g.hub.Paths().ReorderSteps(r.Context(), chi.URLParam(r, "pathID"), req.StepIDs)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleExecutePath handles POST /api/critical-paths/{pathID}/execute.
func (g *Gateway) handleExecutePath(w http.ResponseWriter, r *http.Request) {
	res, err := g.hub.ExecutePath(r.Context(), hub.SurfaceREST, chi.URLParam(r, "pathID"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListAudit handles GET /api/audit?limit=N, newest first.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := g.hub.RecentAudit(r.Context(), limit)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleVerifyAudit handles GET /api/audit/verify.
func (g *Gateway) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	res, err := g.hub.VerifyAudit(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// isRequestError reports errors that describe the request rather than the
// probe execution.
func isRequestError(err error) bool {
	return errors.Is(err, hub.ErrDenied) ||
		errors.Is(err, hub.ErrInvalidTarget) ||
		errors.Is(err, packs.ErrProbeNotFound) ||
		errors.Is(err, agent.ErrAgentNotFound)
}

// writeError maps domain errors to HTTP status codes.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	var denied *hub.DeniedError
	switch {
	case errors.As(err, &denied):
		writeJSONError(w, http.StatusForbidden, denied.Reason)
	case errors.Is(err, packs.ErrProbeNotFound),
		errors.Is(err, runbook.ErrRunbookNotFound),
		errors.Is(err, criticalpath.ErrPathNotFound),
		errors.Is(err, criticalpath.ErrStepNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrAgentNotFound),
		errors.Is(err, agent.ErrAgentDisconnected):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, hub.ErrInvalidTarget),
		errors.Is(err, criticalpath.ErrInvalidStep),
		errors.Is(err, criticalpath.ErrInvalidOrder):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a size-limited JSON body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required: %w", err)
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError sends an error response in JSON format.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
