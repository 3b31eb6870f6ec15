// ABOUTME: Hub operations shared by the REST API and the MCP server.
// ABOUTME: Every operation evaluates the caller's policy before any probe is dispatched.

package hub

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/2389/probehub/internal/agent"
	"github.com/2389/probehub/internal/audit"
	"github.com/2389/probehub/internal/auth"
	"github.com/2389/probehub/internal/criticalpath"
	"github.com/2389/probehub/internal/integrations"
	"github.com/2389/probehub/internal/packs"
	"github.com/2389/probehub/internal/policy"
	"github.com/2389/probehub/internal/probe"
	"github.com/2389/probehub/internal/runbook"
)

// Surfaces label where a request entered the hub.
const (
	SurfaceREST = "rest"
	SurfaceMCP  = "mcp"
)

var (
	// ErrDenied matches every *DeniedError.
	ErrDenied = errors.New("access denied")
	// ErrInvalidTarget indicates a probe was aimed at the wrong kind of target.
	ErrInvalidTarget = errors.New("invalid probe target")
)

// DeniedError carries the policy reason for a rejected request.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return "access denied: " + e.Reason }

// Is lets errors.Is(err, ErrDenied) match.
func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// Service executes probes, runbooks, diagnostics and critical paths on behalf
// of an authenticated caller.
type Service struct {
	agents      *agent.Manager
	registry    *packs.Registry
	engine      *runbook.Engine
	paths       *criticalpath.Service
	chain       *audit.Chain
	providers   integrations.CredentialProvider
	exec        probe.Executor
	maxParallel int
	diagOpts    runbook.DiagnosticOptions
	onDenied    func(surface string)
	logger      *slog.Logger
}

// Config contains the collaborators a Service needs.
type Config struct {
	Agents   *agent.Manager
	Registry *packs.Registry
	Engine   *runbook.Engine
	Paths    *criticalpath.Service
	Chain    *audit.Chain

	// Integrations lists hub-local targets; nil when none are configured.
	Integrations integrations.CredentialProvider

	// Executor is the audited probe path, normally Router wrapped by the
	// metrics and audit decorators.
	Executor    probe.Executor
	MaxParallel int
	Diagnostics runbook.DiagnosticOptions
	Logger      *slog.Logger

	// OnDenied is called once per rejected request.
	OnDenied func(surface string)
}

// New creates a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		agents:      cfg.Agents,
		registry:    cfg.Registry,
		engine:      cfg.Engine,
		paths:       cfg.Paths,
		chain:       cfg.Chain,
		providers:   cfg.Integrations,
		exec:        cfg.Executor,
		maxParallel: cfg.MaxParallel,
		diagOpts:    cfg.Diagnostics,
		onDenied:    cfg.OnDenied,
		logger:      logger,
	}
}

// Paths exposes critical path CRUD.
func (s *Service) Paths() *criticalpath.Service {
	return s.paths
}

const reasonNoIdentity = "no caller identity"

// callerPolicy returns the policy of the authenticated caller. A request with
// no AuthContext never reaches a probe.
func callerPolicy(ctx context.Context) (*policy.Policy, bool) {
	ac := auth.FromContext(ctx)
	if ac == nil {
		return nil, false
	}
	return ac.Policy, true
}

// authorize evaluates one probe against one target for the caller.
func (s *Service) authorize(ctx context.Context, surface, target, name string) error {
	pol, ok := callerPolicy(ctx)
	if !ok {
		s.denied(ctx, surface, target, name, reasonNoIdentity)
		return &DeniedError{Reason: reasonNoIdentity}
	}
	d := policy.EvaluateProbeAccess(pol, target, name, s.registry.Capability(name))
	if !d.Allowed {
		s.denied(ctx, surface, target, name, d.Reason)
		return &DeniedError{Reason: d.Reason}
	}
	return nil
}

func (s *Service) denied(ctx context.Context, surface, target, name, reason string) {
	s.logger.Warn("policy denied request",
		"surface", surface,
		"caller", auth.CallerFromContext(ctx),
		"target", target,
		"probe", name,
		"reason", reason,
	)
	if s.onDenied != nil {
		s.onDenied(surface)
	}
}

// ListAgents returns the connected agents the caller may address.
func (s *Service) ListAgents(ctx context.Context) []*agent.AgentInfo {
	all := s.agents.ListAgents()
	pol, ok := callerPolicy(ctx)
	if !ok {
		return []*agent.AgentInfo{}
	}
	visible := make([]*agent.AgentInfo, 0, len(all))
	for _, a := range all {
		if policy.EvaluateAgentAccess(pol, a.ID).Allowed {
			visible = append(visible, a)
		}
	}
	return visible
}

// ListCategories returns every runbook and diagnostic category.
func (s *Service) ListCategories() []runbook.CategoryInfo {
	return s.engine.Categories()
}

// ProbeInfo is the public view of a catalog entry.
type ProbeInfo struct {
	Name        string       `json:"name"`
	Pack        string       `json:"pack"`
	Description string       `json:"description,omitempty"`
	Capability  policy.Level `json:"capability"`
	TimeoutMs   int64        `json:"timeoutMs,omitempty"`
	Local       bool         `json:"local"`
}

// ListProbes returns the probe catalog.
func (s *Service) ListProbes() []ProbeInfo {
	probes := s.registry.ListProbes()
	out := make([]ProbeInfo, 0, len(probes))
	for _, p := range probes {
		out = append(out, ProbeInfo{
			Name:        p.Name,
			Pack:        p.Pack,
			Description: p.Description,
			Capability:  p.Capability,
			TimeoutMs:   p.Timeout.Milliseconds(),
			Local:       p.Local,
		})
	}
	return out
}

// RunProbe executes one probe. Agent probes need agentID; hub-local
// integration probes need params[integration_id] and no agentID.
func (s *Service) RunProbe(ctx context.Context, surface, agentID, name string, params map[string]any) (*probe.Result, error) {
	def, ok := s.registry.GetProbe(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", packs.ErrProbeNotFound, name)
	}

	target := agentID
	switch {
	case def.Local && agentID != "":
		return nil, fmt.Errorf("%w: %s runs on the hub, not on agent %s", ErrInvalidTarget, name, agentID)
	case def.Local:
		id, _ := params[integrations.ParamIntegrationID].(string)
		if id == "" {
			return nil, fmt.Errorf("%w: %s requires %s", ErrInvalidTarget, name, integrations.ParamIntegrationID)
		}
		target = id
	case agentID == "":
		return nil, fmt.Errorf("%w: %s requires an agent", ErrInvalidTarget, name)
	}

	if err := s.authorize(ctx, surface, target, name); err != nil {
		return nil, err
	}
	return s.exec.Execute(ctx, name, params, agentID)
}

// RunRunbook executes the fixed runbook for category against agentID. Every
// probe in the runbook is authorized before the first one runs.
func (s *Service) RunRunbook(ctx context.Context, surface, category, agentID string) (*runbook.Result, error) {
	rb, ok := s.engine.Runbook(category)
	if !ok {
		return nil, fmt.Errorf("%w: %q", runbook.ErrRunbookNotFound, category)
	}
	if agentID == "" {
		return nil, fmt.Errorf("%w: runbook %s requires an agent", ErrInvalidTarget, category)
	}
	for _, name := range rb.Probes {
		if err := s.authorize(ctx, surface, agentID, name); err != nil {
			return nil, err
		}
	}
	if !s.agents.IsOnline(agentID) {
		return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}
	return s.engine.Execute(ctx, category, agentID, s.exec)
}

// RunDiagnostic executes a programmatic diagnostic. The handler chooses its
// probes at run time, so each call is authorized as it is made and a denied
// call becomes an error finding.
func (s *Service) RunDiagnostic(ctx context.Context, surface, category string, params map[string]any) (*runbook.DiagnosticResult, error) {
	if !s.engine.HasDiagnostic(category) {
		return nil, fmt.Errorf("%w: %q", runbook.ErrRunbookNotFound, category)
	}
	pol, ok := callerPolicy(ctx)
	if !ok {
		s.denied(ctx, surface, "", category, reasonNoIdentity)
		return nil, &DeniedError{Reason: reasonNoIdentity}
	}

	var visible []string
	for _, id := range s.agents.OnlineIDs() {
		if policy.EvaluateAgentAccess(pol, id).Allowed {
			visible = append(visible, id)
		}
	}

	return s.engine.ExecuteDiagnostic(ctx, category, params, s.guarded(surface), runbook.DiagnosticContext{
		ConnectedAgents: visible,
	}, s.diagOpts)
}

// guarded wraps the executor with a per-call policy check.
func (s *Service) guarded(surface string) probe.Executor {
	return probe.ExecutorFunc(func(ctx context.Context, name string, params map[string]any, agentID string) (*probe.Result, error) {
		target := agentID
		if target == "" {
			target, _ = params[integrations.ParamIntegrationID].(string)
		}
		if err := s.authorize(ctx, surface, target, name); err != nil {
			return nil, err
		}
		return s.exec.Execute(ctx, name, params, agentID)
	})
}

// ExecutePath runs a stored critical path. Every probe of every step is
// authorized against the step's target before the first step runs.
func (s *Service) ExecutePath(ctx context.Context, surface, pathID string) (*criticalpath.ExecuteResult, error) {
	p, err := s.paths.GetPath(ctx, pathID)
	if err != nil {
		return nil, err
	}
	for _, st := range p.Steps {
		for _, name := range st.Probes {
			if err := s.authorize(ctx, surface, st.TargetID, name); err != nil {
				return nil, err
			}
		}
	}
	return criticalpath.NewExecutor(s.exec, s.maxParallel, s.logger).Execute(ctx, p), nil
}

// VerifyAudit walks the audit chain.
func (s *Service) VerifyAudit(ctx context.Context) (*audit.VerifyResult, error) {
	return s.chain.Verify(ctx)
}

// RecentAudit returns the newest audit entries.
func (s *Service) RecentAudit(ctx context.Context, limit int) ([]*audit.Entry, error) {
	return s.chain.Recent(ctx, limit)
}

// Targets lists the connected agents the caller may address and every
// configured integration instance, for building critical path steps.
func (s *Service) Targets(ctx context.Context) []Target {
	var out []Target
	for _, a := range s.ListAgents(ctx) {
		out = append(out, Target{Type: criticalpath.TargetAgent, ID: a.ID, Name: a.Name})
	}
	if s.providers != nil {
		for _, inst := range s.providers.List() {
			out = append(out, Target{Type: criticalpath.TargetIntegration, ID: inst.ID, Name: inst.Type})
		}
	}
	slices.SortFunc(out, func(a, b Target) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Target is something a critical path step can run against.
type Target struct {
	Type criticalpath.TargetType `json:"type"`
	ID   string                  `json:"id"`
	Name string                  `json:"name,omitempty"`
}
