// ABOUTME: Runbook engine that runs fixed probe lists and programmatic diagnostics.
// ABOUTME: Converts probe failures into results so one bad probe never aborts its siblings.

package runbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/probehub/internal/packs"
	"github.com/2389/probehub/internal/probe"
)

// ErrRunbookNotFound indicates no runbook or diagnostic is registered for a category.
var ErrRunbookNotFound = errors.New("no runbook found for category")

// ErrDuplicateCategory indicates two runbooks or diagnostics claim the same category.
var ErrDuplicateCategory = errors.New("category already registered")

// DefaultDiagnosticTimeout bounds a diagnostic handler when the caller gives no timeout.
const DefaultDiagnosticTimeout = 5 * time.Second

// Summary holds counts derived from result statuses.
type Summary struct {
	ProbesRun       int   `json:"probesRun"`
	ProbesSucceeded int   `json:"probesSucceeded"`
	ProbesFailed    int   `json:"probesFailed"`
	DurationMs      int64 `json:"durationMs"`
}

// Result is the outcome of a fixed-list runbook.
type Result struct {
	Category string                   `json:"category"`
	AgentID  string                   `json:"agentId,omitempty"`
	Findings map[string]*probe.Result `json:"findings"`
	Summary  Summary                  `json:"summary"`
}

// DiagnosticResult is the outcome of a programmatic diagnostic.
type DiagnosticResult struct {
	Category    string                   `json:"category"`
	Findings    map[string]*probe.Result `json:"findings"`
	Summary     Summary                  `json:"summary"`
	SummaryText string                   `json:"summaryText"`
	TimedOut    bool                     `json:"timedOut"`
	Truncated   bool                     `json:"truncated"`
}

// RunProbeFunc runs one probe for a diagnostic handler. It never fails:
// errors come back as error or timeout results.
type RunProbeFunc func(ctx context.Context, name string, params map[string]any, agentID string) *probe.Result

// DiagnosticContext describes the fleet at the moment a diagnostic starts.
type DiagnosticContext struct {
	ConnectedAgents []string
}

// DiagnosticHandler builds findings by calling probes through run.
type DiagnosticHandler func(ctx context.Context, params map[string]any, run RunProbeFunc, dctx DiagnosticContext) (*DiagnosticResult, error)

// Diagnostic registers a handler under a category.
type Diagnostic struct {
	Category    string
	Description string
	Handler     DiagnosticHandler
}

// DiagnosticOptions bound a single diagnostic run. Zero values use engine defaults.
type DiagnosticOptions struct {
	Timeout          time.Duration
	MaxProbeDataSize int
}

// CategoryInfo describes a registered category for listing.
type CategoryInfo struct {
	Category    string   `json:"category"`
	Kind        string   `json:"kind"` // "runbook" | "diagnostic"
	Description string   `json:"description,omitempty"`
	Pack        string   `json:"pack,omitempty"`
	Probes      []string `json:"probes,omitempty"`
	Parallel    bool     `json:"parallel,omitempty"`
}

type runbookEntry struct {
	pack    string
	runbook *packs.Runbook
}

// Engine holds runbooks and diagnostics keyed by category.
type Engine struct {
	mu          sync.RWMutex
	runbooks    map[string]*runbookEntry
	diagnostics map[string]*Diagnostic

	maxParallel    int
	defaultTimeout time.Duration
	maxDataSize    int
	logger         *slog.Logger
}

// EngineConfig contains configuration options for the Engine.
type EngineConfig struct {
	Logger           *slog.Logger
	MaxParallel      int // zero means unlimited
	DefaultTimeout   time.Duration
	MaxProbeDataSize int
}

// NewEngine creates an empty Engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultDiagnosticTimeout
	}
	maxSize := cfg.MaxProbeDataSize
	if maxSize <= 0 {
		maxSize = DefaultMaxProbeDataSize
	}
	return &Engine{
		runbooks:       make(map[string]*runbookEntry),
		diagnostics:    make(map[string]*Diagnostic),
		maxParallel:    cfg.MaxParallel,
		defaultTimeout: timeout,
		maxDataSize:    maxSize,
		logger:         logger,
	}
}

// LoadFromManifests registers the runbook of every manifest that declares one.
// It returns the number of runbooks loaded.
func (e *Engine) LoadFromManifests(manifests []*packs.PackManifest) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	loaded := 0
	for _, m := range manifests {
		if m == nil || m.Runbook == nil {
			continue
		}
		cat := m.Runbook.Category
		if e.categoryTakenLocked(cat) {
			return loaded, fmt.Errorf("%w: %q (pack %s)", ErrDuplicateCategory, cat, m.Name)
		}
		e.runbooks[cat] = &runbookEntry{pack: m.Name, runbook: m.Runbook}
		loaded++
		e.logger.Info("runbook loaded", "category", cat, "pack", m.Name, "probes", len(m.Runbook.Probes), "parallel", m.Runbook.Parallel)
	}
	return loaded, nil
}

// RegisterDiagnostic adds a programmatic diagnostic handler.
func (e *Engine) RegisterDiagnostic(d Diagnostic) error {
	if d.Category == "" || d.Handler == nil {
		return errors.New("diagnostic requires a category and a handler")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.categoryTakenLocked(d.Category) {
		return fmt.Errorf("%w: %q", ErrDuplicateCategory, d.Category)
	}
	e.diagnostics[d.Category] = &d
	e.logger.Info("diagnostic registered", "category", d.Category)
	return nil
}

func (e *Engine) categoryTakenLocked(category string) bool {
	_, rb := e.runbooks[category]
	_, dg := e.diagnostics[category]
	return rb || dg
}

// Runbook returns the fixed runbook for a category.
func (e *Engine) Runbook(category string) (*packs.Runbook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, ok := e.runbooks[category]
	if !ok {
		return nil, false
	}
	return entry.runbook, true
}

// HasDiagnostic reports whether a diagnostic handler is registered for category.
func (e *Engine) HasDiagnostic(category string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.diagnostics[category]
	return ok
}

// Categories lists every runbook and diagnostic sorted by category.
func (e *Engine) Categories() []CategoryInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]CategoryInfo, 0, len(e.runbooks)+len(e.diagnostics))
	for cat, entry := range e.runbooks {
		out = append(out, CategoryInfo{
			Category:    cat,
			Kind:        "runbook",
			Description: entry.runbook.Description,
			Pack:        entry.pack,
			Probes:      entry.runbook.Probes,
			Parallel:    entry.runbook.Parallel,
		})
	}
	for cat, d := range e.diagnostics {
		out = append(out, CategoryInfo{Category: cat, Kind: "diagnostic", Description: d.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// CallProbe runs one probe and converts any error into a result. Timeout
// errors become StatusTimeout and everything else StatusError.
func CallProbe(ctx context.Context, exec probe.Executor, name string, params map[string]any, agentID string) *probe.Result {
	start := time.Now()
	res, err := exec.Execute(ctx, name, params, agentID)
	if err != nil {
		return probe.FromError(name, err, time.Since(start).Milliseconds())
	}
	if res == nil {
		return &probe.Result{
			Probe:      name,
			Status:     probe.StatusError,
			Error:      "probe returned no result",
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
	return probe.Normalize(res)
}

// Execute runs the fixed runbook for category against agentID. Parallel
// runbooks fan out and wait for every probe; sequential runbooks run in order.
func (e *Engine) Execute(ctx context.Context, category, agentID string, exec probe.Executor) (*Result, error) {
	rb, ok := e.Runbook(category)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRunbookNotFound, category)
	}

	e.logger.Info("executing runbook", "category", category, "agent_id", agentID, "probes", len(rb.Probes), "parallel", rb.Parallel)
	start := time.Now()
	results := make([]*probe.Result, len(rb.Probes))

	if rb.Parallel {
		var g errgroup.Group
		if e.maxParallel > 0 {
			g.SetLimit(e.maxParallel)
		}
		for i, name := range rb.Probes {
			g.Go(func() error {
				results[i] = CallProbe(ctx, exec, name, nil, agentID)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, name := range rb.Probes {
			results[i] = CallProbe(ctx, exec, name, nil, agentID)
		}
	}

	findings := make(map[string]*probe.Result, len(results))
	for i, name := range rb.Probes {
		findings[name] = results[i]
	}
	summary := summarize(results)
	summary.DurationMs = time.Since(start).Milliseconds()

	e.logger.Info("runbook complete",
		"category", category,
		"agent_id", agentID,
		"succeeded", summary.ProbesSucceeded,
		"failed", summary.ProbesFailed,
		"duration_ms", summary.DurationMs,
	)
	return &Result{Category: category, AgentID: agentID, Findings: findings, Summary: summary}, nil
}

func summarize(results []*probe.Result) Summary {
	s := Summary{ProbesRun: len(results)}
	for _, r := range results {
		if r.Succeeded() {
			s.ProbesSucceeded++
		} else {
			s.ProbesFailed++
		}
	}
	return s
}

func summarizeMap(findings map[string]*probe.Result) Summary {
	results := make([]*probe.Result, 0, len(findings))
	for _, r := range findings {
		results = append(results, r)
	}
	return summarize(results)
}

// accumulator records every result produced through a RunProbeFunc. A name
// called more than once is keyed name, name#2, name#3 in call order.
type accumulator struct {
	mu      sync.Mutex
	results map[string]*probe.Result
	calls   map[string]int
}

func newAccumulator() *accumulator {
	return &accumulator{
		results: make(map[string]*probe.Result),
		calls:   make(map[string]int),
	}
}

func (a *accumulator) record(name string, r *probe.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[name]++
	key := name
	if n := a.calls[name]; n > 1 {
		key = fmt.Sprintf("%s#%d", name, n)
	}
	a.results[key] = r
}

func (a *accumulator) snapshot() map[string]*probe.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]*probe.Result, len(a.results))
	for k, v := range a.results {
		out[k] = v
	}
	return out
}

type handlerOutcome struct {
	result *DiagnosticResult
	err    error
}

// ExecuteDiagnostic runs the diagnostic handler for category. If the handler
// does not finish within the timeout the engine stops waiting and returns
// whatever probe results have been recorded so far, with TimedOut set.
func (e *Engine) ExecuteDiagnostic(
	ctx context.Context,
	category string,
	params map[string]any,
	exec probe.Executor,
	dctx DiagnosticContext,
	opts DiagnosticOptions,
) (*DiagnosticResult, error) {
	e.mu.RLock()
	d, ok := e.diagnostics[category]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRunbookNotFound, category)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	maxSize := opts.MaxProbeDataSize
	if maxSize <= 0 {
		maxSize = e.maxDataSize
	}

	acc := newAccumulator()
	run := func(ctx context.Context, name string, params map[string]any, agentID string) *probe.Result {
		r := CallProbe(ctx, exec, name, params, agentID)
		acc.record(name, r)
		return r
	}

	e.logger.Info("executing diagnostic", "category", category, "timeout", timeout, "connected_agents", len(dctx.ConnectedAgents))
	start := time.Now()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerOutcome{err: fmt.Errorf("handler panicked: %v", p)}
			}
		}()
		res, err := d.Handler(ctx, params, run, dctx)
		done <- handlerOutcome{result: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result *DiagnosticResult
	select {
	case out := <-done:
		result = e.finishDiagnostic(category, out, acc)
	case <-timer.C:
		findings := acc.snapshot()
		summary := summarizeMap(findings)
		e.logger.Warn("diagnostic timed out", "category", category, "timeout", timeout, "probes_completed", summary.ProbesRun)
		result = &DiagnosticResult{
			Category: category,
			Findings: findings,
			Summary:  summary,
			SummaryText: fmt.Sprintf("Diagnostic %s timed out after %s; returning %d completed probe result(s)",
				category, timeout, summary.ProbesRun),
			TimedOut: true,
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result.Summary.DurationMs = time.Since(start).Milliseconds()
	result.Findings, result.Truncated = TruncateProbeData(result.Findings, maxSize)
	return result, nil
}

// finishDiagnostic shapes the result of a handler that returned before the timeout.
func (e *Engine) finishDiagnostic(category string, out handlerOutcome, acc *accumulator) *DiagnosticResult {
	if out.err != nil {
		findings := acc.snapshot()
		e.logger.Warn("diagnostic handler failed", "category", category, "error", out.err)
		return &DiagnosticResult{
			Category:    category,
			Findings:    findings,
			Summary:     summarizeMap(findings),
			SummaryText: fmt.Sprintf("Diagnostic %s failed: %v", category, out.err),
		}
	}

	res := out.result
	if res == nil {
		res = &DiagnosticResult{}
	} else {
		c := *res
		res = &c
	}
	res.Category = category
	res.TimedOut = false
	if res.Findings == nil {
		res.Findings = acc.snapshot()
	}
	if res.Summary.ProbesRun == 0 {
		res.Summary = summarizeMap(res.Findings)
	}
	if res.SummaryText == "" {
		res.SummaryText = fmt.Sprintf("Diagnostic %s completed: %d of %d probe(s) succeeded",
			category, res.Summary.ProbesSucceeded, res.Summary.ProbesRun)
	}
	return res
}
