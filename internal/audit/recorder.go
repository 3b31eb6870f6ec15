// ABOUTME: Probe executor decorator that appends every completed call to the audit chain.
// ABOUTME: Audit failures are logged and counted but never change the probe outcome.

package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/2389/probehub/internal/probe"
)

// CallerFunc extracts the caller identity recorded on each entry.
type CallerFunc func(ctx context.Context) string

// Recorder wraps a probe.Executor and audits each call.
type Recorder struct {
	next      probe.Executor
	chain     *Chain
	caller    CallerFunc
	onFailure func()
	logger    *slog.Logger
}

// RecorderConfig contains configuration options for the Recorder.
type RecorderConfig struct {
	Next   probe.Executor
	Chain  *Chain
	Caller CallerFunc
	Logger *slog.Logger

	// OnAppendFailure is called whenever an entry could not be written.
	OnAppendFailure func()
}

// NewRecorder creates a Recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	caller := cfg.Caller
	if caller == nil {
		caller = func(context.Context) string { return "" }
	}
	return &Recorder{
		next:      cfg.Next,
		chain:     cfg.Chain,
		caller:    caller,
		onFailure: cfg.OnAppendFailure,
		logger:    logger,
	}
}

type auditRequest struct {
	Probe   string         `json:"probe"`
	AgentID string         `json:"agentId,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// Execute runs the probe and records the outcome. The result and error are
// returned exactly as the wrapped executor produced them.
func (r *Recorder) Execute(ctx context.Context, name string, params map[string]any, agentID string) (*probe.Result, error) {
	start := time.Now()
	res, err := r.next.Execute(ctx, name, params, agentID)
	elapsed := time.Since(start).Milliseconds()

	rec := Record{
		CallerID:    r.caller(ctx),
		AgentID:     agentID,
		Probe:       name,
		DurationMs:  elapsed,
		RequestJSON: mustJSON(auditRequest{Probe: name, AgentID: agentID, Params: params}),
	}
	switch {
	case err != nil:
		failed := probe.FromError(name, err, elapsed)
		rec.Status = failed.Status
		rec.ResponseJSON = mustJSON(map[string]string{"error": err.Error()})
	case res == nil:
		rec.Status = probe.StatusError
		rec.ResponseJSON = "null"
	default:
		rec.Status = res.Status
		rec.DurationMs = res.DurationMs
		rec.ResponseJSON = mustJSON(res)
	}

	// The caller may already be gone; the entry is still written.
	if _, appendErr := r.chain.Append(context.WithoutCancel(ctx), rec); appendErr != nil {
		r.logger.Error("failed to record audit entry", "probe", name, "agent_id", agentID, "error", appendErr)
		if r.onFailure != nil {
			r.onFailure()
		}
	}
	return res, err
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"unserializable"}`
	}
	return string(b)
}
