// ABOUTME: Prometheus collectors for probe traffic, agent connections, breakers and audit health.
// ABOUTME: Collectors register on a caller-supplied registerer so tests stay isolated.

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/2389/probehub/internal/probe"
)

// Target label values.
const (
	TargetAgent = "agent"
	TargetLocal = "local"
)

// Metrics holds every hub collector.
type Metrics struct {
	ProbeCalls          *prometheus.CounterVec
	ProbeDuration       *prometheus.HistogramVec
	AgentsConnected     prometheus.Gauge
	BreakerState        *prometheus.GaugeVec
	AuditAppendFailures prometheus.Counter
	PolicyDenials       *prometheus.CounterVec
}

// New creates the collectors. A nil registerer gets a private registry that
// is never scraped.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ProbeCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "probehub_probe_calls_total",
			Help: "Probe calls by probe, outcome status and target kind.",
		}, []string{"probe", "status", "target"}),

		ProbeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "probehub_probe_duration_seconds",
			Help:    "Probe call latency including dispatch.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"probe", "target"}),

		AgentsConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "probehub_agents_connected",
			Help: "Agents with a live connection.",
		}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "probehub_circuit_breaker_state",
			Help: "Hub-local pack circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"pack"}),

		AuditAppendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "probehub_audit_append_failures_total",
			Help: "Probe calls whose audit entry could not be written.",
		}),

		PolicyDenials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "probehub_policy_denials_total",
			Help: "Requests rejected by the access policy, by surface.",
		}, []string{"surface"}),
	}
}

// SetAgentCount records the number of connected agents.
func (m *Metrics) SetAgentCount(n int) {
	m.AgentsConnected.Set(float64(n))
}

// SetBreakerState records a pack's breaker state.
func (m *Metrics) SetBreakerState(pack string, state gobreaker.State) {
	m.BreakerState.WithLabelValues(pack).Set(float64(state))
}

// IncAuditFailure counts one failed audit append.
func (m *Metrics) IncAuditFailure() {
	m.AuditAppendFailures.Inc()
}

// IncDenial counts one policy denial on the given surface (rest, mcp).
func (m *Metrics) IncDenial(surface string) {
	m.PolicyDenials.WithLabelValues(surface).Inc()
}

// Executor wraps a probe.Executor and records call counts and latency.
type Executor struct {
	next    probe.Executor
	metrics *Metrics
}

// Instrument wraps next.
func (m *Metrics) Instrument(next probe.Executor) *Executor {
	return &Executor{next: next, metrics: m}
}

// Execute runs the probe and records its outcome. Errors are classified the
// same way runbooks classify them.
func (e *Executor) Execute(ctx context.Context, name string, params map[string]any, agentID string) (*probe.Result, error) {
	target := TargetLocal
	if agentID != "" {
		target = TargetAgent
	}

	start := time.Now()
	res, err := e.next.Execute(ctx, name, params, agentID)
	e.metrics.ProbeDuration.WithLabelValues(name, target).Observe(time.Since(start).Seconds())

	status := probe.StatusError
	switch {
	case err != nil:
		status = probe.FromError(name, err, 0).Status
	case res != nil:
		status = res.Status
	}
	e.metrics.ProbeCalls.WithLabelValues(name, string(status), target).Inc()
	return res, err
}
