// ABOUTME: Prometheus integration pack: instant PromQL queries and scrape target health.
// ABOUTME: Talks to the HTTP API through client_golang's api/prometheus/v1 client.

package integrations

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/2389/probehub/internal/packs"
	"github.com/2389/probehub/internal/policy"
	"github.com/2389/probehub/internal/probe"
)

// PrometheusPack creates the prometheus pack. A nil client uses http.DefaultClient.
func PrometheusPack(provider CredentialProvider, client *http.Client) *packs.LocalPack {
	h := &prometheusHandlers{provider: provider, client: client}
	return &packs.LocalPack{
		Manifest: &packs.PackManifest{
			Name:        TypePrometheus,
			Version:     "1.0.0",
			Description: "Prometheus queries and scrape target health",
			Probes: []packs.ProbeDef{
				{Name: "query", Description: "Evaluate an instant PromQL query", Capability: policy.LevelObserve, TimeoutMs: 15_000},
				{Name: "targets", Description: "List scrape targets and flag unhealthy ones", Capability: policy.LevelObserve, TimeoutMs: 10_000},
			},
		},
		Handlers: map[string]packs.Handler{
			"query":   h.Query,
			"targets": h.Targets,
		},
	}
}

type prometheusHandlers struct {
	provider CredentialProvider
	client   *http.Client
}

func (h *prometheusHandlers) api(params map[string]any) (promv1.API, *Instance, error) {
	inst, err := resolve(h.provider, params, TypePrometheus)
	if err != nil {
		return nil, nil, err
	}
	addr := inst.Setting("url")
	if addr == "" {
		return nil, nil, fmt.Errorf("integration %s: url is not configured", inst.ID)
	}
	c, err := api.NewClient(api.Config{Address: addr, Client: h.client})
	if err != nil {
		return nil, nil, fmt.Errorf("integration %s: %w", inst.ID, err)
	}
	return promv1.NewAPI(c), inst, nil
}

// Sample is one series of an instant vector.
type Sample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// Query evaluates params["query"] at the current time.
func (h *prometheusHandlers) Query(ctx context.Context, params map[string]any) (any, error) {
	query := stringParam(params, "query")
	if query == "" {
		return nil, fmt.Errorf("%w: query", ErrMissingParam)
	}
	papi, inst, err := h.api(params)
	if err != nil {
		return nil, err
	}

	value, warnings, err := papi.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("prometheus %s: %w", inst.ID, err)
	}

	out := map[string]any{
		"integrationId": inst.ID,
		"query":         query,
		"resultType":    value.Type().String(),
	}
	if len(warnings) > 0 {
		out["warnings"] = []string(warnings)
	}

	switch v := value.(type) {
	case model.Vector:
		out["samples"] = VectorSamples(v)
	case *model.Scalar:
		out["value"] = float64(v.Value)
	case *model.String:
		out["value"] = v.Value
	default:
		out["raw"] = value.String()
	}
	return out, nil
}

// VectorSamples flattens an instant vector into label maps and float values.
func VectorSamples(v model.Vector) []Sample {
	samples := make([]Sample, 0, len(v))
	for _, s := range v {
		labels := make(map[string]string, len(s.Metric))
		for k, val := range s.Metric {
			labels[string(k)] = string(val)
		}
		samples = append(samples, Sample{Labels: labels, Value: float64(s.Value)})
	}
	return samples
}

// TargetHealth summarizes one active scrape target.
type TargetHealth struct {
	ScrapePool string `json:"scrapePool"`
	ScrapeURL  string `json:"scrapeUrl"`
	Health     string `json:"health"`
	LastError  string `json:"lastError,omitempty"`
}

// Targets lists active scrape targets. Any unhealthy target turns the result into an error status.
func (h *prometheusHandlers) Targets(ctx context.Context, params map[string]any) (any, error) {
	papi, inst, err := h.api(params)
	if err != nil {
		return nil, err
	}

	res, err := papi.Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("prometheus %s: %w", inst.ID, err)
	}

	targets := make([]TargetHealth, 0, len(res.Active))
	var down []string
	for _, t := range res.Active {
		targets = append(targets, TargetHealth{
			ScrapePool: t.ScrapePool,
			ScrapeURL:  t.ScrapeURL,
			Health:     string(t.Health),
			LastError:  t.LastError,
		})
		if t.Health != promv1.HealthGood {
			down = append(down, t.ScrapeURL)
		}
	}

	data := map[string]any{
		"integrationId": inst.ID,
		"active":        len(res.Active),
		"unhealthy":     len(down),
		"targets":       targets,
	}
	if len(down) > 0 {
		data["error"] = fmt.Sprintf("%d of %d targets unhealthy: %v", len(down), len(res.Active), down)
		return &probe.Result{Status: probe.StatusError, Data: data}, nil
	}
	return data, nil
}
