// ABOUTME: Postgres integration pack: connectivity ping and connection-state breakdown.
// ABOUTME: Uses a single pgx connection per call, closed before the handler returns.

package integrations

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/2389/probehub/internal/packs"
	"github.com/2389/probehub/internal/policy"
)

const connectionsQuery = `
	SELECT COALESCE(state, 'unknown') AS state, COUNT(*)
	FROM pg_stat_activity
	GROUP BY 1
	ORDER BY 1
`

// PostgresPack creates the postgres pack.
func PostgresPack(provider CredentialProvider) *packs.LocalPack {
	h := &postgresHandlers{provider: provider}
	return &packs.LocalPack{
		Manifest: &packs.PackManifest{
			Name:        TypePostgres,
			Version:     "1.0.0",
			Description: "PostgreSQL health and connection usage",
			Probes: []packs.ProbeDef{
				{Name: "ping", Description: "Connect, ping and report the server version", Capability: policy.LevelObserve, TimeoutMs: 5_000},
				{Name: "connections", Description: "Count backend connections by state against max_connections", Capability: policy.LevelObserve, TimeoutMs: 10_000},
			},
		},
		Handlers: map[string]packs.Handler{
			"ping":        h.Ping,
			"connections": h.Connections,
		},
	}
}

type postgresHandlers struct {
	provider CredentialProvider
}

func (h *postgresHandlers) connect(ctx context.Context, params map[string]any) (*pgx.Conn, *Instance, error) {
	inst, err := resolve(h.provider, params, TypePostgres)
	if err != nil {
		return nil, nil, err
	}
	dsn := inst.Setting("dsn")
	if dsn == "" {
		return nil, nil, fmt.Errorf("integration %s: dsn is not configured", inst.ID)
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres %s: connecting: %w", inst.ID, err)
	}
	return conn, inst, nil
}

// Ping connects and reports latency and server version.
func (h *postgresHandlers) Ping(ctx context.Context, params map[string]any) (any, error) {
	start := time.Now()
	conn, inst, err := h.connect(ctx, params)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres %s: ping: %w", inst.ID, err)
	}
	var version string
	if err := conn.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
		return nil, fmt.Errorf("postgres %s: reading version: %w", inst.ID, err)
	}
	return map[string]any{
		"integrationId": inst.ID,
		"serverVersion": version,
		"latencyMs":     time.Since(start).Milliseconds(),
	}, nil
}

// Connections reports connection counts by state and utilization of max_connections.
func (h *postgresHandlers) Connections(ctx context.Context, params map[string]any) (any, error) {
	conn, inst, err := h.connect(ctx, params)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	rows, err := conn.Query(ctx, connectionsQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres %s: querying pg_stat_activity: %w", inst.ID, err)
	}
	byState := make(map[string]int64)
	var total int64
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres %s: scanning: %w", inst.ID, err)
		}
		byState[state] = n
		total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres %s: iterating: %w", inst.ID, err)
	}

	var maxConns int64
	if err := conn.QueryRow(ctx, "SELECT setting::bigint FROM pg_settings WHERE name = 'max_connections'").Scan(&maxConns); err != nil {
		return nil, fmt.Errorf("postgres %s: reading max_connections: %w", inst.ID, err)
	}

	return map[string]any{
		"integrationId":  inst.ID,
		"total":          total,
		"byState":        byState,
		"maxConnections": maxConns,
		"usedPercent":    UsedPercent(total, maxConns),
	}, nil
}

// UsedPercent returns used/max as a percentage rounded to one decimal; zero max yields 0.
func UsedPercent(used, max int64) float64 {
	if max <= 0 {
		return 0
	}
	return float64(used*1000/max) / 10
}
