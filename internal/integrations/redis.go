// ABOUTME: Redis integration pack: connectivity ping and INFO section parsing.
// ABOUTME: Each call opens a short-lived client from the integration instance settings.

package integrations

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/probehub/internal/packs"
	"github.com/2389/probehub/internal/policy"
)

// RedisPack creates the redis pack.
func RedisPack(provider CredentialProvider) *packs.LocalPack {
	h := &redisHandlers{provider: provider}
	return &packs.LocalPack{
		Manifest: &packs.PackManifest{
			Name:        TypeRedis,
			Version:     "1.0.0",
			Description: "Redis health and server info",
			Probes: []packs.ProbeDef{
				{Name: "ping", Description: "PING the server and report round-trip latency", Capability: policy.LevelObserve, TimeoutMs: 5_000},
				{Name: "info", Description: "Read an INFO section as key/value pairs", Capability: policy.LevelObserve, TimeoutMs: 5_000},
			},
		},
		Handlers: map[string]packs.Handler{
			"ping": h.Ping,
			"info": h.Info,
		},
	}
}

type redisHandlers struct {
	provider CredentialProvider
}

func (h *redisHandlers) client(params map[string]any) (*redis.Client, *Instance, error) {
	inst, err := resolve(h.provider, params, TypeRedis)
	if err != nil {
		return nil, nil, err
	}
	addr := inst.Setting("addr")
	if addr == "" {
		return nil, nil, fmt.Errorf("integration %s: addr is not configured", inst.ID)
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: inst.Setting("password"),
		DB:       inst.IntSetting("db", 0),
	}), inst, nil
}

// Ping reports whether the server answers PING and how long it took.
func (h *redisHandlers) Ping(ctx context.Context, params map[string]any) (any, error) {
	rdb, inst, err := h.client(params)
	if err != nil {
		return nil, err
	}
	defer rdb.Close()

	start := time.Now()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", inst.ID, err)
	}
	return map[string]any{
		"integrationId": inst.ID,
		"pong":          true,
		"latencyMs":     time.Since(start).Milliseconds(),
	}, nil
}

// Info runs INFO for the requested section (default "server").
func (h *redisHandlers) Info(ctx context.Context, params map[string]any) (any, error) {
	rdb, inst, err := h.client(params)
	if err != nil {
		return nil, err
	}
	defer rdb.Close()

	section := stringParam(params, "section")
	if section == "" {
		section = "server"
	}
	raw, err := rdb.Info(ctx, section).Result()
	if err != nil {
		return nil, fmt.Errorf("redis %s: %w", inst.ID, err)
	}
	return map[string]any{
		"integrationId": inst.ID,
		"section":       section,
		"info":          ParseInfo(raw),
	}, nil
}

// ParseInfo turns INFO output into a flat key/value map, skipping comments and blank lines.
func ParseInfo(raw string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
