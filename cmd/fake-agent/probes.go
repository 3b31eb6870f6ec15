// ABOUTME: Canned probe handlers for the fake agent
// ABOUTME: Params delay_ms and fail let tests drive timeouts and errors from the hub side

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/2389/probehub/internal/probe"
	"github.com/2389/probehub/internal/wire"
)

var started = time.Now()

type probeHandler func(params map[string]any) (any, error)

var handlers = map[string]probeHandler{
	"system.uptime":       uptime,
	"system.disk.usage":   diskUsage,
	"system.disk.largest": diskLargest,
	"system.memory":       memory,
	"docker.ps":           dockerPS,
	"docker.logs":         dockerLogs,
	"docker.restart":      dockerRestart,
}

// answer runs one probe request and always produces a result.
func answer(ctx context.Context, req *wire.ProbeRequest) *probe.Result {
	start := time.Now()
	res := &probe.Result{
		Probe:    req.Probe,
		Metadata: probe.Metadata{AgentVersion: agentVersion},
	}
	if pack, _, ok := probe.SplitName(req.Probe); ok {
		res.Metadata.PackName = pack
	}

	if delay := intParam(req.Params, "delay_ms", 0); delay > 0 {
		select {
		case <-time.After(time.Duration(delay) * time.Millisecond):
		case <-ctx.Done():
			res.Status = probe.StatusError
			res.Error = "agent shutting down"
			return res
		}
	}

	data, err := runProbe(req.Probe, req.Params)
	res.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Status = probe.StatusError
		res.Error = err.Error()
		return res
	}
	res.Status = probe.StatusSuccess
	res.Data = data
	return res
}

func runProbe(name string, params map[string]any) (any, error) {
	if fail, _ := params["fail"].(bool); fail {
		return nil, fmt.Errorf("%s failed on request", name)
	}
	h, ok := handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown probe %q", name)
	}
	return h(params)
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func uptime(map[string]any) (any, error) {
	hostname, _ := os.Hostname()
	return map[string]any{
		"hostname":      hostname,
		"uptimeSeconds": int64(time.Since(started).Seconds()),
		"os":            runtime.GOOS,
		"cpus":          runtime.NumCPU(),
	}, nil
}

func diskUsage(map[string]any) (any, error) {
	return map[string]any{
		"mounts": []map[string]any{
			{"mount": "/", "sizeGb": 100, "usedGb": 62, "usedPercent": 62.0},
			{"mount": "/var", "sizeGb": 200, "usedGb": 181, "usedPercent": 90.5},
		},
	}, nil
}

func diskLargest(params map[string]any) (any, error) {
	root, _ := params["path"].(string)
	if root == "" {
		root = "/"
	}
	all := []map[string]any{
		{"path": "/var/log/journal", "sizeMb": 4096},
		{"path": "/var/lib/docker/overlay2", "sizeMb": 38912},
		{"path": "/var/cache/apt", "sizeMb": 812},
		{"path": "/home/deploy/releases", "sizeMb": 2210},
	}
	var entries []map[string]any
	for _, e := range all {
		if strings.HasPrefix(e["path"].(string), root) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i]["sizeMb"].(int) > entries[j]["sizeMb"].(int)
	})
	if limit := intParam(params, "limit", len(entries)); limit >= 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return map[string]any{"path": root, "entries": entries}, nil
}

func memory(map[string]any) (any, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]any{
		"totalMb":     16384,
		"availableMb": 5120,
		"agentSysMb":  ms.Sys / (1 << 20),
	}, nil
}

func dockerPS(map[string]any) (any, error) {
	return map[string]any{
		"containers": []map[string]any{
			{"name": "api", "image": "shop/api:1.42", "state": "running", "restarts": 0},
			{"name": "worker", "image": "shop/worker:1.42", "state": "restarting", "restarts": 7},
			{"name": "redis", "image": "redis:7", "state": "running", "restarts": 0},
		},
	}, nil
}

func dockerLogs(params map[string]any) (any, error) {
	container, _ := params["container"].(string)
	if container == "" {
		return nil, fmt.Errorf("container is required")
	}
	return map[string]any{
		"container": container,
		"lines": []string{
			"starting " + container,
			"connected to redis:6379",
			"ERROR connection reset by peer",
		},
	}, nil
}

func dockerRestart(params map[string]any) (any, error) {
	container, _ := params["container"].(string)
	if container == "" {
		return nil, fmt.Errorf("container is required")
	}
	return map[string]any{"container": container, "restarted": true}, nil
}
