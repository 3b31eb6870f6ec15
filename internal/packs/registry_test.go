// ABOUTME: Tests for manifest loading and the probe catalog.
// ABOUTME: Covers validation, duplicate packs, local packs, and capability lookup.

package packs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/probehub/internal/policy"
)

func systemManifest() *PackManifest {
	return &PackManifest{
		Name:    "system",
		Version: "1.0.0",
		Probes: []ProbeDef{
			{Name: "uptime", Capability: policy.LevelObserve, TimeoutMs: 2000},
			{Name: "disk.usage", Capability: policy.LevelObserve},
			{Name: "service.restart", Capability: policy.LevelManage},
		},
		Runbook: &Runbook{
			Category: "system-health",
			Probes:   []string{"system.uptime", "system.disk.usage"},
			Parallel: true,
		},
	}
}

func TestRegistryRegisterManifest(t *testing.T) {
	r := NewRegistry(slog.Default())
	require.NoError(t, r.RegisterManifest(systemManifest()))

	p, ok := r.GetProbe("system.uptime")
	require.True(t, ok)
	assert.Equal(t, "system", p.Pack)
	assert.Equal(t, "1.0.0", p.PackVersion)
	assert.Equal(t, 2*time.Second, p.Timeout)
	assert.False(t, p.Local)

	p, ok = r.GetProbe("system.disk.usage")
	require.True(t, ok)
	assert.Zero(t, p.Timeout)

	assert.Len(t, r.ListProbes(), 3)
	assert.Equal(t, "system.disk.usage", r.ListProbes()[0].Name)
}

func TestRegistryRejectsDuplicatePack(t *testing.T) {
	r := NewRegistry(slog.Default())
	require.NoError(t, r.RegisterManifest(systemManifest()))

	err := r.RegisterManifest(systemManifest())
	require.ErrorIs(t, err, ErrPackAlreadyRegistered)
}

func TestRegistryCapability(t *testing.T) {
	r := NewRegistry(slog.Default())
	require.NoError(t, r.RegisterManifest(systemManifest()))

	assert.Equal(t, policy.LevelObserve, r.Capability("system.uptime"))
	assert.Equal(t, policy.LevelManage, r.Capability("system.service.restart"))
	assert.Equal(t, policy.LevelManage, r.Capability("unknown.probe"), "unknown probes are treated as manage")
}

func TestRegistryLocalPackRequiresHandlers(t *testing.T) {
	r := NewRegistry(slog.Default())
	lp := &LocalPack{
		Manifest: &PackManifest{
			Name:    "http",
			Version: "1.0.0",
			Probes:  []ProbeDef{{Name: "check", Capability: policy.LevelObserve}},
		},
	}
	require.ErrorIs(t, r.RegisterLocalPack(lp), ErrInvalidManifest)

	lp.Handlers = map[string]Handler{
		"check": func(context.Context, map[string]any) (any, error) { return nil, nil },
	}
	require.NoError(t, r.RegisterLocalPack(lp))
	assert.Same(t, lp, r.LocalPack("http"))

	p, ok := r.GetProbe("http.check")
	require.True(t, ok)
	assert.True(t, p.Local)
	assert.Nil(t, r.LocalPack("system"))
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *PackManifest)
	}{
		{"missing name", func(m *PackManifest) { m.Name = "" }},
		{"dotted name", func(m *PackManifest) { m.Name = "sys.tem" }},
		{"bad capability", func(m *PackManifest) { m.Probes[0].Capability = "root" }},
		{"duplicate probe", func(m *PackManifest) { m.Probes[1].Name = m.Probes[0].Name }},
		{"negative timeout", func(m *PackManifest) { m.Probes[0].TimeoutMs = -1 }},
		{"runbook without category", func(m *PackManifest) { m.Runbook.Category = "" }},
		{"empty runbook", func(m *PackManifest) { m.Runbook.Probes = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := systemManifest()
			tt.mutate(m)
			assert.ErrorIs(t, m.Validate(), ErrInvalidManifest)
		})
	}
}

func TestLoadManifests(t *testing.T) {
	dir := t.TempDir()

	yamlManifest := `name: system
version: 1.2.0
probes:
  - name: disk.usage
    capability: observe
    timeout_ms: 5000
  - name: disk.largest
    capability: observe
runbook:
  category: disk
  probes: [system.disk.usage, system.disk.largest]
  parallel: false
`
	jsonManifest := `{"name":"docker","version":"0.3.0","probes":[{"name":"containers.list","capability":"observe","timeoutMs":1500}]}`

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-system.yaml"), []byte(yamlManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b-docker.json"), []byte(jsonManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	manifests, err := LoadManifests(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 2)

	sys := manifests[0]
	assert.Equal(t, "system", sys.Name)
	assert.Equal(t, 5000, sys.Probes[0].TimeoutMs)
	require.NotNil(t, sys.Runbook)
	assert.Equal(t, "disk", sys.Runbook.Category)
	assert.False(t, sys.Runbook.Parallel)

	docker := manifests[1]
	assert.Equal(t, "docker", docker.Name)
	assert.Nil(t, docker.Runbook)
	assert.Equal(t, 1500, docker.Probes[0].TimeoutMs)
}

func TestLoadManifestsMissingDir(t *testing.T) {
	manifests, err := LoadManifests(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestLoadManifestsInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\nprobes:\n  - name: x\n    capability: root\n"), 0o644))

	_, err := LoadManifests(dir)
	require.ErrorIs(t, err, ErrInvalidManifest)
}

func TestShippedManifestsLoad(t *testing.T) {
	manifests, err := LoadManifests(filepath.Join("..", "..", "packs"))
	require.NoError(t, err)
	require.NotEmpty(t, manifests)

	r := NewRegistry(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, r.RegisterManifests(manifests))

	for _, m := range manifests {
		if m.Runbook == nil {
			continue
		}
		for _, name := range m.Runbook.Probes {
			_, ok := r.GetProbe(name)
			assert.True(t, ok, "runbook %s references unknown probe %s", m.Runbook.Category, name)
		}
	}
}
