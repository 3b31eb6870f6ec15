// ABOUTME: Thread-safe catalog of pack manifests and the probes they declare.
// ABOUTME: Tracks hub-local packs separately so the router can run them in-process.

package packs

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/probehub/internal/policy"
)

// ErrPackAlreadyRegistered indicates a pack with the same name is already in the catalog.
var ErrPackAlreadyRegistered = errors.New("pack already registered")

// ErrProbeNotFound indicates the probe is not declared by any registered pack.
var ErrProbeNotFound = errors.New("probe not found")

// Probe is a catalog entry for a declared probe.
type Probe struct {
	Name        string // qualified
	Pack        string
	PackVersion string
	Description string
	Capability  policy.Level
	Timeout     time.Duration // zero when the manifest declares none
	Local       bool
}

type packEntry struct {
	manifest *PackManifest
	local    *LocalPack
}

// Registry maintains the probe catalog built from pack manifests.
type Registry struct {
	mu     sync.RWMutex
	packs  map[string]*packEntry
	probes map[string]*Probe
	logger *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		packs:  make(map[string]*packEntry),
		probes: make(map[string]*Probe),
		logger: logger,
	}
}

// RegisterManifest adds an agent-side pack to the catalog.
func (r *Registry) RegisterManifest(m *PackManifest) error {
	return r.register(m, nil)
}

// RegisterManifests adds each manifest in order, stopping at the first failure.
func (r *Registry) RegisterManifests(manifests []*PackManifest) error {
	for _, m := range manifests {
		if err := r.RegisterManifest(m); err != nil {
			return err
		}
	}
	return nil
}

// RegisterLocalPack adds a pack whose probes run inside the hub. Every declared
// probe must have a handler.
func (r *Registry) RegisterLocalPack(lp *LocalPack) error {
	if lp == nil || lp.Manifest == nil {
		return fmt.Errorf("%w: local pack has no manifest", ErrInvalidManifest)
	}
	for _, p := range lp.Manifest.Probes {
		if _, ok := lp.Handlers[p.Name]; !ok {
			return fmt.Errorf("%w: local probe %s has no handler", ErrInvalidManifest, lp.Manifest.Qualified(p.Name))
		}
	}
	return r.register(lp.Manifest, lp)
}

func (r *Registry) register(m *PackManifest, local *LocalPack) error {
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.packs[m.Name]; exists {
		return fmt.Errorf("%w: %s", ErrPackAlreadyRegistered, m.Name)
	}

	r.packs[m.Name] = &packEntry{manifest: m, local: local}
	for _, def := range m.Probes {
		qualified := m.Qualified(def.Name)
		r.probes[qualified] = &Probe{
			Name:        qualified,
			Pack:        m.Name,
			PackVersion: m.Version,
			Description: def.Description,
			Capability:  def.Capability,
			Timeout:     time.Duration(def.TimeoutMs) * time.Millisecond,
			Local:       local != nil,
		}
	}

	r.logger.Info("=== PACK REGISTERED ===",
		"pack", m.Name,
		"version", m.Version,
		"local", local != nil,
		"probe_count", len(m.Probes),
		"total_packs", len(r.packs),
		"total_probes", len(r.probes),
	)
	return nil
}

// GetProbe looks up a probe by its qualified name.
func (r *Registry) GetProbe(name string) (*Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.probes[name]
	return p, ok
}

// Capability returns the declared capability of a probe. Probes missing from
// the catalog are treated as manage so that restricted callers cannot reach them.
func (r *Registry) Capability(name string) policy.Level {
	if p, ok := r.GetProbe(name); ok {
		return p.Capability
	}
	return policy.LevelManage
}

// LocalPack returns the hub-local pack with the given name, or nil.
func (r *Registry) LocalPack(name string) *LocalPack {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.packs[name]; ok {
		return entry.local
	}
	return nil
}

// Manifests returns every registered manifest sorted by pack name.
func (r *Registry) Manifests() []*PackManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*PackManifest, 0, len(r.packs))
	for _, entry := range r.packs {
		out = append(out, entry.manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListProbes returns every catalog entry sorted by qualified name.
func (r *Registry) ListProbes() []*Probe {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Probe, 0, len(r.probes))
	for _, p := range r.probes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
