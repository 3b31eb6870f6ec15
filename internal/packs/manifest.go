// ABOUTME: Pack manifest types and loading from a directory of YAML or JSON files.
// ABOUTME: Manifests declare probes, their capability levels, timeouts, and optional runbooks.

package packs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/2389/probehub/internal/policy"
)

// ErrInvalidManifest indicates a manifest failed validation.
var ErrInvalidManifest = errors.New("invalid manifest")

// ProbeDef declares a single probe inside a pack. Name is unqualified.
type ProbeDef struct {
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Capability  policy.Level `json:"capability" yaml:"capability"`
	TimeoutMs   int          `json:"timeoutMs,omitempty" yaml:"timeout_ms,omitempty"`
}

// Runbook is a fixed list of qualified probe names run against one target.
type Runbook struct {
	Category    string   `json:"category" yaml:"category"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Probes      []string `json:"probes" yaml:"probes"`
	Parallel    bool     `json:"parallel" yaml:"parallel"`
}

// PackManifest describes a pack. A manifest without a runbook only contributes probes.
type PackManifest struct {
	Name        string     `json:"name" yaml:"name"`
	Version     string     `json:"version" yaml:"version"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Probes      []ProbeDef `json:"probes" yaml:"probes"`
	Runbook     *Runbook   `json:"runbook,omitempty" yaml:"runbook,omitempty"`
}

// Validate checks names, capability levels, and timeouts.
func (m *PackManifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: pack name is required", ErrInvalidManifest)
	}
	if strings.Contains(m.Name, ".") {
		return fmt.Errorf("%w: pack name %q must not contain '.'", ErrInvalidManifest, m.Name)
	}
	seen := make(map[string]struct{}, len(m.Probes))
	for _, p := range m.Probes {
		if p.Name == "" {
			return fmt.Errorf("%w: pack %s: probe name is required", ErrInvalidManifest, m.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: pack %s: duplicate probe %q", ErrInvalidManifest, m.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
		if !p.Capability.Valid() {
			return fmt.Errorf("%w: probe %s.%s: unknown capability %q", ErrInvalidManifest, m.Name, p.Name, p.Capability)
		}
		if p.TimeoutMs < 0 {
			return fmt.Errorf("%w: probe %s.%s: negative timeout", ErrInvalidManifest, m.Name, p.Name)
		}
	}
	if m.Runbook != nil {
		if m.Runbook.Category == "" {
			return fmt.Errorf("%w: pack %s: runbook category is required", ErrInvalidManifest, m.Name)
		}
		if len(m.Runbook.Probes) == 0 {
			return fmt.Errorf("%w: pack %s: runbook %q lists no probes", ErrInvalidManifest, m.Name, m.Runbook.Category)
		}
	}
	return nil
}

// Qualified returns "<pack>.<probe>" for a probe declared by m.
func (m *PackManifest) Qualified(probeName string) string {
	return m.Name + "." + probeName
}

var manifestExts = []string{".yaml", ".yml", ".json"}

// LoadManifests reads every manifest file in dir, sorted by file name.
// A missing directory yields no manifests.
func LoadManifests(dir string) ([]*PackManifest, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest dir: %w", err)
	}

	var manifests []*PackManifest
	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(manifestExts, strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}
		m, err := LoadManifestFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// LoadManifestFile parses and validates a single manifest.
func LoadManifestFile(path string) (*PackManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m PackManifest
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &m)
	} else {
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}
