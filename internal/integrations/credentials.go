// ABOUTME: Credential provider that resolves an integration_id to a configured service instance.
// ABOUTME: The provider is opaque to the probes; the default implementation is backed by static config.

package integrations

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// ParamIntegrationID selects the integration instance a probe runs against.
const ParamIntegrationID = "integration_id"

// Integration types.
const (
	TypeHTTP       = "http"
	TypeRedis      = "redis"
	TypePostgres   = "postgres"
	TypePrometheus = "prometheus"
)

var (
	// ErrUnknownIntegration indicates no instance is configured under the requested ID.
	ErrUnknownIntegration = errors.New("unknown integration")
	// ErrWrongType indicates the instance exists but belongs to a different service type.
	ErrWrongType = errors.New("integration type mismatch")
	// ErrMissingParam indicates a required probe parameter was not supplied.
	ErrMissingParam = errors.New("missing parameter")
)

// Instance is one configured third-party service. Settings are type specific:
//
//	http:       url, expected_status
//	redis:      addr, password, db
//	postgres:   dsn
//	prometheus: url
type Instance struct {
	ID       string            `json:"id" yaml:"id"`
	Type     string            `json:"type" yaml:"type"`
	Settings map[string]string `json:"-" yaml:"settings"`
}

// Setting returns a setting or the empty string.
func (i *Instance) Setting(key string) string {
	if i == nil {
		return ""
	}
	return i.Settings[key]
}

// IntSetting parses a numeric setting, returning def when absent or invalid.
func (i *Instance) IntSetting(key string, def int) int {
	v := i.Setting(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// CredentialProvider resolves integration IDs to ready-to-use instance configuration.
type CredentialProvider interface {
	Lookup(id string) (*Instance, error)
	List() []*Instance
}

// StaticProvider serves instances from configuration loaded at startup.
type StaticProvider struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewStaticProvider creates a provider. Duplicate IDs are rejected.
func NewStaticProvider(instances []Instance) (*StaticProvider, error) {
	p := &StaticProvider{instances: make(map[string]*Instance, len(instances))}
	for _, inst := range instances {
		if inst.ID == "" {
			return nil, errors.New("integration id is required")
		}
		switch inst.Type {
		case TypeHTTP, TypeRedis, TypePostgres, TypePrometheus:
		default:
			return nil, fmt.Errorf("integration %s: unsupported type %q", inst.ID, inst.Type)
		}
		if _, dup := p.instances[inst.ID]; dup {
			return nil, fmt.Errorf("integration %s: duplicate id", inst.ID)
		}
		c := inst
		p.instances[inst.ID] = &c
	}
	return p, nil
}

// Lookup returns the instance registered under id.
func (p *StaticProvider) Lookup(id string) (*Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	inst, ok := p.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntegration, id)
	}
	return inst, nil
}

// List returns all instances sorted by ID.
func (p *StaticProvider) List() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// resolve looks up the instance named by params[integration_id] and checks its type.
func resolve(provider CredentialProvider, params map[string]any, wantType string) (*Instance, error) {
	id := stringParam(params, ParamIntegrationID)
	if id == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingParam, ParamIntegrationID)
	}
	inst, err := provider.Lookup(id)
	if err != nil {
		return nil, err
	}
	if inst.Type != wantType {
		return nil, fmt.Errorf("%w: %s is %s, not %s", ErrWrongType, id, inst.Type, wantType)
	}
	return inst, nil
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// intParam accepts JSON numbers and numeric strings.
func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
