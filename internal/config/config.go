// ABOUTME: Configuration loading and parsing for probehub
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/probehub/internal/integrations"
)

// Defaults applied when a field is omitted.
const (
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultHeartbeatTimeout    = 90 * time.Second
	DefaultProbeTimeout        = 30 * time.Second
	DefaultDiagnosticTimeout   = 5 * time.Second
	DefaultMaxProbeDataSize    = 50000
	DefaultMaxParallel         = 8
	DefaultMetricsPath         = "/metrics"
	DefaultRequestsPerSecond   = 10.0
	DefaultBurst               = 20
	EnvConfigPath              = "PROBEHUB_CONFIG"
	defaultConfigFileName      = "hub.yaml"
	defaultConfigDirectoryName = "probehub"
)

// Config represents the complete probehub configuration
type Config struct {
	Server       ServerConfig            `yaml:"server"`
	Database     DatabaseConfig          `yaml:"database"`
	Auth         AuthConfig              `yaml:"auth"`
	Agents       AgentsConfig            `yaml:"agents"`
	Diagnostics  DiagnosticsConfig       `yaml:"diagnostics"`
	Packs        PacksConfig             `yaml:"packs"`
	Integrations []integrations.Instance `yaml:"integrations"`
	Logging      LoggingConfig           `yaml:"logging"`
	Metrics      MetricsConfig           `yaml:"metrics"`
	RateLimit    RateLimitConfig         `yaml:"rate_limit"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Enabled reports whether bearer tokens are required.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HeartbeatInterval   time.Duration `yaml:"-"`
	HeartbeatTimeout    time.Duration `yaml:"-"`
	DefaultProbeTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw   string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw    string `yaml:"heartbeat_timeout"`
	DefaultProbeTimeoutRaw string `yaml:"default_probe_timeout"`
}

// DiagnosticsConfig tunes runbook and diagnostic execution.
type DiagnosticsConfig struct {
	Timeout          time.Duration `yaml:"-"`
	TimeoutRaw       string        `yaml:"timeout"`
	MaxProbeDataSize int           `yaml:"max_probe_data_size"`
	MaxParallel      int           `yaml:"max_parallel"`
}

// PacksConfig locates pack manifests.
type PacksConfig struct {
	ManifestDir string `yaml:"manifest_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RateLimitConfig bounds per-caller request rates on the HTTP surfaces.
// A negative requests_per_second disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Enabled reports whether rate limiting applies.
func (r RateLimitConfig) Enabled() bool {
	return r.RequestsPerSecond > 0
}

// Path returns the config file location.
// Priority: PROBEHUB_CONFIG env var > XDG_CONFIG_HOME/probehub/hub.yaml > ~/.config/probehub/hub.yaml
func Path() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return defaultConfigFileName
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, defaultConfigDirectoryName, defaultConfigFileName)
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from raw YAML.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Agents.DefaultProbeTimeout == 0 {
		c.Agents.DefaultProbeTimeout = DefaultProbeTimeout
	}
	if c.Diagnostics.Timeout == 0 {
		c.Diagnostics.Timeout = DefaultDiagnosticTimeout
	}
	if c.Diagnostics.MaxProbeDataSize == 0 {
		c.Diagnostics.MaxProbeDataSize = DefaultMaxProbeDataSize
	}
	if c.Diagnostics.MaxParallel == 0 {
		c.Diagnostics.MaxParallel = DefaultMaxParallel
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultBurst
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.Enabled() && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Agents.HeartbeatTimeout <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout must exceed agents.heartbeat_interval")
	}
	if c.Diagnostics.MaxProbeDataSize < 0 {
		return fmt.Errorf("diagnostics.max_probe_data_size must not be negative")
	}
	if c.Diagnostics.MaxParallel < 0 {
		return fmt.Errorf("diagnostics.max_parallel must not be negative")
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit.burst must not be negative")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Integrations))
	for i, inst := range c.Integrations {
		if inst.ID == "" {
			return fmt.Errorf("integrations[%d].id is required", i)
		}
		if seen[inst.ID] {
			return fmt.Errorf("integrations[%d]: duplicate id %q", i, inst.ID)
		}
		seen[inst.ID] = true
		switch inst.Type {
		case integrations.TypeHTTP, integrations.TypeRedis, integrations.TypePostgres, integrations.TypePrometheus:
		default:
			return fmt.Errorf("integrations[%d]: unknown type %q", i, inst.Type)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"agents.heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"agents.default_probe_timeout", cfg.Agents.DefaultProbeTimeoutRaw, &cfg.Agents.DefaultProbeTimeout},
		{"diagnostics.timeout", cfg.Diagnostics.TimeoutRaw, &cfg.Diagnostics.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
