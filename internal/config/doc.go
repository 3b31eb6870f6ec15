// Package config handles configuration loading for probehub.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PROBEHUB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/probehub/hub.yaml
//  3. ~/.config/probehub/hub.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PROBEHUB_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	  default_probe_timeout: "30s"
//	diagnostics:
//	  timeout: "5s"
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"   # agent stream
//	  http_addr: "0.0.0.0:8080"    # REST, MCP, metrics
//	database:
//	  path: "./probehub.db"
//	packs:
//	  manifest_dir: "./packs"      # *.yaml pack manifests
//	diagnostics:
//	  max_probe_data_size: 50000
//	  max_parallel: 8
//	integrations:
//	  - id: cache
//	    type: redis                # http, redis, postgres, prometheus
//	    settings:
//	      addr: "localhost:6379"
//	logging:
//	  level: info
//	  format: text                 # or json
//	metrics:
//	  enabled: true
//	  path: /metrics
//	rate_limit:
//	  requests_per_second: 10      # negative disables
//	  burst: 20
//
// An empty auth.jwt_secret runs the hub without authentication.
package config
