// Package integrations provides hub-local probe packs for third-party services.
//
// # Overview
//
// Integration probes run inside the hub with no agent involved. The probe
// router calls their handlers directly when a request names no agent:
//
//   - http.check: GET a URL and compare the status code
//   - redis.ping, redis.info: go-redis client
//   - postgres.ping, postgres.connections: pgx connection
//   - prometheus.query, prometheus.targets: client_golang API client
//
// # Credentials
//
// Every probe except http.check requires the integration_id parameter. The
// CredentialProvider resolves it to an Instance carrying connection settings.
// StaticProvider serves instances from the hub config; other providers (a
// vault, an encrypted table) only need to implement Lookup and List.
//
// # Results
//
// Handlers return plain data on success. A service that answers but is
// unhealthy (wrong HTTP status, a down scrape target) is reported as a
// probe.Result with error status and an "error" field in its data, so the
// failure message survives into runbook findings.
package integrations
