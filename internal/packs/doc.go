// Package packs holds the probe catalog and the probe router.
//
// # Overview
//
// A pack is a named, versioned group of probes declared by a manifest. Probes
// are addressed by their qualified name, "<pack>.<probe>", for example
// "system.disk.usage". Each probe declares a capability level (observe,
// interact, manage) and an optional timeout in milliseconds.
//
// # Registry
//
// The Registry is built once at startup from manifest files:
//
//	manifests, err := packs.LoadManifests(cfg.Packs.ManifestDir)
//	registry := packs.NewRegistry(logger)
//	registry.RegisterManifests(manifests)
//
// Agent-side packs only contribute catalog entries. Hub-local packs pair a
// manifest with in-process handlers and are registered with RegisterLocalPack.
//
// # Router
//
// Router.Execute is the uniform entry point for one probe call:
//
//   - agentID set: the call is forwarded to the Dispatcher (agent.Manager)
//   - agentID empty: the probe's hub-local handler runs in-process
//
// Hub-local calls are bounded by the probe's declared timeout and run behind a
// per-pack circuit breaker. The router never evaluates policy and never
// rewrites errors.
//
// # Manifest format
//
//	name: system
//	version: 1.2.0
//	probes:
//	  - name: disk.usage
//	    capability: observe
//	    timeout_ms: 5000
//	runbook:
//	  category: disk
//	  probes: [system.disk.usage, system.disk.largest]
//	  parallel: true
package packs
