// ABOUTME: Hub-local packs whose probes execute in-process without an agent.
// ABOUTME: Integration packs (http, redis, postgres, prometheus) register through this type.

package packs

import (
	"context"
)

// Handler executes one hub-local probe and returns its data payload.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// LocalPack pairs a manifest with handlers keyed by unqualified probe name.
type LocalPack struct {
	Manifest *PackManifest
	Handlers map[string]Handler
}
