// ABOUTME: Caps the serialized size of probe data before results leave the hub.
// ABOUTME: Oversized payloads are replaced with a marker recording the original size.

package runbook

import (
	"encoding/json"
	"math"

	"github.com/2389/probehub/internal/probe"
)

// DefaultMaxProbeDataSize keeps a diagnostic response under typical MCP message limits.
const DefaultMaxProbeDataSize = 50_000

// dataSize returns the serialized size of data in bytes. Strings count their
// own byte length. Data that cannot be serialized counts as oversized.
func dataSize(data any) int {
	if s, ok := data.(string); ok {
		return len(s)
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return math.MaxInt
	}
	return len(encoded)
}

// TruncateProbeData replaces the data of every result whose payload exceeds
// maxSize with {_truncated, _originalSize, _maxSize}. Status, error, duration,
// and metadata are kept. The input map and its results are not modified.
func TruncateProbeData(results map[string]*probe.Result, maxSize int) (map[string]*probe.Result, bool) {
	if maxSize <= 0 {
		maxSize = DefaultMaxProbeDataSize
	}

	out := make(map[string]*probe.Result, len(results))
	truncated := false
	for name, r := range results {
		if r == nil {
			out[name] = r
			continue
		}
		size := dataSize(r.Data)
		if size <= maxSize {
			out[name] = r
			continue
		}
		c := r.Clone()
		c.Data = map[string]any{
			"_truncated":    true,
			"_originalSize": size,
			"_maxSize":      maxSize,
		}
		out[name] = c
		truncated = true
	}
	return out, truncated
}
