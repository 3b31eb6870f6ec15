// ABOUTME: Converts thrown probe errors and error-status payloads into Result data.
// ABOUTME: Central place for timeout detection and error message extraction.

package probe

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrTimedOut is the sentinel wrapped by every timeout raised inside the hub.
var ErrTimedOut = errors.New("timed out")

// IsTimeout reports whether err represents a probe timeout. Errors from other
// layers are recognised by their message so that handlers which never wrap
// ErrTimedOut are still classified correctly.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimedOut) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timed out")
}

// FromError builds the Result for a probe call that failed with err.
func FromError(name string, err error, durationMs int64) *Result {
	status := StatusError
	if IsTimeout(err) {
		status = StatusTimeout
	}
	return &Result{
		Probe:      name,
		Status:     status,
		Data:       nil,
		Error:      err.Error(),
		DurationMs: durationMs,
	}
}

// ErrorMessage derives a non-empty message from an error-status payload.
// A string "error" field wins; otherwise the whole payload is serialized.
func ErrorMessage(data any) string {
	if m, ok := data.(map[string]any); ok {
		if msg, ok := m["error"].(string); ok && msg != "" {
			return msg
		}
	}
	encoded, err := json.Marshal(data)
	if err != nil || len(encoded) == 0 {
		return "probe returned an error"
	}
	return string(encoded)
}

// Normalize returns r with an error message filled in when the status is error
// and the producer left Error empty. r itself is never modified.
func Normalize(r *Result) *Result {
	if r == nil || r.Status != StatusError || r.Error != "" {
		return r
	}
	c := r.Clone()
	c.Error = ErrorMessage(r.Data)
	return c
}
