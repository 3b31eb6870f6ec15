// ABOUTME: Result types shared by every component that runs a diagnostic probe.
// ABOUTME: Defines ProbeResult, its status enum, metadata, and the Executor contract.

package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the outcome of a single probe invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Valid reports whether s is one of the three enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout:
		return true
	default:
		return false
	}
}

// UnmarshalJSON rejects any status outside the enumeration.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st := Status(raw)
	if !st.Valid() {
		return fmt.Errorf("invalid probe status %q", raw)
	}
	*s = st
	return nil
}

// Metadata describes where a result came from.
type Metadata struct {
	AgentVersion    string `json:"agentVersion,omitempty"`
	PackName        string `json:"packName,omitempty"`
	PackVersion     string `json:"packVersion,omitempty"`
	CapabilityLevel string `json:"capabilityLevel,omitempty"`
}

// Result is the outcome of one probe invocation. A Result is not modified after
// it has been handed to a caller; helpers that need a different shape copy it.
type Result struct {
	Probe      string   `json:"probe"`
	Status     Status   `json:"status"`
	Data       any      `json:"data"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"durationMs"`
	Metadata   Metadata `json:"metadata"`
}

// Succeeded reports whether the probe completed with StatusSuccess.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// Clone returns a shallow copy of the result. Data is shared.
func (r *Result) Clone() *Result {
	c := *r
	return &c
}

// Executor runs a fully-qualified probe. An empty agentID means the probe runs
// on the hub itself through a local integration handler.
type Executor interface {
	Execute(ctx context.Context, name string, params map[string]any, agentID string) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, name string, params map[string]any, agentID string) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, name string, params map[string]any, agentID string) (*Result, error) {
	return f(ctx, name, params, agentID)
}

// SplitName splits a qualified probe name into its pack and probe parts.
// "system.disk.usage" yields ("system", "disk.usage").
func SplitName(qualified string) (pack, name string, ok bool) {
	pack, name, ok = strings.Cut(qualified, ".")
	if !ok || pack == "" || name == "" {
		return "", "", false
	}
	return pack, name, true
}
