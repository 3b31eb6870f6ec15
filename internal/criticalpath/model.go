// ABOUTME: Critical path and step definitions plus the persistence contract.
// ABOUTME: Steps carry a dense zero-based order that is rewritten after every edit.

package criticalpath

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPathNotFound indicates the critical path does not exist.
	ErrPathNotFound = errors.New("critical path not found")
	// ErrStepNotFound indicates the step does not belong to the path.
	ErrStepNotFound = errors.New("step not found")
	// ErrInvalidStep indicates a step definition failed validation.
	ErrInvalidStep = errors.New("invalid step")
	// ErrInvalidOrder indicates a reorder request is not a permutation of the path's steps.
	ErrInvalidOrder = errors.New("invalid step order")
)

// TargetType says where a step's probes run.
type TargetType string

const (
	TargetAgent       TargetType = "agent"
	TargetIntegration TargetType = "integration"
)

// Path is an ordered list of steps executed end to end.
type Path struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Steps       []*Step   `json:"steps"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Step is one stage of a path, bound to a single target.
type Step struct {
	ID         string     `json:"id"`
	PathID     string     `json:"pathId"`
	Order      int        `json:"order"`
	Name       string     `json:"name"`
	TargetType TargetType `json:"targetType"`
	TargetID   string     `json:"targetId"`
	Probes     []string   `json:"probes"`
}

// StepInput is the editable part of a step.
type StepInput struct {
	Name       string     `json:"name"`
	TargetType TargetType `json:"targetType"`
	TargetID   string     `json:"targetId"`
	Probes     []string   `json:"probes"`
}

// Validate checks the target binding.
func (in StepInput) Validate() error {
	switch in.TargetType {
	case TargetAgent, TargetIntegration:
	default:
		return fmt.Errorf("%w: targetType must be %q or %q", ErrInvalidStep, TargetAgent, TargetIntegration)
	}
	if in.TargetID == "" {
		return fmt.Errorf("%w: targetId is required", ErrInvalidStep)
	}
	for _, p := range in.Probes {
		if p == "" {
			return fmt.Errorf("%w: empty probe name", ErrInvalidStep)
		}
	}
	return nil
}

// Store persists paths and their steps. GetPath returns steps sorted by order.
type Store interface {
	CreatePath(ctx context.Context, p *Path) error
	GetPath(ctx context.Context, id string) (*Path, error)
	ListPaths(ctx context.Context) ([]*Path, error)
	UpdatePath(ctx context.Context, p *Path) error
	DeletePath(ctx context.Context, id string) error
	// ReplaceSteps atomically swaps the full step list of a path.
	ReplaceSteps(ctx context.Context, pathID string, steps []*Step) error
}
