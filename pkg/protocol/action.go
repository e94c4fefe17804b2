// Package protocol defines the capability interface action handlers implement.
package protocol

import (
	"context"
	"log/slog"

	"github.com/dukex/autoflow/pkg/models"
)

// RunContext is what a handler sees of the run it executes in.
type RunContext struct {
	RunID          string
	AutomationID   string
	OrganizationID string
	StepID         string
	ActionID       string
	Attempt        int
	Data           map[string]any
}

// ActionHandler performs one kind of side effect. Config has already been
// rendered against the run data.
type ActionHandler interface {
	Execute(ctx context.Context, config map[string]any, run RunContext) (map[string]any, error)
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, config map[string]any, run RunContext) (map[string]any, error)

func (f ActionHandlerFunc) Execute(ctx context.Context, config map[string]any, run RunContext) (map[string]any, error) {
	return f(ctx, config, run)
}

// ActionFactory creates the handler for one action type and describes it.
type ActionFactory interface {
	ID() models.ActionType
	Name() string
	Description() string

	// Schema returns the JSON schema the action config must satisfy.
	Schema() map[string]any

	Create(ctx context.Context, logger *slog.Logger) (ActionHandler, error)
}
