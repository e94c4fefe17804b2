package models

import "time"

type ConnectionType string

const (
	ConnectionSequence  ConnectionType = "sequence"
	ConnectionBranch    ConnectionType = "branch"
	ConnectionParallel  ConnectionType = "parallel"
	ConnectionLoop      ConnectionType = "loop"
	ConnectionWaitUntil ConnectionType = "wait_until"
)

func (t ConnectionType) Valid() bool {
	switch t {
	case ConnectionSequence, ConnectionBranch, ConnectionParallel, ConnectionLoop, ConnectionWaitUntil:
		return true
	}

	return false
}

const (
	DefaultMaxIterations       = 10
	DefaultMaxWaitSeconds      = 24 * 60 * 60
	DefaultPollIntervalSeconds = 60
)

// Workflow is the graph form of an automation's body.
type Workflow struct {
	InitialStepID string                `json:"initial_step_id" validate:"required"`
	Steps         []*WorkflowStep       `json:"steps"           validate:"required,min=1"`
	Connections   []*WorkflowConnection `json:"connections"`
}

type WorkflowStep struct {
	ID        string    `json:"id"          validate:"required"`
	Name      string    `json:"name"`
	Actions   []*Action `json:"actions"`
	IsEndStep bool      `json:"is_end_step"`
}

// WorkflowConnection is an edge between two steps. MaxIterations bounds loop
// connections; MaxWaitSeconds and PollIntervalSeconds bound wait_until ones.
type WorkflowConnection struct {
	ID                  string         `json:"id"                              validate:"required"`
	Type                ConnectionType `json:"type"                            validate:"required"`
	SourceStepID        string         `json:"source_step_id"                  validate:"required"`
	TargetStepID        string         `json:"target_step_id"                  validate:"required"`
	Conditions          []Condition    `json:"conditions,omitempty"`
	MaxIterations       int            `json:"max_iterations,omitempty"        validate:"min=0"`
	MaxWaitSeconds      int            `json:"max_wait_seconds,omitempty"      validate:"min=0"`
	PollIntervalSeconds int            `json:"poll_interval_seconds,omitempty" validate:"min=0"`
}

func (c *WorkflowConnection) IterationLimit() int {
	if c.MaxIterations > 0 {
		return c.MaxIterations
	}

	return DefaultMaxIterations
}

func (c *WorkflowConnection) MaxWait() time.Duration {
	if c.MaxWaitSeconds > 0 {
		return time.Duration(c.MaxWaitSeconds) * time.Second
	}

	return DefaultMaxWaitSeconds * time.Second
}

func (c *WorkflowConnection) PollInterval() time.Duration {
	if c.PollIntervalSeconds > 0 {
		return time.Duration(c.PollIntervalSeconds) * time.Second
	}

	return DefaultPollIntervalSeconds * time.Second
}
