package models

import "time"

// Event is an inbound CRM occurrence. Category carries a trigger type.
type Event struct {
	ID             string         `json:"id"`
	Category       TriggerType    `json:"category"        validate:"required"`
	OrganizationID string         `json:"organization_id" validate:"required"`
	Payload        map[string]any `json:"payload"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// ExecutionRequest asks the coordinator to start one run.
type ExecutionRequest struct {
	AutomationID     string         `json:"automation_id"`
	OrganizationID   string         `json:"organization_id"`
	TriggerType      TriggerType    `json:"trigger_type"`
	EventID          string         `json:"event_id,omitempty"`
	Context          map[string]any `json:"context"`
	CorrelationValue string         `json:"correlation_value,omitempty"`
	Manual           bool           `json:"manual,omitempty"`
}

// ExecutionResult is what a synchronous trigger returns to its caller.
type ExecutionResult struct {
	RunID       string                    `json:"run_id"`
	Status      RunStatus                 `json:"status"`
	Outputs     map[string]map[string]any `json:"outputs,omitempty"`
	Steps       []StepResult              `json:"steps,omitempty"`
	Error       *RunError                 `json:"error,omitempty"`
	StartedAt   time.Time                 `json:"started_at"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
}

func (r *Run) Result() ExecutionResult {
	return ExecutionResult{
		RunID:       r.ID,
		Status:      r.Status,
		Outputs:     r.Outputs,
		Steps:       r.Steps,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// RunPage is one page of run history.
type RunPage struct {
	Executions []*Run `json:"executions"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
}
