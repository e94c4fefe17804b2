// Package models defines the automation, workflow and run types of the engine.
package models

import (
	"errors"
	"time"
)

// Automation is a stored "when X happens, run these steps" definition.
// WorkflowEnabled selects whether Workflow or the flat Actions list runs;
// the other one is kept but never interpreted.
type Automation struct {
	ID              string     `json:"id"`
	OrganizationID  string     `json:"organization_id"           validate:"required"`
	Name            string     `json:"name"                      validate:"required,min=3"`
	Description     string     `json:"description,omitempty"`
	IsActive        bool       `json:"is_active"`
	Trigger         Trigger    `json:"trigger"                   validate:"-"`
	Actions         []*Action  `json:"actions,omitempty"         validate:"-"`
	WorkflowEnabled bool       `json:"workflow_enabled"`
	Workflow        *Workflow  `json:"workflow,omitempty"        validate:"-"`
	CorrelationKey  string     `json:"correlation_key,omitempty"`
	Stats           RunStats   `json:"stats"                     validate:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// RunStats are rollup counters owned by the execution coordinator.
type RunStats struct {
	TotalExecutions      int64      `json:"total_executions"`
	SuccessfulExecutions int64      `json:"successful_executions"`
	FailedExecutions     int64      `json:"failed_executions"`
	LastExecutedAt       *time.Time `json:"last_executed_at,omitempty"`
}

var ErrAutomationDeleted = errors.New("automation is deleted")

// NewAutomation returns an inactive automation with no body.
func NewAutomation(id, organizationID, name string, trigger Trigger, now time.Time) *Automation {
	return &Automation{
		ID:             id,
		OrganizationID: organizationID,
		Name:           name,
		Trigger:        trigger,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// UseFlatActions switches the automation to flat mode.
func (a *Automation) UseFlatActions(actions []*Action, now time.Time) {
	a.Actions = actions
	a.WorkflowEnabled = false
	a.UpdatedAt = now
}

// UseWorkflow switches the automation to graph mode. A graph that cannot run
// is rejected and the automation is left unchanged.
func (a *Automation) UseWorkflow(wf *Workflow, checker ActionChecker, now time.Time) error {
	cfgErr := &ConfigurationError{AutomationID: a.ID}
	buildGraph(wf, cfgErr)
	validateSteps(wf, checker, cfgErr)

	if err := cfgErr.errOrNil(); err != nil {
		return err
	}

	a.Workflow = wf
	a.WorkflowEnabled = true
	a.UpdatedAt = now

	return nil
}

// SetTrigger replaces the trigger, keeping the scheduled/conditions invariant.
func (a *Automation) SetTrigger(trigger Trigger, now time.Time) error {
	cfgErr := &ConfigurationError{AutomationID: a.ID}
	trigger.validate(cfgErr)

	if err := cfgErr.errOrNil(); err != nil {
		return err
	}

	a.Trigger = trigger
	a.UpdatedAt = now

	return nil
}

// Replace overwrites every author-owned field with next. Identity, rollup
// counters and timestamps are kept. An active automation must stay valid.
func (a *Automation) Replace(next *Automation, checker ActionChecker, now time.Time) error {
	if a.DeletedAt != nil {
		return ErrAutomationDeleted
	}

	candidate := *a
	candidate.Name = next.Name
	candidate.Description = next.Description
	candidate.Trigger = next.Trigger
	candidate.Actions = next.Actions
	candidate.WorkflowEnabled = next.WorkflowEnabled
	candidate.Workflow = next.Workflow
	candidate.CorrelationKey = next.CorrelationKey
	candidate.IsActive = next.IsActive

	if candidate.IsActive {
		if err := candidate.Validate(checker); err != nil {
			return err
		}
	}

	candidate.UpdatedAt = now
	*a = candidate

	return nil
}

// Activate validates the automation and marks it active.
func (a *Automation) Activate(checker ActionChecker, now time.Time) error {
	if a.DeletedAt != nil {
		return ErrAutomationDeleted
	}

	if err := a.Validate(checker); err != nil {
		return err
	}

	a.IsActive = true
	a.UpdatedAt = now

	return nil
}

func (a *Automation) Deactivate(now time.Time) {
	a.IsActive = false
	a.UpdatedAt = now
}

func (a *Automation) SoftDelete(now time.Time) {
	a.IsActive = false
	a.DeletedAt = &now
	a.UpdatedAt = now
}

// Runnable reports whether new runs may be started.
func (a *Automation) Runnable() bool {
	return a.IsActive && a.DeletedAt == nil
}

// Validate reports every problem that would stop the automation from running.
func (a *Automation) Validate(checker ActionChecker) error {
	cfgErr := &ConfigurationError{AutomationID: a.ID}

	if err := validate.Struct(a); err != nil {
		cfgErr.add("%v", err)
	}

	a.Trigger.validate(cfgErr)

	if a.WorkflowEnabled {
		buildGraph(a.Workflow, cfgErr)
		validateSteps(a.Workflow, checker, cfgErr)
	} else {
		if len(a.Actions) == 0 {
			cfgErr.add("automation has no actions")
		}

		seen := make(map[string]bool)
		for _, action := range a.Actions {
			if action == nil {
				cfgErr.add("flat actions: nil action")

				continue
			}

			if seen[action.ID] {
				cfgErr.add("flat actions: duplicate action id %q", action.ID)
			}

			seen[action.ID] = true
			action.validate("flat actions", checker, cfgErr)
		}
	}

	return cfgErr.errOrNil()
}

func validateSteps(wf *Workflow, checker ActionChecker, cfgErr *ConfigurationError) {
	if wf == nil {
		return
	}

	seen := make(map[string]bool)

	for _, step := range wf.Steps {
		if step == nil {
			continue
		}

		for _, action := range step.Actions {
			if action == nil {
				cfgErr.add("step %q: nil action", step.ID)

				continue
			}

			if seen[action.ID] {
				cfgErr.add("step %q: duplicate action id %q", step.ID, action.ID)
			}

			seen[action.ID] = true
			action.validate("step "+step.ID, checker, cfgErr)
		}
	}
}

// ExecutionGraph returns the graph the runner walks for this automation.
func (a *Automation) ExecutionGraph() (*Graph, error) {
	if !a.WorkflowEnabled {
		return NewFlatGraph(a.Actions), nil
	}

	g, err := NewGraph(a.Workflow)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.AutomationID = a.ID
		}

		return nil, err
	}

	return g, nil
}
