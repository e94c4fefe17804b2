package models

import (
	"maps"
	"time"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

// Run is one execution of an automation. Context is the immutable snapshot
// of the triggering event; Live holds data merged in while the run waits.
type Run struct {
	ID               string                    `json:"id"`
	AutomationID     string                    `json:"automation_id"`
	OrganizationID   string                    `json:"organization_id"`
	TriggerType      TriggerType               `json:"trigger_type"`
	EventID          string                    `json:"event_id,omitempty"`
	CorrelationValue string                    `json:"correlation_value,omitempty"`
	Manual           bool                      `json:"manual,omitempty"`
	Status           RunStatus                 `json:"status"`
	Context          map[string]any            `json:"context"`
	Live             map[string]any            `json:"live,omitempty"`
	Outputs          map[string]map[string]any `json:"outputs"`
	Cursors          []*Cursor                 `json:"cursors"`
	Forks            map[string]*Fork          `json:"forks,omitempty"`
	LoopRemaining    map[string]int            `json:"loop_remaining,omitempty"`
	Steps            []StepResult              `json:"steps"`
	History          []StatusChange            `json:"history"`
	Error            *RunError                 `json:"error,omitempty"`
	NextWakeAt       *time.Time                `json:"next_wake_at,omitempty"`
	StartedAt        time.Time                 `json:"started_at"`
	CompletedAt      *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// Cursor is one point of execution inside a run. A run has several while
// parallel branches are in flight.
type Cursor struct {
	ID               string     `json:"id"`
	StepID           string     `json:"step_id"`
	ActionIndex      int        `json:"action_index"`
	InFlight         bool       `json:"in_flight,omitempty"`
	ResumeAt         *time.Time `json:"resume_at,omitempty"`
	WaitConnectionID string     `json:"wait_connection_id,omitempty"`
	WaitDeadline     *time.Time `json:"wait_deadline,omitempty"`
	NextCheckAt      *time.Time `json:"next_check_at,omitempty"`
	ForkID           string     `json:"fork_id,omitempty"`
	Token            string     `json:"token"`
}

// Suspended cursors wait on a duration or a wait_until connection.
func (c *Cursor) Suspended() bool {
	return c.ResumeAt != nil || c.WaitConnectionID != ""
}

// DueAt is when a suspended cursor should be looked at again.
func (c *Cursor) DueAt() *time.Time {
	if c.ResumeAt != nil {
		return c.ResumeAt
	}

	return c.NextCheckAt
}

// Runnable reports whether a worker may advance the cursor at now.
func (c *Cursor) Runnable(now time.Time) bool {
	if !c.Suspended() {
		return true
	}

	due := c.DueAt()

	return due != nil && !due.After(now)
}

// Fork tracks the branches started by a parallel step until they join.
type Fork struct {
	ID           string `json:"id"`
	SourceStepID string `json:"source_step_id"`
	JoinStepID   string `json:"join_step_id,omitempty"`
	ParentForkID string `json:"parent_fork_id,omitempty"`
	Expected     int    `json:"expected"`
	Arrived      int    `json:"arrived"`
	Ended        int    `json:"ended"`
}

func (f *Fork) Complete() bool {
	return f.Arrived+f.Ended >= f.Expected
}

type StepResult struct {
	StepID          string         `json:"step_id"`
	ActionID        string         `json:"action_id,omitempty"`
	ActionType      ActionType     `json:"action_type,omitempty"`
	Status          StepStatus     `json:"status"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	Attempts        int            `json:"attempts,omitempty"`
	PossiblyApplied bool           `json:"possibly_applied,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

type StatusChange struct {
	Status RunStatus `json:"status"`
	At     time.Time `json:"at"`
}

// RunError is the persisted form of the error that ended a run.
type RunError struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	StepID          string `json:"step_id,omitempty"`
	ActionID        string `json:"action_id,omitempty"`
	PossiblyApplied bool   `json:"possibly_applied,omitempty"`
}

// NewRun creates a pending run positioned at the graph's initial step.
func NewRun(id string, req ExecutionRequest, initialStepID, cursorID, token string, now time.Time) *Run {
	run := &Run{
		ID:               id,
		AutomationID:     req.AutomationID,
		OrganizationID:   req.OrganizationID,
		TriggerType:      req.TriggerType,
		EventID:          req.EventID,
		CorrelationValue: req.CorrelationValue,
		Manual:           req.Manual,
		Context:          maps.Clone(req.Context),
		Outputs:          make(map[string]map[string]any),
		Forks:            make(map[string]*Fork),
		LoopRemaining:    make(map[string]int),
		Cursors:          []*Cursor{{ID: cursorID, StepID: initialStepID, Token: token}},
		StartedAt:        now,
		UpdatedAt:        now,
	}

	if run.Context == nil {
		run.Context = make(map[string]any)
	}

	run.Transition(RunPending, now)

	return run
}

// Transition records a status change. Repeated statuses are not recorded
// twice and terminal runs never change again.
func (r *Run) Transition(status RunStatus, now time.Time) {
	if r.Status == status || r.Status.Terminal() {
		return
	}

	r.Status = status
	r.History = append(r.History, StatusChange{Status: status, At: now})
	r.UpdatedAt = now

	if status.Terminal() {
		r.CompletedAt = &now
		r.Cursors = nil
		r.NextWakeAt = nil
	}
}

// Fail ends the run with err recorded against it.
func (r *Run) Fail(err *RunError, now time.Time) {
	if r.Status.Terminal() {
		return
	}

	r.Error = err
	r.Transition(RunFailed, now)
}

func (r *Run) Cursor(id string) (*Cursor, bool) {
	for _, c := range r.Cursors {
		if c.ID == id {
			return c, true
		}
	}

	return nil, false
}

func (r *Run) RemoveCursor(id string) {
	kept := r.Cursors[:0]

	for _, c := range r.Cursors {
		if c.ID != id {
			kept = append(kept, c)
		}
	}

	r.Cursors = kept
}

// RunnableCursors returns the cursors a worker may advance at now.
func (r *Run) RunnableCursors(now time.Time) []*Cursor {
	var runnable []*Cursor

	for _, c := range r.Cursors {
		if c.Runnable(now) {
			runnable = append(runnable, c)
		}
	}

	return runnable
}

// Settle derives the status of a non-terminal run from its cursors: no
// cursor left means success, only suspended cursors means waiting.
func (r *Run) Settle(now time.Time) {
	if r.Status.Terminal() {
		return
	}

	if len(r.Cursors) == 0 {
		r.Transition(RunSucceeded, now)

		return
	}

	var next *time.Time

	for _, c := range r.Cursors {
		if !c.Suspended() {
			r.NextWakeAt = nil
			r.Transition(RunRunning, now)

			return
		}

		if due := c.DueAt(); due != nil && (next == nil || due.Before(*next)) {
			at := *due
			next = &at
		}
	}

	r.NextWakeAt = next
	r.Transition(RunWaiting, now)
}

// RecordOutput stores an action output under its step.
func (r *Run) RecordOutput(stepID, actionID string, output map[string]any) {
	if r.Outputs == nil {
		r.Outputs = make(map[string]map[string]any)
	}

	if r.Outputs[stepID] == nil {
		r.Outputs[stepID] = make(map[string]any)
	}

	r.Outputs[stepID][actionID] = output
}

// MergeLive overlays fresh data on the run. Nested maps are merged one level
// deep so partial updates keep sibling keys.
func (r *Run) MergeLive(data map[string]any) {
	if r.Live == nil {
		r.Live = make(map[string]any)
	}

	for k, v := range data {
		incoming, ok := v.(map[string]any)
		existing, had := r.Live[k].(map[string]any)

		if ok && had {
			merged := maps.Clone(existing)
			maps.Copy(merged, incoming)
			r.Live[k] = merged

			continue
		}

		r.Live[k] = v
	}
}

// Data is the view conditions and templates are evaluated against: the
// trigger context, overlaid by live data, plus step outputs and run meta.
func (r *Run) Data() map[string]any {
	data := make(map[string]any, len(r.Context)+len(r.Live)+2)
	maps.Copy(data, r.Context)

	for k, v := range r.Live {
		incoming, ok := v.(map[string]any)
		existing, had := data[k].(map[string]any)

		if ok && had {
			merged := maps.Clone(existing)
			maps.Copy(merged, incoming)
			data[k] = merged

			continue
		}

		data[k] = v
	}

	steps := make(map[string]any, len(r.Outputs))
	for stepID, outputs := range r.Outputs {
		steps[stepID] = outputs
	}

	data["steps"] = steps
	data["run"] = map[string]any{
		"id":                r.ID,
		"automation_id":     r.AutomationID,
		"organization_id":   r.OrganizationID,
		"correlation_value": r.CorrelationValue,
		"started_at":        r.StartedAt,
	}

	return data
}
