// Package events defines the messages exchanged between the API, the
// scheduler and the workers.
package events

import (
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

const Topic = "autoflow.events"

const (
	EventMetadataKey     = "key"
	EventTypeMetadataKey = "event_type"
)

const (
	// Work for the workers.
	EventSubmittedEvent  EventType = "automation.event.submitted"
	RunContinuationEvent EventType = "run.continuation"
	ScheduleFiredEvent   EventType = "schedule.fired"

	// Run lifecycle notifications.
	RunStartedEvent   EventType = "run.started"
	RunSucceededEvent EventType = "run.succeeded"
	RunFailedEvent    EventType = "run.failed"
	RunCancelledEvent EventType = "run.cancelled"
)

type BaseEvent struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	OrganizationID string    `json:"organization_id,omitempty"`
	AutomationID   string    `json:"automation_id,omitempty"`
}

func newBase(eventType EventType, organizationID, automationID string, now time.Time) BaseEvent {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return BaseEvent{
		ID:             id.String(),
		Type:           eventType,
		Timestamp:      now,
		OrganizationID: organizationID,
		AutomationID:   automationID,
	}
}

// EventSubmitted carries an inbound CRM event to the workers.
type EventSubmitted struct {
	BaseEvent

	Event models.Event `json:"event"`
}

func (EventSubmitted) GetType() EventType {
	return EventSubmittedEvent
}

func NewEventSubmitted(event models.Event, now time.Time) EventSubmitted {
	return EventSubmitted{
		BaseEvent: newBase(EventSubmittedEvent, event.OrganizationID, "", now),
		Event:     event,
	}
}

// RunContinuation asks a worker to advance one cursor of a run. Token must
// still match the cursor's token when the message is handled, otherwise the
// message is stale and dropped.
type RunContinuation struct {
	BaseEvent

	RunID    string `json:"run_id"`
	CursorID string `json:"cursor_id"`
	Token    string `json:"token"`
}

func (RunContinuation) GetType() EventType {
	return RunContinuationEvent
}

func NewRunContinuation(run *models.Run, cursor *models.Cursor, now time.Time) RunContinuation {
	return RunContinuation{
		BaseEvent: newBase(RunContinuationEvent, run.OrganizationID, run.AutomationID, now),
		RunID:     run.ID,
		CursorID:  cursor.ID,
		Token:     cursor.Token,
	}
}

// ScheduleFired is published by the scheduler when a scheduled automation
// is due.
type ScheduleFired struct {
	BaseEvent

	FireAt time.Time `json:"fire_at"`
}

func (ScheduleFired) GetType() EventType {
	return ScheduleFiredEvent
}

func NewScheduleFired(organizationID, automationID string, fireAt, now time.Time) ScheduleFired {
	return ScheduleFired{
		BaseEvent: newBase(ScheduleFiredEvent, organizationID, automationID, now),
		FireAt:    fireAt,
	}
}

type RunStarted struct {
	BaseEvent

	RunID       string             `json:"run_id"`
	TriggerType models.TriggerType `json:"trigger_type"`
	Manual      bool               `json:"manual,omitempty"`
}

func (RunStarted) GetType() EventType {
	return RunStartedEvent
}

func NewRunStarted(run *models.Run, now time.Time) RunStarted {
	return RunStarted{
		BaseEvent:   newBase(RunStartedEvent, run.OrganizationID, run.AutomationID, now),
		RunID:       run.ID,
		TriggerType: run.TriggerType,
		Manual:      run.Manual,
	}
}

// RunFinished reports a terminal run under run.succeeded, run.failed or
// run.cancelled.
type RunFinished struct {
	BaseEvent

	RunID    string           `json:"run_id"`
	Status   models.RunStatus `json:"status"`
	Error    *models.RunError `json:"error,omitempty"`
	Duration time.Duration    `json:"duration"`
}

func (e RunFinished) GetType() EventType {
	return e.Type
}

func NewRunFinished(run *models.Run, now time.Time) RunFinished {
	eventType := RunSucceededEvent

	switch run.Status {
	case models.RunFailed:
		eventType = RunFailedEvent
	case models.RunCancelled:
		eventType = RunCancelledEvent
	}

	finished := RunFinished{
		BaseEvent: newBase(eventType, run.OrganizationID, run.AutomationID, now),
		RunID:     run.ID,
		Status:    run.Status,
		Error:     run.Error,
	}

	if run.CompletedAt != nil {
		finished.Duration = run.CompletedAt.Sub(run.StartedAt)
	}

	return finished
}

// New returns an empty value to decode a message of eventType into.
func New(eventType EventType) (any, bool) {
	switch eventType {
	case EventSubmittedEvent:
		return &EventSubmitted{}, true
	case RunContinuationEvent:
		return &RunContinuation{}, true
	case ScheduleFiredEvent:
		return &ScheduleFired{}, true
	case RunStartedEvent:
		return &RunStarted{}, true
	case RunSucceededEvent, RunFailedEvent, RunCancelledEvent:
		return &RunFinished{}, true
	default:
		return nil, false
	}
}
