// Package web provides HTTP request and response types for the automation API.
package web

import (
	"time"

	"github.com/dukex/autoflow/pkg/models"
)

// AutomationRequest is the body of create and replace calls. Replace sends
// the whole definition.
type AutomationRequest struct {
	OrganizationID  string           `json:"organization_id"            validate:"required"`
	Name            string           `json:"name"                       validate:"required,min=3"`
	Description     string           `json:"description,omitempty"`
	IsActive        bool             `json:"is_active"`
	Trigger         models.Trigger   `json:"trigger"`
	Actions         []*models.Action `json:"actions,omitempty"`
	WorkflowEnabled bool             `json:"workflow_enabled"`
	Workflow        *models.Workflow `json:"workflow,omitempty"`
	CorrelationKey  string           `json:"correlation_key,omitempty"`
}

func (r AutomationRequest) toModel() *models.Automation {
	return &models.Automation{
		OrganizationID:  r.OrganizationID,
		Name:            r.Name,
		Description:     r.Description,
		IsActive:        r.IsActive,
		Trigger:         r.Trigger,
		Actions:         r.Actions,
		WorkflowEnabled: r.WorkflowEnabled,
		Workflow:        r.Workflow,
		CorrelationKey:  r.CorrelationKey,
	}
}

// SubmitEventRequest is an inbound CRM event.
type SubmitEventRequest struct {
	ID             string         `json:"id,omitempty"`
	Category       string         `json:"category"              validate:"required"`
	OrganizationID string         `json:"organization_id"       validate:"required"`
	Payload        map[string]any `json:"payload"`
	OccurredAt     *time.Time     `json:"occurred_at,omitempty"`
}

func (r SubmitEventRequest) toModel() models.Event {
	event := models.Event{
		ID:             r.ID,
		Category:       models.TriggerType(r.Category),
		OrganizationID: r.OrganizationID,
		Payload:        r.Payload,
	}

	if r.OccurredAt != nil {
		event.OccurredAt = *r.OccurredAt
	}

	return event
}

type SubmitEventResponse struct {
	EventID string `json:"event_id"`
}

// TriggerRequest carries the payload a manual run sees as its event.
type TriggerRequest struct {
	Payload map[string]any `json:"payload"`
}
