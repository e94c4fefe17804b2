package web

import (
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestSubmitEventRequest_ToModel(t *testing.T) {
	occurred := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		req  SubmitEventRequest
		want models.Event
	}{
		{
			name: "all fields",
			req: SubmitEventRequest{
				ID:             "e-1",
				Category:       "tag_added",
				OrganizationID: "org-1",
				Payload:        map[string]any{"tag": "vip"},
				OccurredAt:     &occurred,
			},
			want: models.Event{
				ID:             "e-1",
				Category:       models.TriggerTagAdded,
				OrganizationID: "org-1",
				Payload:        map[string]any{"tag": "vip"},
				OccurredAt:     occurred,
			},
		},
		{
			name: "engine fills id and time",
			req:  SubmitEventRequest{Category: "new_contact", OrganizationID: "org-1"},
			want: models.Event{Category: models.TriggerNewContact, OrganizationID: "org-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.toModel())
		})
	}
}

func TestAutomationRequest_ToModel(t *testing.T) {
	req := AutomationRequest{
		OrganizationID: "org-1",
		Name:           "Follow up",
		IsActive:       true,
		Trigger:        models.Trigger{Type: models.TriggerFormSubmitted},
		CorrelationKey: "contact.id",
	}

	automation := req.toModel()
	assert.Empty(t, automation.ID)
	assert.Equal(t, "org-1", automation.OrganizationID)
	assert.Equal(t, "Follow up", automation.Name)
	assert.True(t, automation.IsActive)
	assert.Equal(t, models.TriggerFormSubmitted, automation.Trigger.Type)
	assert.Equal(t, "contact.id", automation.CorrelationKey)
}
