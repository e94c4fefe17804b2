package redisqueue

import (
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    models.Event
		wantErr bool
	}{
		{
			name:    "full event",
			message: `{"id":"e-1","category":"new_message","organization_id":"org-1","payload":{"message":{"text":"hola"}},"occurred_at":"2026-03-02T10:00:00Z"}`,
			want: models.Event{
				ID:             "e-1",
				Category:       models.TriggerNewMessage,
				OrganizationID: "org-1",
				Payload:        map[string]any{"message": map[string]any{"text": "hola"}},
				OccurredAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
			},
		},
		{
			name:    "unknown fields are ignored",
			message: `{"category":"tag_added","organization_id":"org-1","source":"crm"}`,
			want:    models.Event{Category: models.TriggerTagAdded, OrganizationID: "org-1"},
		},
		{
			name:    "not json",
			message: `new_message org-1`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.message))
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want.ID, got.ID)
			assert.Equal(t, tt.want.Category, got.Category)
			assert.Equal(t, tt.want.OrganizationID, got.OrganizationID)
			assert.Equal(t, tt.want.Payload, got.Payload)
			assert.True(t, tt.want.OccurredAt.Equal(got.OccurredAt))
		})
	}
}
