package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

const welcomeJSON = `{
	"organization_id": "org-1",
	"name": "Welcome",
	"is_active": true,
	"trigger": {"type": "new_contact"},
	"actions": [
		{"id": "greet", "type": "send_message", "order": 0, "config": {"channel": "whatsapp", "message": "Hi {{contact.name}}"}},
		{"id": "tag", "type": "add_tag", "order": 1, "config": {"tags": ["welcomed"]}}
	]
}`

const missingChannelJSON = `{
	"organization_id": "org-1",
	"name": "Welcome",
	"trigger": {"type": "new_contact"},
	"actions": [{"id": "greet", "type": "send_message", "config": {"message": "Hi"}}]
}`

const weeklyJSON = `{
	"organization_id": "org-1",
	"name": "Weekly digest",
	"trigger": {"type": "scheduled", "schedule": {"frequency": "weekly", "time": "08:30", "days_of_week": [1], "timezone": "UTC", "end_date": "2020-01-01"}},
	"actions": [{"id": "note", "type": "log_activity", "config": {"message": "digest"}}]
}`

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "automation.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func run(t *testing.T, command *cli.Command, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	root := &cli.Command{
		Name:     "autoflow",
		Writer:   &out,
		Commands: []*cli.Command{command},
	}

	err := root.Run(context.Background(), append([]string{"autoflow"}, args...))

	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
		wantOut string
	}{
		{name: "valid", content: welcomeJSON, wantOut: "Welcome: valid\n"},
		{name: "missing required config", content: missingChannelJSON, wantErr: "channel"},
		{name: "unknown field", content: `{"name": "x", "colour": "red"}`, wantErr: "invalid automation JSON"},
		{name: "not json", content: "name: welcome", wantErr: "invalid automation JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, NewValidateCommand(), "validate", writeFile(t, tt.content))

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantOut, out)
		})
	}
}

func TestValidateCommand_MissingFile(t *testing.T) {
	_, err := run(t, NewValidateCommand(), "validate")
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestNextCommand(t *testing.T) {
	t.Run("not scheduled", func(t *testing.T) {
		_, err := run(t, NewNextCommand(), "next", writeFile(t, welcomeJSON))
		assert.ErrorIs(t, err, ErrNotScheduled)
	})

	t.Run("ended schedule", func(t *testing.T) {
		out, err := run(t, NewNextCommand(), "next", writeFile(t, weeklyJSON))
		require.NoError(t, err)
		assert.Equal(t, "no upcoming fire times\n", out)
	})

	t.Run("open ended", func(t *testing.T) {
		openEnded := strings.Replace(weeklyJSON, `"end_date": "2020-01-01"`, `"end_date": ""`, 1)

		out, err := run(t, NewNextCommand(), "next", "-n", "3", writeFile(t, openEnded))
		require.NoError(t, err)
		assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)
	})
}

func TestUpcoming(t *testing.T) {
	schedule := &models.Schedule{Frequency: models.FrequencyDaily, Time: "09:00", Timezone: "UTC"}
	from := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	times, err := upcoming(schedule, from, 3)
	require.NoError(t, err)

	assert.Equal(t, []time.Time{
		time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC),
	}, times)
}
