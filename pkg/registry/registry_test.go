package registry

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNow() time.Time {
	return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
}

type fakeFactory struct {
	created atomic.Int32
}

func (f *fakeFactory) ID() models.ActionType { return models.ActionScoreLead }
func (f *fakeFactory) Name() string          { return "Score lead" }
func (f *fakeFactory) Description() string   { return "Adds points to a lead" }

func (f *fakeFactory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"points"},
		"properties": map[string]any{
			"points": map[string]any{"type": "integer"},
			"mode":   map[string]any{"type": "string", "enum": []any{"set", "add", "subtract"}},
		},
	}
}

func (f *fakeFactory) Create(context.Context, *slog.Logger) (protocol.ActionHandler, error) {
	f.created.Add(1)

	return protocol.ActionHandlerFunc(func(context.Context, map[string]any, protocol.RunContext) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}), nil
}

func newRegistry() (*Registry, *fakeFactory) {
	r := New(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	f := &fakeFactory{}
	r.Register(f)

	return r, f
}

func TestRegistry_HandlerIsCreatedOnce(t *testing.T) {
	r, f := newRegistry()

	h1, err := r.Handler(context.Background(), models.ActionScoreLead)
	require.NoError(t, err)
	h2, err := r.Handler(context.Background(), models.ActionScoreLead)
	require.NoError(t, err)

	assert.NotNil(t, h1)
	assert.NotNil(t, h2)
	assert.Equal(t, int32(1), f.created.Load())
}

func TestRegistry_UnknownType(t *testing.T) {
	r, _ := newRegistry()

	_, err := r.Handler(context.Background(), models.ActionWebhook)
	assert.ErrorIs(t, err, ErrActionNotRegistered)
	assert.False(t, r.Has(models.ActionWebhook))
	assert.Equal(t, []models.ActionType{models.ActionScoreLead}, r.Types())
}

func TestRegistry_CheckAction(t *testing.T) {
	r, _ := newRegistry()

	tests := []struct {
		name    string
		action  *models.Action
		wantErr error
	}{
		{
			name:   "valid config",
			action: &models.Action{ID: "a", Type: models.ActionScoreLead, Config: map[string]any{"points": 10, "mode": "add"}},
		},
		{
			name:    "schema violation",
			action:  &models.Action{ID: "a", Type: models.ActionScoreLead, Config: map[string]any{"mode": "multiply"}},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "not registered",
			action:  &models.Action{ID: "a", Type: models.ActionWebhook, Config: map[string]any{"url": "https://x"}},
			wantErr: ErrActionNotRegistered,
		},
		{
			name:   "native types need no handler",
			action: &models.Action{ID: "a", Type: models.ActionWait, Config: map[string]any{"duration": 1, "unit": "seconds"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.CheckAction(tt.action)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_ActivationUsesRegistry(t *testing.T) {
	r, _ := newRegistry()

	a := models.NewAutomation("a1", "org1", "Lead scoring", models.Trigger{Type: models.TriggerNewContact}, testNow())
	a.UseFlatActions([]*models.Action{{ID: "x", Type: models.ActionScoreLead, Config: map[string]any{"points": "ten"}}}, testNow())

	err := a.Activate(r, testNow())
	require.Error(t, err)
	assert.True(t, models.IsConfigurationError(err))
}

func TestRegistry_LoadPluginsMissingDirIsEmpty(t *testing.T) {
	r, _ := newRegistry()

	require.NoError(t, r.LoadPlugins(t.TempDir()))
	assert.Len(t, r.Types(), 1)
}

func TestRegistry_HealthCheck(t *testing.T) {
	empty := New(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	message, ok := empty.HealthCheck()
	assert.False(t, ok)
	assert.Equal(t, "No action handlers registered", message)

	r, _ := newRegistry()

	message, ok = r.HealthCheck()
	assert.True(t, ok)
	assert.Equal(t, "1 action handlers registered", message)
}
