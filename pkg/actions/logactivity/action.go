// Package logactivity records an activity line on the run's log stream.
package logactivity

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

type ActionFactory struct{}

func (*ActionFactory) ID() models.ActionType {
	return models.ActionLogActivity
}

func (*ActionFactory) Name() string {
	return "Log activity"
}

func (*ActionFactory) Description() string {
	return "Writes a templated activity message to the automation log."
}

func (*ActionFactory) Create(_ context.Context, logger *slog.Logger) (protocol.ActionHandler, error) {
	return NewAction(logger), nil
}

func (*ActionFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Message to log. Supports templating with run data.",
				"examples":    []string{"Lead {{ .contact.name }} entered the pipeline"},
			},
			"level": map[string]any{
				"type":    "string",
				"default": "info",
				"enum":    []string{"debug", "info", "warn", "error"},
			},
		},
		"required": []string{"message"},
	}
}

type Action struct {
	logger *slog.Logger
}

func NewAction(logger *slog.Logger) *Action {
	return &Action{logger: logger.With("action_type", string(models.ActionLogActivity))}
}

func (a *Action) Execute(ctx context.Context, config map[string]any, run protocol.RunContext) (map[string]any, error) {
	decoded, err := models.DecodeActionConfig(models.ActionLogActivity, config)
	if err != nil {
		return nil, protocol.Terminal(err)
	}

	cfg := decoded.(*models.LogActivityConfig)

	level := levelOf(cfg.Level)
	a.logger.Log(ctx, level, cfg.Message,
		"run_id", run.RunID,
		"automation_id", run.AutomationID,
		"organization_id", run.OrganizationID,
		"step_id", run.StepID,
	)

	return map[string]any{
		"message": cfg.Message,
		"level":   strings.ToLower(level.String()),
	}, nil
}

func levelOf(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
