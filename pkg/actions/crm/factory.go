package crm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

// Capabilities lists the action types served by the gateway.
var Capabilities = []models.ActionType{
	models.ActionSendMessage,
	models.ActionAssignAgent,
	models.ActionUpdateContact,
	models.ActionAddTag,
	models.ActionRemoveTag,
	models.ActionMovePipelineStage,
	models.ActionRunAIAgent,
	models.ActionCustomFunction,
	models.ActionCreateTask,
	models.ActionSendEmailCampaign,
	models.ActionScheduleMeeting,
	models.ActionCreateDeal,
	models.ActionUpdateDeal,
	models.ActionGenerateDocument,
	models.ActionScoreLead,
	models.ActionSegmentContact,
	models.ActionEnrichContact,
}

var descriptions = map[models.ActionType]string{
	models.ActionSendMessage:       "Sends a message to the contact on a channel.",
	models.ActionAssignAgent:       "Assigns the conversation to an agent or team.",
	models.ActionUpdateContact:     "Updates contact fields.",
	models.ActionAddTag:            "Adds tags to the contact.",
	models.ActionRemoveTag:         "Removes tags from the contact.",
	models.ActionMovePipelineStage: "Moves the contact's deal to another pipeline stage.",
	models.ActionRunAIAgent:        "Runs an AI agent over the conversation.",
	models.ActionCustomFunction:    "Invokes a custom function registered by the organization.",
	models.ActionCreateTask:        "Creates a task for a team member.",
	models.ActionSendEmailCampaign: "Enrolls the contact in an email campaign.",
	models.ActionScheduleMeeting:   "Books a meeting on a calendar.",
	models.ActionCreateDeal:        "Creates a deal.",
	models.ActionUpdateDeal:        "Updates an existing deal.",
	models.ActionGenerateDocument:  "Generates a document from a template.",
	models.ActionScoreLead:         "Adjusts the contact's lead score.",
	models.ActionSegmentContact:    "Adds or removes the contact from a segment.",
	models.ActionEnrichContact:     "Enriches the contact from a data provider.",
}

var requiredFields = map[models.ActionType][]string{
	models.ActionSendMessage:       {"channel"},
	models.ActionUpdateContact:     {"fields"},
	models.ActionAddTag:            {"tags"},
	models.ActionRemoveTag:         {"tags"},
	models.ActionMovePipelineStage: {"pipeline_id", "stage_id"},
	models.ActionRunAIAgent:        {"agent_id"},
	models.ActionCustomFunction:    {"function_id"},
	models.ActionCreateTask:        {"title"},
	models.ActionSendEmailCampaign: {"campaign_id"},
	models.ActionScheduleMeeting:   {"calendar_id", "title", "duration_minutes"},
	models.ActionGenerateDocument:  {"template_id"},
	models.ActionSegmentContact:    {"segment_id"},
	models.ActionEnrichContact:     {"provider"},
}

// ActionFactory exposes one gateway capability as an action type.
type ActionFactory struct {
	actionType models.ActionType
	gateway    Gateway
}

func NewActionFactory(actionType models.ActionType, gateway Gateway) *ActionFactory {
	return &ActionFactory{actionType: actionType, gateway: gateway}
}

// RegisterAll registers a factory for every gateway capability.
func RegisterAll(register func(protocol.ActionFactory), gateway Gateway) {
	for _, actionType := range Capabilities {
		register(NewActionFactory(actionType, gateway))
	}
}

func (f *ActionFactory) ID() models.ActionType {
	return f.actionType
}

func (f *ActionFactory) Name() string {
	return string(f.actionType)
}

func (f *ActionFactory) Description() string {
	return descriptions[f.actionType]
}

func (f *ActionFactory) Schema() map[string]any {
	schema := map[string]any{"type": "object"}

	if required := requiredFields[f.actionType]; len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

func (f *ActionFactory) Create(_ context.Context, logger *slog.Logger) (protocol.ActionHandler, error) {
	if f.gateway == nil {
		return nil, fmt.Errorf("no capability gateway configured for %s", f.actionType)
	}

	return &Action{actionType: f.actionType, gateway: f.gateway, logger: logger.With("action_type", string(f.actionType))}, nil
}

// Action validates the typed config before handing it to the gateway.
type Action struct {
	actionType models.ActionType
	gateway    Gateway
	logger     *slog.Logger
}

func (a *Action) Execute(ctx context.Context, config map[string]any, run protocol.RunContext) (map[string]any, error) {
	if _, err := models.DecodeActionConfig(a.actionType, config); err != nil {
		return nil, protocol.Terminal(err)
	}

	output, err := a.gateway.Invoke(ctx, a.actionType, config, run)
	if err != nil {
		a.logger.WarnContext(ctx, "Capability failed", "run_id", run.RunID, "action_id", run.ActionID, "error", err)

		return nil, err
	}

	return output, nil
}
