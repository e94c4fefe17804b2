package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ActionConfig is the typed form of an action's config map. Each action
// type has exactly one variant.
type ActionConfig interface {
	ActionType() ActionType
}

type SendMessageConfig struct {
	Channel    string `json:"channel"               validate:"required"`
	Message    string `json:"message"               validate:"required_without=TemplateID"`
	TemplateID string `json:"template_id,omitempty"`
	ContactID  string `json:"contact_id,omitempty"`
}

type AssignAgentConfig struct {
	AgentID  string `json:"agent_id,omitempty" validate:"required_without=TeamID"`
	TeamID   string `json:"team_id,omitempty"`
	Strategy string `json:"strategy,omitempty" validate:"omitempty,oneof=direct round_robin least_busy"`
}

type UpdateContactConfig struct {
	Fields map[string]any `json:"fields" validate:"required,min=1"`
}

type TagConfig struct {
	Tags []string `json:"tags" validate:"required,min=1,dive,required"`

	remove bool
}

type MovePipelineStageConfig struct {
	PipelineID string `json:"pipeline_id" validate:"required"`
	StageID    string `json:"stage_id"    validate:"required"`
}

type WaitConfig struct {
	Duration int    `json:"duration" validate:"required,min=1"`
	Unit     string `json:"unit"     validate:"required,oneof=seconds minutes hours days"`
}

type ConditionalConfig struct {
	Conditions  []Condition `json:"conditions"              validate:"required,min=1,dive"`
	HaltOnFalse bool        `json:"halt_on_false,omitempty"`
}

type RunAIAgentConfig struct {
	AgentID string `json:"agent_id"         validate:"required"`
	Prompt  string `json:"prompt,omitempty"`
	Model   string `json:"model,omitempty"`
}

type WebhookConfig struct {
	URL            string            `json:"url"                       validate:"required"`
	Method         string            `json:"method,omitempty"          validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           any               `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" validate:"omitempty,min=1,max=300"`
}

type CustomFunctionConfig struct {
	FunctionID string         `json:"function_id"         validate:"required"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

type CreateTaskConfig struct {
	Title       string `json:"title"                 validate:"required"`
	Description string `json:"description,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	DueInDays   int    `json:"due_in_days,omitempty" validate:"min=0"`
}

type SendEmailCampaignConfig struct {
	CampaignID string `json:"campaign_id"           validate:"required"`
	TemplateID string `json:"template_id,omitempty"`
}

type ScheduleMeetingConfig struct {
	CalendarID      string `json:"calendar_id"      validate:"required"`
	Title           string `json:"title"            validate:"required"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=1"`
}

type DealConfig struct {
	DealID     string  `json:"deal_id,omitempty"`
	PipelineID string  `json:"pipeline_id,omitempty"`
	StageID    string  `json:"stage_id,omitempty"`
	Title      string  `json:"title,omitempty"`
	Value      float64 `json:"value,omitempty"       validate:"min=0"`
	Currency   string  `json:"currency,omitempty"    validate:"omitempty,len=3"`

	update bool
}

type GenerateDocumentConfig struct {
	TemplateID string `json:"template_id"      validate:"required"`
	Format     string `json:"format,omitempty" validate:"omitempty,oneof=pdf docx html"`
}

type LogActivityConfig struct {
	Message string `json:"message"         validate:"required"`
	Level   string `json:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
}

type ScoreLeadConfig struct {
	Points int    `json:"points"`
	Mode   string `json:"mode,omitempty" validate:"omitempty,oneof=set add subtract"`
}

type SegmentContactConfig struct {
	SegmentID string `json:"segment_id"          validate:"required"`
	Operation string `json:"operation,omitempty" validate:"omitempty,oneof=add remove"`
}

type EnrichContactConfig struct {
	Provider string   `json:"provider"         validate:"required"`
	Fields   []string `json:"fields,omitempty"`
}

func (SendMessageConfig) ActionType() ActionType       { return ActionSendMessage }
func (AssignAgentConfig) ActionType() ActionType       { return ActionAssignAgent }
func (UpdateContactConfig) ActionType() ActionType     { return ActionUpdateContact }
func (MovePipelineStageConfig) ActionType() ActionType { return ActionMovePipelineStage }
func (WaitConfig) ActionType() ActionType              { return ActionWait }
func (ConditionalConfig) ActionType() ActionType       { return ActionConditional }
func (RunAIAgentConfig) ActionType() ActionType        { return ActionRunAIAgent }
func (WebhookConfig) ActionType() ActionType           { return ActionWebhook }
func (CustomFunctionConfig) ActionType() ActionType    { return ActionCustomFunction }
func (CreateTaskConfig) ActionType() ActionType        { return ActionCreateTask }
func (SendEmailCampaignConfig) ActionType() ActionType { return ActionSendEmailCampaign }
func (ScheduleMeetingConfig) ActionType() ActionType   { return ActionScheduleMeeting }
func (GenerateDocumentConfig) ActionType() ActionType  { return ActionGenerateDocument }
func (LogActivityConfig) ActionType() ActionType       { return ActionLogActivity }
func (ScoreLeadConfig) ActionType() ActionType         { return ActionScoreLead }
func (SegmentContactConfig) ActionType() ActionType    { return ActionSegmentContact }
func (EnrichContactConfig) ActionType() ActionType     { return ActionEnrichContact }

func (c TagConfig) ActionType() ActionType {
	if c.remove {
		return ActionRemoveTag
	}

	return ActionAddTag
}

func (c DealConfig) ActionType() ActionType {
	if c.update {
		return ActionUpdateDeal
	}

	return ActionCreateDeal
}

// Interval converts the configured amount and unit into a duration.
func (c WaitConfig) Interval() time.Duration {
	unit := time.Second

	switch c.Unit {
	case "minutes":
		unit = time.Minute
	case "hours":
		unit = time.Hour
	case "days":
		unit = 24 * time.Hour
	}

	return time.Duration(c.Duration) * unit
}

// DecodeActionConfig turns a raw config map into the typed variant of
// actionType and validates it.
func DecodeActionConfig(actionType ActionType, raw map[string]any) (ActionConfig, error) {
	var cfg ActionConfig

	switch actionType {
	case ActionSendMessage:
		cfg = &SendMessageConfig{}
	case ActionAssignAgent:
		cfg = &AssignAgentConfig{}
	case ActionUpdateContact:
		cfg = &UpdateContactConfig{}
	case ActionAddTag:
		cfg = &TagConfig{}
	case ActionRemoveTag:
		cfg = &TagConfig{remove: true}
	case ActionMovePipelineStage:
		cfg = &MovePipelineStageConfig{}
	case ActionWait:
		cfg = &WaitConfig{}
	case ActionConditional:
		cfg = &ConditionalConfig{}
	case ActionRunAIAgent:
		cfg = &RunAIAgentConfig{}
	case ActionWebhook:
		cfg = &WebhookConfig{}
	case ActionCustomFunction:
		cfg = &CustomFunctionConfig{}
	case ActionCreateTask:
		cfg = &CreateTaskConfig{}
	case ActionSendEmailCampaign:
		cfg = &SendEmailCampaignConfig{}
	case ActionScheduleMeeting:
		cfg = &ScheduleMeetingConfig{}
	case ActionCreateDeal:
		cfg = &DealConfig{}
	case ActionUpdateDeal:
		cfg = &DealConfig{update: true}
	case ActionGenerateDocument:
		cfg = &GenerateDocumentConfig{}
	case ActionLogActivity:
		cfg = &LogActivityConfig{}
	case ActionScoreLead:
		cfg = &ScoreLeadConfig{}
	case ActionSegmentContact:
		cfg = &SegmentContactConfig{}
	case ActionEnrichContact:
		cfg = &EnrichContactConfig{}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownActionType, actionType)
	}

	if raw == nil {
		raw = map[string]any{}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", actionType, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", actionType, err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", actionType, err)
	}

	if deal, ok := cfg.(*DealConfig); ok {
		if deal.update && deal.DealID == "" {
			return nil, errors.New("update_deal config: deal_id is required")
		}

		if !deal.update && deal.Title == "" {
			return nil, errors.New("create_deal config: title is required")
		}
	}

	return cfg, nil
}
