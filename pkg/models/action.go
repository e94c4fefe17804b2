package models

import (
	"errors"
	"fmt"
	"sort"
)

type ActionType string

const (
	ActionSendMessage       ActionType = "send_message"
	ActionAssignAgent       ActionType = "assign_agent"
	ActionUpdateContact     ActionType = "update_contact"
	ActionAddTag            ActionType = "add_tag"
	ActionRemoveTag         ActionType = "remove_tag"
	ActionMovePipelineStage ActionType = "move_pipeline_stage"
	ActionWait              ActionType = "wait"
	ActionConditional       ActionType = "conditional"
	ActionRunAIAgent        ActionType = "run_ai_agent"
	ActionWebhook           ActionType = "webhook"
	ActionCustomFunction    ActionType = "custom_function"
	ActionCreateTask        ActionType = "create_task"
	ActionSendEmailCampaign ActionType = "send_email_campaign"
	ActionScheduleMeeting   ActionType = "schedule_meeting"
	ActionCreateDeal        ActionType = "create_deal"
	ActionUpdateDeal        ActionType = "update_deal"
	ActionGenerateDocument  ActionType = "generate_document"
	ActionLogActivity       ActionType = "log_activity"
	ActionScoreLead         ActionType = "score_lead"
	ActionSegmentContact    ActionType = "segment_contact"
	ActionEnrichContact     ActionType = "enrich_contact"
)

// ActionTypes lists every action type the engine understands.
var ActionTypes = []ActionType{
	ActionSendMessage, ActionAssignAgent, ActionUpdateContact, ActionAddTag, ActionRemoveTag,
	ActionMovePipelineStage, ActionWait, ActionConditional, ActionRunAIAgent, ActionWebhook,
	ActionCustomFunction, ActionCreateTask, ActionSendEmailCampaign, ActionScheduleMeeting,
	ActionCreateDeal, ActionUpdateDeal, ActionGenerateDocument, ActionLogActivity, ActionScoreLead,
	ActionSegmentContact, ActionEnrichContact,
}

func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}

	return false
}

// Native action types are interpreted by the runner itself and never reach
// a registered handler.
func (t ActionType) Native() bool {
	return t == ActionWait || t == ActionConditional
}

// Idempotent reports whether a failed attempt may be repeated blindly. Side
// effects of the other types cannot be detected from the outside.
func (t ActionType) Idempotent() bool {
	switch t {
	case ActionSendMessage, ActionSendEmailCampaign, ActionWebhook:
		return false
	default:
		return true
	}
}

// NetworkBound action types get the longer dispatch timeout.
func (t ActionType) NetworkBound() bool {
	switch t {
	case ActionWebhook, ActionSendEmailCampaign, ActionRunAIAgent, ActionEnrichContact, ActionGenerateDocument:
		return true
	default:
		return false
	}
}

type Action struct {
	ID         string         `json:"id"                   validate:"required"`
	Type       ActionType     `json:"type"                 validate:"required"`
	Config     map[string]any `json:"config"`
	Order      int            `json:"order"                validate:"min=0"`
	Conditions []Condition    `json:"conditions,omitempty"`
}

// ActionChecker verifies that a handler exists for an action and accepts its
// configuration. The action registry implements it.
type ActionChecker interface {
	CheckAction(action *Action) error
}

func (a *Action) validate(where string, checker ActionChecker, cfgErr *ConfigurationError) {
	if a.ID == "" {
		cfgErr.add("%s: action without id", where)
	}

	if !a.Type.Valid() {
		cfgErr.add("%s: action %q: %v %q", where, a.ID, ErrUnknownActionType, a.Type)

		return
	}

	if _, err := DecodeActionConfig(a.Type, a.Config); err != nil {
		cfgErr.add("%s: action %q: %v", where, a.ID, err)
	}

	for i, c := range a.Conditions {
		if err := c.Validate(); err != nil {
			cfgErr.add("%s: action %q condition %d: %v", where, a.ID, i, err)
		}
	}

	if checker != nil && !a.Type.Native() {
		if err := checker.CheckAction(a); err != nil {
			cfgErr.add("%s: action %q: %v", where, a.ID, err)
		}
	}
}

// SortActions orders flat-mode actions by Order, keeping declaration order
// for ties.
func SortActions(actions []*Action) []*Action {
	sorted := make([]*Action, len(actions))
	copy(sorted, actions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})

	return sorted
}

type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "notEquals"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "notContains"
	OperatorGreaterThan Operator = "greaterThan"
	OperatorLessThan    Operator = "lessThan"
	OperatorExists      Operator = "exists"
	OperatorNotExists   Operator = "notExists"
)

func (o Operator) Valid() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals, OperatorContains, OperatorNotContains,
		OperatorGreaterThan, OperatorLessThan, OperatorExists, OperatorNotExists:
		return true
	}

	return false
}

// Condition compares the value found at Field, a dot path into the run
// context, with Value.
type Condition struct {
	Field    string   `json:"field"           validate:"required"`
	Operator Operator `json:"operator"        validate:"required"`
	Value    any      `json:"value,omitempty"`
}

// ActionCondition gates a single action or a connection.
type ActionCondition = Condition

func (c Condition) Validate() error {
	if c.Field == "" {
		return errors.New("condition field is required")
	}

	if !c.Operator.Valid() {
		return fmt.Errorf("operator %q is not supported", c.Operator)
	}

	return nil
}
