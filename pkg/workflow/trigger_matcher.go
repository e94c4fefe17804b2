// Package workflow matches events to automations and runs them: the trigger
// matcher, the graph runner, the execution coordinator and the engine that
// ties them to the event bus.
package workflow

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dukex/autoflow/pkg/conditions"
	"github.com/dukex/autoflow/pkg/models"
)

// TriggerMatcher decides which automations an event fires.
type TriggerMatcher struct {
	evaluator *conditions.Evaluator
	logger    *slog.Logger
}

func NewTriggerMatcher(logger *slog.Logger) *TriggerMatcher {
	return &TriggerMatcher{
		evaluator: conditions.NewEvaluator(logger),
		logger:    logger.With("module", "trigger_matcher"),
	}
}

// Match returns one execution request per active automation whose trigger
// accepts event. Scheduled automations never match here.
func (m *TriggerMatcher) Match(event models.Event, automations []*models.Automation) []models.ExecutionRequest {
	var requests []models.ExecutionRequest

	for _, automation := range automations {
		if automation == nil || !automation.Runnable() || automation.OrganizationID != event.OrganizationID {
			continue
		}

		if automation.Trigger.Type == models.TriggerScheduled || automation.Trigger.Type != event.Category {
			continue
		}

		bound := BindContext(event, automation)

		if !m.accepts(automation.Trigger.Conditions, bound) {
			m.logger.Debug("Trigger conditions did not match", "automation_id", automation.ID, "event_id", event.ID)

			continue
		}

		requests = append(requests, models.ExecutionRequest{
			AutomationID:     automation.ID,
			OrganizationID:   automation.OrganizationID,
			TriggerType:      event.Category,
			EventID:          event.ID,
			Context:          bound,
			CorrelationValue: CorrelationValue(automation, bound),
		})
	}

	return requests
}

// MatchScheduled builds the request of a scheduled automation firing at
// fireAt. Event conditions are not consulted.
func (m *TriggerMatcher) MatchScheduled(automation *models.Automation, fireAt time.Time) (models.ExecutionRequest, bool) {
	if automation == nil || !automation.Runnable() || automation.Trigger.Type != models.TriggerScheduled {
		return models.ExecutionRequest{}, false
	}

	event := models.Event{
		ID:             fmt.Sprintf("schedule:%s:%s", automation.ID, fireAt.UTC().Format(time.RFC3339)),
		Category:       models.TriggerScheduled,
		OrganizationID: automation.OrganizationID,
		Payload:        map[string]any{"schedule": scheduleContext(automation.Trigger.Schedule, fireAt)},
		OccurredAt:     fireAt,
	}

	bound := BindContext(event, automation)

	return models.ExecutionRequest{
		AutomationID:     automation.ID,
		OrganizationID:   automation.OrganizationID,
		TriggerType:      models.TriggerScheduled,
		EventID:          event.ID,
		Context:          bound,
		CorrelationValue: CorrelationValue(automation, bound),
	}, true
}

// ManualRequest builds the request of an operator-triggered run. The
// payload stands in for the triggering event.
func (m *TriggerMatcher) ManualRequest(automation *models.Automation, eventID string, payload map[string]any, now time.Time) models.ExecutionRequest {
	event := models.Event{
		ID:             eventID,
		Category:       automation.Trigger.Type,
		OrganizationID: automation.OrganizationID,
		Payload:        payload,
		OccurredAt:     now,
	}

	bound := BindContext(event, automation)

	return models.ExecutionRequest{
		AutomationID:     automation.ID,
		OrganizationID:   automation.OrganizationID,
		TriggerType:      automation.Trigger.Type,
		EventID:          eventID,
		Context:          bound,
		CorrelationValue: CorrelationValue(automation, bound),
		Manual:           true,
	}
}

func (m *TriggerMatcher) accepts(c *models.TriggerConditions, data map[string]any) bool {
	if c.IsEmpty() {
		return true
	}

	if len(c.Channels) > 0 {
		channel, ok := lookupString(data, "message.channel", "channel")
		if !ok || !containsFold(c.Channels, channel) {
			return false
		}
	}

	if len(c.Tags) > 0 && !intersects(c.Tags, lookupStrings(data, "tags", "tag", "contact.tags")) {
		return false
	}

	filters := []struct {
		want  string
		paths []string
	}{
		{c.PipelineID, []string{"pipeline.id", "pipeline_id"}},
		{c.FromStageID, []string{"stage.from", "from_stage_id"}},
		{c.ToStageID, []string{"stage.to", "to_stage_id"}},
		{c.FormID, []string{"form.id", "form_id"}},
		{c.EventName, []string{"event.name", "name"}},
	}

	for _, f := range filters {
		if f.want == "" {
			continue
		}

		got, ok := lookupString(data, f.paths...)
		if !ok || got != f.want {
			return false
		}
	}

	return m.evaluator.EvaluateAll(c.Fields, data)
}

// BindContext builds the run context of event: the payload keys at the top
// level, event metadata under "event" and the trigger under "trigger".
// Payload keys win over metadata on conflicts.
func BindContext(event models.Event, automation *models.Automation) map[string]any {
	bound := maps.Clone(event.Payload)
	if bound == nil {
		bound = make(map[string]any)
	}

	meta := map[string]any{
		"id":          event.ID,
		"category":    string(event.Category),
		"occurred_at": event.OccurredAt,
	}

	switch existing := bound["event"].(type) {
	case nil:
		bound["event"] = meta
	case map[string]any:
		merged := maps.Clone(existing)
		for k, v := range meta {
			if _, taken := merged[k]; !taken {
				merged[k] = v
			}
		}

		bound["event"] = merged
	}

	bound["trigger"] = map[string]any{
		"type":          string(automation.Trigger.Type),
		"automation_id": automation.ID,
	}

	return bound
}

// CorrelationValue resolves the automation's correlation key in data. An
// automation without a key, or a key absent from data, has no value.
func CorrelationValue(automation *models.Automation, data map[string]any) string {
	if automation.CorrelationKey == "" {
		return ""
	}

	value, ok := conditions.Resolve(data, automation.CorrelationKey)
	if !ok || value == nil {
		return ""
	}

	if s, isString := value.(string); isString {
		return s
	}

	return fmt.Sprint(value)
}

func scheduleContext(schedule *models.Schedule, fireAt time.Time) map[string]any {
	ctx := map[string]any{"fire_at": fireAt}

	if schedule != nil {
		ctx["frequency"] = string(schedule.Frequency)
		ctx["time"] = schedule.Time
		ctx["timezone"] = schedule.Timezone
	}

	return ctx
}

func lookupString(data map[string]any, paths ...string) (string, bool) {
	for _, path := range paths {
		if value, ok := conditions.Resolve(data, path); ok && value != nil {
			return fmt.Sprint(value), true
		}
	}

	return "", false
}

func lookupStrings(data map[string]any, paths ...string) []string {
	for _, path := range paths {
		value, ok := conditions.Resolve(data, path)
		if !ok || value == nil {
			continue
		}

		switch v := value.(type) {
		case string:
			return []string{v}
		case []string:
			return v
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				out = append(out, fmt.Sprint(item))
			}

			return out
		}
	}

	return nil
}

func containsFold(list []string, value string) bool {
	return slices.ContainsFunc(list, func(item string) bool {
		return strings.EqualFold(item, value)
	})
}

func intersects(want, got []string) bool {
	for _, tag := range got {
		if containsFold(want, tag) {
			return true
		}
	}

	return false
}
