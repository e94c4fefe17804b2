package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/metrics"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrInvalidEvent = errors.New("invalid event")

// Engine is the entry point of the API and the workers: it accepts events,
// starts runs from them and exposes run history and cancellation.
type Engine struct {
	automations persistence.AutomationRepository
	runs        persistence.RunRepository
	coordinator *Coordinator
	matcher     *TriggerMatcher
	publisher   eventbus.EventPublisher
	clock       clockwork.Clock
	metrics     *metrics.Collector
	tracer      trace.Tracer
	validate    *validator.Validate
	logger      *slog.Logger
}

type EngineOption func(*Engine)

func WithEngineClock(clock clockwork.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

func WithEngineMetrics(collector *metrics.Collector) EngineOption {
	return func(e *Engine) {
		e.metrics = collector
	}
}

func WithEngineTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func NewEngine(
	p persistence.Persistence,
	coordinator *Coordinator,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		automations: p.AutomationRepository(),
		runs:        p.RunRepository(),
		coordinator: coordinator,
		matcher:     NewTriggerMatcher(logger),
		publisher:   publisher,
		clock:       clockwork.NewRealClock(),
		tracer:      otelhelper.NoopTracer(),
		validate:    validator.New(),
		logger:      logger.With("module", "engine"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) Coordinator() *Coordinator {
	return e.coordinator
}

// SubmitEvent validates event and queues it for matching. It returns the
// event id, generated when the caller did not provide one.
func (e *Engine) SubmitEvent(ctx context.Context, event models.Event) (string, error) {
	if err := e.validate.Struct(event); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if !event.Category.Valid() || event.Category == models.TriggerScheduled {
		return "", fmt.Errorf("%w: category %q cannot be submitted", ErrInvalidEvent, event.Category)
	}

	if event.ID == "" {
		event.ID = newID()
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock.Now()
	}

	if err := e.publisher.Publish(ctx, event.OrganizationID, events.NewEventSubmitted(event, e.clock.Now())); err != nil {
		return "", err
	}

	e.metrics.EventReceived(string(event.Category))
	e.logger.InfoContext(ctx, "Event submitted",
		"event_id", event.ID, "category", event.Category, "organization_id", event.OrganizationID)

	return event.ID, nil
}

// HandleEvent is the worker side of SubmitEvent: it feeds the event to
// runs waiting on the same correlation value, then starts a run for every
// automation the event matches. Runs refused by a correlation guard are
// skipped.
func (e *Engine) HandleEvent(ctx context.Context, event models.Event) ([]*models.Run, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "event.handle",
		attribute.String(otelhelper.EventIDKey, event.ID),
		attribute.String(otelhelper.OrganizationIDKey, event.OrganizationID),
		attribute.String(otelhelper.TriggerTypeKey, string(event.Category)),
	)
	defer span.End()

	logger := e.logger.With("event_id", event.ID, "organization_id", event.OrganizationID, "category", event.Category)

	automations, err := e.automations.ActiveByOrganization(ctx, event.OrganizationID, "")
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	var errs []error

	for _, automation := range automations {
		if automation.CorrelationKey == "" {
			continue
		}

		value := CorrelationValue(automation, BindContext(event, automation))
		if value == "" {
			continue
		}

		signalled, err := e.coordinator.Signal(ctx, automation.ID, value, event.Payload)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if signalled > 0 {
			logger.InfoContext(ctx, "Event delivered to waiting runs", "automation_id", automation.ID, "runs", signalled)
		}
	}

	requests := e.matcher.Match(event, automations)
	span.SetAttributes(attribute.Int("autoflow.matches", len(requests)))

	var started []*models.Run

	for _, req := range requests {
		e.metrics.TriggerMatched(string(req.TriggerType))

		run, err := e.coordinator.Start(ctx, req)

		switch {
		case errors.Is(err, ErrDuplicateRun), errors.Is(err, ErrCorrelationBusy):
			logger.InfoContext(ctx, "Skipping run for busy correlation value",
				"automation_id", req.AutomationID, "correlation_value", req.CorrelationValue, "reason", err)
		case persistence.IsRunExists(err):
			logger.InfoContext(ctx, "Event already started a run", "automation_id", req.AutomationID)
		case models.IsConfigurationError(err), errors.Is(err, ErrAutomationInactive), persistence.IsAutomationNotFound(err):
			logger.ErrorContext(ctx, "Automation cannot start", "automation_id", req.AutomationID, "error", err)
		case err != nil:
			logger.ErrorContext(ctx, "Failed to start run", "automation_id", req.AutomationID, "error", err)
			errs = append(errs, err)
		default:
			started = append(started, run)
		}
	}

	if err := errors.Join(errs...); err != nil {
		otelhelper.SetError(span, err)

		return started, err
	}

	return started, nil
}

// HandleScheduleFired starts the run of a scheduled automation.
func (e *Engine) HandleScheduleFired(ctx context.Context, fired events.ScheduleFired) (*models.Run, error) {
	automation, err := e.automations.GetByID(ctx, fired.AutomationID)
	if err != nil {
		return nil, err
	}

	req, ok := e.matcher.MatchScheduled(automation, fired.FireAt)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotScheduled, automation.ID)
	}

	e.metrics.TriggerMatched(string(models.TriggerScheduled))

	return e.coordinator.Start(ctx, req)
}

// TriggerManually runs an automation now with payload as its triggering
// event and returns the result once the run finishes or suspends.
func (e *Engine) TriggerManually(ctx context.Context, automationID string, payload map[string]any) (models.ExecutionResult, error) {
	automation, err := e.automations.GetByID(ctx, automationID)
	if err != nil {
		return models.ExecutionResult{}, err
	}

	req := e.matcher.ManualRequest(automation, newID(), payload, e.clock.Now())

	run, err := e.coordinator.Execute(ctx, req)
	if err != nil {
		if run != nil {
			return run.Result(), err
		}

		return models.ExecutionResult{}, err
	}

	return run.Result(), nil
}

func (e *Engine) GetRunHistory(ctx context.Context, automationID string, page, limit int) (*models.RunPage, error) {
	page, limit = persistence.NormalizePage(page, limit)

	return e.runs.ListByAutomation(ctx, automationID, page, limit)
}

func (e *Engine) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return e.runs.Get(ctx, runID)
}

func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	return e.coordinator.Cancel(ctx, runID)
}

// Register subscribes the engine to the events the workers consume.
func (e *Engine) Register(subscriber eventbus.EventSubscriber) error {
	err := subscriber.Handle(events.EventSubmittedEvent, e.handleEventSubmitted)
	if err != nil {
		return err
	}

	err = subscriber.Handle(events.RunContinuationEvent, e.handleRunContinuation)
	if err != nil {
		return err
	}

	return subscriber.Handle(events.ScheduleFiredEvent, e.handleScheduleFired)
}

func (e *Engine) handleEventSubmitted(ctx context.Context, event any) error {
	submitted, ok := event.(*events.EventSubmitted)
	if !ok {
		e.logger.ErrorContext(ctx, "Invalid event type for EventSubmitted")

		return nil
	}

	_, err := e.HandleEvent(ctx, submitted.Event)

	return err
}

func (e *Engine) handleRunContinuation(ctx context.Context, event any) error {
	continuation, ok := event.(*events.RunContinuation)
	if !ok {
		e.logger.ErrorContext(ctx, "Invalid event type for RunContinuation")

		return nil
	}

	return e.coordinator.Advance(ctx, *continuation)
}

func (e *Engine) handleScheduleFired(ctx context.Context, event any) error {
	fired, ok := event.(*events.ScheduleFired)
	if !ok {
		e.logger.ErrorContext(ctx, "Invalid event type for ScheduleFired")

		return nil
	}

	_, err := e.HandleScheduleFired(ctx, *fired)

	switch {
	case errors.Is(err, ErrDuplicateRun), errors.Is(err, ErrCorrelationBusy),
		errors.Is(err, ErrNotScheduled), errors.Is(err, ErrAutomationInactive),
		persistence.IsAutomationNotFound(err), persistence.IsRunExists(err), models.IsConfigurationError(err):
		e.logger.InfoContext(ctx, "Scheduled fire skipped", "automation_id", fired.AutomationID, "reason", err)

		return nil
	default:
		return err
	}
}
