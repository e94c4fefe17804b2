package workflow

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/dispatcher"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/lease"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence/file"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type funcFactory struct {
	actionType models.ActionType
	handler    protocol.ActionHandlerFunc
}

func (f funcFactory) ID() models.ActionType  { return f.actionType }
func (f funcFactory) Name() string           { return string(f.actionType) }
func (f funcFactory) Description() string    { return "test handler" }
func (f funcFactory) Schema() map[string]any { return nil }
func (f funcFactory) Create(context.Context, *slog.Logger) (protocol.ActionHandler, error) {
	return f.handler, nil
}

// callLog counts handler invocations per action id.
type callLog struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
}

func newCallLog() *callLog {
	return &callLog{calls: make(map[string]int)}
}

func (l *callLog) record(actionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls[actionID]++
	l.order = append(l.order, actionID)
}

func (l *callLog) count(actionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.calls[actionID]
}

func (l *callLog) sequence() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.order...)
}

// recordingHandler succeeds, echoing the action id.
func recordingHandler(calls *callLog) protocol.ActionHandlerFunc {
	return func(_ context.Context, _ map[string]any, run protocol.RunContext) (map[string]any, error) {
		calls.record(run.ActionID)

		return map[string]any{"action_id": run.ActionID}, nil
	}
}

func newTestDispatcher(t *testing.T, handlers map[models.ActionType]protocol.ActionHandlerFunc) *dispatcher.Dispatcher {
	t.Helper()

	logger := testLogger()
	reg := registry.New(logger)

	for actionType, handler := range handlers {
		reg.Register(funcFactory{actionType: actionType, handler: handler})
	}

	return dispatcher.New(reg, logger, dispatcher.WithRetry(1, time.Millisecond, time.Millisecond))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *recordingPublisher) continuations() []events.RunContinuation {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []events.RunContinuation

	for _, e := range p.events {
		if c, ok := e.(events.RunContinuation); ok {
			out = append(out, c)
		}
	}

	return out
}

func (p *recordingPublisher) ofType(eventType events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0

	for _, e := range p.events {
		if e.GetType() == eventType {
			n++
		}
	}

	return n
}

type fixture struct {
	store       *file.Persistence
	clock       *clockwork.FakeClock
	leaser      *lease.Memory
	publisher   *recordingPublisher
	calls       *callLog
	coordinator *Coordinator
	consumed    int
}

func newFixture(t *testing.T, handlers map[models.ActionType]protocol.ActionHandlerFunc) *fixture {
	t.Helper()

	f := &fixture{
		store:     file.NewPersistence(t.TempDir()),
		clock:     clockwork.NewFakeClockAt(baseTime),
		publisher: &recordingPublisher{},
		calls:     newCallLog(),
	}
	f.leaser = lease.NewMemory(f.clock)

	if handlers == nil {
		handlers = map[models.ActionType]protocol.ActionHandlerFunc{}
	}

	for _, actionType := range []models.ActionType{models.ActionAddTag, models.ActionLogActivity, models.ActionSendMessage} {
		if _, ok := handlers[actionType]; !ok {
			handlers[actionType] = recordingHandler(f.calls)
		}
	}

	f.coordinator = f.newCoordinator(t, handlers)

	return f
}

// newCoordinator builds a second coordinator over the same storage, as a
// restarted worker would.
func (f *fixture) newCoordinator(t *testing.T, handlers map[models.ActionType]protocol.ActionHandlerFunc) *Coordinator {
	t.Helper()

	logger := testLogger()
	runner := NewRunner(newTestDispatcher(t, handlers), f.clock, logger)

	return NewCoordinator(f.store, runner, f.publisher, f.leaser, logger, WithClock(f.clock))
}

// pump delivers published continuations to c, as a worker would, until
// none are left.
func (f *fixture) pump(t *testing.T, c *Coordinator) {
	t.Helper()

	for guard := 0; guard < 100; guard++ {
		continuations := f.publisher.continuations()
		if f.consumed >= len(continuations) {
			return
		}

		next := continuations[f.consumed]
		f.consumed++

		require.NoError(t, c.Advance(context.Background(), next))
	}
}

func (f *fixture) save(t *testing.T, automation *models.Automation) {
	t.Helper()
	require.NoError(t, f.store.AutomationRepository().Save(context.Background(), automation))
}

func (f *fixture) run(t *testing.T, id string) *models.Run {
	t.Helper()

	run, err := f.store.RunRepository().Get(context.Background(), id)
	require.NoError(t, err)

	return run
}

func flatAutomation(id string, actions ...*models.Action) *models.Automation {
	a := models.NewAutomation(id, "org-1", "Automation "+id, models.Trigger{Type: models.TriggerNewMessage}, baseTime)
	a.IsActive = true
	a.UseFlatActions(actions, baseTime)

	return a
}

func workflowAutomation(id string, wf *models.Workflow) *models.Automation {
	a := models.NewAutomation(id, "org-1", "Automation "+id, models.Trigger{Type: models.TriggerNewMessage}, baseTime)
	a.IsActive = true
	a.Workflow = wf
	a.WorkflowEnabled = true

	return a
}

func tagAction(id string, order int) *models.Action {
	return &models.Action{
		ID:     id,
		Type:   models.ActionAddTag,
		Order:  order,
		Config: map[string]any{"tags": []any{"lead"}},
	}
}

func logAction(id string) *models.Action {
	return &models.Action{
		ID:     id,
		Type:   models.ActionLogActivity,
		Config: map[string]any{"message": "visited " + id},
	}
}

func request(automation *models.Automation, payload map[string]any) models.ExecutionRequest {
	event := models.Event{
		ID:             "evt-" + newID(),
		Category:       automation.Trigger.Type,
		OrganizationID: automation.OrganizationID,
		Payload:        payload,
		OccurredAt:     baseTime,
	}
	bound := BindContext(event, automation)

	return models.ExecutionRequest{
		AutomationID:     automation.ID,
		OrganizationID:   automation.OrganizationID,
		TriggerType:      automation.Trigger.Type,
		EventID:          event.ID,
		Context:          bound,
		CorrelationValue: CorrelationValue(automation, bound),
	}
}
