package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noCheckpoint(context.Context, *models.Run) error { return nil }

type runnerHarness struct {
	runner *Runner
	clock  *clockwork.FakeClock
	calls  *callLog
}

func newRunnerHarness(t *testing.T, extra map[models.ActionType]protocol.ActionHandlerFunc) *runnerHarness {
	t.Helper()

	calls := newCallLog()
	handlers := map[models.ActionType]protocol.ActionHandlerFunc{
		models.ActionAddTag:      recordingHandler(calls),
		models.ActionLogActivity: recordingHandler(calls),
		models.ActionSendMessage: recordingHandler(calls),
	}

	for actionType, handler := range extra {
		handlers[actionType] = handler
	}

	clock := clockwork.NewFakeClockAt(baseTime)

	return &runnerHarness{
		runner: NewRunner(newTestDispatcher(t, handlers), clock, testLogger()),
		clock:  clock,
		calls:  calls,
	}
}

func (h *runnerHarness) start(t *testing.T, automation *models.Automation, payload map[string]any) (*models.Run, *models.Graph) {
	t.Helper()

	graph, err := automation.ExecutionGraph()
	require.NoError(t, err)

	run := models.NewRun("run-1", request(automation, payload), graph.InitialStepID(), "cursor-1", "token-1", h.clock.Now())

	return run, graph
}

// drive steps runnable cursors until the run is terminal or only suspended
// cursors remain.
func (h *runnerHarness) drive(t *testing.T, run *models.Run, graph *models.Graph) {
	t.Helper()

	for guard := 0; guard < 1000 && !run.Status.Terminal(); guard++ {
		runnable := run.RunnableCursors(h.clock.Now())
		if len(runnable) == 0 {
			return
		}

		_, err := h.runner.Step(context.Background(), run, graph, runnable[0].ID, noCheckpoint)
		require.NoError(t, err)

		run.Settle(h.clock.Now())
	}
}

func stepStatuses(run *models.Run) map[string]models.StepStatus {
	out := make(map[string]models.StepStatus, len(run.Steps))
	for _, s := range run.Steps {
		out[s.ActionID] = s.Status
	}

	return out
}

func output(run *models.Run, stepID, actionID string) map[string]any {
	out, _ := run.Outputs[stepID][actionID].(map[string]any)

	return out
}

func TestRunner_FlatModeSkipsGatedAction(t *testing.T) {
	h := newRunnerHarness(t, nil)

	gated := tagAction("a2", 2)
	gated.Conditions = []models.Condition{{Field: "contact.vip", Operator: models.OperatorEquals, Value: true}}

	automation := flatAutomation("flat", tagAction("a3", 3), gated, tagAction("a1", 1))
	run, graph := h.start(t, automation, map[string]any{"contact": map[string]any{"vip": false}})

	h.drive(t, run, graph)

	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, []string{"a1", "a3"}, h.calls.sequence())
	assert.Equal(t, map[string]models.StepStatus{
		"a1": models.StepSucceeded,
		"a2": models.StepSkipped,
		"a3": models.StepSucceeded,
	}, stepStatuses(run))
	assert.Equal(t, "a3", output(run, models.FlatStepID, "a3")["action_id"])
	assert.Empty(t, run.Cursors)
}

func branchWorkflow() *models.Workflow {
	score := func(op models.Operator, v float64) []models.Condition {
		return []models.Condition{{Field: "contact.score", Operator: op, Value: v}}
	}

	return &models.Workflow{
		InitialStepID: "qualify",
		Steps: []*models.WorkflowStep{
			{ID: "qualify", Actions: []*models.Action{logAction("qualify-log")}},
			{ID: "hot", Actions: []*models.Action{logAction("hot-log")}, IsEndStep: true},
			{ID: "warm", Actions: []*models.Action{logAction("warm-log")}, IsEndStep: true},
			{ID: "cold", Actions: []*models.Action{logAction("cold-log")}, IsEndStep: true},
			{ID: "nurture", Actions: []*models.Action{logAction("nurture-log")}, IsEndStep: true},
		},
		Connections: []*models.WorkflowConnection{
			{ID: "to-hot", Type: models.ConnectionBranch, SourceStepID: "qualify", TargetStepID: "hot", Conditions: score(models.OperatorGreaterThan, 80)},
			{ID: "to-warm", Type: models.ConnectionBranch, SourceStepID: "qualify", TargetStepID: "warm", Conditions: score(models.OperatorGreaterThan, 50)},
			{ID: "to-cold", Type: models.ConnectionBranch, SourceStepID: "qualify", TargetStepID: "cold", Conditions: score(models.OperatorGreaterThan, 10)},
			{ID: "fallback", Type: models.ConnectionSequence, SourceStepID: "qualify", TargetStepID: "nurture"},
		},
	}
}

func TestRunner_BranchRouting(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		want  string
	}{
		{name: "first match wins over later matches", score: 70, want: "warm-log"},
		{name: "highest branch", score: 95, want: "hot-log"},
		{name: "last branch", score: 20, want: "cold-log"},
		{name: "fallback sequence", score: 5, want: "nurture-log"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRunnerHarness(t, nil)
			run, graph := h.start(t, workflowAutomation("branch", branchWorkflow()), map[string]any{
				"contact": map[string]any{"score": tt.score},
			})

			h.drive(t, run, graph)

			assert.Equal(t, models.RunSucceeded, run.Status)
			assert.Equal(t, []string{"qualify-log", tt.want}, h.calls.sequence())
		})
	}
}

func TestRunner_BranchWithoutFallbackFails(t *testing.T) {
	wf := branchWorkflow()
	wf.Connections = wf.Connections[:3]

	h := newRunnerHarness(t, nil)
	run, graph := h.start(t, workflowAutomation("branch", wf), map[string]any{
		"contact": map[string]any{"score": 1},
	})

	h.drive(t, run, graph)

	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, CodeRoutingFailed, run.Error.Code)
	assert.Equal(t, "qualify", run.Error.StepID)
}

func TestRunner_LoopBound(t *testing.T) {
	wf := &models.Workflow{
		InitialStepID: "poll",
		Steps: []*models.WorkflowStep{
			{ID: "poll", Actions: []*models.Action{logAction("check")}},
			{ID: "done", IsEndStep: true},
		},
		Connections: []*models.WorkflowConnection{
			{
				ID: "again", Type: models.ConnectionLoop, SourceStepID: "poll", TargetStepID: "poll",
				MaxIterations: 5,
				Conditions:    []models.Condition{{Field: "contact.ready", Operator: models.OperatorNotEquals, Value: true}},
			},
			{ID: "finish", Type: models.ConnectionSequence, SourceStepID: "poll", TargetStepID: "done"},
		},
	}

	h := newRunnerHarness(t, nil)
	run, graph := h.start(t, workflowAutomation("loop", wf), map[string]any{
		"contact": map[string]any{"ready": false},
	})

	h.drive(t, run, graph)

	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, CodeLoopExhausted, run.Error.Code)
	// One entry plus exactly five traversals of the loop.
	assert.Equal(t, 6, h.calls.count("check"))
}

func TestRunner_LoopExitsWhenConditionStopsHolding(t *testing.T) {
	var visits int

	wf := &models.Workflow{
		InitialStepID: "poll",
		Steps: []*models.WorkflowStep{
			{ID: "poll", Actions: []*models.Action{{ID: "probe", Type: models.ActionScoreLead, Config: map[string]any{"points": 1}}}},
			{ID: "done", Actions: []*models.Action{logAction("done-log")}, IsEndStep: true},
		},
		Connections: []*models.WorkflowConnection{
			{
				ID: "again", Type: models.ConnectionLoop, SourceStepID: "poll", TargetStepID: "poll",
				Conditions: []models.Condition{{Field: "steps.poll.probe.ready", Operator: models.OperatorNotEquals, Value: true}},
			},
			{ID: "finish", Type: models.ConnectionSequence, SourceStepID: "poll", TargetStepID: "done"},
		},
	}

	h := newRunnerHarness(t, map[models.ActionType]protocol.ActionHandlerFunc{
		models.ActionScoreLead: func(context.Context, map[string]any, protocol.RunContext) (map[string]any, error) {
			visits++

			return map[string]any{"ready": visits >= 3}, nil
		},
	})

	run, graph := h.start(t, workflowAutomation("loop", wf), nil)
	h.drive(t, run, graph)

	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, 3, visits)
	assert.Equal(t, 1, h.calls.count("done-log"))
	assert.NotContains(t, run.LoopRemaining, "again")
}

func TestRunner_ParallelJoin(t *testing.T) {
	wf := &models.Workflow{
		InitialStepID: "start",
		Steps: []*models.WorkflowStep{
			{ID: "start", Actions: []*models.Action{logAction("start-log")}},
			{ID: "notify", Actions: []*models.Action{logAction("notify-log")}},
			{ID: "tag", Actions: []*models.Action{tagAction("tag-it", 0)}},
			{ID: "join", Actions: []*models.Action{logAction("join-log")}, IsEndStep: true},
		},
		Connections: []*models.WorkflowConnection{
			{ID: "p1", Type: models.ConnectionParallel, SourceStepID: "start", TargetStepID: "notify"},
			{ID: "p2", Type: models.ConnectionParallel, SourceStepID: "start", TargetStepID: "tag"},
			{ID: "s1", Type: models.ConnectionSequence, SourceStepID: "notify", TargetStepID: "join"},
			{ID: "s2", Type: models.ConnectionSequence, SourceStepID: "tag", TargetStepID: "join"},
		},
	}

	h := newRunnerHarness(t, nil)
	run, graph := h.start(t, workflowAutomation("parallel", wf), nil)

	require.Equal(t, "join", graph.JoinStepID("start"))

	outcome, err := h.runner.Step(context.Background(), run, graph, "cursor-1", noCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, outcome.Kind)
	assert.Len(t, outcome.Runnable, 2)
	assert.Len(t, run.Cursors, 2)
	assert.Len(t, run.Forks, 1)

	h.drive(t, run, graph)

	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, 1, h.calls.count("notify-log"))
	assert.Equal(t, 1, h.calls.count("tag-it"))
	assert.Equal(t, 1, h.calls.count("join-log"), "join step runs once")
	assert.Empty(t, run.Forks)
}

func TestRunner_ParallelBranchEndingEarlyStillJoins(t *testing.T) {
	wf := &models.Workflow{
		InitialStepID: "start",
		Steps: []*models.WorkflowStep{
			{ID: "start"},
			{ID: "vip", Actions: []*models.Action{{
				ID: "is-vip", Type: models.ActionConditional,
				Config: map[string]any{
					"conditions":    []any{map[string]any{"field": "contact.vip", "operator": "equals", "value": true}},
					"halt_on_false": true,
				},
			}}},
			{ID: "tag", Actions: []*models.Action{tagAction("tag-it", 0)}},
			{ID: "join", Actions: []*models.Action{logAction("join-log")}, IsEndStep: true},
		},
		Connections: []*models.WorkflowConnection{
			{ID: "p1", Type: models.ConnectionParallel, SourceStepID: "start", TargetStepID: "vip"},
			{ID: "p2", Type: models.ConnectionParallel, SourceStepID: "start", TargetStepID: "tag"},
			{ID: "s1", Type: models.ConnectionSequence, SourceStepID: "vip", TargetStepID: "join"},
			{ID: "s2", Type: models.ConnectionSequence, SourceStepID: "tag", TargetStepID: "join"},
		},
	}

	h := newRunnerHarness(t, nil)
	run, graph := h.start(t, workflowAutomation("parallel", wf), map[string]any{
		"contact": map[string]any{"vip": false},
	})

	h.drive(t, run, graph)

	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, 1, h.calls.count("join-log"))
	assert.Equal(t, false, output(run, "vip", "is-vip")["result"])
}

func TestRunner_ConditionalHaltOnFalse(t *testing.T) {
	conditional := func(halt bool) *models.Action {
		return &models.Action{
			ID: "gate", Type: models.ActionConditional, Order: 1,
			Config: map[string]any{
				"conditions":    []any{map[string]any{"field": "contact.email", "operator": "exists"}},
				"halt_on_false": halt,
			},
		}
	}

	tests := []struct {
		name     string
		halt     bool
		wantTags int
	}{
		{name: "halts the path", halt: true, wantTags: 0},
		{name: "records and continues", halt: false, wantTags: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRunnerHarness(t, nil)
			automation := flatAutomation("cond", conditional(tt.halt), tagAction("after", 2))
			run, graph := h.start(t, automation, map[string]any{"contact": map[string]any{"name": "Ana"}})

			h.drive(t, run, graph)

			assert.Equal(t, models.RunSucceeded, run.Status)
			assert.Equal(t, tt.wantTags, h.calls.count("after"))
			assert.Equal(t, false, output(run, models.FlatStepID, "gate")["result"])
		})
	}
}

func TestRunner_WaitAction(t *testing.T) {
	h := newRunnerHarness(t, nil)

	wait := &models.Action{ID: "pause", Type: models.ActionWait, Order: 1, Config: map[string]any{"duration": 2, "unit": "hours"}}
	automation := flatAutomation("wait", tagAction("before", 0), wait, tagAction("after", 2))
	run, graph := h.start(t, automation, nil)

	h.drive(t, run, graph)

	require.Equal(t, models.RunWaiting, run.Status)
	require.NotNil(t, run.NextWakeAt)
	assert.Equal(t, baseTime.Add(2*time.Hour), *run.NextWakeAt)
	assert.Equal(t, 1, h.calls.count("before"))
	assert.Equal(t, 0, h.calls.count("after"))

	h.clock.Advance(time.Hour)
	h.drive(t, run, graph)
	assert.Equal(t, 0, h.calls.count("after"), "not due yet")

	h.clock.Advance(time.Hour)
	run.Transition(models.RunRunning, h.clock.Now())
	h.drive(t, run, graph)

	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, 1, h.calls.count("before"))
	assert.Equal(t, 1, h.calls.count("after"))
}

func TestRunner_WaitUntil(t *testing.T) {
	wf := &models.Workflow{
		InitialStepID: "ask",
		Steps: []*models.WorkflowStep{
			{ID: "ask", Actions: []*models.Action{logAction("ask-log")}},
			{ID: "done", Actions: []*models.Action{logAction("done-log")}, IsEndStep: true},
		},
		Connections: []*models.WorkflowConnection{{
			ID: "reply", Type: models.ConnectionWaitUntil, SourceStepID: "ask", TargetStepID: "done",
			MaxWaitSeconds: 10, PollIntervalSeconds: 4,
			Conditions: []models.Condition{{Field: "reply.text", Operator: models.OperatorExists}},
		}},
	}

	t.Run("condition becomes true", func(t *testing.T) {
		h := newRunnerHarness(t, nil)
		run, graph := h.start(t, workflowAutomation("wait-until", wf), nil)

		h.drive(t, run, graph)
		require.Equal(t, models.RunWaiting, run.Status)
		assert.Equal(t, baseTime.Add(4*time.Second), *run.NextWakeAt)

		h.clock.Advance(4 * time.Second)
		run.Transition(models.RunRunning, h.clock.Now())
		h.drive(t, run, graph)
		require.Equal(t, models.RunWaiting, run.Status)
		assert.Equal(t, baseTime.Add(8*time.Second), *run.NextWakeAt)

		run.MergeLive(map[string]any{"reply": map[string]any{"text": "yes"}})
		h.clock.Advance(4 * time.Second)
		run.Transition(models.RunRunning, h.clock.Now())
		h.drive(t, run, graph)

		assert.Equal(t, models.RunSucceeded, run.Status)
		assert.Equal(t, 1, h.calls.count("done-log"))
	})

	t.Run("deadline passes", func(t *testing.T) {
		h := newRunnerHarness(t, nil)
		run, graph := h.start(t, workflowAutomation("wait-until", wf), nil)

		h.drive(t, run, graph)

		for i := 0; i < 3 && !run.Status.Terminal(); i++ {
			h.clock.Advance(4 * time.Second)
			run.Transition(models.RunRunning, h.clock.Now())
			h.drive(t, run, graph)
		}

		assert.Equal(t, models.RunFailed, run.Status)
		require.NotNil(t, run.Error)
		assert.Equal(t, CodeWaitTimeout, run.Error.Code)
		assert.Equal(t, 0, h.calls.count("done-log"))
	})

	t.Run("condition already true", func(t *testing.T) {
		h := newRunnerHarness(t, nil)
		run, graph := h.start(t, workflowAutomation("wait-until", wf), map[string]any{
			"reply": map[string]any{"text": "already here"},
		})

		h.drive(t, run, graph)

		assert.Equal(t, models.RunSucceeded, run.Status)
	})
}

func TestRunner_ActionFailureFailsRun(t *testing.T) {
	h := newRunnerHarness(t, map[models.ActionType]protocol.ActionHandlerFunc{
		models.ActionUpdateContact: func(context.Context, map[string]any, protocol.RunContext) (map[string]any, error) {
			return nil, protocol.HTTPStatusError(422, errors.New("invalid phone"))
		},
	})

	broken := &models.Action{ID: "update", Type: models.ActionUpdateContact, Order: 1, Config: map[string]any{"fields": map[string]any{"phone": "x"}}}
	automation := flatAutomation("failing", tagAction("first", 0), broken, tagAction("never", 2))
	run, graph := h.start(t, automation, nil)

	h.drive(t, run, graph)

	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, CodeActionFailed, run.Error.Code)
	assert.Equal(t, "update", run.Error.ActionID)
	assert.Equal(t, 0, h.calls.count("never"))
	assert.Equal(t, models.StepFailed, stepStatuses(run)["update"])
}

func TestRunner_InterruptedNonIdempotentAction(t *testing.T) {
	tests := []struct {
		name       string
		actionType models.ActionType
		wantStatus models.RunStatus
		wantCalls  int
	}{
		{name: "message is not sent twice", actionType: models.ActionSendMessage, wantStatus: models.RunFailed, wantCalls: 0},
		{name: "idempotent action is dispatched again", actionType: models.ActionAddTag, wantStatus: models.RunSucceeded, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRunnerHarness(t, nil)

			action := &models.Action{ID: "act", Type: tt.actionType, Config: map[string]any{"channel": "whatsapp", "message": "hi"}}
			run, graph := h.start(t, flatAutomation("interrupted", action), nil)
			run.Cursors[0].InFlight = true

			h.drive(t, run, graph)

			assert.Equal(t, tt.wantStatus, run.Status)
			assert.Equal(t, tt.wantCalls, h.calls.count("act"))

			if tt.wantStatus == models.RunFailed {
				require.NotNil(t, run.Error)
				assert.True(t, run.Error.PossiblyApplied)
				assert.True(t, run.Steps[0].PossiblyApplied)
			}
		})
	}
}

func TestRunner_CheckpointsAroundDispatch(t *testing.T) {
	h := newRunnerHarness(t, nil)
	run, graph := h.start(t, flatAutomation("checkpoints", tagAction("a1", 0), tagAction("a2", 1)), nil)

	var inFlight []bool

	checkpoint := func(_ context.Context, run *models.Run) error {
		inFlight = append(inFlight, run.Cursors[0].InFlight)

		return nil
	}

	_, err := h.runner.Step(context.Background(), run, graph, "cursor-1", checkpoint)
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false, true, false}, inFlight)
}

func TestRunner_NotDueCursorIsIdle(t *testing.T) {
	h := newRunnerHarness(t, nil)
	run, graph := h.start(t, flatAutomation("idle", tagAction("a1", 0)), nil)

	later := baseTime.Add(time.Hour)
	run.Cursors[0].ResumeAt = &later

	outcome, err := h.runner.Step(context.Background(), run, graph, "cursor-1", noCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome.Kind)
	assert.Equal(t, 0, h.calls.count("a1"))

	_, err = h.runner.Step(context.Background(), run, graph, "missing", noCheckpoint)
	assert.ErrorIs(t, err, ErrCursorNotFound)
}
