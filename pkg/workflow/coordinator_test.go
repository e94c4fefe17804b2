package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/lease"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_ExecuteFlatRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	automation := flatAutomation("welcome", tagAction("a1", 0), tagAction("a2", 1))
	f.save(t, automation)

	run, err := f.coordinator.Execute(ctx, request(automation, nil))
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, []string{"a1", "a2"}, f.calls.sequence())

	stored := f.run(t, run.ID)
	assert.Equal(t, models.RunSucceeded, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, []models.RunStatus{models.RunPending, models.RunRunning, models.RunSucceeded}, statuses(stored))

	got, err := f.store.AutomationRepository().GetByID(ctx, automation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Stats.TotalExecutions)
	assert.Equal(t, int64(1), got.Stats.SuccessfulExecutions)
	assert.Equal(t, int64(0), got.Stats.FailedExecutions)

	assert.Equal(t, 1, f.publisher.ofType(events.RunStartedEvent))
	assert.Equal(t, 1, f.publisher.ofType(events.RunSucceededEvent))
}

func statuses(run *models.Run) []models.RunStatus {
	out := make([]models.RunStatus, 0, len(run.History))
	for _, change := range run.History {
		out = append(out, change.Status)
	}

	return out
}

func TestCoordinator_InactiveAutomation(t *testing.T) {
	f := newFixture(t, nil)

	automation := flatAutomation("paused", tagAction("a1", 0))
	automation.IsActive = false
	f.save(t, automation)

	_, err := f.coordinator.Start(context.Background(), request(automation, nil))
	assert.ErrorIs(t, err, ErrAutomationInactive)
}

func TestCoordinator_StartPublishesContinuations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	automation := flatAutomation("async", tagAction("a1", 0))
	f.save(t, automation)

	run, err := f.coordinator.Start(ctx, request(automation, nil))
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.Status)
	assert.Empty(t, f.calls.sequence(), "Start does not execute inline")

	continuations := f.publisher.continuations()
	require.Len(t, continuations, 1)

	require.NoError(t, f.coordinator.Advance(ctx, continuations[0]))
	assert.Equal(t, models.RunSucceeded, f.run(t, run.ID).Status)
	assert.Equal(t, 1, f.calls.count("a1"))

	t.Run("redelivered continuation is dropped", func(t *testing.T) {
		require.NoError(t, f.coordinator.Advance(ctx, continuations[0]))
		assert.Equal(t, 1, f.calls.count("a1"))
	})

	t.Run("unknown run is dropped", func(t *testing.T) {
		assert.NoError(t, f.coordinator.Advance(ctx, events.RunContinuation{RunID: "missing", CursorID: "c", Token: "t"}))
	})
}

func TestCoordinator_StaleTokenIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	automation := flatAutomation("stale", tagAction("a1", 0))
	f.save(t, automation)

	run, err := f.coordinator.Start(ctx, request(automation, nil))
	require.NoError(t, err)

	continuation := f.publisher.continuations()[0]
	continuation.Token = "old-token"

	require.NoError(t, f.coordinator.Advance(ctx, continuation))
	assert.Equal(t, 0, f.calls.count("a1"))
	assert.Equal(t, models.RunPending, f.run(t, run.ID).Status)
}

func TestCoordinator_BusyRunIsRedelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	automation := flatAutomation("busy", tagAction("a1", 0))
	f.save(t, automation)

	run, err := f.coordinator.Start(ctx, request(automation, nil))
	require.NoError(t, err)

	acquired, err := f.leaser.Acquire(ctx, lease.RunKey(run.ID), "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	err = f.coordinator.Advance(ctx, f.publisher.continuations()[0])
	assert.ErrorIs(t, err, ErrRunBusy)
	assert.Equal(t, 0, f.calls.count("a1"))
}

func TestCoordinator_ResumeAfterCrash(t *testing.T) {
	tests := []struct {
		name        string
		thirdAction models.ActionType
		wantStatus  models.RunStatus
		wantThird   int
	}{
		{name: "idempotent action is retried", thirdAction: models.ActionAddTag, wantStatus: models.RunSucceeded, wantThird: 2},
		{name: "message is marked possibly applied", thirdAction: models.ActionSendMessage, wantStatus: models.RunFailed, wantThird: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, crash := context.WithCancel(context.Background())
			defer crash()

			f := newFixture(t, nil)

			crashing := func(ctx context.Context, _ map[string]any, run protocol.RunContext) (map[string]any, error) {
				f.calls.record(run.ActionID)

				if run.ActionID == "step-3" {
					crash()
					<-ctx.Done()

					return nil, ctx.Err()
				}

				return map[string]any{"ok": true}, nil
			}

			third := &models.Action{ID: "step-3", Type: tt.thirdAction, Order: 2, Config: map[string]any{"channel": "sms", "message": "hi"}}
			automation := flatAutomation("crash", tagAction("step-1", 0), tagAction("step-2", 1), third, tagAction("step-4", 3))
			f.save(t, automation)

			first := f.newCoordinator(t, map[models.ActionType]protocol.ActionHandlerFunc{
				models.ActionAddTag:      crashing,
				models.ActionSendMessage: crashing,
			})

			run, err := first.Execute(ctx, request(automation, nil))
			require.ErrorIs(t, err, context.Canceled)
			require.NotNil(t, run)

			stored := f.run(t, run.ID)
			require.Equal(t, models.RunRunning, stored.Status)
			require.Len(t, stored.Cursors, 1)
			assert.Equal(t, 2, stored.Cursors[0].ActionIndex)
			assert.True(t, stored.Cursors[0].InFlight)

			// A restarted worker picks the run up from its last checkpoint.
			restarted := f.newCoordinator(t, map[models.ActionType]protocol.ActionHandlerFunc{
				models.ActionAddTag:      recordingHandler(f.calls),
				models.ActionSendMessage: recordingHandler(f.calls),
			})

			recovered, err := restarted.Recover(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, recovered)

			resumed, err := restarted.Drive(context.Background(), run.ID)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, resumed.Status)
			assert.Equal(t, 1, f.calls.count("step-1"))
			assert.Equal(t, 1, f.calls.count("step-2"))
			assert.Equal(t, tt.wantThird, f.calls.count("step-3"))

			if tt.wantStatus == models.RunFailed {
				require.NotNil(t, resumed.Error)
				assert.True(t, resumed.Error.PossiblyApplied)
				assert.Equal(t, 0, f.calls.count("step-4"))
			} else {
				assert.Equal(t, 1, f.calls.count("step-4"))
			}
		})
	}
}

func waitForReplyWorkflow() *models.Workflow {
	return &models.Workflow{
		InitialStepID: "ask",
		Steps: []*models.WorkflowStep{
			{ID: "ask", Actions: []*models.Action{logAction("ask-log")}},
			{ID: "done", Actions: []*models.Action{logAction("done-log")}, IsEndStep: true},
		},
		Connections: []*models.WorkflowConnection{{
			ID: "reply", Type: models.ConnectionWaitUntil, SourceStepID: "ask", TargetStepID: "done",
			MaxWaitSeconds: 10, PollIntervalSeconds: 1,
			Conditions: []models.Condition{{Field: "reply.text", Operator: models.OperatorExists}},
		}},
	}
}

func TestCoordinator_WaitUntilSignal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	automation := workflowAutomation("follow-up", waitForReplyWorkflow())
	automation.CorrelationKey = "contact.id"
	f.save(t, automation)

	run, err := f.coordinator.Execute(ctx, request(automation, map[string]any{"contact": map[string]any{"id": "c-1"}}))
	require.NoError(t, err)
	require.Equal(t, models.RunWaiting, run.Status)
	require.NotNil(t, run.NextWakeAt)
	assert.Equal(t, "c-1", run.CorrelationValue)

	f.clock.Advance(3 * time.Second)

	signalled, err := f.coordinator.Signal(ctx, automation.ID, "c-1", map[string]any{"reply": map[string]any{"text": "yes"}})
	require.NoError(t, err)
	assert.Equal(t, 1, signalled)

	f.pump(t, f.coordinator)

	stored := f.run(t, run.ID)
	require.Equal(t, models.RunSucceeded, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	elapsed := stored.CompletedAt.Sub(stored.StartedAt)
	assert.GreaterOrEqual(t, elapsed, 3*time.Second)
	assert.Less(t, elapsed, 10*time.Second)
	assert.Equal(t, 1, f.calls.count("done-log"))
	assert.Equal(t, "yes", stored.Data()["reply"].(map[string]any)["text"])
}

func TestCoordinator_WaitUntilTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	automation := workflowAutomation("follow-up", waitForReplyWorkflow())
	f.save(t, automation)

	run, err := f.coordinator.Execute(ctx, request(automation, nil))
	require.NoError(t, err)
	require.Equal(t, models.RunWaiting, run.Status)

	for i := 0; i < 12; i++ {
		f.clock.Advance(time.Second)

		woken, err := f.coordinator.WakeDue(ctx)
		require.NoError(t, err)

		if woken > 0 {
			_, err = f.coordinator.Drive(ctx, run.ID)
			require.NoError(t, err)
		}

		if f.run(t, run.ID).Status.Terminal() {
			break
		}
	}

	stored := f.run(t, run.ID)
	assert.Equal(t, models.RunFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, CodeWaitTimeout, stored.Error.Code)
	assert.Equal(t, baseTime.Add(10*time.Second), *stored.CompletedAt)

	got, err := f.store.AutomationRepository().GetByID(ctx, automation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Stats.FailedExecutions)
}

func TestCoordinator_WakeDueResumesDurationWait(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	wait := &models.Action{ID: "pause", Type: models.ActionWait, Order: 1, Config: map[string]any{"duration": 5, "unit": "minutes"}}
	automation := flatAutomation("drip", tagAction("before", 0), wait, tagAction("after", 2))
	f.save(t, automation)

	run, err := f.coordinator.Execute(ctx, request(automation, nil))
	require.NoError(t, err)
	require.Equal(t, models.RunWaiting, run.Status)

	f.clock.Advance(4 * time.Minute)
	woken, err := f.coordinator.WakeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, woken)

	f.clock.Advance(time.Minute)
	woken, err = f.coordinator.WakeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, woken)

	stored := f.run(t, run.ID)
	assert.Equal(t, models.RunRunning, stored.Status)
	assert.Nil(t, stored.NextWakeAt)

	continuations := f.publisher.continuations()
	require.NoError(t, f.coordinator.Advance(ctx, continuations[len(continuations)-1]))

	assert.Equal(t, models.RunSucceeded, f.run(t, run.ID).Status)
	assert.Equal(t, 1, f.calls.count("after"))
}

type staticRefresher map[string]any

func (r staticRefresher) Refresh(context.Context, *models.Run) (map[string]any, error) {
	return r, nil
}

func TestCoordinator_WakeDueRefreshesContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	logger := testLogger()
	runner := NewRunner(newTestDispatcher(t, map[models.ActionType]protocol.ActionHandlerFunc{
		models.ActionLogActivity: recordingHandler(f.calls),
	}), f.clock, logger)
	coordinator := NewCoordinator(f.store, runner, f.publisher, f.leaser, logger,
		WithClock(f.clock),
		WithRefresher(staticRefresher{"reply": map[string]any{"text": "from crm"}}),
	)

	automation := workflowAutomation("follow-up", waitForReplyWorkflow())
	f.save(t, automation)

	run, err := coordinator.Execute(ctx, request(automation, nil))
	require.NoError(t, err)
	require.Equal(t, models.RunWaiting, run.Status)

	f.clock.Advance(time.Second)

	woken, err := coordinator.WakeDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, woken)

	driven, err := coordinator.Drive(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, driven.Status)
}

func TestCoordinator_Cancel(t *testing.T) {
	ctx := context.Background()

	waitingRun := func(t *testing.T, f *fixture) *models.Run {
		t.Helper()

		wait := &models.Action{ID: "pause", Type: models.ActionWait, Config: map[string]any{"duration": 1, "unit": "days"}}
		automation := flatAutomation("drip", wait, tagAction("after", 1))
		f.save(t, automation)

		run, err := f.coordinator.Execute(ctx, request(automation, nil))
		require.NoError(t, err)
		require.Equal(t, models.RunWaiting, run.Status)

		return run
	}

	t.Run("idle run is cancelled immediately", func(t *testing.T) {
		f := newFixture(t, nil)
		run := waitingRun(t, f)

		require.NoError(t, f.coordinator.Cancel(ctx, run.ID))

		stored := f.run(t, run.ID)
		assert.Equal(t, models.RunCancelled, stored.Status)
		require.NotNil(t, stored.Error)
		assert.Equal(t, CodeCancelled, stored.Error.Code)
		assert.Empty(t, stored.Cursors)
		assert.Equal(t, 1, f.publisher.ofType(events.RunCancelledEvent))

		assert.ErrorIs(t, f.coordinator.Cancel(ctx, run.ID), ErrRunFinished)
	})

	t.Run("busy waiting run is cancelled on the next wake pass", func(t *testing.T) {
		f := newFixture(t, nil)
		run := waitingRun(t, f)

		acquired, err := f.leaser.Acquire(ctx, lease.RunKey(run.ID), "other-worker", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		require.NoError(t, f.coordinator.Cancel(ctx, run.ID))
		assert.Equal(t, models.RunWaiting, f.run(t, run.ID).Status)

		require.NoError(t, f.leaser.Release(ctx, lease.RunKey(run.ID), "other-worker"))

		woken, err := f.coordinator.WakeDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, woken)

		stored := f.run(t, run.ID)
		assert.Equal(t, models.RunCancelled, stored.Status)
		assert.Equal(t, 0, f.calls.count("after"))
		assert.Equal(t, 1, f.publisher.ofType(events.RunCancelledEvent))

		requested, err := f.store.RunRepository().CancelRequested(ctx, run.ID)
		require.NoError(t, err)
		assert.False(t, requested)
	})

	t.Run("cancelled runs are not counted as failures", func(t *testing.T) {
		f := newFixture(t, nil)
		run := waitingRun(t, f)

		require.NoError(t, f.coordinator.Cancel(ctx, run.ID))

		got, err := f.store.AutomationRepository().GetByID(ctx, run.AutomationID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Stats.TotalExecutions)
		assert.Equal(t, int64(0), got.Stats.FailedExecutions)
		assert.Equal(t, int64(0), got.Stats.SuccessfulExecutions)
	})
}

// cancellingHandler cancels the run it is executing through target, as an
// operator would from the API while the action is in flight.
func cancellingHandler(t *testing.T, calls *callLog, target func() *Coordinator) protocol.ActionHandlerFunc {
	return func(ctx context.Context, _ map[string]any, run protocol.RunContext) (map[string]any, error) {
		calls.record(run.ActionID)
		assert.NoError(t, target().Cancel(ctx, run.RunID))

		return map[string]any{"score": 80}, nil
	}
}

func TestCoordinator_CancelWhileStepRuns(t *testing.T) {
	ctx := context.Background()

	t.Run("from the same process", func(t *testing.T) {
		var f *fixture

		calls := newCallLog()
		f = newFixture(t, map[models.ActionType]protocol.ActionHandlerFunc{
			models.ActionLogActivity: cancellingHandler(t, calls, func() *Coordinator { return f.coordinator }),
		})

		automation := flatAutomation("scoring", logAction("score"), tagAction("after", 1))
		f.save(t, automation)

		run, err := f.coordinator.Execute(ctx, request(automation, nil))
		require.NoError(t, err)

		assert.Equal(t, models.RunCancelled, run.Status)
		assert.Equal(t, 1, calls.count("score"))
		assert.Equal(t, 0, f.calls.count("after"))

		stored := f.run(t, run.ID)
		assert.Equal(t, models.RunCancelled, stored.Status)
		require.NotNil(t, stored.Error)
		assert.Equal(t, CodeCancelled, stored.Error.Code)

		got, err := f.store.AutomationRepository().GetByID(ctx, automation.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Stats.TotalExecutions)
		assert.Equal(t, int64(0), got.Stats.SuccessfulExecutions)
		assert.Equal(t, int64(0), got.Stats.FailedExecutions)

		assert.Equal(t, 1, f.publisher.ofType(events.RunCancelledEvent))
		assert.Equal(t, 0, f.publisher.ofType(events.RunSucceededEvent))
	})

	t.Run("before a long wait", func(t *testing.T) {
		var other *Coordinator

		calls := newCallLog()
		f := newFixture(t, map[models.ActionType]protocol.ActionHandlerFunc{
			models.ActionLogActivity: cancellingHandler(t, calls, func() *Coordinator { return other }),
		})
		other = f.newCoordinator(t, nil)

		pause := &models.Action{ID: "pause", Type: models.ActionWait, Order: 1, Config: map[string]any{"duration": 3, "unit": "days"}}
		automation := flatAutomation("nurture", logAction("score"), pause, tagAction("after", 2))
		f.save(t, automation)

		run, err := f.coordinator.Execute(ctx, request(automation, nil))
		require.NoError(t, err)

		assert.Equal(t, models.RunCancelled, run.Status)
		assert.Nil(t, run.NextWakeAt)
		assert.Equal(t, models.RunCancelled, f.run(t, run.ID).Status)
		assert.Equal(t, 0, f.calls.count("after"))
	})

	t.Run("while parked on wait_until", func(t *testing.T) {
		f := newFixture(t, nil)

		automation := workflowAutomation("follow-up", waitForReplyWorkflow())
		f.save(t, automation)

		run, err := f.coordinator.Execute(ctx, request(automation, nil))
		require.NoError(t, err)
		require.Equal(t, models.RunWaiting, run.Status)

		require.NoError(t, f.store.RunRepository().RequestCancel(ctx, run.ID))

		_, err = f.coordinator.WakeDue(ctx)
		require.NoError(t, err)

		assert.Equal(t, models.RunCancelled, f.run(t, run.ID).Status)
		assert.Equal(t, 0, f.calls.count("done-log"))
	})
}

func TestCoordinator_CorrelationGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	automation := workflowAutomation("follow-up", waitForReplyWorkflow())
	automation.CorrelationKey = "contact.id"
	f.save(t, automation)

	payload := map[string]any{"contact": map[string]any{"id": "c-1"}}

	first, err := f.coordinator.Execute(ctx, request(automation, payload))
	require.NoError(t, err)
	require.Equal(t, models.RunWaiting, first.Status)

	_, err = f.coordinator.Start(ctx, request(automation, payload))
	assert.ErrorIs(t, err, ErrDuplicateRun)

	other, err := f.coordinator.Start(ctx, request(automation, map[string]any{"contact": map[string]any{"id": "c-2"}}))
	require.NoError(t, err)
	assert.Equal(t, "c-2", other.CorrelationValue)

	t.Run("concurrent creation is refused", func(t *testing.T) {
		key := lease.CorrelationKey(automation.ID, "c-3")
		acquired, err := f.leaser.Acquire(ctx, key, "other-worker", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		_, err = f.coordinator.Start(ctx, request(automation, map[string]any{"contact": map[string]any{"id": "c-3"}}))
		assert.ErrorIs(t, err, ErrCorrelationBusy)
	})
}

func TestCoordinator_DeletedAutomationFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	automation := flatAutomation("gone", tagAction("a1", 0))
	f.save(t, automation)

	run, err := f.coordinator.Start(ctx, request(automation, nil))
	require.NoError(t, err)

	require.NoError(t, f.store.AutomationRepository().Delete(ctx, automation.ID, baseTime))
	require.NoError(t, f.coordinator.Advance(ctx, f.publisher.continuations()[0]))

	stored := f.run(t, run.ID)
	assert.Equal(t, models.RunFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, CodeAutomationNotFound, stored.Error.Code)
}
