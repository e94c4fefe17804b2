package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/conditions"
	"github.com/dukex/autoflow/pkg/dispatcher"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var errInterrupted = errors.New("worker stopped while the action was in flight")

// ActionDispatcher executes one action. *dispatcher.Dispatcher implements it.
type ActionDispatcher interface {
	Execute(ctx context.Context, action *models.Action, run protocol.RunContext) dispatcher.Result
}

// Checkpoint persists the run between two actions of a step. An error stops
// the step where it is; the coordinator uses this to honour cancellation.
type Checkpoint func(ctx context.Context, run *models.Run) error

type OutcomeKind string

const (
	// OutcomeIdle means the cursor was not due and nothing changed.
	OutcomeIdle OutcomeKind = "idle"
	// OutcomeAdvanced means cursors moved to new steps and can run now.
	OutcomeAdvanced  OutcomeKind = "advanced"
	OutcomeSuspended OutcomeKind = "suspended"
	// OutcomeEnded means the cursor's path is over.
	OutcomeEnded  OutcomeKind = "ended"
	OutcomeFailed OutcomeKind = "failed"
)

// StepOutcome describes what one Step did. Runnable lists the cursors that
// can be advanced right away. Err is set when the run failed.
type StepOutcome struct {
	Kind     OutcomeKind
	Runnable []string
	Err      error
}

// Runner walks a run through its graph one step at a time. It mutates the
// run in memory; persisting it is the caller's job, except for the
// checkpoints taken around every dispatched action.
type Runner struct {
	dispatcher ActionDispatcher
	evaluator  *conditions.Evaluator
	clock      clockwork.Clock
	newID      func() string
	logger     *slog.Logger
}

func NewRunner(d ActionDispatcher, clock clockwork.Clock, logger *slog.Logger) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Runner{
		dispatcher: d,
		evaluator:  conditions.NewEvaluator(logger),
		clock:      clock,
		newID:      newID,
		logger:     logger.With("module", "runner"),
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// Step advances cursorID: it runs the remaining actions of the cursor's
// step and routes it onwards, or re-checks the wait_until it is parked on.
// The returned error is reserved for infrastructure failures; the run is
// then left as of its last checkpoint.
func (r *Runner) Step(ctx context.Context, run *models.Run, graph *models.Graph, cursorID string, checkpoint Checkpoint) (StepOutcome, error) {
	cursor, ok := run.Cursor(cursorID)
	if !ok {
		return StepOutcome{}, fmt.Errorf("%w: %s", ErrCursorNotFound, cursorID)
	}

	now := r.clock.Now()
	if !cursor.Runnable(now) {
		return StepOutcome{Kind: OutcomeIdle}, nil
	}

	if run.Forks == nil {
		run.Forks = make(map[string]*models.Fork)
	}

	if run.LoopRemaining == nil {
		run.LoopRemaining = make(map[string]int)
	}

	logger := r.logger.With("run_id", run.ID, "cursor_id", cursor.ID, "step_id", cursor.StepID)

	if cursor.WaitConnectionID != "" {
		return r.checkWait(run, graph, cursor, logger), nil
	}

	cursor.ResumeAt = nil

	step, ok := graph.Step(cursor.StepID)
	if !ok {
		return r.fail(run, &RoutingError{StepID: cursor.StepID}), nil
	}

	outcome, done, err := r.runActions(ctx, run, step, cursor, checkpoint, logger)
	if err != nil || done {
		return outcome, err
	}

	return r.route(run, graph, step, cursor, logger), nil
}

// runActions executes the step's actions from the cursor's position. done
// is true when the cursor must not be routed yet.
func (r *Runner) runActions(
	ctx context.Context,
	run *models.Run,
	step *models.WorkflowStep,
	cursor *models.Cursor,
	checkpoint Checkpoint,
	logger *slog.Logger,
) (StepOutcome, bool, error) {
	for cursor.ActionIndex < len(step.Actions) {
		action := step.Actions[cursor.ActionIndex]
		data := run.Data()
		started := r.clock.Now()

		result := models.StepResult{StepID: step.ID, ActionID: action.ID, ActionType: action.Type, StartedAt: started}

		if cursor.InFlight && !action.Type.Idempotent() {
			cursor.InFlight = false
			result.Status = models.StepFailed
			result.PossiblyApplied = true
			result.Error = errInterrupted.Error()
			result.FinishedAt = started
			run.Steps = append(run.Steps, result)

			return r.fail(run, &ActionFailedError{
				StepID: step.ID, ActionID: action.ID, ActionType: action.Type,
				Err: protocol.PossiblyApplied(protocol.Terminal(errInterrupted)),
			}), true, nil
		}

		if cursor.InFlight {
			logger.WarnContext(ctx, "Dispatching interrupted action again", "action_id", action.ID, "action_type", action.Type)
		}

		if !r.evaluator.EvaluateAll(action.Conditions, data) {
			result.Status = models.StepSkipped
			result.FinishedAt = started
			run.Steps = append(run.Steps, result)
			cursor.ActionIndex++
			cursor.InFlight = false

			if err := checkpoint(ctx, run); err != nil {
				return StepOutcome{}, true, err
			}

			continue
		}

		switch action.Type {
		case models.ActionWait:
			decoded, err := models.DecodeActionConfig(action.Type, action.Config)
			if err != nil {
				return r.failAction(run, result, err, 0), true, nil
			}

			resumeAt := started.Add(decoded.(*models.WaitConfig).Interval())
			cursor.ResumeAt = &resumeAt
			cursor.ActionIndex++

			r.succeed(run, result, map[string]any{"resume_at": resumeAt}, 0, started)
			logger.DebugContext(ctx, "Cursor waiting", "resume_at", resumeAt)

			return StepOutcome{Kind: OutcomeSuspended}, true, nil

		case models.ActionConditional:
			decoded, err := models.DecodeActionConfig(action.Type, action.Config)
			if err != nil {
				return r.failAction(run, result, err, 0), true, nil
			}

			cfg := decoded.(*models.ConditionalConfig)
			holds := r.evaluator.EvaluateAll(cfg.Conditions, data)
			cursor.ActionIndex++

			r.succeed(run, result, map[string]any{"result": holds}, 0, started)

			if !holds && cfg.HaltOnFalse {
				logger.DebugContext(ctx, "Conditional halted the path", "action_id", action.ID)

				return r.endPath(run, cursor), true, nil
			}

		default:
			cursor.InFlight = true

			if err := checkpoint(ctx, run); err != nil {
				return StepOutcome{}, true, err
			}

			dispatched := r.dispatcher.Execute(ctx, action, protocol.RunContext{
				RunID:          run.ID,
				AutomationID:   run.AutomationID,
				OrganizationID: run.OrganizationID,
				StepID:         step.ID,
				ActionID:       action.ID,
				Data:           data,
			})

			if dispatched.Failed() && ctx.Err() != nil {
				return StepOutcome{}, true, ctx.Err()
			}

			cursor.InFlight = false

			if dispatched.Failed() {
				result.PossiblyApplied = dispatched.PossiblyApplied

				return r.failAction(run, result, dispatched.Err, dispatched.Attempts), true, nil
			}

			cursor.ActionIndex++
			r.succeed(run, result, dispatched.Output, dispatched.Attempts, started)
		}

		if err := checkpoint(ctx, run); err != nil {
			return StepOutcome{}, true, err
		}
	}

	return StepOutcome{}, false, nil
}

func (r *Runner) succeed(run *models.Run, result models.StepResult, output map[string]any, attempts int, started time.Time) {
	result.Status = models.StepSucceeded
	result.Output = output
	result.Attempts = attempts
	result.FinishedAt = r.clock.Now()

	if result.FinishedAt.Before(started) {
		result.FinishedAt = started
	}

	run.Steps = append(run.Steps, result)
	run.RecordOutput(result.StepID, result.ActionID, output)
}

func (r *Runner) failAction(run *models.Run, result models.StepResult, err error, attempts int) StepOutcome {
	result.Status = models.StepFailed
	result.Error = err.Error()
	result.Attempts = attempts
	result.FinishedAt = r.clock.Now()
	run.Steps = append(run.Steps, result)

	return r.fail(run, &ActionFailedError{
		StepID:     result.StepID,
		ActionID:   result.ActionID,
		ActionType: result.ActionType,
		Attempts:   attempts,
		Err:        err,
	})
}

func (r *Runner) fail(run *models.Run, err error) StepOutcome {
	run.Fail(toRunError(err), r.clock.Now())

	return StepOutcome{Kind: OutcomeFailed, Err: err}
}

// route picks where the cursor goes once its step's actions are done.
// Precedence: loop, wait_until, parallel, branch, sequence.
func (r *Runner) route(run *models.Run, graph *models.Graph, step *models.WorkflowStep, cursor *models.Cursor, logger *slog.Logger) StepOutcome {
	if step.IsEndStep {
		return r.endPath(run, cursor)
	}

	data := run.Data()
	now := r.clock.Now()

	var (
		parallel  []*models.WorkflowConnection
		branches  []*models.WorkflowConnection
		sequence  *models.WorkflowConnection
		waitUntil *models.WorkflowConnection
	)

	for _, conn := range graph.Outgoing(step.ID) {
		switch conn.Type {
		case models.ConnectionLoop:
			if !r.evaluator.EvaluateAll(conn.Conditions, data) {
				delete(run.LoopRemaining, conn.ID)

				continue
			}

			remaining, seen := run.LoopRemaining[conn.ID]
			if !seen {
				remaining = conn.IterationLimit()
			}

			if remaining <= 0 {
				return r.fail(run, &LoopExhaustedError{StepID: step.ID, ConnectionID: conn.ID, Limit: conn.IterationLimit()})
			}

			run.LoopRemaining[conn.ID] = remaining - 1

			return r.enter(run, cursor, conn.TargetStepID)
		case models.ConnectionWaitUntil:
			waitUntil = conn
		case models.ConnectionParallel:
			parallel = append(parallel, conn)
		case models.ConnectionBranch:
			branches = append(branches, conn)
		case models.ConnectionSequence:
			sequence = conn
		}
	}

	if waitUntil != nil {
		if r.evaluator.EvaluateAll(waitUntil.Conditions, data) {
			return r.enter(run, cursor, waitUntil.TargetStepID)
		}

		deadline := now.Add(waitUntil.MaxWait())
		cursor.WaitConnectionID = waitUntil.ID
		cursor.WaitDeadline = &deadline
		cursor.NextCheckAt = nextCheck(now, waitUntil, deadline)

		return StepOutcome{Kind: OutcomeSuspended}
	}

	if len(parallel) > 0 {
		return r.fork(run, graph, step, cursor, parallel)
	}

	for _, conn := range branches {
		if r.evaluator.EvaluateAll(conn.Conditions, data) {
			return r.enter(run, cursor, conn.TargetStepID)
		}
	}

	if sequence != nil {
		return r.enter(run, cursor, sequence.TargetStepID)
	}

	if len(branches) > 0 {
		return r.fail(run, &RoutingError{StepID: step.ID})
	}

	logger.Warn("Step has no outgoing route, ending its path")

	return r.endPath(run, cursor)
}

// checkWait re-evaluates the wait_until connection a cursor is parked on.
func (r *Runner) checkWait(run *models.Run, graph *models.Graph, cursor *models.Cursor, logger *slog.Logger) StepOutcome {
	conn, ok := graph.Connection(cursor.WaitConnectionID)
	if !ok {
		return r.fail(run, &RoutingError{StepID: cursor.StepID})
	}

	if r.evaluator.EvaluateAll(conn.Conditions, run.Data()) {
		logger.Debug("wait_until condition holds", "connection_id", conn.ID)

		return r.enter(run, cursor, conn.TargetStepID)
	}

	now := r.clock.Now()

	deadline := now.Add(conn.MaxWait())
	if cursor.WaitDeadline != nil {
		deadline = *cursor.WaitDeadline
	}

	if !now.Before(deadline) {
		return r.fail(run, &WaitTimeoutError{StepID: cursor.StepID, ConnectionID: conn.ID, MaxWait: conn.MaxWait()})
	}

	cursor.NextCheckAt = nextCheck(now, conn, deadline)

	return StepOutcome{Kind: OutcomeSuspended}
}

func nextCheck(now time.Time, conn *models.WorkflowConnection, deadline time.Time) *time.Time {
	next := now.Add(conn.PollInterval())
	if next.After(deadline) {
		next = deadline
	}

	return &next
}

// enter moves the cursor onto target, or into its fork's join.
func (r *Runner) enter(run *models.Run, cursor *models.Cursor, target string) StepOutcome {
	if cursor.ForkID != "" {
		if fork, ok := run.Forks[cursor.ForkID]; ok && fork.JoinStepID == target {
			fork.Arrived++
			run.RemoveCursor(cursor.ID)

			return r.settleFork(run, fork)
		}
	}

	cursor.StepID = target
	cursor.ActionIndex = 0
	cursor.InFlight = false
	cursor.ResumeAt = nil
	cursor.WaitConnectionID = ""
	cursor.WaitDeadline = nil
	cursor.NextCheckAt = nil

	return StepOutcome{Kind: OutcomeAdvanced, Runnable: []string{cursor.ID}}
}

func (r *Runner) fork(
	run *models.Run,
	graph *models.Graph,
	step *models.WorkflowStep,
	cursor *models.Cursor,
	parallel []*models.WorkflowConnection,
) StepOutcome {
	fork := &models.Fork{
		ID:           r.newID(),
		SourceStepID: step.ID,
		JoinStepID:   graph.JoinStepID(step.ID),
		ParentForkID: cursor.ForkID,
		Expected:     len(parallel),
	}

	run.Forks[fork.ID] = fork
	run.RemoveCursor(cursor.ID)

	outcome := StepOutcome{Kind: OutcomeAdvanced}

	for _, conn := range parallel {
		branch := &models.Cursor{ID: r.newID(), StepID: conn.TargetStepID, ForkID: fork.ID}
		run.Cursors = append(run.Cursors, branch)

		entered := r.enter(run, branch, conn.TargetStepID)
		outcome.Runnable = append(outcome.Runnable, entered.Runnable...)
	}

	return outcome
}

// endPath retires a cursor whose path is over.
func (r *Runner) endPath(run *models.Run, cursor *models.Cursor) StepOutcome {
	run.RemoveCursor(cursor.ID)

	if cursor.ForkID == "" {
		return StepOutcome{Kind: OutcomeEnded}
	}

	return r.endBranch(run, cursor.ForkID)
}

func (r *Runner) endBranch(run *models.Run, forkID string) StepOutcome {
	fork, ok := run.Forks[forkID]
	if !ok {
		return StepOutcome{Kind: OutcomeEnded}
	}

	fork.Ended++

	return r.settleFork(run, fork)
}

// settleFork continues at the join once every branch arrived or ended. A
// fork whose branches all ended without arriving ends its own path.
func (r *Runner) settleFork(run *models.Run, fork *models.Fork) StepOutcome {
	if !fork.Complete() {
		return StepOutcome{Kind: OutcomeEnded}
	}

	delete(run.Forks, fork.ID)

	if fork.Arrived == 0 || fork.JoinStepID == "" {
		if fork.ParentForkID == "" {
			return StepOutcome{Kind: OutcomeEnded}
		}

		return r.endBranch(run, fork.ParentForkID)
	}

	joined := &models.Cursor{ID: r.newID(), StepID: fork.SourceStepID, ForkID: fork.ParentForkID}
	run.Cursors = append(run.Cursors, joined)

	return r.enter(run, joined, fork.JoinStepID)
}
