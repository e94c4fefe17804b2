package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/lease"
	"github.com/dukex/autoflow/pkg/metrics"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultLeaseTTL = 5 * time.Minute

var errCancelRequested = errors.New("cancel requested")

// ContextRefresher fetches fresh data for a run parked on a wait_until
// connection. The result is merged into the run's live data before the
// condition is evaluated again.
type ContextRefresher interface {
	Refresh(ctx context.Context, run *models.Run) (map[string]any, error)
}

// Coordinator owns run creation, persistence after every step and the
// rollup counters. Each run is written only by the holder of its lease.
type Coordinator struct {
	automations persistence.AutomationRepository
	runs        persistence.RunRepository
	runner      *Runner
	publisher   eventbus.EventPublisher
	leaser      lease.Leaser
	clock       clockwork.Clock
	refresher   ContextRefresher
	metrics     *metrics.Collector
	tracer      trace.Tracer
	owner       string
	leaseTTL    time.Duration
	logger      *slog.Logger
}

type CoordinatorOption func(*Coordinator)

func WithClock(clock clockwork.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

func WithRefresher(refresher ContextRefresher) CoordinatorOption {
	return func(c *Coordinator) {
		c.refresher = refresher
	}
}

func WithMetrics(collector *metrics.Collector) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = collector
	}
}

func WithTracer(tracer trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

// WithOwner names this process in the leases it takes.
func WithOwner(owner string) CoordinatorOption {
	return func(c *Coordinator) {
		c.owner = owner
	}
}

func WithLeaseTTL(ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.leaseTTL = ttl
	}
}

func NewCoordinator(
	p persistence.Persistence,
	runner *Runner,
	publisher eventbus.EventPublisher,
	leaser lease.Leaser,
	logger *slog.Logger,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		automations: p.AutomationRepository(),
		runs:        p.RunRepository(),
		runner:      runner,
		publisher:   publisher,
		leaser:      leaser,
		clock:       clockwork.NewRealClock(),
		tracer:      otelhelper.NoopTracer(),
		owner:       "coordinator-" + newID(),
		leaseTTL:    DefaultLeaseTTL,
		logger:      logger.With("module", "coordinator"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start creates a run for req and queues its first step on the bus.
func (c *Coordinator) Start(ctx context.Context, req models.ExecutionRequest) (*models.Run, error) {
	run, err := c.create(ctx, req)
	if err != nil {
		return nil, err
	}

	c.publishContinuations(ctx, run, run.Cursors)

	return run, nil
}

// Execute creates a run for req and drives it inline until it finishes or
// suspends.
func (c *Coordinator) Execute(ctx context.Context, req models.ExecutionRequest) (*models.Run, error) {
	run, err := c.create(ctx, req)
	if err != nil {
		return nil, err
	}

	return c.Drive(ctx, run.ID)
}

func (c *Coordinator) create(ctx context.Context, req models.ExecutionRequest) (*models.Run, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "run.start",
		attribute.String(otelhelper.AutomationIDKey, req.AutomationID),
		attribute.String(otelhelper.OrganizationIDKey, req.OrganizationID),
		attribute.String(otelhelper.TriggerTypeKey, string(req.TriggerType)),
		attribute.String(otelhelper.EventIDKey, req.EventID),
	)
	defer span.End()

	automation, err := c.automations.GetByID(ctx, req.AutomationID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if !automation.Runnable() {
		return nil, fmt.Errorf("%w: %s", ErrAutomationInactive, automation.ID)
	}

	graph, err := automation.ExecutionGraph()
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if req.EventID != "" {
		existing, err := c.runs.ByEvent(ctx, automation.ID, req.EventID)
		if err != nil {
			return nil, err
		}

		if existing != nil {
			return nil, fmt.Errorf("%w: run %s", persistence.ErrRunExists, existing.ID)
		}
	}

	if automation.CorrelationKey != "" && req.CorrelationValue != "" {
		key := lease.CorrelationKey(automation.ID, req.CorrelationValue)

		token := c.leaseToken()

		acquired, err := c.leaser.Acquire(ctx, key, token, c.leaseTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire correlation lease: %w", err)
		}

		if !acquired {
			return nil, ErrCorrelationBusy
		}

		defer c.release(ctx, key, token)

		active, err := c.runs.ActiveByCorrelation(ctx, automation.ID, req.CorrelationValue)
		if err != nil {
			return nil, err
		}

		if active != nil {
			return nil, fmt.Errorf("%w: run %s", ErrDuplicateRun, active.ID)
		}
	}

	now := c.clock.Now()
	run := models.NewRun(newID(), req, graph.InitialStepID(), newID(), newID(), now)

	if err := c.runs.Save(ctx, run); err != nil {
		if persistence.IsRunExists(err) {
			return nil, err
		}

		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	span.SetAttributes(attribute.String(otelhelper.RunIDKey, run.ID))

	c.logger.InfoContext(ctx, "Run created",
		"run_id", run.ID, "automation_id", run.AutomationID, "event_id", run.EventID, "manual", run.Manual)
	c.metrics.RunStarted(string(run.TriggerType))
	c.publish(ctx, run.ID, events.NewRunStarted(run, now))

	return run, nil
}

// Advance handles one continuation message. Stale messages, whose cursor is
// gone or carries a newer token, are dropped.
func (c *Coordinator) Advance(ctx context.Context, continuation events.RunContinuation) error {
	var (
		run  *models.Run
		next []*models.Cursor
	)

	err := c.withRunLease(ctx, continuation.RunID, func() error {
		current, err := c.runs.Get(ctx, continuation.RunID)
		if err != nil {
			if persistence.IsRunNotFound(err) {
				c.logger.WarnContext(ctx, "Dropping continuation of unknown run", "run_id", continuation.RunID)

				return nil
			}

			return err
		}

		cursor, ok := current.Cursor(continuation.CursorID)
		if current.Status.Terminal() || !ok || cursor.Token != continuation.Token {
			c.logger.DebugContext(ctx, "Dropping stale continuation", "run_id", current.ID, "cursor_id", continuation.CursorID)

			return nil
		}

		next, err = c.advance(ctx, current, cursor.ID)
		if err != nil {
			return err
		}

		run = current

		return nil
	})
	if err != nil || run == nil {
		return err
	}

	c.publishContinuations(ctx, run, next)

	if run.Status.Terminal() {
		c.finalize(ctx, run)
	}

	return nil
}

// Drive advances every runnable cursor of a run inline until the run
// finishes or only suspended cursors remain.
func (c *Coordinator) Drive(ctx context.Context, runID string) (*models.Run, error) {
	var (
		run         *models.Run
		wasTerminal bool
	)

	err := c.withRunLease(ctx, runID, func() error {
		var err error

		run, err = c.runs.Get(ctx, runID)
		if err != nil {
			return err
		}

		wasTerminal = run.Status.Terminal()

		for !run.Status.Terminal() {
			runnable := run.RunnableCursors(c.clock.Now())
			if len(runnable) == 0 {
				return nil
			}

			if _, err := c.advance(ctx, run, runnable[0].ID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return run, err
	}

	if !wasTerminal && run.Status.Terminal() {
		c.finalize(ctx, run)
	}

	return run, nil
}

// advance runs one step of cursorID and persists the run. The caller holds
// the run lease.
func (c *Coordinator) advance(ctx context.Context, run *models.Run, cursorID string) ([]*models.Cursor, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "run.step",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.AutomationIDKey, run.AutomationID),
	)
	defer span.End()

	logger := c.logger.With("run_id", run.ID, "automation_id", run.AutomationID, "cursor_id", cursorID)

	requested, err := c.runs.CancelRequested(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	if requested {
		logger.InfoContext(ctx, "Cancelling run at step boundary")
		c.cancel(run)

		return nil, c.runs.Save(ctx, run)
	}

	automation, err := c.automations.GetByID(ctx, run.AutomationID)
	if err != nil {
		if !persistence.IsAutomationNotFound(err) {
			return nil, err
		}

		run.Fail(&models.RunError{Code: CodeAutomationNotFound, Message: err.Error()}, c.clock.Now())

		return nil, c.runs.Save(ctx, run)
	}

	graph, err := automation.ExecutionGraph()
	if err != nil {
		run.Fail(toRunError(err), c.clock.Now())

		return nil, c.runs.Save(ctx, run)
	}

	run.Transition(models.RunRunning, c.clock.Now())

	checkpoint := func(ctx context.Context, run *models.Run) error {
		run.UpdatedAt = c.clock.Now()

		if err := c.runs.Save(ctx, run); err != nil {
			return err
		}

		return c.checkCancel(ctx, run.ID)
	}

	outcome, err := c.runner.Step(ctx, run, graph, cursorID, checkpoint)
	if errors.Is(err, errCancelRequested) {
		logger.InfoContext(ctx, "Cancelling run between actions")
		c.cancel(run)

		return nil, c.runs.Save(ctx, run)
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if outcome.Err != nil {
		otelhelper.SetError(span, outcome.Err)
		logger.WarnContext(ctx, "Run failed", "error", outcome.Err)
	}

	run.Settle(c.clock.Now())

	if !run.Status.Terminal() {
		if err := c.checkCancel(ctx, run.ID); err != nil {
			if !errors.Is(err, errCancelRequested) {
				return nil, err
			}

			logger.InfoContext(ctx, "Cancelling run at step boundary")
			c.cancel(run)

			return nil, c.runs.Save(ctx, run)
		}
	}

	var runnable []*models.Cursor

	for _, id := range outcome.Runnable {
		if cursor, ok := run.Cursor(id); ok {
			cursor.Token = newID()
			runnable = append(runnable, cursor)
		}
	}

	span.SetAttributes(attribute.String(otelhelper.RunStatusKey, string(run.Status)))

	if err := c.runs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	return runnable, nil
}

// WakeDue queues the suspended cursors whose wait is over. wait_until
// cursors get their context refreshed first when a refresher is set.
// Waiting runs with a pending cancel request are cancelled instead.
func (c *Coordinator) WakeDue(ctx context.Context) (int, error) {
	now := c.clock.Now()

	due, err := c.runs.DueForWake(ctx, now)
	if err != nil {
		return 0, err
	}

	woken := 0

	for _, candidate := range due {
		var (
			woke        *models.Run
			wokeCursors []*models.Cursor
			cancelled   *models.Run
		)

		err := c.withRunLease(ctx, candidate.ID, func() error {
			run, err := c.runs.Get(ctx, candidate.ID)
			if err != nil {
				return err
			}

			if run.Status != models.RunWaiting {
				return nil
			}

			if err := c.checkCancel(ctx, run.ID); err != nil {
				if !errors.Is(err, errCancelRequested) {
					return err
				}

				c.logger.InfoContext(ctx, "Cancelling waiting run", "run_id", run.ID)
				c.cancel(run)
				cancelled = run

				return c.runs.Save(ctx, run)
			}

			var cursors []*models.Cursor

			for _, cursor := range run.Cursors {
				if !cursor.Suspended() || !cursor.Runnable(now) {
					continue
				}

				reason := "duration"

				if cursor.WaitConnectionID != "" {
					reason = "wait_until"
					c.refresh(ctx, run)
				}

				cursor.Token = newID()
				cursors = append(cursors, cursor)
				c.metrics.RunWoken(reason)
			}

			if len(cursors) == 0 {
				return nil
			}

			run.NextWakeAt = nil
			run.Transition(models.RunRunning, now)

			if err := c.runs.Save(ctx, run); err != nil {
				return err
			}

			woke, wokeCursors = run, cursors

			return nil
		})
		if err != nil && !errors.Is(err, ErrRunBusy) {
			c.logger.ErrorContext(ctx, "Failed to wake run", "run_id", candidate.ID, "error", err)
		}

		if err == nil && cancelled != nil {
			c.finalize(ctx, cancelled)
		}

		if woke != nil {
			c.publishContinuations(ctx, woke, wokeCursors)
			woken++
		}
	}

	return woken, nil
}

func (c *Coordinator) refresh(ctx context.Context, run *models.Run) {
	if c.refresher == nil {
		return
	}

	fresh, err := c.refresher.Refresh(ctx, run)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to refresh run context", "run_id", run.ID, "error", err)

		return
	}

	run.MergeLive(fresh)
}

// Signal merges data into the waiting runs of an automation sharing the
// correlation value and re-checks their wait_until connections now.
func (c *Coordinator) Signal(ctx context.Context, automationID, correlationValue string, data map[string]any) (int, error) {
	waiting, err := c.runs.WaitingByCorrelation(ctx, automationID, correlationValue)
	if err != nil {
		return 0, err
	}

	signalled := 0

	for _, candidate := range waiting {
		var (
			updated        *models.Run
			updatedCursors []*models.Cursor
		)

		err := c.withRunLease(ctx, candidate.ID, func() error {
			run, err := c.runs.Get(ctx, candidate.ID)
			if err != nil {
				return err
			}

			if run.Status.Terminal() {
				return nil
			}

			now := c.clock.Now()
			run.MergeLive(data)

			var cursors []*models.Cursor

			for _, cursor := range run.Cursors {
				if cursor.WaitConnectionID == "" {
					continue
				}

				cursor.NextCheckAt = &now
				cursor.Token = newID()
				cursors = append(cursors, cursor)
			}

			if len(cursors) > 0 {
				run.NextWakeAt = nil
				run.Transition(models.RunRunning, now)
			}

			run.UpdatedAt = now

			if err := c.runs.Save(ctx, run); err != nil {
				return err
			}

			updated, updatedCursors = run, cursors

			return nil
		})
		if err != nil {
			return signalled, err
		}

		if updated != nil {
			c.publishContinuations(ctx, updated, updatedCursors)
			signalled++
		}
	}

	return signalled, nil
}

// Cancel stops a run. A run nobody is advancing is cancelled right away;
// otherwise the request is recorded and honoured at the next step boundary.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	run, err := c.runs.Get(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, run.ID, run.Status)
	}

	var cancelled *models.Run

	err = c.withRunLease(ctx, runID, func() error {
		current, err := c.runs.Get(ctx, runID)
		if err != nil {
			return err
		}

		if current.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrRunFinished, current.ID, current.Status)
		}

		c.cancel(current)
		cancelled = current

		return c.runs.Save(ctx, current)
	})

	switch {
	case errors.Is(err, ErrRunBusy):
		c.logger.InfoContext(ctx, "Run is busy, cancellation requested", "run_id", runID)

		return c.runs.RequestCancel(ctx, runID)
	case err != nil:
		return err
	}

	c.finalize(ctx, cancelled)

	return nil
}

// checkCancel returns errCancelRequested when a cancellation is pending
// for runID.
func (c *Coordinator) checkCancel(ctx context.Context, runID string) error {
	requested, err := c.runs.CancelRequested(ctx, runID)
	if err != nil {
		return err
	}

	if requested {
		return errCancelRequested
	}

	return nil
}

func (c *Coordinator) cancel(run *models.Run) {
	run.Error = toRunError(&CancelledError{RunID: run.ID})
	run.Transition(models.RunCancelled, c.clock.Now())
}

// Recover queues the runnable cursors of runs left pending or running by a
// stopped worker.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	stranded, err := c.runs.ByStatus(ctx, models.RunPending, models.RunRunning)
	if err != nil {
		return 0, err
	}

	recovered := 0

	for _, candidate := range stranded {
		var (
			queued        *models.Run
			queuedCursors []*models.Cursor
		)

		err := c.withRunLease(ctx, candidate.ID, func() error {
			run, err := c.runs.Get(ctx, candidate.ID)
			if err != nil {
				return err
			}

			if run.Status.Terminal() {
				return nil
			}

			cursors := run.RunnableCursors(c.clock.Now())
			for _, cursor := range cursors {
				cursor.Token = newID()
			}

			if err := c.runs.Save(ctx, run); err != nil {
				return err
			}

			queued, queuedCursors = run, cursors

			return nil
		})
		if err != nil && !errors.Is(err, ErrRunBusy) {
			return recovered, err
		}

		if queued != nil {
			c.publishContinuations(ctx, queued, queuedCursors)
			recovered++
		}
	}

	c.logger.InfoContext(ctx, "Recovered runs", "count", recovered)

	return recovered, nil
}

// finalize rolls a terminal run into the automation counters and announces
// it.
func (c *Coordinator) finalize(ctx context.Context, run *models.Run) {
	completedAt := c.clock.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	if err := c.automations.RecordRunResult(ctx, run.AutomationID, run.Status, completedAt); err != nil {
		c.logger.ErrorContext(ctx, "Failed to record run result", "run_id", run.ID, "automation_id", run.AutomationID, "error", err)
	}

	c.metrics.RunFinished(string(run.Status), completedAt.Sub(run.StartedAt))
	c.publish(ctx, run.ID, events.NewRunFinished(run, c.clock.Now()))

	c.logger.InfoContext(ctx, "Run finished", "run_id", run.ID, "automation_id", run.AutomationID, "status", run.Status)
}

// withRunLease runs fn as the only writer of runID. Every call holds its own
// token, so two callers in one process exclude each other as well.
func (c *Coordinator) withRunLease(ctx context.Context, runID string, fn func() error) error {
	key := lease.RunKey(runID)
	token := c.leaseToken()

	acquired, err := c.leaser.Acquire(ctx, key, token, c.leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire run lease: %w", err)
	}

	if !acquired {
		return fmt.Errorf("%w: %s", ErrRunBusy, runID)
	}

	defer c.release(ctx, key, token)

	return fn()
}

func (c *Coordinator) leaseToken() string {
	return c.owner + ":" + newID()
}

func (c *Coordinator) release(ctx context.Context, key, token string) {
	if err := c.leaser.Release(context.WithoutCancel(ctx), key, token); err != nil {
		c.logger.WarnContext(ctx, "Failed to release lease", "key", key, "error", err)
	}
}

func (c *Coordinator) publishContinuations(ctx context.Context, run *models.Run, cursors []*models.Cursor) {
	now := c.clock.Now()

	for _, cursor := range cursors {
		c.publish(ctx, run.ID, events.NewRunContinuation(run, cursor, now))
	}
}

// publish logs failures instead of returning them: the run is already
// persisted and Recover or WakeDue will queue it again.
func (c *Coordinator) publish(ctx context.Context, key string, event eventbus.Event) {
	if c.publisher == nil {
		return
	}

	if err := c.publisher.Publish(ctx, key, event); err != nil {
		c.logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "key", key, "error", err)
	}
}
