// Package scheduler fires scheduled automations. It keeps one ScheduleState
// per active scheduled automation and polls for the ones that are due.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/lease"
	"github.com/dukex/autoflow/pkg/metrics"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

const DefaultInterval = time.Minute

// LeaderKey is the lease held by the replica allowed to fire schedules.
const LeaderKey = "scheduler:leader"

type Scheduler struct {
	automations persistence.AutomationRepository
	schedules   persistence.ScheduleRepository
	publisher   eventbus.EventPublisher
	clock       clockwork.Clock
	metrics     *metrics.Collector
	interval    time.Duration
	leaser      lease.Leaser
	owner       string
	logger      *slog.Logger
}

type Option func(*Scheduler)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Scheduler) {
		s.metrics = collector
	}
}

// WithInterval sets how often Start polls for due schedules.
func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLeader makes replicas take turns: a poll runs only while owner holds
// LeaderKey.
func WithLeader(leaser lease.Leaser, owner string) Option {
	return func(s *Scheduler) {
		s.leaser = leaser
		s.owner = owner
	}
}

func New(p persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		automations: p.AutomationRepository(),
		schedules:   p.ScheduleRepository(),
		publisher:   publisher,
		clock:       clockwork.NewRealClock(),
		interval:    DefaultInterval,
		logger:      logger.With("module", "scheduler"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start polls until ctx is done. Each poll reconciles state and then fires
// what is due.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting scheduler", "interval", s.interval)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Scheduler stopped")

			return nil
		case <-ticker.Chan():
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	if s.leaser != nil {
		leader, err := s.leaser.Acquire(ctx, LeaderKey, s.owner, 2*s.interval)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to acquire scheduler lease", "error", err)

			return
		}

		if !leader {
			s.logger.DebugContext(ctx, "Another scheduler is leading, skipping poll")

			return
		}
	}

	if err := s.Sync(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Failed to sync schedules", "error", err)
	}

	if _, err := s.Tick(ctx, s.clock.Now()); err != nil {
		s.logger.ErrorContext(ctx, "Failed to fire due schedules", "error", err)
	}
}

// Sync creates state for new scheduled automations, recomputes state whose
// schedule changed and drops state whose automation is gone or inactive.
func (s *Scheduler) Sync(ctx context.Context) error {
	automations, err := s.automations.ActiveScheduled(ctx)
	if err != nil {
		return err
	}

	states, err := s.schedules.All(ctx)
	if err != nil {
		return err
	}

	existing := make(map[string]*models.ScheduleState, len(states))
	for _, state := range states {
		existing[state.AutomationID] = state
	}

	now := s.clock.Now()
	live := make(map[string]bool, len(automations))

	var errs []error

	for _, automation := range automations {
		schedule := automation.Trigger.Schedule
		if !automation.Runnable() || schedule == nil {
			continue
		}

		live[automation.ID] = true

		fingerprint := schedule.Fingerprint()

		state, ok := existing[automation.ID]
		if ok && state.Fingerprint == fingerprint {
			continue
		}

		if !ok {
			state = &models.ScheduleState{AutomationID: automation.ID}
		}

		state.OrganizationID = automation.OrganizationID
		state.Fingerprint = fingerprint
		state.UpdatedAt = now

		next, found, err := NextFireTime(schedule, now)
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping invalid schedule", "automation_id", automation.ID, "error", err)

			continue
		}

		state.NextFireAt = nil
		if found {
			state.NextFireAt = &next
		}

		if err := s.schedules.Save(ctx, state); err != nil {
			errs = append(errs, err)

			continue
		}

		s.logger.InfoContext(ctx, "Schedule synced",
			"automation_id", automation.ID,
			"next_fire_at", state.NextFireAt)
	}

	for id := range existing {
		if live[id] {
			continue
		}

		if err := s.schedules.Delete(ctx, id); err != nil {
			errs = append(errs, err)

			continue
		}

		s.logger.InfoContext(ctx, "Schedule removed", "automation_id", id)
	}

	return errors.Join(errs...)
}

// Tick fires every state due at now and returns how many fired. A backlog of
// missed fire times fires once; the next fire time is always after now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.schedules.Due(ctx, now)
	if err != nil {
		return 0, err
	}

	if len(due) > 0 {
		s.logger.DebugContext(ctx, "Processing due schedules", "count", len(due))
	}

	fired := 0

	var errs []error

	for _, state := range due {
		ok, err := s.fire(ctx, state, now)
		if err != nil {
			errs = append(errs, err)
		}

		if ok {
			fired++
		}
	}

	return fired, errors.Join(errs...)
}

func (s *Scheduler) fire(ctx context.Context, state *models.ScheduleState, now time.Time) (bool, error) {
	automation, err := s.automations.GetByID(ctx, state.AutomationID)
	if err != nil && !persistence.IsAutomationNotFound(err) {
		return false, err
	}

	if automation == nil || !automation.Runnable() || automation.Trigger.Schedule == nil {
		s.logger.InfoContext(ctx, "Dropping schedule of unavailable automation", "automation_id", state.AutomationID)

		return false, s.schedules.Delete(ctx, state.AutomationID)
	}

	schedule := automation.Trigger.Schedule
	fireAt := *state.NextFireAt
	fired := false

	if schedule.Fingerprint() == state.Fingerprint {
		event := events.NewScheduleFired(state.OrganizationID, state.AutomationID, fireAt, now)
		if err := s.publisher.Publish(ctx, state.AutomationID, event); err != nil {
			s.logger.ErrorContext(ctx, "Failed to publish schedule event",
				"automation_id", state.AutomationID,
				"error", err)

			return false, err
		}

		s.metrics.ScheduleFired()
		state.LastFiredAt = &fireAt
		fired = true

		s.logger.InfoContext(ctx, "Schedule fired",
			"automation_id", state.AutomationID,
			"fire_at", fireAt)
	} else {
		// Edited since the state was computed; the old fire time no longer applies.
		state.Fingerprint = schedule.Fingerprint()
	}

	next, found, err := NextFireTime(schedule, now)
	if err != nil {
		return false, err
	}

	state.NextFireAt = nil
	if found {
		state.NextFireAt = &next
	}

	state.UpdatedAt = now

	if err := s.schedules.Save(ctx, state); err != nil {
		return false, err
	}

	return fired, nil
}
