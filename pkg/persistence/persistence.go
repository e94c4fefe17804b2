// Package persistence provides the storage abstraction for automations, runs
// and schedule state.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/autoflow/pkg/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Persistence interface {
	AutomationRepository() AutomationRepository
	RunRepository() RunRepository
	ScheduleRepository() ScheduleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// AutomationRepository stores automation definitions and their run rollups.
// Soft-deleted automations are invisible to every read.
type AutomationRepository interface {
	Save(ctx context.Context, automation *models.Automation) error
	GetByID(ctx context.Context, id string) (*models.Automation, error)
	// ActiveByOrganization returns the active automations of an organization,
	// limited to triggerType unless it is empty.
	ActiveByOrganization(ctx context.Context, organizationID string, triggerType models.TriggerType) ([]*models.Automation, error)
	ActiveScheduled(ctx context.Context) ([]*models.Automation, error)
	List(ctx context.Context, organizationID string, offset, limit int) ([]*models.Automation, int, error)
	Delete(ctx context.Context, id string, at time.Time) error
	// RecordRunResult increments the execution counters atomically. Every
	// terminal run counts towards the total; only succeeded and failed runs
	// move their own counters. LastExecutedAt never moves backwards.
	RecordRunResult(ctx context.Context, id string, status models.RunStatus, at time.Time) error
}

type RunRepository interface {
	// Save upserts run. Creating a second run for the same automation and
	// event fails with ErrRunExists.
	Save(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)
	// ByEvent returns the run an event started for an automation, or nil.
	ByEvent(ctx context.Context, automationID, eventID string) (*models.Run, error)
	// ListByAutomation pages through runs newest first. Page is 1-based.
	ListByAutomation(ctx context.Context, automationID string, page, limit int) (*models.RunPage, error)
	ByStatus(ctx context.Context, statuses ...models.RunStatus) ([]*models.Run, error)
	// DueForWake returns waiting runs whose next wake time is at or before
	// now, and waiting runs with a pending cancel request.
	DueForWake(ctx context.Context, now time.Time) ([]*models.Run, error)
	// ActiveByCorrelation returns the non-terminal run of an automation for a
	// correlation value, or nil.
	ActiveByCorrelation(ctx context.Context, automationID, value string) (*models.Run, error)
	WaitingByCorrelation(ctx context.Context, automationID, value string) ([]*models.Run, error)
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}

type ScheduleRepository interface {
	Save(ctx context.Context, state *models.ScheduleState) error
	Get(ctx context.Context, automationID string) (*models.ScheduleState, error)
	Due(ctx context.Context, now time.Time) ([]*models.ScheduleState, error)
	All(ctx context.Context) ([]*models.ScheduleState, error)
	Delete(ctx context.Context, automationID string) error
}

// NormalizePage clamps paging input to a 1-based page and a bounded limit.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}

	if limit < 1 {
		limit = DefaultPageSize
	}

	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	return page, limit
}

// ActiveStatuses are the run statuses that still hold a correlation value.
func ActiveStatuses() []models.RunStatus {
	return []models.RunStatus{models.RunPending, models.RunRunning, models.RunWaiting}
}
