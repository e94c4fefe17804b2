package file

import (
	"cmp"
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// AutomationRepository stores automations under <root>/automations.
type AutomationRepository struct {
	mu    sync.RWMutex
	store store
}

func NewAutomationRepository(root string) *AutomationRepository {
	return &AutomationRepository{store: store{dir: filepath.Join(root, "automations")}}
}

func (ar *AutomationRepository) Save(_ context.Context, automation *models.Automation) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	if err := ar.store.write(automation.ID, automation); err != nil {
		return persistence.NewAutomationError("Save", automation.ID, err)
	}

	return nil
}

func (ar *AutomationRepository) GetByID(_ context.Context, id string) (*models.Automation, error) {
	ar.mu.RLock()
	defer ar.mu.RUnlock()

	return ar.get(id)
}

func (ar *AutomationRepository) get(id string) (*models.Automation, error) {
	var automation models.Automation
	if err := ar.store.read(id, &automation, persistence.ErrAutomationNotFound); err != nil {
		return nil, persistence.NewAutomationError("GetByID", id, err)
	}

	if automation.DeletedAt != nil {
		return nil, persistence.NewAutomationError("GetByID", id, persistence.ErrAutomationNotFound)
	}

	return &automation, nil
}

func (ar *AutomationRepository) live() ([]*models.Automation, error) {
	items, err := all[models.Automation](ar.store)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(items, func(a *models.Automation) bool { return a.DeletedAt != nil }), nil
}

func (ar *AutomationRepository) ActiveByOrganization(_ context.Context, organizationID string, triggerType models.TriggerType) ([]*models.Automation, error) {
	ar.mu.RLock()
	defer ar.mu.RUnlock()

	items, err := ar.live()
	if err != nil {
		return nil, err
	}

	active := make([]*models.Automation, 0, len(items))

	for _, a := range items {
		if !a.IsActive || a.OrganizationID != organizationID {
			continue
		}

		if triggerType != "" && a.Trigger.Type != triggerType {
			continue
		}

		active = append(active, a)
	}

	sortByCreation(active)

	return active, nil
}

func (ar *AutomationRepository) ActiveScheduled(_ context.Context) ([]*models.Automation, error) {
	ar.mu.RLock()
	defer ar.mu.RUnlock()

	items, err := ar.live()
	if err != nil {
		return nil, err
	}

	scheduled := slices.DeleteFunc(items, func(a *models.Automation) bool {
		return !a.IsActive || a.Trigger.Type != models.TriggerScheduled
	})

	sortByCreation(scheduled)

	return scheduled, nil
}

func (ar *AutomationRepository) List(_ context.Context, organizationID string, offset, limit int) ([]*models.Automation, int, error) {
	ar.mu.RLock()
	defer ar.mu.RUnlock()

	items, err := ar.live()
	if err != nil {
		return nil, 0, err
	}

	items = slices.DeleteFunc(items, func(a *models.Automation) bool { return a.OrganizationID != organizationID })
	slices.SortFunc(items, func(a, b *models.Automation) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	total := len(items)
	if offset >= total {
		return []*models.Automation{}, total, nil
	}

	end := min(offset+limit, total)

	return items[offset:end], total, nil
}

func (ar *AutomationRepository) Delete(_ context.Context, id string, at time.Time) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	automation, err := ar.get(id)
	if err != nil {
		return err
	}

	automation.SoftDelete(at)

	if err := ar.store.write(id, automation); err != nil {
		return persistence.NewAutomationError("Delete", id, err)
	}

	return nil
}

// RecordRunResult increments counters under the write lock. Deleted
// automations still receive the result of runs that were in flight.
func (ar *AutomationRepository) RecordRunResult(_ context.Context, id string, status models.RunStatus, at time.Time) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	var automation models.Automation
	if err := ar.store.read(id, &automation, persistence.ErrAutomationNotFound); err != nil {
		return persistence.NewAutomationError("RecordRunResult", id, err)
	}

	automation.Stats.TotalExecutions++

	switch status {
	case models.RunSucceeded:
		automation.Stats.SuccessfulExecutions++
	case models.RunFailed:
		automation.Stats.FailedExecutions++
	}

	if last := automation.Stats.LastExecutedAt; last == nil || at.After(*last) {
		automation.Stats.LastExecutedAt = &at
	}

	if err := ar.store.write(id, &automation); err != nil {
		return persistence.NewAutomationError("RecordRunResult", id, err)
	}

	return nil
}

func sortByCreation(items []*models.Automation) {
	slices.SortFunc(items, func(a, b *models.Automation) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
}
