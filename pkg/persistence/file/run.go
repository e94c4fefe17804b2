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

// RunRepository stores runs under <root>/runs and cancel requests as marker
// files under <root>/cancellations.
type RunRepository struct {
	mu      sync.RWMutex
	store   store
	cancels store
}

func NewRunRepository(root string) *RunRepository {
	return &RunRepository{
		store:   store{dir: filepath.Join(root, "runs")},
		cancels: store{dir: filepath.Join(root, "cancellations")},
	}
}

func (rr *RunRepository) Save(_ context.Context, run *models.Run) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if run.EventID != "" && !rr.store.exists(run.ID) {
		existing, err := rr.byEvent(run.AutomationID, run.EventID)
		if err != nil {
			return persistence.NewRunError("Save", run.ID, err)
		}

		if existing != nil {
			return persistence.NewRunError("Save", run.ID, persistence.ErrRunExists)
		}
	}

	if err := rr.store.write(run.ID, run); err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	if run.Status.Terminal() {
		if err := rr.cancels.remove(run.ID); err != nil {
			return persistence.NewRunError("Save", run.ID, err)
		}
	}

	return nil
}

func (rr *RunRepository) Get(_ context.Context, id string) (*models.Run, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	var run models.Run
	if err := rr.store.read(id, &run, persistence.ErrRunNotFound); err != nil {
		return nil, persistence.NewRunError("Get", id, err)
	}

	return &run, nil
}

func (rr *RunRepository) ByEvent(_ context.Context, automationID, eventID string) (*models.Run, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	return rr.byEvent(automationID, eventID)
}

// byEvent expects the caller to hold the lock.
func (rr *RunRepository) byEvent(automationID, eventID string) (*models.Run, error) {
	runs, err := all[models.Run](rr.store)
	if err != nil {
		return nil, err
	}

	for _, r := range runs {
		if r.AutomationID == automationID && r.EventID == eventID {
			return r, nil
		}
	}

	return nil, nil
}

func (rr *RunRepository) filter(keep func(*models.Run) bool) ([]*models.Run, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	runs, err := all[models.Run](rr.store)
	if err != nil {
		return nil, err
	}

	runs = slices.DeleteFunc(runs, func(r *models.Run) bool { return !keep(r) })
	slices.SortFunc(runs, func(a, b *models.Run) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.ID, b.ID))
	})

	return runs, nil
}

func (rr *RunRepository) ListByAutomation(_ context.Context, automationID string, page, limit int) (*models.RunPage, error) {
	page, limit = persistence.NormalizePage(page, limit)

	runs, err := rr.filter(func(r *models.Run) bool { return r.AutomationID == automationID })
	if err != nil {
		return nil, err
	}

	slices.Reverse(runs)

	result := &models.RunPage{Executions: []*models.Run{}, Total: len(runs), Page: page, Limit: limit}

	offset := (page - 1) * limit
	if offset < len(runs) {
		result.Executions = runs[offset:min(offset+limit, len(runs))]
	}

	return result, nil
}

func (rr *RunRepository) ByStatus(_ context.Context, statuses ...models.RunStatus) ([]*models.Run, error) {
	return rr.filter(func(r *models.Run) bool { return slices.Contains(statuses, r.Status) })
}

func (rr *RunRepository) DueForWake(_ context.Context, now time.Time) ([]*models.Run, error) {
	return rr.filter(func(r *models.Run) bool {
		if r.Status != models.RunWaiting {
			return false
		}

		return (r.NextWakeAt != nil && !r.NextWakeAt.After(now)) || rr.cancels.exists(r.ID)
	})
}

func (rr *RunRepository) ActiveByCorrelation(_ context.Context, automationID, value string) (*models.Run, error) {
	runs, err := rr.filter(func(r *models.Run) bool {
		return r.AutomationID == automationID && r.CorrelationValue == value && !r.Status.Terminal()
	})
	if err != nil || len(runs) == 0 {
		return nil, err
	}

	return runs[0], nil
}

func (rr *RunRepository) WaitingByCorrelation(_ context.Context, automationID, value string) ([]*models.Run, error) {
	return rr.filter(func(r *models.Run) bool {
		return r.AutomationID == automationID && r.CorrelationValue == value && r.Status == models.RunWaiting
	})
}

func (rr *RunRepository) RequestCancel(_ context.Context, id string) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if !rr.store.exists(id) {
		return persistence.NewRunError("RequestCancel", id, persistence.ErrRunNotFound)
	}

	if err := rr.cancels.write(id, map[string]any{"run_id": id, "requested_at": time.Now().UTC()}); err != nil {
		return persistence.NewRunError("RequestCancel", id, err)
	}

	return nil
}

func (rr *RunRepository) CancelRequested(_ context.Context, id string) (bool, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	return rr.cancels.exists(id), nil
}
