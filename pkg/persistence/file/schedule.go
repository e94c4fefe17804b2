package file

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// ScheduleRepository stores scheduler state under <root>/schedules.
type ScheduleRepository struct {
	mu    sync.RWMutex
	store store
}

func NewScheduleRepository(root string) *ScheduleRepository {
	return &ScheduleRepository{store: store{dir: filepath.Join(root, "schedules")}}
}

func (sr *ScheduleRepository) Save(_ context.Context, state *models.ScheduleState) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	return sr.store.write(state.AutomationID, state)
}

func (sr *ScheduleRepository) Get(_ context.Context, automationID string) (*models.ScheduleState, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	var state models.ScheduleState
	if err := sr.store.read(automationID, &state, persistence.ErrScheduleNotFound); err != nil {
		return nil, err
	}

	return &state, nil
}

func (sr *ScheduleRepository) Due(_ context.Context, now time.Time) ([]*models.ScheduleState, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	states, err := all[models.ScheduleState](sr.store)
	if err != nil {
		return nil, err
	}

	due := slices.DeleteFunc(states, func(s *models.ScheduleState) bool { return !s.Due(now) })
	slices.SortFunc(due, func(a, b *models.ScheduleState) int { return a.NextFireAt.Compare(*b.NextFireAt) })

	return due, nil
}

func (sr *ScheduleRepository) All(_ context.Context) ([]*models.ScheduleState, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	return all[models.ScheduleState](sr.store)
}

func (sr *ScheduleRepository) Delete(_ context.Context, automationID string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	return sr.store.remove(automationID)
}
