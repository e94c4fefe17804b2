package mocks

import (
	"context"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	Automations *MockAutomationRepository
	Runs        *MockRunRepository
	Schedules   *MockScheduleRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Automations: &MockAutomationRepository{},
		Runs:        &MockRunRepository{},
		Schedules:   &MockScheduleRepository{},
	}
}

func (m *MockPersistence) AutomationRepository() persistence.AutomationRepository {
	return m.Automations
}

func (m *MockPersistence) RunRepository() persistence.RunRepository {
	return m.Runs
}

func (m *MockPersistence) ScheduleRepository() persistence.ScheduleRepository {
	return m.Schedules
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockAutomationRepository is a mock implementation of persistence.AutomationRepository interface.
type MockAutomationRepository struct {
	mock.Mock
}

func (m *MockAutomationRepository) Save(ctx context.Context, automation *models.Automation) error {
	args := m.Called(ctx, automation)

	return args.Error(0)
}

func (m *MockAutomationRepository) GetByID(ctx context.Context, id string) (*models.Automation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Automation), args.Error(1)
}

func (m *MockAutomationRepository) ActiveByOrganization(
	ctx context.Context,
	organizationID string,
	triggerType models.TriggerType,
) ([]*models.Automation, error) {
	args := m.Called(ctx, organizationID, triggerType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Automation), args.Error(1)
}

func (m *MockAutomationRepository) ActiveScheduled(ctx context.Context) ([]*models.Automation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Automation), args.Error(1)
}

func (m *MockAutomationRepository) List(ctx context.Context, organizationID string, offset, limit int) ([]*models.Automation, int, error) {
	args := m.Called(ctx, organizationID, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}

	return args.Get(0).([]*models.Automation), args.Int(1), args.Error(2)
}

func (m *MockAutomationRepository) Delete(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)

	return args.Error(0)
}

func (m *MockAutomationRepository) RecordRunResult(ctx context.Context, id string, status models.RunStatus, at time.Time) error {
	args := m.Called(ctx, id, status, at)

	return args.Error(0)
}

// MockRunRepository is a mock implementation of persistence.RunRepository interface.
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) Save(ctx context.Context, run *models.Run) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockRunRepository) Get(ctx context.Context, id string) (*models.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunRepository) ListByAutomation(ctx context.Context, automationID string, page, limit int) (*models.RunPage, error) {
	args := m.Called(ctx, automationID, page, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.RunPage), args.Error(1)
}

func (m *MockRunRepository) ByStatus(ctx context.Context, statuses ...models.RunStatus) ([]*models.Run, error) {
	args := m.Called(ctx, statuses)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

func (m *MockRunRepository) DueForWake(ctx context.Context, now time.Time) ([]*models.Run, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

func (m *MockRunRepository) ByEvent(ctx context.Context, automationID, eventID string) (*models.Run, error) {
	args := m.Called(ctx, automationID, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunRepository) ActiveByCorrelation(ctx context.Context, automationID, value string) (*models.Run, error) {
	args := m.Called(ctx, automationID, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunRepository) WaitingByCorrelation(ctx context.Context, automationID, value string) ([]*models.Run, error) {
	args := m.Called(ctx, automationID, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

func (m *MockRunRepository) RequestCancel(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockRunRepository) CancelRequested(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)

	return args.Bool(0), args.Error(1)
}

// MockScheduleRepository is a mock implementation of persistence.ScheduleRepository interface.
type MockScheduleRepository struct {
	mock.Mock
}

func (m *MockScheduleRepository) Save(ctx context.Context, state *models.ScheduleState) error {
	args := m.Called(ctx, state)

	return args.Error(0)
}

func (m *MockScheduleRepository) Get(ctx context.Context, automationID string) (*models.ScheduleState, error) {
	args := m.Called(ctx, automationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ScheduleState), args.Error(1)
}

func (m *MockScheduleRepository) Due(ctx context.Context, now time.Time) ([]*models.ScheduleState, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ScheduleState), args.Error(1)
}

func (m *MockScheduleRepository) All(ctx context.Context) ([]*models.ScheduleState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ScheduleState), args.Error(1)
}

func (m *MockScheduleRepository) Delete(ctx context.Context, automationID string) error {
	args := m.Called(ctx, automationID)

	return args.Error(0)
}
