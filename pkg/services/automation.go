package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrAutomationNotFound is returned when an automation is not found.
var ErrAutomationNotFound = persistence.ErrAutomationNotFound

// Automation manages automation definitions. Activation and any change to an
// active automation go through full validation against the action checker.
type Automation struct {
	persistence persistence.Persistence
	checker     models.ActionChecker
	clock       clockwork.Clock
}

// NewAutomation creates a new automation service.
func NewAutomation(persistence persistence.Persistence, checker models.ActionChecker, clock clockwork.Clock) *Automation {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Automation{
		persistence: persistence,
		checker:     checker,
		clock:       clock,
	}
}

// HealthCheck checks the health of the persistence layer.
func (a *Automation) HealthCheck(ctx context.Context) (string, bool) {
	if a.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := a.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ListAutomationsRequest contains options for listing automations.
type ListAutomationsRequest struct {
	OrganizationID string
	Limit          int
	Offset         int
}

// ListAutomationsResponse contains the result of listing automations.
type ListAutomationsResponse struct {
	Automations []*models.Automation `json:"automations"`
	TotalCount  int                  `json:"total_count"`
	HasNextPage bool                 `json:"has_next_page"`
}

// List returns the live automations of an organization, newest first.
func (a *Automation) List(ctx context.Context, req ListAutomationsRequest) (*ListAutomationsResponse, error) {
	req.OrganizationID = strings.TrimSpace(req.OrganizationID)
	if req.OrganizationID == "" {
		return nil, ErrOrganizationRequired
	}

	if req.Limit <= 0 {
		req.Limit = persistence.DefaultPageSize
	}

	if req.Limit > persistence.MaxPageSize {
		req.Limit = persistence.MaxPageSize
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	automations, total, err := a.persistence.AutomationRepository().List(ctx, req.OrganizationID, req.Offset, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}

	if automations == nil {
		automations = []*models.Automation{}
	}

	return &ListAutomationsResponse{
		Automations: automations,
		TotalCount:  total,
		HasNextPage: req.Offset+len(automations) < total,
	}, nil
}

// FetchByID retrieves an automation by its ID.
func (a *Automation) FetchByID(ctx context.Context, id string) (*models.Automation, error) {
	automation, err := a.persistence.AutomationRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if automation == nil {
		return nil, ErrAutomationNotFound
	}

	return automation, nil
}

// Create stores a new automation. Active automations must validate.
func (a *Automation) Create(ctx context.Context, automation *models.Automation) (*models.Automation, error) {
	if err := a.checkBasics("Create", automation); err != nil {
		return nil, err
	}

	now := a.clock.Now().UTC()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate automation id: %w", err)
	}

	automation.ID = id.String()
	automation.CreatedAt = now
	automation.UpdatedAt = now
	automation.DeletedAt = nil
	automation.Stats = models.RunStats{}

	if automation.IsActive {
		if err := automation.Validate(a.checker); err != nil {
			return nil, err
		}
	}

	if err := a.persistence.AutomationRepository().Save(ctx, automation); err != nil {
		return nil, fmt.Errorf("failed to create automation: %w", err)
	}

	return automation, nil
}

// Replace overwrites the author-owned fields of an automation.
func (a *Automation) Replace(ctx context.Context, id string, next *models.Automation) (*models.Automation, error) {
	if err := a.checkBasics("Replace", next); err != nil {
		return nil, err
	}

	existing, err := a.FetchByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := existing.Replace(next, a.checker, a.clock.Now().UTC()); err != nil {
		return nil, err
	}

	if err := a.persistence.AutomationRepository().Save(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to update automation: %w", err)
	}

	return existing, nil
}

// Activate validates the automation and lets triggers start runs for it.
func (a *Automation) Activate(ctx context.Context, id string) (*models.Automation, error) {
	existing, err := a.FetchByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := existing.Activate(a.checker, a.clock.Now().UTC()); err != nil {
		return nil, err
	}

	if err := a.persistence.AutomationRepository().Save(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to activate automation: %w", err)
	}

	return existing, nil
}

// Deactivate stops new runs. Runs already in flight continue.
func (a *Automation) Deactivate(ctx context.Context, id string) (*models.Automation, error) {
	existing, err := a.FetchByID(ctx, id)
	if err != nil {
		return nil, err
	}

	existing.Deactivate(a.clock.Now().UTC())

	if err := a.persistence.AutomationRepository().Save(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to deactivate automation: %w", err)
	}

	return existing, nil
}

// Delete soft-deletes an automation. Its run history is kept.
func (a *Automation) Delete(ctx context.Context, id string) error {
	if _, err := a.FetchByID(ctx, id); err != nil {
		return err
	}

	if err := a.persistence.AutomationRepository().Delete(ctx, id, a.clock.Now().UTC()); err != nil {
		return fmt.Errorf("failed to delete automation: %w", err)
	}

	return nil
}

func (a *Automation) checkBasics(op string, automation *models.Automation) error {
	if automation == nil {
		return ErrAutomationNil
	}

	if strings.TrimSpace(automation.OrganizationID) == "" {
		return NewValidationError(op, "ORGANIZATION_REQUIRED", "organization_id is required", ErrOrganizationRequired)
	}

	if strings.TrimSpace(automation.Name) == "" {
		return NewValidationError(op, "NAME_REQUIRED", "name is required", ErrAutomationNameRequired)
	}

	return nil
}
