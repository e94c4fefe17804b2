package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// AutomationRepository stores automations as a JSONB definition plus the
// columns queries filter on. Run counters live in their own columns and are
// only changed by RecordRunResult.
type AutomationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAutomationRepository(db *sql.DB, logger *slog.Logger) *AutomationRepository {
	return &AutomationRepository{db: db, logger: logger}
}

const automationColumns = `
	definition, total_executions, successful_executions, failed_executions, last_executed_at
`

func (ar *AutomationRepository) Save(ctx context.Context, automation *models.Automation) error {
	definition := *automation
	definition.Stats = models.RunStats{}

	definitionJSON, err := json.Marshal(definition)
	if err != nil {
		return persistence.NewAutomationError("Save", automation.ID, fmt.Errorf("failed to marshal automation: %w", err))
	}

	query := `
		INSERT INTO automations (
			id, organization_id, name, is_active, trigger_type, definition,
			created_at, updated_at, deleted_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			trigger_type = EXCLUDED.trigger_type,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = ar.db.ExecContext(ctx, query,
		automation.ID,
		automation.OrganizationID,
		automation.Name,
		automation.IsActive,
		automation.Trigger.Type,
		definitionJSON,
		automation.CreatedAt,
		automation.UpdatedAt,
		automation.DeletedAt,
	)
	if err != nil {
		return persistence.NewAutomationError("Save", automation.ID, err)
	}

	return nil
}

func (ar *AutomationRepository) GetByID(ctx context.Context, id string) (*models.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE id = $1 AND deleted_at IS NULL`

	automation, err := scanAutomation(ar.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewAutomationError("GetByID", id, persistence.ErrAutomationNotFound)
		}

		return nil, persistence.NewAutomationError("GetByID", id, err)
	}

	return automation, nil
}

func (ar *AutomationRepository) ActiveByOrganization(ctx context.Context, organizationID string, triggerType models.TriggerType) ([]*models.Automation, error) {
	query := `
		SELECT ` + automationColumns + `
		FROM automations
		WHERE organization_id = $1 AND is_active AND deleted_at IS NULL
			AND ($2 = '' OR trigger_type = $2)
		ORDER BY created_at, id
	`

	return ar.query(ctx, query, organizationID, string(triggerType))
}

func (ar *AutomationRepository) ActiveScheduled(ctx context.Context) ([]*models.Automation, error) {
	query := `
		SELECT ` + automationColumns + `
		FROM automations
		WHERE trigger_type = $1 AND is_active AND deleted_at IS NULL
		ORDER BY created_at, id
	`

	return ar.query(ctx, query, string(models.TriggerScheduled))
}

func (ar *AutomationRepository) List(ctx context.Context, organizationID string, offset, limit int) ([]*models.Automation, int, error) {
	var total int

	err := ar.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM automations WHERE organization_id = $1 AND deleted_at IS NULL`,
		organizationID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count automations: %w", err)
	}

	query := `
		SELECT ` + automationColumns + `
		FROM automations
		WHERE organization_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`

	items, err := ar.query(ctx, query, organizationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	return items, total, nil
}

func (ar *AutomationRepository) Delete(ctx context.Context, id string, at time.Time) error {
	automation, err := ar.GetByID(ctx, id)
	if err != nil {
		return err
	}

	automation.SoftDelete(at)

	return ar.Save(ctx, automation)
}

func (ar *AutomationRepository) RecordRunResult(ctx context.Context, id string, status models.RunStatus, at time.Time) error {
	query := `
		UPDATE automations SET
			total_executions = total_executions + 1,
			successful_executions = successful_executions + CASE WHEN $2 = 'succeeded' THEN 1 ELSE 0 END,
			failed_executions = failed_executions + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END,
			last_executed_at = GREATEST(COALESCE(last_executed_at, $3), $3)
		WHERE id = $1
	`

	result, err := ar.db.ExecContext(ctx, query, id, string(status), at)
	if err != nil {
		return persistence.NewAutomationError("RecordRunResult", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewAutomationError("RecordRunResult", id, err)
	}

	if affected == 0 {
		return persistence.NewAutomationError("RecordRunResult", id, persistence.ErrAutomationNotFound)
	}

	return nil
}

func (ar *AutomationRepository) query(ctx context.Context, query string, args ...any) ([]*models.Automation, error) {
	rows, err := ar.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}

	defer closeRows(ctx, ar.logger, rows)

	automations := make([]*models.Automation, 0)

	for rows.Next() {
		automation, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}

		automations = append(automations, automation)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate automations: %w", err)
	}

	return automations, nil
}

func scanAutomation(row scanner) (*models.Automation, error) {
	var (
		definition []byte
		automation models.Automation
		lastRun    sql.NullTime
	)

	err := row.Scan(
		&definition,
		&automation.Stats.TotalExecutions,
		&automation.Stats.SuccessfulExecutions,
		&automation.Stats.FailedExecutions,
		&lastRun,
	)
	if err != nil {
		return nil, err
	}

	stats := automation.Stats

	if err := json.Unmarshal(definition, &automation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal automation: %w", err)
	}

	automation.Stats = stats

	if lastRun.Valid {
		at := lastRun.Time
		automation.Stats.LastExecutedAt = &at
	}

	return &automation, nil
}
