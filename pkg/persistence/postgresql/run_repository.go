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
	"github.com/lib/pq"
)

// RunRepository stores each run as a JSONB document with its lookup
// columns denormalized.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

func (rr *RunRepository) Save(ctx context.Context, run *models.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return persistence.NewRunError("Save", run.ID, fmt.Errorf("failed to marshal run: %w", err))
	}

	query := `
		INSERT INTO runs (
			id, automation_id, organization_id, status, correlation_value,
			next_wake_at, data, started_at, updated_at, event_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			next_wake_at = EXCLUDED.next_wake_at,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at,
			cancel_requested = runs.cancel_requested AND $10
	`

	_, err = rr.db.ExecContext(ctx, query,
		run.ID,
		run.AutomationID,
		run.OrganizationID,
		run.Status,
		run.CorrelationValue,
		run.NextWakeAt,
		data,
		run.StartedAt,
		run.UpdatedAt,
		!run.Status.Terminal(),
		run.EventID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewRunError("Save", run.ID, persistence.ErrRunExists)
		}

		return persistence.NewRunError("Save", run.ID, err)
	}

	return nil
}

func (rr *RunRepository) Get(ctx context.Context, id string) (*models.Run, error) {
	var data []byte

	err := rr.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("Get", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("Get", id, err)
	}

	return decodeRun(data)
}

func (rr *RunRepository) ByEvent(ctx context.Context, automationID, eventID string) (*models.Run, error) {
	runs, err := rr.query(ctx, `
		SELECT data FROM runs WHERE automation_id = $1 AND event_id = $2 LIMIT 1
	`, automationID, eventID)
	if err != nil || len(runs) == 0 {
		return nil, err
	}

	return runs[0], nil
}

func (rr *RunRepository) ListByAutomation(ctx context.Context, automationID string, page, limit int) (*models.RunPage, error) {
	page, limit = persistence.NormalizePage(page, limit)

	var total int

	err := rr.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE automation_id = $1`, automationID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	runs, err := rr.query(ctx, `
		SELECT data FROM runs
		WHERE automation_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, automationID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}

	return &models.RunPage{Executions: runs, Total: total, Page: page, Limit: limit}, nil
}

func (rr *RunRepository) ByStatus(ctx context.Context, statuses ...models.RunStatus) ([]*models.Run, error) {
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}

	return rr.query(ctx, `
		SELECT data FROM runs WHERE status = ANY($1) ORDER BY started_at, id
	`, pq.Array(values))
}

func (rr *RunRepository) DueForWake(ctx context.Context, now time.Time) ([]*models.Run, error) {
	return rr.query(ctx, `
		SELECT data FROM runs
		WHERE status = 'waiting'
			AND (cancel_requested OR (next_wake_at IS NOT NULL AND next_wake_at <= $1))
		ORDER BY next_wake_at NULLS FIRST, id
	`, now)
}

func (rr *RunRepository) ActiveByCorrelation(ctx context.Context, automationID, value string) (*models.Run, error) {
	runs, err := rr.query(ctx, `
		SELECT data FROM runs
		WHERE automation_id = $1 AND correlation_value = $2
			AND status IN ('pending', 'running', 'waiting')
		ORDER BY started_at, id
		LIMIT 1
	`, automationID, value)
	if err != nil || len(runs) == 0 {
		return nil, err
	}

	return runs[0], nil
}

func (rr *RunRepository) WaitingByCorrelation(ctx context.Context, automationID, value string) ([]*models.Run, error) {
	return rr.query(ctx, `
		SELECT data FROM runs
		WHERE automation_id = $1 AND correlation_value = $2 AND status = 'waiting'
		ORDER BY started_at, id
	`, automationID, value)
}

func (rr *RunRepository) RequestCancel(ctx context.Context, id string) error {
	result, err := rr.db.ExecContext(ctx, `UPDATE runs SET cancel_requested = true WHERE id = $1`, id)
	if err != nil {
		return persistence.NewRunError("RequestCancel", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("RequestCancel", id, err)
	}

	if affected == 0 {
		return persistence.NewRunError("RequestCancel", id, persistence.ErrRunNotFound)
	}

	return nil
}

func (rr *RunRepository) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool

	err := rr.db.QueryRowContext(ctx, `SELECT cancel_requested FROM runs WHERE id = $1`, id).Scan(&requested)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, persistence.NewRunError("CancelRequested", id, err)
	}

	return requested, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (rr *RunRepository) query(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	rows, err := rr.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer closeRows(ctx, rr.logger, rows)

	runs := make([]*models.Run, 0)

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

func decodeRun(data []byte) (*models.Run, error) {
	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	return &run, nil
}
