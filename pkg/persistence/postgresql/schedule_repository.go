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

type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewScheduleRepository(db *sql.DB, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger}
}

func (sr *ScheduleRepository) Save(ctx context.Context, state *models.ScheduleState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule state: %w", err)
	}

	_, err = sr.db.ExecContext(ctx, `
		INSERT INTO schedule_states (automation_id, next_fire_at, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (automation_id) DO UPDATE SET
			next_fire_at = EXCLUDED.next_fire_at,
			data = EXCLUDED.data
	`, state.AutomationID, state.NextFireAt, data)
	if err != nil {
		return fmt.Errorf("failed to save schedule state %s: %w", state.AutomationID, err)
	}

	return nil
}

func (sr *ScheduleRepository) Get(ctx context.Context, automationID string) (*models.ScheduleState, error) {
	var data []byte

	err := sr.db.QueryRowContext(ctx, `SELECT data FROM schedule_states WHERE automation_id = $1`, automationID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrScheduleNotFound
		}

		return nil, fmt.Errorf("failed to get schedule state %s: %w", automationID, err)
	}

	var state models.ScheduleState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule state: %w", err)
	}

	return &state, nil
}

func (sr *ScheduleRepository) Due(ctx context.Context, now time.Time) ([]*models.ScheduleState, error) {
	return sr.query(ctx, `
		SELECT data FROM schedule_states
		WHERE next_fire_at IS NOT NULL AND next_fire_at <= $1
		ORDER BY next_fire_at
	`, now)
}

func (sr *ScheduleRepository) All(ctx context.Context) ([]*models.ScheduleState, error) {
	return sr.query(ctx, `SELECT data FROM schedule_states ORDER BY automation_id`)
}

func (sr *ScheduleRepository) Delete(ctx context.Context, automationID string) error {
	_, err := sr.db.ExecContext(ctx, `DELETE FROM schedule_states WHERE automation_id = $1`, automationID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule state %s: %w", automationID, err)
	}

	return nil
}

func (sr *ScheduleRepository) query(ctx context.Context, query string, args ...any) ([]*models.ScheduleState, error) {
	rows, err := sr.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule states: %w", err)
	}

	defer closeRows(ctx, sr.logger, rows)

	states := make([]*models.ScheduleState, 0)

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan schedule state: %w", err)
		}

		var state models.ScheduleState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule state: %w", err)
		}

		states = append(states, &state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schedule states: %w", err)
	}

	return states, nil
}
