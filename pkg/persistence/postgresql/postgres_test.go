//go:build integration
// +build integration

package postgresql

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

var baseTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	code := m.Run()

	if postgresContainer != nil {
		_ = postgresContainer.Terminate(context.Background())
	}

	os.Exit(code)
}

func setupTestDB(t *testing.T) (*Persistence, context.Context) {
	t.Helper()

	ctx := context.Background()

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error
		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("autoflow_test"),
			postgres.WithUsername("autoflow"),
			postgres.WithPassword("autoflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	_, err = p.db.ExecContext(ctx, `TRUNCATE automations, runs, schedule_states`)
	require.NoError(t, err)

	t.Cleanup(func() { _ = p.Close(ctx) })

	return p, ctx
}

func TestMigrationsAreIdempotent(t *testing.T) {
	p, ctx := setupTestDB(t)

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	again, err := NewPersistence(ctx, slog.Default(), databaseURL)
	require.NoError(t, err)
	require.NoError(t, again.Close(ctx))
	require.NoError(t, p.HealthCheck(ctx))
}

func TestAutomationRepository(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.AutomationRepository()

	a1 := models.NewAutomation("a1", "org-1", "Greeting", models.Trigger{Type: models.TriggerNewMessage}, baseTime)
	a1.IsActive = true
	a1.UseFlatActions([]*models.Action{{ID: "greet", Type: models.ActionSendMessage, Config: map[string]any{"channel": "whatsapp", "message": "Hola"}}}, baseTime)

	s1 := models.NewAutomation("s1", "org-1", "Daily digest", models.Trigger{
		Type:     models.TriggerScheduled,
		Schedule: &models.Schedule{Frequency: models.FrequencyDaily, Time: "09:00"},
	}, baseTime.Add(time.Minute))
	s1.IsActive = true

	require.NoError(t, repo.Save(ctx, a1))
	require.NoError(t, repo.Save(ctx, s1))

	got, err := repo.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Greeting", got.Name)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, "whatsapp", got.Actions[0].Config["channel"])

	active, err := repo.ActiveByOrganization(ctx, "org-1", models.TriggerNewMessage)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a1", active[0].ID)

	scheduled, err := repo.ActiveScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, "s1", scheduled[0].ID)

	page, total, err := repo.List(ctx, "org-1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "s1", page[0].ID)

	var wg sync.WaitGroup

	for i := range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			status := models.RunFailed
			if i%2 == 0 {
				status = models.RunSucceeded
			}

			assert.NoError(t, repo.RecordRunResult(ctx, "a1", status, baseTime.Add(time.Duration(i)*time.Second)))
		}()
	}

	wg.Wait()

	require.NoError(t, repo.Save(ctx, got), "saving a stale copy keeps the counters")

	got, err = repo.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Stats.TotalExecutions)
	assert.Equal(t, int64(5), got.Stats.SuccessfulExecutions)
	assert.Equal(t, int64(5), got.Stats.FailedExecutions)
	require.NotNil(t, got.Stats.LastExecutedAt)
	assert.True(t, got.Stats.LastExecutedAt.Equal(baseTime.Add(9*time.Second)))

	require.NoError(t, repo.RecordRunResult(ctx, "a1", models.RunCancelled, baseTime))

	got, err = repo.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), got.Stats.TotalExecutions)
	assert.Equal(t, int64(5), got.Stats.FailedExecutions, "cancelled runs are not failures")
	assert.True(t, got.Stats.LastExecutedAt.Equal(baseTime.Add(9*time.Second)), "an older result does not move it back")

	require.NoError(t, repo.Delete(ctx, "a1", baseTime))

	_, err = repo.GetByID(ctx, "a1")
	assert.True(t, persistence.IsAutomationNotFound(err))
}

func TestRunRepository(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.RunRepository()

	for i, id := range []string{"r1", "r2", "r3"} {
		run := models.NewRun(id, models.ExecutionRequest{AutomationID: "a1", OrganizationID: "org-1", TriggerType: models.TriggerNewMessage},
			models.FlatStepID, "c-"+id, "t-"+id, baseTime.Add(time.Duration(i)*time.Minute))
		run.Transition(models.RunSucceeded, baseTime)
		require.NoError(t, repo.Save(ctx, run))
	}

	waiting := models.NewRun("w1", models.ExecutionRequest{
		AutomationID: "a2", OrganizationID: "org-1", TriggerType: models.TriggerNewMessage, CorrelationValue: "+5215550001",
	}, models.FlatStepID, "c-w1", "t-w1", baseTime)
	resume := baseTime.Add(3 * time.Second)
	waiting.Cursors[0].ResumeAt = &resume
	waiting.Settle(baseTime)
	require.NoError(t, repo.Save(ctx, waiting))

	page, err := repo.ListByAutomation(ctx, "a1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Executions, 2)
	assert.Equal(t, "r3", page.Executions[0].ID)

	due, err := repo.DueForWake(ctx, baseTime)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = repo.DueForWake(ctx, resume)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "w1", due[0].ID)

	active, err := repo.ActiveByCorrelation(ctx, "a2", "+5215550001")
	require.NoError(t, err)
	require.NotNil(t, active)

	require.NoError(t, repo.RequestCancel(ctx, "w1"))
	requested, err := repo.CancelRequested(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, requested)

	due, err = repo.DueForWake(ctx, baseTime)
	require.NoError(t, err)
	require.Len(t, due, 1, "a cancel request makes a waiting run due")

	require.NoError(t, repo.Save(ctx, waiting))
	requested, _ = repo.CancelRequested(ctx, "w1")
	assert.True(t, requested, "non-terminal save keeps the request")

	waiting.Transition(models.RunCancelled, baseTime)
	require.NoError(t, repo.Save(ctx, waiting))
	requested, _ = repo.CancelRequested(ctx, "w1")
	assert.False(t, requested)

	byStatus, err := repo.ByStatus(ctx, models.RunCancelled)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, persistence.IsRunNotFound(err))

	first := models.NewRun("e1", models.ExecutionRequest{AutomationID: "a3", OrganizationID: "org-1", EventID: "evt-42"},
		models.FlatStepID, "c-e1", "t-e1", baseTime)
	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, repo.Save(ctx, first))

	found, err := repo.ByEvent(ctx, "a3", "evt-42")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "e1", found.ID)

	duplicate := models.NewRun("e2", models.ExecutionRequest{AutomationID: "a3", OrganizationID: "org-1", EventID: "evt-42"},
		models.FlatStepID, "c-e2", "t-e2", baseTime)
	assert.True(t, persistence.IsRunExists(repo.Save(ctx, duplicate)))
}

func TestScheduleRepository(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.ScheduleRepository()

	next := baseTime.Add(-time.Minute)
	require.NoError(t, repo.Save(ctx, &models.ScheduleState{AutomationID: "s1", NextFireAt: &next, Fingerprint: "abc"}))

	due, err := repo.Due(ctx, baseTime)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "abc", due[0].Fingerprint)

	require.NoError(t, repo.Delete(ctx, "s1"))

	_, err = repo.Get(ctx, "s1")
	assert.True(t, persistence.IsScheduleNotFound(err))
}
