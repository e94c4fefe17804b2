//go:build integration

package kafka

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafkaTc "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestCreateChannel_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := kafkaTc.Run(ctx, "confluentinc/confluent-local:7.7.0", kafkaTc.WithClusterID("autoflow-test"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	pub, sub, err := CreateChannel(watermill.NewSlogLogger(logger), Config{
		Brokers:       brokers[0],
		ConsumerGroup: "autoflow-test",
	})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, eventbus.WithLogger(logger))
	t.Cleanup(func() { _ = bus.Close() })

	fireAt := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	require.NoError(t, bus.Publish(ctx, "daily", events.NewScheduleFired("org-1", "daily", fireAt, time.Now())))

	received := make(chan *events.ScheduleFired, 1)

	require.NoError(t, bus.Handle(events.ScheduleFiredEvent, func(_ context.Context, event any) error {
		received <- event.(*events.ScheduleFired)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	select {
	case fired := <-received:
		assert.Equal(t, "daily", fired.AutomationID)
		assert.Equal(t, "org-1", fired.OrganizationID)
		assert.True(t, fired.FireAt.Equal(fireAt))
	case <-ctx.Done():
		t.Fatal("schedule.fired was not delivered")
	}
}
