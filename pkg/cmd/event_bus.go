package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/autoflow/pkg/channels/gochannel"
	"github.com/dukex/autoflow/pkg/channels/kafka"
	"github.com/dukex/autoflow/pkg/eventbus"
)

// NewEventBus builds the transport named by provider. "gochannel" keeps
// everything in-process, "kafka" spreads work across processes.
func NewEventBus(provider string, logger *slog.Logger, kafkaConfig kafka.Config, workers int) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	opts := []eventbus.Option{
		eventbus.WithWorkers(workers),
		eventbus.WithLogger(logger),
	}

	switch provider {
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, opts...), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, kafkaConfig)
		if err != nil {
			return nil, fmt.Errorf("create kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
