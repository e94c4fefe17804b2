package cmd

import (
	"github.com/dukex/autoflow/pkg/channels/kafka"
	"github.com/urfave/cli/v3"
)

const defaultWorkers = 4

// EngineFlags are shared by every binary that runs automations.
func EngineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://... or a directory)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "kafka-consumer-group",
			Usage:   "Kafka consumer group",
			Value:   "autoflow",
			Sources: cli.EnvVars("KAFKA_CONSUMER_GROUP"),
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "Concurrent event handlers",
			Value:   defaultWorkers,
			Sources: cli.EnvVars("WORKERS"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for run leases shared across workers",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "plugins-path",
			Usage:   "Path to the directory containing action plugins",
			Value:   "./plugins",
			Sources: cli.EnvVars("PLUGINS_PATH"),
		},
		&cli.StringFlag{
			Name:    "crm-gateway-url",
			Usage:   "Base URL of the CRM capability gateway",
			Sources: cli.EnvVars("CRM_GATEWAY_URL"),
		},
		&cli.StringFlag{
			Name:    "crm-gateway-token",
			Usage:   "Bearer token for the CRM capability gateway",
			Sources: cli.EnvVars("CRM_GATEWAY_TOKEN"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

func EngineConfigFromCommand(command *cli.Command, serviceName string) EngineConfig {
	return EngineConfig{
		ServiceName: serviceName,
		DatabaseURL: command.String("database-url"),
		EventBus:    command.String("event-bus"),
		Kafka: kafka.Config{
			Brokers:       command.String("kafka-brokers"),
			ConsumerGroup: command.String("kafka-consumer-group"),
			OTELEnabled:   command.Bool("otel-enabled"),
		},
		Workers:       int(command.Int("workers")),
		RedisURL:      command.String("redis-url"),
		PluginsPath:   command.String("plugins-path"),
		CRMGatewayURL: command.String("crm-gateway-url"),
		CRMToken:      command.String("crm-gateway-token"),
		OTELEnabled:   command.Bool("otel-enabled"),
	}
}
