// Package main runs the scheduler that fires scheduled automations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/autoflow/pkg/channels/kafka"
	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/log"
	"github.com/dukex/autoflow/pkg/metrics"
	"github.com/dukex/autoflow/pkg/scheduler"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	command := &cli.Command{
		Name:                  "autoflow-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Fire scheduled automations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres://... or a directory)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL used to elect a single firing replica",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "How often due schedules are checked",
				Value:   scheduler.DefaultInterval,
				Sources: cli.EnvVars("SCHEDULER_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port serving Prometheus metrics (0 disables)",
				Value:   9093,
				Sources: cli.EnvVars("METRICS_PORT"),
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
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			owner := "scheduler-" + uuid.New().String()[:8]
			logger := log.WithModule("autoflow-scheduler").With("owner", owner)

			logger.InfoContext(ctx, "Initializing Autoflow Scheduler")

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger,
				kafka.Config{Brokers: command.String("kafka-brokers")}, 1)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			leaser, closeLeaser, err := cmd.NewLeaser(ctx, command.String("redis-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := closeLeaser(); err != nil {
					logger.ErrorContext(ctx, "Failed to close lease store", "error", err)
				}
			}()

			collector := metrics.NewCollector("autoflow-scheduler")

			s := scheduler.New(persistence, eventBus, logger,
				scheduler.WithInterval(command.Duration("interval")),
				scheduler.WithMetrics(collector),
				scheduler.WithLeader(leaser, owner),
			)

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return s.Start(ctx)
			})

			g.Go(func() error {
				return cmd.ServeMetrics(ctx, collector, command.Int("metrics-port"), logger)
			})

			return g.Wait()
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		log.WithModule("autoflow-scheduler").Error("Autoflow Scheduler stopped", "error", err)
		os.Exit(1)
	}
}
