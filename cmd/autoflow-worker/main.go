package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/log"
	"github.com/dukex/autoflow/pkg/sources/redisqueue"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	command := &cli.Command{
		Name:                  "autoflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Start workers to execute automation runs",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.DurationFlag{
				Name:    "wake-interval",
				Usage:   "How often suspended runs are checked for wake-up",
				Value:   defaultWakeInterval,
				Sources: cli.EnvVars("WAKE_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "event-queue-url",
				Usage:   "Redis URL of an inbound event queue (disabled when empty)",
				Sources: cli.EnvVars("EVENT_QUEUE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-queue",
				Usage:   "Redis list holding inbound events",
				Value:   redisqueue.DefaultQueue,
				Sources: cli.EnvVars("EVENT_QUEUE"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port serving Prometheus metrics (0 disables)",
				Value:   9092,
				Sources: cli.EnvVars("METRICS_PORT"),
			},
		}, cmd.EngineFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("autoflow-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Autoflow Worker")

			config := cmd.EngineConfigFromCommand(command, "autoflow-worker")
			config.Owner = workerID

			stack, err := cmd.NewStack(ctx, logger, config)
			defer func() {
				if err := stack.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close resources", "error", err)
				}
			}()

			if err != nil {
				return err
			}

			opts := []WorkerOption{WithWakeInterval(command.Duration("wake-interval"))}

			if queueURL := command.String("event-queue-url"); queueURL != "" {
				source, err := redisqueue.NewFromURL(ctx, queueURL, command.String("event-queue"), stack.Engine, logger,
					redisqueue.WithRejection(func(err error) bool {
						return errors.Is(err, workflow.ErrInvalidEvent)
					}),
				)
				if err != nil {
					return err
				}

				defer func() {
					if err := source.Close(); err != nil {
						logger.ErrorContext(ctx, "Failed to close event queue", "error", err)
					}
				}()

				opts = append(opts, WithSource(source))
			}

			worker := NewWorkerManager(workerID, stack.Engine, stack.EventBus, logger, opts...)

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return worker.Start(ctx)
			})

			g.Go(func() error {
				return cmd.ServeMetrics(ctx, stack.Metrics, command.Int("metrics-port"), logger)
			})

			return g.Wait()
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		log.WithModule("autoflow-worker").Error("Autoflow Worker stopped", "error", err)
		os.Exit(1)
	}
}
