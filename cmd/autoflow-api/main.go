package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/log"
	"github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "autoflow-api",
		Usage:                 "Manage automations and inspect their runs",
		EnableShellCompletion: true,
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		}, cmd.EngineFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("autoflow-api")

			logger.InfoContext(ctx, "Initializing Autoflow API")

			stack, err := cmd.NewStack(ctx, logger, cmd.EngineConfigFromCommand(command, "autoflow-api"))
			defer func() {
				if err := stack.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close resources", "error", err)
				}
			}()

			if err != nil {
				return err
			}

			api := NewAPI(logger, stack.Persistence, stack.Registry, stack.Engine, stack.Metrics)

			return api.Start(command.Int("port"))
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		log.WithModule("autoflow-api").Error("Autoflow API stopped", "error", err)
		os.Exit(1)
	}
}
