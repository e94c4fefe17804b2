package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/dukex/autoflow/pkg/actions/crm"
	"github.com/dukex/autoflow/pkg/actions/logactivity"
	"github.com/dukex/autoflow/pkg/actions/webhook"
	"github.com/dukex/autoflow/pkg/breaker"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/urfave/cli/v3"
)

var (
	ErrMissingFile = errors.New("automation file is required")
	errOffline     = errors.New("capability gateway is not available offline")
)

// offlineGateway lets CRM action schemas be checked without a gateway.
type offlineGateway struct{}

func (offlineGateway) Invoke(context.Context, models.ActionType, map[string]any, protocol.RunContext) (map[string]any, error) {
	return nil, errOffline
}

func offlineRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.New(logger)
	reg.Register(logactivity.NewActionFactory())
	reg.Register(webhook.NewActionFactory(http.DefaultClient, breaker.NewSet(breaker.DefaultSettings(), logger)))
	crm.RegisterAll(reg.Register, offlineGateway{})

	return reg
}

func loadAutomation(command *cli.Command) (*models.Automation, error) {
	path := command.Args().First()
	if path == "" {
		return nil, ErrMissingFile
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer func() { _ = f.Close() }()

	return decodeAutomation(f)
}

func decodeAutomation(r io.Reader) (*models.Automation, error) {
	var automation models.Automation

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&automation); err != nil {
		return nil, fmt.Errorf("invalid automation JSON: %w", err)
	}

	return &automation, nil
}

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check that an automation definition could be activated",
		ArgsUsage: "<automation.json>",
		Action: func(_ context.Context, command *cli.Command) error {
			logger := slog.With("module", "autoflow", "action", "validate")

			automation, err := loadAutomation(command)
			if err != nil {
				return err
			}

			if err := automation.Validate(offlineRegistry(logger)); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(command.Root().Writer, "%s: valid\n", automation.Name)

			return nil
		},
	}
}
