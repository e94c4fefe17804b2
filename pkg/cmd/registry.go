// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukex/autoflow/pkg/actions/crm"
	"github.com/dukex/autoflow/pkg/actions/logactivity"
	"github.com/dukex/autoflow/pkg/actions/webhook"
	"github.com/dukex/autoflow/pkg/breaker"
	"github.com/dukex/autoflow/pkg/registry"
)

func registerNativeActions(reg *registry.Registry, breakers *breaker.Set) {
	reg.Register(logactivity.NewActionFactory())
	reg.Register(webhook.NewActionFactory(http.DefaultClient, breakers))
}

func registerActionPlugins(reg *registry.Registry, pluginsPath string) error {
	if pluginsPath == "" {
		return nil
	}

	return reg.LoadPlugins(pluginsPath)
}

// NewCRMGateway returns nil when no gateway URL is configured.
func NewCRMGateway(logger *slog.Logger, breakers *breaker.Set, gatewayURL, token string) (*crm.HTTPGateway, error) {
	if gatewayURL == "" {
		logger.Warn("No CRM gateway configured, CRM actions are unavailable")

		return nil, nil
	}

	gateway, err := crm.NewHTTPGateway(gatewayURL, breakers, logger, crm.WithToken(token))
	if err != nil {
		return nil, fmt.Errorf("create crm gateway: %w", err)
	}

	return gateway, nil
}

// NewRegistry registers the native actions, every capability of gateway
// when one is given and the plugins found under pluginsPath.
func NewRegistry(
	_ context.Context,
	logger *slog.Logger,
	pluginsPath string,
	breakers *breaker.Set,
	gateway crm.Gateway,
) (*registry.Registry, error) {
	reg := registry.New(logger)

	registerNativeActions(reg, breakers)

	if gateway != nil {
		crm.RegisterAll(reg.Register, gateway)
	}

	if err := registerActionPlugins(reg, pluginsPath); err != nil {
		return nil, fmt.Errorf("load action plugins: %w", err)
	}

	return reg, nil
}
