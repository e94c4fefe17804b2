package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/autoflow/pkg/actions/crm"
	"github.com/dukex/autoflow/pkg/breaker"
	"github.com/dukex/autoflow/pkg/channels/kafka"
	"github.com/dukex/autoflow/pkg/dispatcher"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/metrics"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/workflow"
)

type EngineConfig struct {
	ServiceName   string
	Owner         string
	DatabaseURL   string
	EventBus      string
	Kafka         kafka.Config
	Workers       int
	RedisURL      string
	PluginsPath   string
	CRMGatewayURL string
	CRMToken      string
	OTELEnabled   bool
}

// Stack is everything a binary needs to run automations.
type Stack struct {
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	Registry    *registry.Registry
	Engine      *workflow.Engine
	Metrics     *metrics.Collector

	closers []func() error
}

// NewStack wires persistence, the event bus, the action registry and the
// engine from config. Call Close when done, even after an error.
func NewStack(ctx context.Context, logger *slog.Logger, config EngineConfig) (*Stack, error) {
	s := &Stack{Metrics: metrics.NewCollector(config.ServiceName)}

	p, err := NewPersistence(ctx, logger, config.DatabaseURL)
	if err != nil {
		return s, err
	}

	s.Persistence = p
	s.closers = append(s.closers, func() error { return p.Close(context.WithoutCancel(ctx)) })

	bus, err := NewEventBus(config.EventBus, logger, config.Kafka, config.Workers)
	if err != nil {
		return s, err
	}

	s.EventBus = bus
	s.closers = append(s.closers, bus.Close)

	leaser, closeLeaser, err := NewLeaser(ctx, config.RedisURL)
	if err != nil {
		return s, err
	}

	s.closers = append(s.closers, closeLeaser)

	tracer, err := NewTracer(ctx, config.ServiceName, config.OTELEnabled)
	if err != nil {
		return s, fmt.Errorf("create tracer: %w", err)
	}

	breakers := breaker.NewSet(breaker.DefaultSettings(), logger)

	httpGateway, err := NewCRMGateway(logger, breakers, config.CRMGatewayURL, config.CRMToken)
	if err != nil {
		return s, err
	}

	var gateway crm.Gateway

	coordinatorOpts := []workflow.CoordinatorOption{
		workflow.WithMetrics(s.Metrics),
		workflow.WithTracer(tracer),
	}

	if httpGateway != nil {
		gateway = httpGateway
		coordinatorOpts = append(coordinatorOpts, workflow.WithRefresher(httpGateway))
	}

	if config.Owner != "" {
		coordinatorOpts = append(coordinatorOpts, workflow.WithOwner(config.Owner))
	}

	s.Registry, err = NewRegistry(ctx, logger, config.PluginsPath, breakers, gateway)
	if err != nil {
		return s, err
	}

	d := dispatcher.New(s.Registry, logger, dispatcher.WithMetrics(s.Metrics), dispatcher.WithTracer(tracer))
	runner := workflow.NewRunner(d, nil, logger)
	coordinator := workflow.NewCoordinator(p, runner, bus, leaser, logger, coordinatorOpts...)

	s.Engine = workflow.NewEngine(p, coordinator, bus, logger,
		workflow.WithEngineMetrics(s.Metrics),
		workflow.WithEngineTracer(tracer),
	)

	return s, nil
}

// Close releases resources in reverse order of creation.
func (s *Stack) Close() error {
	var errs []error

	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}

	return errors.Join(errs...)
}
