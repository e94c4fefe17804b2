// Package dispatcher executes single actions through their registered
// handlers with a timeout and bounded retries.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/autoflow/pkg/metrics"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/template"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultNetworkTimeout = 2 * time.Minute
	DefaultMaxAttempts    = 3
)

// Result is the outcome of one dispatched action, retries included.
type Result struct {
	Output          map[string]any
	Attempts        int
	Duration        time.Duration
	PossiblyApplied bool
	Err             error
}

func (r Result) Failed() bool {
	return r.Err != nil
}

type Dispatcher struct {
	registry        *registry.Registry
	logger          *slog.Logger
	tracer          trace.Tracer
	metrics         *metrics.Collector
	defaultTimeout  time.Duration
	networkTimeout  time.Duration
	timeouts        map[models.ActionType]time.Duration
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
}

type Option func(*Dispatcher)

// WithTimeout overrides the timeout of one action type.
func WithTimeout(actionType models.ActionType, timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeouts[actionType] = timeout
	}
}

// WithDefaultTimeouts sets the ceilings for regular and network-bound types.
func WithDefaultTimeouts(regular, network time.Duration) Option {
	return func(d *Dispatcher) {
		d.defaultTimeout = regular
		d.networkTimeout = network
	}
}

// WithRetry bounds attempts and the exponential backoff between them.
func WithRetry(maxAttempts int, initial, maxInterval time.Duration) Option {
	return func(d *Dispatcher) {
		d.maxAttempts = max(1, maxAttempts)
		d.initialInterval = initial
		d.maxInterval = maxInterval
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(d *Dispatcher) {
		d.metrics = collector
	}
}

func New(reg *registry.Registry, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:        reg,
		logger:          logger.With("module", "dispatcher"),
		tracer:          otelhelper.NoopTracer(),
		defaultTimeout:  DefaultTimeout,
		networkTimeout:  DefaultNetworkTimeout,
		timeouts:        make(map[models.ActionType]time.Duration),
		maxAttempts:     DefaultMaxAttempts,
		initialInterval: 500 * time.Millisecond,
		maxInterval:     10 * time.Second,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Timeout returns the per-attempt ceiling for actionType.
func (d *Dispatcher) Timeout(actionType models.ActionType) time.Duration {
	if t, ok := d.timeouts[actionType]; ok {
		return t
	}

	if actionType.NetworkBound() {
		return d.networkTimeout
	}

	return d.defaultTimeout
}

// Execute runs action through its handler. Retryable failures are retried
// with exponential backoff; a failure that may have applied the side effect
// of a non-idempotent action is never retried.
func (d *Dispatcher) Execute(ctx context.Context, action *models.Action, run protocol.RunContext) Result {
	started := time.Now()

	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "action.dispatch",
		attribute.String(otelhelper.RunIDKey, run.RunID),
		attribute.String(otelhelper.StepIDKey, run.StepID),
		attribute.String(otelhelper.ActionIDKey, action.ID),
		attribute.String(otelhelper.ActionTypeKey, string(action.Type)),
	)
	defer span.End()

	logger := d.logger.With("run_id", run.RunID, "step_id", run.StepID, "action_id", action.ID, "action_type", action.Type)

	result := d.execute(ctx, action, run, logger)
	result.Duration = time.Since(started)

	status := "succeeded"
	if result.Failed() {
		status = "failed"
		otelhelper.SetError(span, result.Err, attribute.Int(otelhelper.AttemptsKey, result.Attempts))
		logger.WarnContext(ctx, "Action failed",
			"error", result.Err, "attempts", result.Attempts, "possibly_applied", result.PossiblyApplied)
	} else {
		logger.DebugContext(ctx, "Action succeeded", "attempts", result.Attempts, "duration", result.Duration)
	}

	d.metrics.ActionDispatched(string(action.Type), status, result.Attempts, result.Duration)

	return result
}

func (d *Dispatcher) execute(ctx context.Context, action *models.Action, run protocol.RunContext, logger *slog.Logger) Result {
	handler, err := d.registry.Handler(ctx, action.Type)
	if err != nil {
		return Result{Err: protocol.Terminal(err)}
	}

	config, err := template.RenderConfig(action.Config, run.Data)
	if err != nil {
		return Result{Err: protocol.Terminal(fmt.Errorf("render config: %w", err))}
	}

	timeout := d.Timeout(action.Type)

	var (
		output   map[string]any
		attempts int
	)

	operation := func() error {
		attempts++
		run.Attempt = attempts

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, err := handler.Execute(attemptCtx, config, run)
		if err == nil {
			output = out

			return nil
		}

		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = protocol.Retryable(fmt.Errorf("timed out after %s: %w", timeout, err))
			if !action.Type.Idempotent() {
				err = protocol.PossiblyApplied(err)
			}
		}

		if !protocol.IsRetryable(err) {
			return backoff.Permanent(err)
		}

		if protocol.WasPossiblyApplied(err) && !action.Type.Idempotent() {
			return backoff.Permanent(err)
		}

		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.initialInterval
	policy.MaxInterval = d.maxInterval
	policy.MaxElapsedTime = 0

	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.maxAttempts-1)), ctx)

	err = backoff.RetryNotify(operation, bounded, func(err error, wait time.Duration) {
		logger.InfoContext(ctx, "Retrying action", "attempt", attempts, "wait", wait, "error", err)
	})

	return Result{
		Output:          output,
		Attempts:        attempts,
		PossiblyApplied: err != nil && protocol.WasPossiblyApplied(err),
		Err:             err,
	}
}
