package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const defaultWakeInterval = 15 * time.Second

// EventSource feeds external events into the engine until ctx is done.
type EventSource interface {
	Start(ctx context.Context) error
}

type WorkerManager struct {
	id           string
	engine       *workflow.Engine
	eventBus     eventbus.EventSubscriber
	sources      []EventSource
	clock        clockwork.Clock
	wakeInterval time.Duration
	logger       *slog.Logger
}

type WorkerOption func(*WorkerManager)

func WithClock(clock clockwork.Clock) WorkerOption {
	return func(w *WorkerManager) {
		w.clock = clock
	}
}

func WithWakeInterval(interval time.Duration) WorkerOption {
	return func(w *WorkerManager) {
		if interval > 0 {
			w.wakeInterval = interval
		}
	}
}

func WithSource(source EventSource) WorkerOption {
	return func(w *WorkerManager) {
		w.sources = append(w.sources, source)
	}
}

func NewWorkerManager(
	id string,
	engine *workflow.Engine,
	eventBus eventbus.EventSubscriber,
	logger *slog.Logger,
	opts ...WorkerOption,
) *WorkerManager {
	w := &WorkerManager{
		id:           id,
		engine:       engine,
		eventBus:     eventBus,
		clock:        clockwork.NewRealClock(),
		wakeInterval: defaultWakeInterval,
		logger:       logger.With("module", "autoflow-worker", "worker_id", id),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start consumes bus events, requeues runs stranded by a previous worker and
// wakes suspended runs on every tick. It returns when ctx is done.
func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	if err := w.engine.Register(w.eventBus); err != nil {
		return err
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	recovered, err := w.engine.Coordinator().Recover(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to recover stranded runs", "error", err)
	} else if recovered > 0 {
		w.logger.InfoContext(ctx, "Recovered stranded runs", "count", recovered)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.wakeLoop(ctx)
	})

	for _, source := range w.sources {
		g.Go(func() error {
			return source.Start(ctx)
		})
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	err = g.Wait()

	w.logger.InfoContext(context.WithoutCancel(ctx), "Shutting down worker...")

	return err
}

func (w *WorkerManager) wakeLoop(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.wakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			woken, err := w.engine.Coordinator().WakeDue(ctx)
			if err != nil {
				w.logger.ErrorContext(ctx, "Failed to wake due runs", "error", err)

				continue
			}

			if woken > 0 {
				w.logger.DebugContext(ctx, "Woke due runs", "count", woken)
			}
		}
	}
}
