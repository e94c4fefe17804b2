package cmd

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/dukex/autoflow/pkg/metrics"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
)

// ServeMetrics exposes the collector on :port/metrics until ctx is done.
// A zero port disables the endpoint.
func ServeMetrics(ctx context.Context, collector *metrics.Collector, port int, logger *slog.Logger) error {
	if port == 0 || collector == nil {
		return nil
	}

	app := fiber.New()
	app.Get("/metrics", adaptor.HTTPHandler(collector.Handler()))

	errCh := make(chan error, 1)

	go func() {
		logger.InfoContext(ctx, "Serving metrics", "port", port)
		errCh <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := app.ShutdownWithContext(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	}
}
