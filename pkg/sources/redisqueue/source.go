// Package redisqueue feeds CRM events pushed onto a Redis list into the
// engine.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

const (
	DefaultQueue = "autoflow:events"

	popTimeout   = time.Second
	errorBackoff = time.Second
)

// Submitter accepts inbound events. *workflow.Engine satisfies it.
type Submitter interface {
	SubmitEvent(ctx context.Context, event models.Event) (string, error)
}

// Source pops JSON encoded models.Event values from a Redis list.
type Source struct {
	client    redis.UniversalClient
	queue     string
	submitter Submitter
	rejected  func(error) bool
	logger    *slog.Logger
}

type Option func(*Source)

// WithRejection marks submit errors that mean the event itself is bad. Such
// events are dropped instead of requeued.
func WithRejection(rejected func(error) bool) Option {
	return func(s *Source) {
		s.rejected = rejected
	}
}

func New(client redis.UniversalClient, queue string, submitter Submitter, logger *slog.Logger, opts ...Option) *Source {
	if queue == "" {
		queue = DefaultQueue
	}

	s := &Source{
		client:    client,
		queue:     queue,
		submitter: submitter,
		rejected:  func(error) bool { return false },
		logger:    logger.With("module", "redis_queue_source", "queue", queue),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewFromURL connects using a redis:// URL.
func NewFromURL(ctx context.Context, redisURL, queue string, submitter Submitter, logger *slog.Logger, opts ...Option) (*Source, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client, queue, submitter, logger, opts...), nil
}

// Start consumes the queue until ctx is done.
func (s *Source) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting queue consumer")

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Queue consumer stopped")

			return nil
		default:
		}

		if err := s.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}

			s.logger.ErrorContext(ctx, "Error processing message", "error", err)

			select {
			case <-ctx.Done():
			case <-time.After(errorBackoff):
			}
		}
	}
}

// ProcessNext waits briefly for one message and submits it. It returns nil
// when the queue stays empty.
func (s *Source) ProcessNext(ctx context.Context) error {
	result, err := s.client.BLPop(ctx, popTimeout, s.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	message := result[1]

	event, err := DecodeEvent([]byte(message))
	if err != nil {
		s.logger.WarnContext(ctx, "Dropping undecodable message", "error", err)

		return nil
	}

	id, err := s.submitter.SubmitEvent(ctx, event)
	if err != nil {
		if s.rejected(err) {
			s.logger.WarnContext(ctx, "Dropping rejected event", "category", event.Category, "error", err)

			return nil
		}

		if pushErr := s.client.LPush(context.WithoutCancel(ctx), s.queue, message).Err(); pushErr != nil {
			return errors.Join(err, fmt.Errorf("failed to requeue message: %w", pushErr))
		}

		return fmt.Errorf("failed to submit event: %w", err)
	}

	s.logger.DebugContext(ctx, "Event submitted", "event_id", id, "category", event.Category)

	return nil
}

func (s *Source) Close() error {
	return s.client.Close()
}

// DecodeEvent parses a queue message. Unknown fields are ignored.
func DecodeEvent(data []byte) (models.Event, error) {
	var event models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return models.Event{}, fmt.Errorf("invalid event message: %w", err)
	}

	return event, nil
}
