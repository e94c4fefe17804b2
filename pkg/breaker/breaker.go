// Package breaker keeps one circuit breaker per downstream target.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned instead of calling a target whose breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

type Settings struct {
	MinRequests  uint32
	FailureRatio float64
	Interval     time.Duration
	OpenTimeout  time.Duration
	HalfOpenMax  uint32
}

func DefaultSettings() Settings {
	return Settings{
		MinRequests:  5,
		FailureRatio: 0.6,
		Interval:     60 * time.Second,
		OpenTimeout:  30 * time.Second,
		HalfOpenMax:  3,
	}
}

type Set struct {
	settings Settings
	logger   *slog.Logger
	breakers sync.Map
}

func NewSet(settings Settings, logger *slog.Logger) *Set {
	return &Set{settings: settings, logger: logger}
}

func (s *Set) get(key string) *gobreaker.CircuitBreaker {
	if cb, ok := s.breakers.Load(key); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: s.settings.HalfOpenMax,
		Interval:    s.settings.Interval,
		Timeout:     s.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.settings.MinRequests {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Warn("Circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})

	actual, _ := s.breakers.LoadOrStore(key, cb)

	return actual.(*gobreaker.CircuitBreaker)
}

// Do runs fn through the breaker for key. Errors returned by fn count as
// failures; callers return outcomes that should not trip the breaker, such
// as client errors, as values.
func (s *Set) Do(key string, fn func() (any, error)) (any, error) {
	result, err := s.get(key).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}

	return result, err
}

// State reports the breaker state for key.
func (s *Set) State(key string) string {
	return s.get(key).State().String()
}
