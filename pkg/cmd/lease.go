package cmd

import (
	"context"
	"fmt"

	"github.com/dukex/autoflow/pkg/lease"
)

// NewLeaser returns a Redis leaser shared by every worker when redisURL is
// set, otherwise a process-local one.
func NewLeaser(ctx context.Context, redisURL string) (lease.Leaser, func() error, error) {
	if redisURL == "" {
		return lease.NewMemory(nil), func() error { return nil }, nil
	}

	leaser, err := lease.NewRedisFromURL(ctx, redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect lease store: %w", err)
	}

	return leaser, leaser.Close, nil
}
