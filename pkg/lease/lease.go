// Package lease provides short-lived exclusive ownership of a key. Runs are
// advanced by a single holder of run:<id>; run creation for a correlation
// value is serialized on correlation:<automation>:<value>.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Leaser interface {
	// Acquire takes key for owner until ttl elapses. It reports false when
	// another owner holds an unexpired lease. Acquiring a key already held by
	// owner extends it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release frees key if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

func RunKey(runID string) string {
	return "run:" + runID
}

func CorrelationKey(automationID, value string) string {
	return "correlation:" + automationID + ":" + value
}

type entry struct {
	owner   string
	expires time.Time
}

// Memory is a process-local Leaser.
type Memory struct {
	clock  clockwork.Clock
	mu     sync.Mutex
	leases map[string]entry
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Memory{clock: clock, leases: make(map[string]entry)}
}

func (m *Memory) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	if current, ok := m.leases[key]; ok && current.owner != owner && now.Before(current.expires) {
		return false, nil
	}

	m.leases[key] = entry{owner: owner, expires: now.Add(ttl)}

	return true, nil
}

func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.leases[key]; ok && current.owner == owner {
		delete(m.leases, key)
	}

	return nil
}
