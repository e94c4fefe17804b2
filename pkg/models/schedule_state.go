package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ScheduleState is the scheduler's bookkeeping for one scheduled
// automation. Fingerprint identifies the schedule NextFireAt was computed
// from, so an edited schedule is recomputed.
type ScheduleState struct {
	AutomationID   string     `json:"automation_id"`
	OrganizationID string     `json:"organization_id"`
	Fingerprint    string     `json:"fingerprint"`
	NextFireAt     *time.Time `json:"next_fire_at,omitempty"`
	LastFiredAt    *time.Time `json:"last_fired_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Fingerprint hashes the schedule definition.
func (s *Schedule) Fingerprint() string {
	data, _ := json.Marshal(s)
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:8])
}

// Due reports whether the state should fire at now.
func (s *ScheduleState) Due(now time.Time) bool {
	return s.NextFireAt != nil && !s.NextFireAt.After(now)
}
