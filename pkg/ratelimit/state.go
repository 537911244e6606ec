// Package ratelimit paces one client's calls against a throttling upstream.
// It honours Retry-After hints from 429/503 responses, enforces a minimum
// spacing between calls and tracks how long the current throttle streak has
// lasted. State is owned by a single client and never shared across jobs.
package ratelimit

import (
	"time"
)

// Thresholds for throttle streak decisions.
const (
	// StreakWarning marks the upstream as degraded once this many consecutive
	// calls were throttled or unavailable.
	StreakWarning = 3

	// StreakCritical is the streak length after which the tracker applies an
	// extra cooldown before every call until a success resets it.
	StreakCritical = 8
)

// ThrottleState is the pacing state of one client.
type ThrottleState struct {
	// Streak counts consecutive 429/503 responses.
	Streak int `json:"streak"`

	// LastStatus is the status code of the most recent response.
	LastStatus int `json:"last_status"`

	// CooldownUntil is the earliest time the next call may start.
	CooldownUntil time.Time `json:"cooldown_until"`

	// RetryAfter is the most recent server-provided retry hint.
	RetryAfter time.Duration `json:"retry_after"`

	// LastRequest is when the last call was started.
	LastRequest time.Time `json:"last_request"`

	// LastUpdate is when a response was last recorded.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if no response was recorded within maxAge.
func (s *ThrottleState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// IsDegraded returns true once the streak reaches StreakWarning.
func (s *ThrottleState) IsDegraded() bool {
	return s.Streak >= StreakWarning
}

// IsCritical returns true once the streak reaches StreakCritical.
func (s *ThrottleState) IsCritical() bool {
	return s.Streak >= StreakCritical
}

// TimeUntilReady returns how long a caller must wait at now before the next
// call, considering both the cooldown and the minimum spacing.
func (s *ThrottleState) TimeUntilReady(now time.Time, minInterval time.Duration) time.Duration {
	wait := s.CooldownUntil.Sub(now)
	if !s.LastRequest.IsZero() {
		if spacing := s.LastRequest.Add(minInterval).Sub(now); spacing > wait {
			wait = spacing
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}
