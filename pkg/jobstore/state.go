// Package jobstore persists job state in a shared key-value store.
//
// The store is the only coordination channel between the worker running a
// job and the callers observing it. Each key has a single writer: the worker
// owns the state record, callers own the cancel flag and the heartbeat. No
// operation therefore needs a read-modify-write across that boundary.
package jobstore

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCancelled  JobStatus = "cancelled"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from → to is a legal move of the job
// state machine: queued → processing → {completed | failed | cancelled}.
// A queued job may also be cancelled or failed before it starts.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled || to == StatusFailed
	case StatusProcessing:
		return to.IsTerminal()
	default:
		return false
	}
}

// JobState is the externally visible record of one job.
type JobState struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`

	Category   string    `json:"documentCategory"`
	RangeStart time.Time `json:"dateRangeStart"`
	RangeEnd   time.Time `json:"dateRangeEnd"`

	Processed                 int     `json:"processed"`
	Total                     int     `json:"total"`
	Percent                   float64 `json:"percent"`
	CurrentStep               string  `json:"currentStep"`
	EstimatedRemainingSeconds int     `json:"estimatedRemainingSeconds"`

	StartTime     time.Time `json:"startTime"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	UpdatedAt     time.Time `json:"updatedAt"`
	FinishedAt    time.Time `json:"finishedAt,omitempty"`

	ManifestID string `json:"manifestId,omitempty"`
	Requested  int    `json:"requested"`
	Downloaded int    `json:"downloaded"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Partial    bool   `json:"partial"`
	Error      string `json:"error,omitempty"`
}

// MarshalBinary lets go-redis store the state directly.
func (s *JobState) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary decodes a stored state.
func (s *JobState) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

// Clone returns a copy safe to hand to another goroutine.
func (s *JobState) Clone() *JobState {
	c := *s
	return &c
}
