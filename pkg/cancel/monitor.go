// Package cancel implements cooperative job cancellation.
//
// A job never gets interrupted from outside. Instead the worker calls
// Checker.Check at every checkpoint (before and after each network call,
// before each partition, page and item) and stops cleanly when it returns
// an error wrapping ErrCancelled.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var cancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taxcrawl_cancellations_total",
	Help: "Jobs stopped by the cancellation monitor by reason",
}, []string{"reason"})

// ErrCancelled is the sentinel every cancellation error wraps.
var ErrCancelled = errors.New("job cancelled")

// Reason says why a job was cancelled.
type Reason string

const (
	// ReasonRequested means the caller set the explicit cancel flag.
	ReasonRequested Reason = "cancel_requested"

	// ReasonHeartbeatTimeout means the caller stopped heartbeating.
	ReasonHeartbeatTimeout Reason = "heartbeat_timeout"

	// ReasonShutdown means the worker's context was cancelled.
	ReasonShutdown Reason = "shutdown"
)

// Error is returned by a tripped checker.
type Error struct {
	JobID  string
	Reason Reason
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("job cancelled: %s", e.Reason)
	}
	return fmt.Sprintf("job %s cancelled: %s", e.JobID, e.Reason)
}

// Unwrap lets errors.Is(err, ErrCancelled) match.
func (e *Error) Unwrap() error {
	return ErrCancelled
}

// ReasonOf extracts the cancellation reason from err, or "" if err is not a
// cancellation.
func ReasonOf(err error) Reason {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	if errors.Is(err, ErrCancelled) {
		return ReasonRequested
	}
	return ""
}

// Checker is a cancellation checkpoint.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// ContextOnly trips only when ctx is done.
var ContextOnly Checker = CheckerFunc(FromContext)

// FromContext converts a done context into a cancellation error.
func FromContext(ctx context.Context) error {
	if ctx.Err() != nil {
		return &Error{Reason: ReasonShutdown}
	}
	return nil
}

// Source exposes the caller-owned cancellation signals for one job.
type Source interface {
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	LastHeartbeat(ctx context.Context, jobID string) (time.Time, error)
}

// Config holds Monitor settings.
type Config struct {
	// HeartbeatTimeout is how long a processing job may go without a caller
	// heartbeat. Zero disables the heartbeat check.
	HeartbeatTimeout time.Duration

	// PollInterval limits how often the store is consulted. Zero polls on
	// every checkpoint.
	PollInterval time.Duration
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 60 * time.Second,
	}
}

// Monitor checks the explicit cancel flag and heartbeat staleness of one job.
// Once tripped it stays tripped.
type Monitor struct {
	source    Source
	jobID     string
	config    Config
	startedAt time.Time
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	tripped  *Error
	lastPoll time.Time
}

// NewMonitor creates a monitor for jobID. The heartbeat baseline is the
// moment the monitor is created.
func NewMonitor(source Source, jobID string, cfg Config) *Monitor {
	return &Monitor{
		source:    source,
		jobID:     jobID,
		config:    cfg,
		startedAt: time.Now(),
		now:       time.Now,
		logger:    log.With().Str("component", "cancel-monitor").Str("job_id", jobID).Logger(),
	}
}

// SetClock replaces the time source (for testing).
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.startedAt = now()
}

// Check returns a *Error when the job must stop.
func (m *Monitor) Check(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tripped != nil {
		return m.tripped
	}

	if ctx.Err() != nil {
		return m.trip(ReasonShutdown)
	}

	now := m.now()
	if m.config.PollInterval > 0 && !m.lastPoll.IsZero() && now.Sub(m.lastPoll) < m.config.PollInterval {
		return nil
	}
	m.lastPoll = now

	requested, err := m.source.CancelRequested(ctx, m.jobID)
	if err != nil {
		// A flaky store must not cancel a healthy job.
		m.logger.Warn().Err(err).Msg("Cancel flag lookup failed")
	} else if requested {
		return m.trip(ReasonRequested)
	}

	if m.config.HeartbeatTimeout <= 0 {
		return nil
	}

	last, err := m.source.LastHeartbeat(ctx, m.jobID)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Heartbeat lookup failed")
		return nil
	}
	if last.IsZero() || last.Before(m.startedAt) {
		last = m.startedAt
	}
	if now.Sub(last) > m.config.HeartbeatTimeout {
		m.logger.Warn().
			Dur("since_heartbeat", now.Sub(last)).
			Dur("timeout", m.config.HeartbeatTimeout).
			Msg("Heartbeat stale, cancelling job")
		return m.trip(ReasonHeartbeatTimeout)
	}

	return nil
}

// Tripped reports the cancellation error, if any.
func (m *Monitor) Tripped() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tripped == nil {
		return nil
	}
	return m.tripped
}

func (m *Monitor) trip(reason Reason) error {
	m.tripped = &Error{JobID: m.jobID, Reason: reason}
	cancellationsTotal.WithLabelValues(string(reason)).Inc()
	m.logger.Info().Str("reason", string(reason)).Msg("Job cancellation tripped")
	return m.tripped
}
