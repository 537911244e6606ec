package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for pacing.
var (
	throttleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taxcrawl_throttle_wait_seconds",
		Help:    "Time spent waiting for cooldown or minimum spacing before a call",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	throttleResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxcrawl_throttle_responses_total",
		Help: "Responses that extended the throttle streak by status",
	}, []string{"status"})
)

// Config holds Tracker settings.
type Config struct {
	// MinInterval is the minimum spacing between two calls of one client.
	MinInterval time.Duration

	// MaxCooldown caps Retry-After hints.
	MaxCooldown time.Duration

	// CriticalCooldown is applied before each call while the streak is
	// critical.
	CriticalCooldown time.Duration
}

// DefaultConfig returns polite defaults for government portals.
func DefaultConfig() Config {
	return Config{
		MinInterval:      200 * time.Millisecond,
		MaxCooldown:      30 * time.Second,
		CriticalCooldown: 5 * time.Second,
	}
}

// Tracker gates the calls of one client.
type Tracker struct {
	config Config
	logger zerolog.Logger

	mu    sync.Mutex
	state ThrottleState
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a tracker.
func NewTracker(cfg Config, logger zerolog.Logger) *Tracker {
	return &Tracker{
		config: cfg,
		logger: logger,
		now:    time.Now,
		sleep:  Sleep,
	}
}

// SetClock replaces the time source and sleeper (for testing).
func (t *Tracker) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.sleep = sleep
}

// State returns a copy of the current state.
func (t *Tracker) State() ThrottleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Wait blocks until the next call may start, then records the call start.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	now := t.now()
	wait := t.state.TimeUntilReady(now, t.config.MinInterval)
	if t.state.IsCritical() && wait < t.config.CriticalCooldown {
		wait = t.config.CriticalCooldown
	}
	sleep := t.sleep
	t.mu.Unlock()

	if wait > 0 {
		t.logger.Debug().
			Dur("wait", wait).
			Int("streak", t.State().Streak).
			Msg("Pacing before upstream call")
		throttleWaitSeconds.Observe(wait.Seconds())
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.state.LastRequest = t.now()
	t.mu.Unlock()
	return nil
}

// UpdateFromResponse records the outcome of a call.
func (t *Tracker) UpdateFromResponse(status int, header http.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.state.LastStatus = status
	t.state.LastUpdate = now

	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		t.state.Streak++
		throttleResponsesTotal.WithLabelValues(strconv.Itoa(status)).Inc()

		t.state.RetryAfter = 0
		if ra, ok := ParseRetryAfter(header.Get("Retry-After"), now); ok {
			if ra > t.config.MaxCooldown {
				ra = t.config.MaxCooldown
			}
			t.state.RetryAfter = ra
			if until := now.Add(ra); until.After(t.state.CooldownUntil) {
				t.state.CooldownUntil = until
			}
		}

		if t.state.Streak == StreakWarning || t.state.Streak == StreakCritical {
			t.logger.Warn().
				Int("streak", t.state.Streak).
				Int("status", status).
				Dur("retry_after", t.state.RetryAfter).
				Msg("Upstream throttling streak")
		}
	default:
		if status > 0 && status < 400 {
			if t.state.Streak > 0 {
				t.logger.Debug().Int("streak", t.state.Streak).Msg("Throttle streak cleared")
			}
			t.state.Streak = 0
			t.state.RetryAfter = 0
		}
	}
}

// RetryAfter returns the last Retry-After hint, or 0.
func (t *Tracker) RetryAfter() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.RetryAfter
}

// ParseRetryAfter parses a Retry-After value given as delta seconds or an
// HTTP date.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
