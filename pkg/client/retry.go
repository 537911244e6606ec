package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff describes the delay schedule for one error class.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration `yaml:"initial"`

	// Max caps the delay.
	Max time.Duration `yaml:"max"`

	// Multiplier grows the delay per retry; 1 means a fixed delay.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter is the ± fraction of randomness applied, e.g. 0.2.
	Jitter float64 `yaml:"jitter"`
}

// Delay returns the wait before retry number n (1-based) without jitter.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// withJitter spreads d by ±Jitter, never past Max.
func (b Backoff) withJitter(d time.Duration) time.Duration {
	if b.Jitter <= 0 {
		return d
	}
	d = time.Duration(float64(d) * (1 - b.Jitter + rand.Float64()*2*b.Jitter))
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// RetryPolicy is the classification-driven retry table shared by every
// crawler variant.
type RetryPolicy struct {
	// MaxAttempts bounds the attempts of one call, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// MaxMalformedAttempts bounds attempts that returned an unacceptable
	// 2xx body.
	MaxMalformedAttempts int `yaml:"max_malformed_attempts"`

	// RateLimit applies to 429.
	RateLimit Backoff `yaml:"rate_limit"`

	// Unavailable applies to 503.
	Unavailable Backoff `yaml:"unavailable"`

	// Other applies to every other retryable failure.
	Other Backoff `yaml:"other"`
}

// DefaultRetryPolicy returns the standard policy: a short fixed pause on
// 429, doubling backoff on 503 and a gentler 1.5x backoff otherwise, all
// capped at 30s, with up to 10 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:          10,
		MaxMalformedAttempts: 2,
		RateLimit: Backoff{
			Initial:    500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 1,
			Jitter:     0.2,
		},
		Unavailable: Backoff{
			Initial:    1 * time.Second,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
		Other: Backoff{
			Initial:    1 * time.Second,
			Max:        30 * time.Second,
			Multiplier: 1.5,
			Jitter:     0.2,
		},
	}
}

// BackoffFor returns the schedule for an error class.
func (p RetryPolicy) BackoffFor(class ErrorClass) Backoff {
	switch class {
	case ErrorClassRateLimit:
		return p.RateLimit
	case ErrorClassUnavailable:
		return p.Unavailable
	default:
		return p.Other
	}
}

// ShouldRotate reports whether a failure of this class replaces the session
// before the next attempt.
func (p RetryPolicy) ShouldRotate(class ErrorClass) bool {
	return shouldRetry(class)
}
