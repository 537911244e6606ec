package client

import (
	"testing"
	"time"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	if p.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %d, want 10", p.MaxAttempts)
	}
	if p.MaxMalformedAttempts != 2 {
		t.Errorf("MaxMalformedAttempts = %d, want 2", p.MaxMalformedAttempts)
	}
	if p.RateLimit.Initial != 500*time.Millisecond || p.RateLimit.Multiplier != 1 {
		t.Errorf("RateLimit = %+v, want fixed 500ms", p.RateLimit)
	}
	if p.Unavailable.Multiplier != 2 || p.Unavailable.Max != 30*time.Second {
		t.Errorf("Unavailable = %+v, want x2 capped at 30s", p.Unavailable)
	}
	if p.Other.Multiplier != 1.5 || p.Other.Max != 30*time.Second {
		t.Errorf("Other = %+v, want x1.5 capped at 30s", p.Other)
	}
}

func TestBackoff_Delay(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		retry   int
		want    time.Duration
	}{
		{"fixed first", Backoff{Initial: 500 * time.Millisecond, Multiplier: 1}, 1, 500 * time.Millisecond},
		{"fixed fifth", Backoff{Initial: 500 * time.Millisecond, Multiplier: 1}, 5, 500 * time.Millisecond},
		{"double first", Backoff{Initial: time.Second, Multiplier: 2, Max: 30 * time.Second}, 1, time.Second},
		{"double fourth", Backoff{Initial: time.Second, Multiplier: 2, Max: 30 * time.Second}, 4, 8 * time.Second},
		{"double capped", Backoff{Initial: time.Second, Multiplier: 2, Max: 30 * time.Second}, 8, 30 * time.Second},
		{"one and a half third", Backoff{Initial: time.Second, Multiplier: 1.5, Max: 30 * time.Second}, 3, 2250 * time.Millisecond},
		{"zero retry treated as first", Backoff{Initial: time.Second, Multiplier: 2}, 0, time.Second},
		{"multiplier below one treated as fixed", Backoff{Initial: time.Second, Multiplier: 0.5}, 3, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.backoff.Delay(tt.retry); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
			}
		})
	}
}

func TestBackoff_Jitter(t *testing.T) {
	b := Backoff{Jitter: 0.2}
	base := 10 * time.Second

	for i := 0; i < 100; i++ {
		d := b.withJitter(base)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("withJitter() = %v, want within ±20%% of %v", d, base)
		}
	}

	if got := (Backoff{}).withJitter(base); got != base {
		t.Errorf("withJitter() without jitter = %v, want %v", got, base)
	}
}

func TestBackoff_JitterStaysUnderCap(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2}

	for i := 0; i < 200; i++ {
		if d := b.withJitter(b.Delay(10)); d > b.Max {
			t.Fatalf("withJitter(Delay(10)) = %v, want <= %v", d, b.Max)
		}
	}
}

func TestRetryPolicy_BackoffFor(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		class ErrorClass
		want  Backoff
	}{
		{ErrorClassRateLimit, p.RateLimit},
		{ErrorClassUnavailable, p.Unavailable},
		{ErrorClassServer, p.Other},
		{ErrorClassClient, p.Other},
		{ErrorClassNetwork, p.Other},
		{ErrorClassMalformed, p.Other},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			if got := p.BackoffFor(tt.class); got != tt.want {
				t.Errorf("BackoffFor(%q) = %+v, want %+v", tt.class, got, tt.want)
			}
		})
	}
}
