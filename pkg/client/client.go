// Package client provides the rate-limited upstream HTTP client with
// classification-driven retry, backoff and session rotation.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/cancel"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/ratelimit"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream calls.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxcrawl_upstream_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taxcrawl_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15},
	}, []string{"endpoint"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxcrawl_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})

	upstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxcrawl_upstream_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	upstreamBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taxcrawl_upstream_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	upstreamExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxcrawl_upstream_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by last error class",
	}, []string{"error_class"})

	sessionRotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxcrawl_session_rotations_total",
		Help: "Total session rotations by triggering error class",
	}, []string{"error_class"})
)

// ErrorClass represents a classification of failed attempts.
type ErrorClass string

const (
	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassUnavailable represents 503 responses.
	ErrorClassUnavailable ErrorClass = "unavailable"

	// ErrorClassAuth represents 401 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassClient represents other 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents other 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassMalformed represents 2xx responses with an unacceptable body.
	ErrorClassMalformed ErrorClass = "malformed"
)

// Request describes one logical upstream call. It is rebuilt into a fresh
// *http.Request for every attempt so a rotated session never inherits
// per-attempt state.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Endpoint labels metrics and logs; defaults to the URL path.
	Endpoint string

	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxAttempts lowers the policy budget for this call when positive.
	MaxAttempts int

	// Accept validates a 2xx response. Nil accepts any body.
	Accept func(*Response) error
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	SessionID  string
	Attempts   int
}

// AcceptJSON accepts bodies that are syntactically valid JSON.
func AcceptJSON(resp *Response) error {
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return errors.New("empty body")
	}
	if !json.Valid(resp.Body) {
		return errors.New("body is not valid JSON")
	}
	return nil
}

// Config holds the client configuration.
type Config struct {
	// Factory builds sessions (REQUIRED).
	Factory session.Factory

	// Policy is the retry table.
	Policy RetryPolicy

	// Throttle configures call pacing.
	Throttle ratelimit.Config

	// Checker is consulted before and after every network call and while
	// backing off. Defaults to context-only cancellation.
	Checker cancel.Checker

	// ListTimeout and ExportTimeout are the per-attempt defaults for
	// listing and artifact calls.
	ListTimeout   time.Duration
	ExportTimeout time.Duration

	// CheckInterval is the slice length used to poll Checker while
	// sleeping.
	CheckInterval time.Duration

	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(factory session.Factory) Config {
	return Config{
		Factory:       factory,
		Policy:        DefaultRetryPolicy(),
		Throttle:      ratelimit.DefaultConfig(),
		Checker:       cancel.ContextOnly,
		ListTimeout:   15 * time.Second,
		ExportTimeout: 3 * time.Second,
		CheckInterval: 1 * time.Second,
		MaxBodyBytes:  64 << 20,
	}
}

// Client executes upstream calls for one job. It owns its session and is
// not shared across jobs.
type Client struct {
	factory session.Factory
	policy  RetryPolicy
	checker cancel.Checker
	tracker *ratelimit.Tracker
	config  Config
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	session   *session.Handle
	rotations int
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if cfg.Policy.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.Policy.MaxAttempts)
	}
	if cfg.Policy.MaxMalformedAttempts < 1 {
		cfg.Policy.MaxMalformedAttempts = 1
	}
	if cfg.Checker == nil {
		cfg.Checker = cancel.ContextOnly
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 15 * time.Second
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = 3 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}

	logger := log.With().Str("component", "upstream-client").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "upstream-client").Logger()
	}

	c := &Client{
		factory: cfg.Factory,
		policy:  cfg.Policy,
		checker: cfg.Checker,
		tracker: ratelimit.NewTracker(cfg.Throttle, logger),
		config:  cfg,
		logger:  logger,
		sleep:   ratelimit.Sleep,
	}
	// Cooldowns run through the same sliced sleep as backoffs so the
	// checker is polled while the tracker holds a call back.
	c.tracker.SetClock(time.Now, c.wait)
	return c, nil
}

// ListTimeout returns the per-attempt timeout for listing calls.
func (c *Client) ListTimeout() time.Duration { return c.config.ListTimeout }

// ExportTimeout returns the per-attempt timeout for artifact calls.
func (c *Client) ExportTimeout() time.Duration { return c.config.ExportTimeout }

// Rotations returns how many times the session was replaced.
func (c *Client) Rotations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rotations
}

// Session returns the current session, or nil before the first call.
func (c *Client) Session() *session.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSleeper replaces the backoff and pacing sleeper (for testing).
func (c *Client) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	c.sleep = sleep
}

// Close releases the current session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	return nil
}

// Execute performs req with retry, backoff and rotation. It returns
// ErrAuthExpired and cancellation errors immediately, and wraps
// ErrExhaustedRetries once the budget is spent.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = endpointOf(req.URL)
	}

	maxAttempts := c.policy.MaxAttempts
	if req.MaxAttempts > 0 && req.MaxAttempts < maxAttempts {
		maxAttempts = req.MaxAttempts
	}

	var (
		lastErr   error
		lastClass ErrorClass
		malformed int
		retries   = make(map[ErrorClass]int)
		attempt   int
	)

	for attempt = 1; attempt <= maxAttempts; attempt++ {
		if err := c.checker.Check(ctx); err != nil {
			return nil, err
		}
		if err := c.tracker.Wait(ctx); err != nil {
			return nil, c.cancelled(ctx, err)
		}

		h, err := c.current(ctx)
		if err != nil {
			return nil, c.cancelled(ctx, err)
		}

		// Pacing may have slept; the flag can have been set meanwhile.
		if err := c.checker.Check(ctx); err != nil {
			return nil, err
		}

		resp, class, err := c.attempt(ctx, h, req, endpoint)

		// Post-call checkpoint: a cancellation that arrived while the call
		// was in flight wins over its result.
		if cerr := c.checker.Check(ctx); cerr != nil {
			return nil, cerr
		}
		if errors.Is(err, cancel.ErrCancelled) {
			return nil, err
		}

		if err == nil {
			if attempt > 1 {
				c.logger.Info().
					Str("endpoint", endpoint).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			resp.Attempts = attempt
			return resp, nil
		}

		upstreamErrorsTotal.WithLabelValues(string(class)).Inc()
		lastErr, lastClass = err, class

		if class == ErrorClassAuth {
			c.logger.Error().Str("endpoint", endpoint).Msg("Upstream rejected credentials")
			return nil, fmt.Errorf("%w: %v", ErrAuthExpired, err)
		}
		if !shouldRetry(class) {
			return nil, err
		}
		if class == ErrorClassMalformed {
			malformed++
			if malformed >= c.policy.MaxMalformedAttempts {
				break
			}
		}
		if attempt >= maxAttempts {
			break
		}

		if c.policy.ShouldRotate(class) {
			c.rotate(ctx, class)
		}

		retries[class]++
		backoff := c.policy.BackoffFor(class)
		delay := backoff.withJitter(backoff.Delay(retries[class]))

		upstreamRetriesTotal.WithLabelValues(string(class)).Inc()
		upstreamBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		c.logger.Warn().
			Str("endpoint", endpoint).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying upstream request after backoff")

		if err := c.wait(ctx, delay); err != nil {
			return nil, err
		}
	}

	if attempt > maxAttempts {
		attempt = maxAttempts
	}
	upstreamExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	c.logger.Warn().
		Str("endpoint", endpoint).
		Str("error_class", string(lastClass)).
		Int("attempts", attempt).
		Msg("Retry attempts exhausted")

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhaustedRetries, attempt, lastErr)
}

// attempt performs a single network call.
func (c *Client) attempt(ctx context.Context, h *session.Handle, req *Request, endpoint string) (*Response, ErrorClass, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.ListTimeout
	}
	actx, cancelAttempt := context.WithTimeout(ctx, timeout)
	defer cancelAttempt()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(actx, method, req.URL, body)
	if err != nil {
		return nil, ErrorClassClient, &UpstreamError{ErrorClass: ErrorClassClient, Message: "build request", Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", method).
		Str("session_id", h.ID()).
		Msg("Executing upstream request")

	start := time.Now()
	resp, err := h.Do(httpReq)
	upstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil, "", cancel.FromContext(ctx)
		}
		upstreamRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, ErrorClassNetwork, &UpstreamError{ErrorClass: ErrorClassNetwork, Message: "transport", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes))
	c.tracker.UpdateFromResponse(resp.StatusCode, resp.Header)
	upstreamRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", cancel.FromContext(ctx)
		}
		return nil, ErrorClassNetwork, &UpstreamError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Message: "read body", Err: err}
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		SessionID:  h.ID(),
	}

	class := classifyStatus(resp.StatusCode)
	if class != "" {
		return nil, class, &UpstreamError{StatusCode: resp.StatusCode, ErrorClass: class, Message: resp.Status}
	}

	if req.Accept != nil {
		if err := req.Accept(out); err != nil {
			return nil, ErrorClassMalformed, &UpstreamError{
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassMalformed,
				Message:    "unacceptable body",
				Err:        fmt.Errorf("%w: %v", ErrMalformedResponse, err),
			}
		}
	}

	return out, "", nil
}

// classifyStatus maps a status code to an error class, or "" for 2xx.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusUnauthorized:
		return ErrorClassAuth
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusServiceUnavailable:
		return ErrorClassUnavailable
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// current returns the live session, creating the first one lazily.
func (c *Client) current(ctx context.Context) (*session.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	h, err := c.factory.New(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	c.session = h
	return h, nil
}

// rotate replaces the session wholesale. A factory failure keeps the old
// session; the next attempt will simply reuse it.
func (c *Client) rotate(ctx context.Context, class ErrorClass) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, err := c.factory.New(ctx, c.session)
	if err != nil {
		c.logger.Warn().Err(err).Str("error_class", string(class)).Msg("Session rotation failed")
		return
	}
	c.session = h
	c.rotations++
	sessionRotationsTotal.WithLabelValues(string(class)).Inc()

	c.logger.Debug().
		Str("session_id", h.ID()).
		Str("egress", h.Egress()).
		Str("error_class", string(class)).
		Msg("Session rotated")
}

// wait sleeps for d in slices, consulting the checker between slices so a
// long backoff does not delay cancellation.
func (c *Client) wait(ctx context.Context, d time.Duration) error {
	for d > 0 {
		step := d
		if step > c.config.CheckInterval {
			step = c.config.CheckInterval
		}
		if err := c.sleep(ctx, step); err != nil {
			return c.cancelled(ctx, err)
		}
		if err := c.checker.Check(ctx); err != nil {
			return err
		}
		d -= step
	}
	return nil
}

// cancelled converts a context error into a cancellation error.
func (c *Client) cancelled(ctx context.Context, err error) error {
	if cerr := cancel.FromContext(ctx); cerr != nil {
		return cerr
	}
	return err
}

func endpointOf(rawURL string) string {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return rawURL
	}
	return req.URL.Path
}
