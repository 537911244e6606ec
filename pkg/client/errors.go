package client

import (
	"errors"
	"fmt"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/cancel"
)

// Common errors returned by the client.
var (
	// ErrAuthExpired is returned on 401. It is fatal to the job.
	ErrAuthExpired = errors.New("upstream session expired")

	// ErrExhaustedRetries is returned when the retry budget is spent. The
	// caller skips the unit of work and continues.
	ErrExhaustedRetries = errors.New("retry attempts exhausted")

	// ErrMalformedResponse is returned when a 2xx body fails the request's
	// acceptance check.
	ErrMalformedResponse = errors.New("malformed upstream response")

	// ErrCancelled is the cancellation sentinel, re-exported for callers
	// that only import this package.
	ErrCancelled = cancel.ErrCancelled
)

// UpstreamError is one failed attempt against the upstream.
type UpstreamError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must end the job rather than be absorbed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, cancel.ErrCancelled)
}

// shouldRetry determines if an error class is worth another attempt.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassAuth:
		return false
	case ErrorClassRateLimit, ErrorClassUnavailable, ErrorClassServer,
		ErrorClassClient, ErrorClassNetwork, ErrorClassMalformed:
		return true
	default:
		return false
	}
}
