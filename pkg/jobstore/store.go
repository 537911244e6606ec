package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrJobNotFound indicates the job is unknown or its state expired.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists indicates a job with the same id was already created.
	ErrJobExists = errors.New("job already exists")

	// ErrInvalidState indicates a stored record could not be decoded.
	ErrInvalidState = errors.New("invalid job state")
)

// DefaultTTL is how long job records survive without updates.
const DefaultTTL = 24 * time.Hour

var storeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taxcrawl_jobstore_errors_total",
	Help: "Job store operation errors by operation",
}, []string{"op"})

// Store is the shared job-state store.
type Store interface {
	// Create stores a new job record. It fails with ErrJobExists.
	Create(ctx context.Context, state *JobState) error

	// Get returns the record, or ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*JobState, error)

	// Save overwrites the record and refreshes its TTL. Only the worker
	// running the job calls Save.
	Save(ctx context.Context, state *JobState) error

	// List returns every live record.
	List(ctx context.Context) ([]*JobState, error)

	// RequestCancel sets the explicit cancel flag.
	RequestCancel(ctx context.Context, jobID string) error

	// CancelRequested reports whether the flag is set.
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	// Heartbeat records that the caller is still interested in the job.
	Heartbeat(ctx context.Context, jobID string) error

	// LastHeartbeat returns the last heartbeat, or the zero time.
	LastHeartbeat(ctx context.Context, jobID string) (time.Time, error)

	// Delete removes every key of the job.
	Delete(ctx context.Context, jobID string) error

	// Close releases the backend.
	Close() error
}
