package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	state     *JobState
	cancel    bool
	heartbeat time.Time
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-binary runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memoryEntry
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		jobs: make(map[string]*memoryEntry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// SetClock replaces the time source (for testing).
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// lookup returns a live entry; callers hold s.mu.
func (s *MemoryStore) lookup(jobID string) (*memoryEntry, error) {
	e, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if s.now().After(e.expiresAt) {
		delete(s.jobs, jobID)
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return e, nil
}

// Create stores a new record.
func (s *MemoryStore) Create(ctx context.Context, state *JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(state.JobID); err == nil {
		return fmt.Errorf("%w: %s", ErrJobExists, state.JobID)
	}
	now := s.now()
	s.jobs[state.JobID] = &memoryEntry{
		state:     state.Clone(),
		heartbeat: now,
		expiresAt: now.Add(s.ttl),
	}
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return e.state.Clone(), nil
}

// Save overwrites the record.
func (s *MemoryStore) Save(ctx context.Context, state *JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	state.UpdatedAt = now
	e, err := s.lookup(state.JobID)
	if err != nil {
		e = &memoryEntry{heartbeat: now}
		s.jobs[state.JobID] = e
	}
	e.state = state.Clone()
	e.expiresAt = now.Add(s.ttl)
	return nil
}

// List returns live records ordered by start time.
func (s *MemoryStore) List(ctx context.Context) ([]*JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*JobState
	for id := range s.jobs {
		if e, err := s.lookup(id); err == nil {
			out = append(out, e.state.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// RequestCancel sets the cancel flag.
func (s *MemoryStore) RequestCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	e.cancel = true
	return nil
}

// CancelRequested reports the cancel flag. Unknown jobs report false.
func (s *MemoryStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(jobID)
	if err != nil {
		return false, nil
	}
	return e.cancel, nil
}

// Heartbeat records the current time.
func (s *MemoryStore) Heartbeat(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	e.heartbeat = s.now()
	return nil
}

// LastHeartbeat returns the last heartbeat.
func (s *MemoryStore) LastHeartbeat(ctx context.Context, jobID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(jobID)
	if err != nil {
		return time.Time{}, nil
	}
	return e.heartbeat, nil
}

// Delete removes the job.
func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
