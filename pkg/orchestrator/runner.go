package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/jobstore"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/progress"
)

var (
	// ErrQueueFull is returned when the submission buffer is full.
	ErrQueueFull = errors.New("job queue is full")

	// ErrRunnerStopped is returned for submissions after Stop.
	ErrRunnerStopped = errors.New("runner is stopped")
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// MaxConcurrent bounds jobs processing at once.
	MaxConcurrent int

	// QueueSize is the submission buffer.
	QueueSize int

	// Sinks, when set, returns extra progress sinks for a new job.
	Sinks func(jobID string) []progress.Sink

	// Finished, when set, receives the final record of every job the
	// runner ran or abandoned.
	Finished func(state *jobstore.JobState)
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxConcurrent: 4,
		QueueSize:     64,
	}
}

// Runner executes submitted jobs, each in its own goroutine, at most
// MaxConcurrent at a time.
type Runner struct {
	reg    *Registry
	config RunnerConfig
	queue  chan *Job
	logger zerolog.Logger

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// NewRunner creates a runner. Call Start to begin executing jobs.
func NewRunner(reg *Registry, config RunnerConfig) *Runner {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	return &Runner{
		reg:    reg,
		config: config,
		queue:  make(chan *Job, config.QueueSize),
		logger: log.With().Str("component", "runner").Logger(),
		done:   make(chan struct{}),
	}
}

// Start dispatches queued jobs until Stop is called. Cancelling ctx
// cancels every running job (reason shutdown); their partial results are
// still packaged.
func (r *Runner) Start(ctx context.Context) {
	go r.dispatch(ctx)
}

func (r *Runner) dispatch(ctx context.Context) {
	defer close(r.done)

	var g errgroup.Group
	g.SetLimit(r.config.MaxConcurrent)

	for job := range r.queue {
		if ctx.Err() != nil {
			r.abandon(job)
			continue
		}
		g.Go(func() error {
			r.execute(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) execute(ctx context.Context, job *Job) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("job_id", job.ID()).Msg("Job panicked")
		}
	}()
	state, err := job.Run(ctx)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID()).Msg("Job record update failed")
	}
	r.finished(job, state)
}

func (r *Runner) finished(job *Job, state *jobstore.JobState) {
	if r.config.Finished == nil {
		return
	}
	if state == nil {
		state = job.State()
	}
	r.config.Finished(state)
}

// abandon marks a job that never started as cancelled.
func (r *Runner) abandon(job *Job) {
	job.state.Status = jobstore.StatusCancelled
	job.state.CurrentStep = "Cancelled (shutdown)"
	job.state.Error = "cancelled: shutdown"
	job.state.FinishedAt = time.Now()
	if err := job.save(context.Background(), true); err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID()).Msg("Failed to record abandoned job")
	}
	r.finished(job, job.State())
}

// Submit validates req, records it as queued and hands it to a worker.
func (r *Runner) Submit(ctx context.Context, req Request) (*jobstore.JobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrRunnerStopped
	}

	job, err := r.reg.NewJob(ctx, req)
	if err != nil {
		return nil, err
	}
	if r.config.Sinks != nil {
		for _, s := range r.config.Sinks(job.ID()) {
			job.AddSink(s)
		}
	}
	state := job.State()

	select {
	case r.queue <- job:
	default:
		job.state.Status = jobstore.StatusFailed
		job.state.Error = ErrQueueFull.Error()
		job.state.FinishedAt = time.Now()
		_ = job.save(ctx, true)
		return nil, ErrQueueFull
	}

	r.logger.Info().
		Str("job_id", state.JobID).
		Str("category", state.Category).
		Msg("Job queued")
	return state, nil
}

// Stop refuses new submissions and waits for queued and running jobs, or
// until ctx is done.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
