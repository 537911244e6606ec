package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/archive"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/cancel"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/client"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/downloader"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/jobstore"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/logging"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/model"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/pagination"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/partition"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/progress"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/session"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/upstream"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxcrawl_jobs_total",
		Help: "Finished jobs by category and final status",
	}, []string{"category", "status"})

	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taxcrawl_jobs_running",
		Help: "Jobs currently processing",
	})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taxcrawl_job_duration_seconds",
		Help:    "Wall time of finished jobs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"category"})
)

// ErrInvalidRequest wraps every submission validation failure.
var ErrInvalidRequest = errors.New("invalid job request")

// Request is a job submission. Credentials never reach the job store.
type Request struct {
	Category      string
	RangeStart    time.Time
	RangeEnd      time.Time
	ProxyIdentity string
	Credentials   session.Credentials
}

// Job is one submitted crawl. A Job runs once.
type Job struct {
	reg      *Registry
	req      Request
	category upstream.Category
	parts    []partition.Partition
	state    *jobstore.JobState
	sinks    []progress.Sink
	logger   zerolog.Logger
	lastSave time.Time
}

// plan validates req and splits its range.
func (r *Registry) plan(req Request) (upstream.Category, []partition.Partition, error) {
	cat, err := r.Categories.Get(req.Category)
	if err != nil {
		return cat, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.ProxyIdentity != "" && req.ProxyIdentity != session.Direct {
		if _, err := session.ParseProxy(req.ProxyIdentity); err != nil {
			return cat, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	parts, err := partition.Plan(req.RangeStart, req.RangeEnd, cat.MaxPartitionDays)
	if err != nil {
		return cat, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return cat, parts, nil
}

// NewJob validates req and records it as queued.
func (r *Registry) NewJob(ctx context.Context, req Request, sinks ...progress.Sink) (*Job, error) {
	cat, parts, err := r.plan(req)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	state := &jobstore.JobState{
		JobID:       uuid.NewString(),
		Status:      jobstore.StatusQueued,
		Category:    cat.Name,
		RangeStart:  parts[0].Start,
		RangeEnd:    parts[len(parts)-1].End,
		CurrentStep: "Queued",
		StartTime:   now,
		UpdatedAt:   now,
	}
	if err := r.Store.Create(ctx, state); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	return &Job{
		reg:      r,
		req:      req,
		category: cat,
		parts:    parts,
		state:    state,
		sinks:    sinks,
		logger:   logging.JobLogger(state.JobID, cat.Name),
	}, nil
}

// ID returns the job id.
func (j *Job) ID() string { return j.state.JobID }

// State returns a copy of the worker's view of the job.
func (j *Job) State() *jobstore.JobState { return j.state.Clone() }

// Partitions returns the planned partitions.
func (j *Job) Partitions() []partition.Partition { return j.parts }

// AddSink registers a progress sink. It must be called before Run.
func (j *Job) AddSink(s progress.Sink) { j.sinks = append(j.sinks, s) }

// Run executes the job and returns its final state. Expired credentials and
// cancellation end the job; every other upstream failure is absorbed.
// Whatever was downloaded is packaged in every outcome. The returned error
// is non-nil only when the job record itself could not be written.
func (j *Job) Run(ctx context.Context) (*jobstore.JobState, error) {
	start := time.Now()
	settings := j.reg.Settings

	j.state.Status = jobstore.StatusProcessing
	j.state.StartTime = start
	j.state.CurrentStep = "Starting"
	if err := j.save(ctx, true); err != nil {
		return nil, err
	}
	jobsRunning.Inc()
	defer jobsRunning.Dec()

	j.logger.Info().
		Time("range_start", j.state.RangeStart).
		Time("range_end", j.state.RangeEnd).
		Int("partitions", len(j.parts)).
		Msg("Job started")

	monitor := cancel.NewMonitor(j.reg.Store, j.ID(), settings.Monitor)
	reporter := progress.NewReporter(j.parts, progress.SinkFunc(j.publish))
	for _, s := range j.sinks {
		reporter.AddSink(s)
	}

	c, src, err := j.connect(monitor)
	if err != nil {
		j.logger.Error().Err(err).Msg("Job setup failed")
		reporter.Stop("Failed")
		return j.finish(ctx, jobstore.StatusFailed, err, nil, start)
	}
	defer c.Close()

	current := 0
	walkOpts := []pagination.Option{
		pagination.WithChecker(monitor),
		pagination.WithLogger(j.logger),
		pagination.WithPageHook(func(ev pagination.PageEvent) {
			reporter.PageFetched(current, ev.PageNumber, ev.ItemsSoFar, ev.TotalRecords)
		}),
	}
	if settings.Sleep != nil {
		walkOpts = append(walkOpts, pagination.WithSleeper(settings.Sleep))
	}
	walker := pagination.NewWalker(src, settings.Walker, walkOpts...)

	dlcfg := settings.Downloader
	if dlcfg.Extension == "" {
		dlcfg.Extension = j.category.Extension
	}
	queue := downloader.NewQueue(src, j.reg.Staging, j.ID(), dlcfg,
		downloader.WithChecker(monitor),
		downloader.WithLogger(j.logger),
		downloader.WithItemHook(func(ev downloader.ItemEvent) {
			reporter.ItemResolved(current, ev.Index, ev.Total)
		}),
	)

	partialListing := false
	var runErr error
	for i, part := range j.parts {
		current = i
		if runErr = monitor.Check(ctx); runErr != nil {
			break
		}
		reporter.PartitionStarted(i)

		res, err := walker.Walk(ctx, part)
		if err != nil {
			runErr = err
			break
		}
		if res.Partial {
			partialListing = true
		}
		reporter.ItemsDiscovered(i, len(res.Items))

		if runErr = queue.Run(ctx, res.Items); runErr != nil {
			break
		}
		reporter.PartitionDone(i)
	}

	status := jobstore.StatusCompleted
	switch {
	case runErr == nil:
	case errors.Is(runErr, cancel.ErrCancelled):
		status = jobstore.StatusCancelled
	default:
		status = jobstore.StatusFailed
	}

	if status == jobstore.StatusCompleted {
		reporter.Packaging()
	} else {
		reporter.Stop("Packaging partial archive")
	}

	m, perr := j.pack(ctx, queue, status != jobstore.StatusCompleted || partialListing)
	if perr != nil {
		j.logger.Error().Err(perr).Msg("Packaging failed")
		if runErr == nil {
			runErr = perr
			status = jobstore.StatusFailed
		}
	}

	switch status {
	case jobstore.StatusCompleted:
		reporter.Complete()
	case jobstore.StatusCancelled:
		reporter.Stop(fmt.Sprintf("Cancelled (%s)", cancel.ReasonOf(runErr)))
	default:
		reporter.Stop("Failed")
	}

	sum := queue.Summary()
	j.state.Requested = sum.Requested
	j.state.Downloaded = sum.Downloaded
	j.state.Skipped = sum.Skipped
	j.state.Failed = sum.Failed
	if m != nil {
		j.state.ManifestID = m.ID
		j.state.Partial = m.Partial
	}
	return j.finish(ctx, status, runErr, m, start)
}

// connect builds the job's rate-limited client and category source.
func (j *Job) connect(monitor *cancel.Monitor) (*client.Client, *upstream.Source, error) {
	settings := j.reg.Settings

	factory, err := j.reg.sessions()(settings, j.req.Credentials, j.req.ProxyIdentity)
	if err != nil {
		return nil, nil, fmt.Errorf("session factory: %w", err)
	}

	cfg := client.DefaultConfig(factory)
	cfg.Policy = settings.Retry
	cfg.Throttle = settings.Throttle
	cfg.Checker = monitor
	cfg.ListTimeout = settings.ListTimeout
	cfg.ExportTimeout = settings.ExportTimeout
	cfg.CheckInterval = settings.CheckInterval
	cfg.Logger = &j.logger

	c, err := client.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream client: %w", err)
	}
	if settings.Sleep != nil {
		c.SetSleeper(settings.Sleep)
	}

	src, err := upstream.NewSource(c, settings.BaseURL, j.category)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, src, nil
}

// pack builds the archive from every validated artifact and removes the
// staged copies. It runs detached from ctx so a shutdown still leaves a
// retrievable partial bundle.
func (j *Job) pack(ctx context.Context, queue *downloader.Queue, partial bool) (*archive.Manifest, error) {
	pctx, cancelPack := context.WithTimeout(context.WithoutCancel(ctx), j.reg.Settings.PackagingTimeout)
	defer cancelPack()

	sum := queue.Summary()
	req := archive.Request{
		JobID:      j.ID(),
		Category:   j.category.Name,
		RangeStart: j.state.RangeStart,
		RangeEnd:   j.state.RangeEnd,
		Requested:  sum.Requested,
		Downloaded: sum.Downloaded,
		Skipped:    sum.Skipped,
		Failed:     sum.Failed,
		Partial:    partial,
	}
	for _, res := range sum.Results {
		if res.Status == model.StatusSuccess && res.Artifact != nil {
			req.Entries = append(req.Entries, archive.Entry{ItemID: res.ItemID, ItemKey: res.ItemKey, Ref: *res.Artifact})
			continue
		}
		req.SkippedItems = append(req.SkippedItems, archive.SkippedItem{
			ItemID:  res.ItemID,
			ItemKey: res.ItemKey,
			Status:  string(res.Status),
			Reason:  res.Reason,
		})
	}

	m, err := j.reg.Archiver().Build(pctx, req)
	if err != nil {
		return nil, err
	}

	if j.reg.Index != nil {
		if err := j.reg.Index.Put(pctx, m); err != nil {
			j.logger.Warn().Err(err).Str("manifest_id", m.ID).Msg("Manifest index write failed")
		}
	}
	if err := queue.Cleanup(pctx); err != nil {
		j.logger.Warn().Err(err).Msg("Staging cleanup incomplete")
	}
	return m, nil
}

// finish records the terminal state.
func (j *Job) finish(ctx context.Context, status jobstore.JobStatus, runErr error, m *archive.Manifest, start time.Time) (*jobstore.JobState, error) {
	if !jobstore.CanTransition(j.state.Status, status) {
		return nil, fmt.Errorf("job %s: illegal transition %s -> %s", j.ID(), j.state.Status, status)
	}
	j.state.Status = status
	j.state.FinishedAt = time.Now()
	if runErr != nil {
		j.state.Error = describe(runErr)
	}

	jobsTotal.WithLabelValues(j.category.Name, string(status)).Inc()
	jobDuration.WithLabelValues(j.category.Name).Observe(time.Since(start).Seconds())

	event := j.logger.Info()
	if status == jobstore.StatusFailed {
		event = j.logger.Error().Err(runErr)
	}
	event.
		Str("status", string(status)).
		Int("requested", j.state.Requested).
		Int("downloaded", j.state.Downloaded).
		Int("skipped", j.state.Skipped).
		Int("failed", j.state.Failed).
		Bool("partial", j.state.Partial).
		Str("manifest_id", j.state.ManifestID).
		Dur("duration", time.Since(start)).
		Msg("Job finished")

	if err := j.save(context.WithoutCancel(ctx), true); err != nil {
		return j.State(), err
	}
	return j.State(), nil
}

// publish copies a progress snapshot into the job record.
func (j *Job) publish(s progress.Snapshot) {
	j.state.Percent = s.Percent
	j.state.CurrentStep = s.Step
	j.state.Processed = s.Processed
	j.state.Total = s.Total
	j.state.EstimatedRemainingSeconds = s.EstimatedRemainingSeconds
	if s.Done {
		// finish writes the completed record together with its status.
		return
	}
	if err := j.save(context.Background(), false); err != nil {
		j.logger.Warn().Err(err).Msg("Progress write failed")
	}
}

// save writes the record, at most once per StateInterval unless force.
func (j *Job) save(ctx context.Context, force bool) error {
	now := time.Now()
	if !force && now.Sub(j.lastSave) < j.reg.Settings.StateInterval {
		return nil
	}
	j.lastSave = now
	j.state.UpdatedAt = now
	if err := j.reg.Store.Save(ctx, j.state); err != nil {
		return fmt.Errorf("save job %s: %w", j.ID(), err)
	}
	return nil
}

// describe renders the terminal error for callers.
func describe(err error) string {
	switch {
	case errors.Is(err, cancel.ErrCancelled):
		return "cancelled: " + string(cancel.ReasonOf(err))
	case errors.Is(err, client.ErrAuthExpired):
		return "upstream credentials expired; refresh the session and resubmit"
	default:
		return err.Error()
	}
}
