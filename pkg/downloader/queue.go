// Package downloader fetches, validates, de-duplicates and stages the
// artifacts of discovered items.
//
// Items are processed one at a time. A permanent failure of one item is
// recorded as skipped and never stops its siblings; only expired
// credentials and cancellation end a run early.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/cancel"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/client"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/model"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/upstream"
)

var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxcrawl_downloads_total",
		Help: "Item download outcomes by status",
	}, []string{"status"})

	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxcrawl_download_bytes_total",
		Help: "Bytes of validated artifacts staged",
	})

	signatureRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxcrawl_signature_rejections_total",
		Help: "Artifacts rejected by content signature, by detected type",
	}, []string{"detected"})
)

// Skip reasons.
const (
	ReasonNoDownload       = "no_download"
	ReasonInvalidSignature = "invalid_signature"
	ReasonFetchFailed      = "fetch_failed"
	ReasonStorageFailed    = "storage_failed"
	ReasonInterrupted      = "interrupted"
)

// Fetcher downloads the artifact of one item. *upstream.Source implements it.
type Fetcher interface {
	Fetch(ctx context.Context, item model.Item, maxAttempts int) (*upstream.Artifact, error)
}

// Config holds queue configuration.
type Config struct {
	// ItemRetries is how many times an item is re-fetched after its payload
	// failed validation.
	ItemRetries int

	// ExportAttempts is the client budget of each fetch.
	ExportAttempts int

	// AllowedTypes are accepted MIME types.
	AllowedTypes []string

	// Prefix is the staging key prefix.
	Prefix string

	// Extension names artifacts whose type has no known extension.
	Extension string
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		ItemRetries:    2,
		ExportAttempts: 3,
		AllowedTypes:   DefaultAllowedTypes,
		Prefix:         "staging",
	}
}

// ItemEvent is reported after each item is resolved.
type ItemEvent struct {
	Index  int
	Total  int
	Item   model.Item
	Result model.DownloadResult
}

// Summary aggregates the outcome of a queue.
type Summary struct {
	Requested  int
	Downloaded int
	Skipped    int
	Failed     int
	Duplicates int
	Results    []model.DownloadResult
}

// Artifacts returns the refs of successful downloads in order.
func (s *Summary) Artifacts() []model.ArtifactRef {
	var out []model.ArtifactRef
	for _, r := range s.Results {
		if r.Status == model.StatusSuccess && r.Artifact != nil {
			out = append(out, *r.Artifact)
		}
	}
	return out
}

// Queue downloads items for one job.
type Queue struct {
	fetcher Fetcher
	bucket  *blob.Bucket
	jobID   string
	config  Config
	ledger  *Ledger
	checker cancel.Checker
	onItem  func(ItemEvent)
	logger  zerolog.Logger

	requested  int
	duplicates int
	names      map[string]int
}

// Option configures a Queue.
type Option func(*Queue)

// WithChecker sets the cancellation checkpoint consulted before each item.
func WithChecker(c cancel.Checker) Option {
	return func(q *Queue) { q.checker = c }
}

// WithItemHook registers a callback for every resolved item.
func WithItemHook(fn func(ItemEvent)) Option {
	return func(q *Queue) { q.onItem = fn }
}

// WithLogger overrides the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates a queue staging into bucket.
func NewQueue(fetcher Fetcher, bucket *blob.Bucket, jobID string, config Config, opts ...Option) *Queue {
	if config.ItemRetries < 0 {
		config.ItemRetries = 0
	}
	if config.ExportAttempts < 1 {
		config.ExportAttempts = 1
	}
	if len(config.AllowedTypes) == 0 {
		config.AllowedTypes = DefaultAllowedTypes
	}
	if config.Prefix == "" {
		config.Prefix = "staging"
	}

	q := &Queue{
		fetcher: fetcher,
		bucket:  bucket,
		jobID:   jobID,
		config:  config,
		ledger:  NewLedger(),
		checker: cancel.ContextOnly,
		onItem:  func(ItemEvent) {},
		logger:  log.With().Str("component", "downloader").Str("job_id", jobID).Logger(),
		names:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Ledger returns the job's ledger.
func (q *Queue) Ledger() *Ledger { return q.ledger }

// Run downloads items sequentially. It may be called once per partition;
// the ledger spans all calls. It returns early only for expired
// credentials or cancellation, after recording the in-flight item failed.
func (q *Queue) Run(ctx context.Context, items []model.Item) error {
	for i, item := range items {
		if err := q.checker.Check(ctx); err != nil {
			return err
		}

		key := item.Key()
		if !q.ledger.Claim(key) {
			q.duplicates++
			q.logger.Debug().Str("item_key", key).Msg("Duplicate item ignored")
			continue
		}
		q.requested++

		res, err := q.download(ctx, item)
		if rerr := q.ledger.Record(res); rerr != nil {
			q.logger.Error().Err(rerr).Msg("Ledger rejected result")
		}
		downloadsTotal.WithLabelValues(string(res.Status)).Inc()
		q.onItem(ItemEvent{Index: i + 1, Total: len(items), Item: item, Result: res})

		if err != nil {
			return err
		}
	}
	return nil
}

// download resolves one item. A non-nil error is always fatal.
func (q *Queue) download(ctx context.Context, item model.Item) (model.DownloadResult, error) {
	res := model.DownloadResult{ItemKey: item.Key(), ItemID: item.ID}

	if !item.HasDownload {
		res.Status = model.StatusSkipped
		res.Reason = ReasonNoDownload
		return res, nil
	}

	var lastErr error
	for try := 0; try <= q.config.ItemRetries; try++ {
		res.RetryCount = try
		if try > 0 {
			if err := q.checker.Check(ctx); err != nil {
				return q.interrupted(res, err)
			}
		}

		art, err := q.fetcher.Fetch(ctx, item, q.config.ExportAttempts)
		if err != nil {
			if client.IsFatal(err) {
				return q.interrupted(res, err)
			}
			q.logger.Warn().Err(err).Str("item_id", item.ID).Msg("Artifact fetch failed, skipping item")
			res.Status = model.StatusSkipped
			res.Reason = fmt.Sprintf("%s: %v", ReasonFetchFailed, err)
			return res, nil
		}

		sig, err := Validate(art.Body, q.config.AllowedTypes)
		if err != nil {
			signatureRejectionsTotal.WithLabelValues(sig.MIME).Inc()
			q.logger.Warn().
				Err(err).
				Str("item_id", item.ID).
				Str("declared_type", art.ContentType).
				Int("try", try+1).
				Msg("Artifact failed signature validation")
			lastErr = err
			continue
		}

		ref, err := q.stage(ctx, item, art, sig)
		if err != nil {
			if cerr := cancel.FromContext(ctx); cerr != nil {
				return q.interrupted(res, cerr)
			}
			q.logger.Error().Err(err).Str("item_id", item.ID).Msg("Staging artifact failed")
			res.Status = model.StatusSkipped
			res.Reason = fmt.Sprintf("%s: %v", ReasonStorageFailed, err)
			return res, nil
		}

		res.Status = model.StatusSuccess
		res.Artifact = ref
		return res, nil
	}

	res.Status = model.StatusSkipped
	res.Reason = fmt.Sprintf("%s: %v", ReasonInvalidSignature, lastErr)
	return res, nil
}

func (q *Queue) interrupted(res model.DownloadResult, err error) (model.DownloadResult, error) {
	res.Status = model.StatusFailed
	res.Reason = fmt.Sprintf("%s: %v", ReasonInterrupted, err)
	return res, err
}

// stage writes a validated artifact to the staging bucket.
func (q *Queue) stage(ctx context.Context, item model.Item, art *upstream.Artifact, sig Signature) (*model.ArtifactRef, error) {
	name := q.artifactName(item, art, sig)
	key := path.Join(q.config.Prefix, q.jobID, name)

	w, err := q.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: sig.MIME,
		Metadata:    map[string]string{"item_id": item.ID, "job_id": q.jobID},
	})
	if err != nil {
		return nil, fmt.Errorf("open staging writer: %w", err)
	}
	if _, err := w.Write(art.Body); err != nil {
		w.Close()
		return nil, fmt.Errorf("write staging object: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close staging object: %w", err)
	}

	sum := sha256.Sum256(art.Body)
	downloadBytesTotal.Add(float64(len(art.Body)))

	return &model.ArtifactRef{
		Key:         key,
		Name:        name,
		Size:        int64(len(art.Body)),
		ContentType: sig.MIME,
		SHA256:      hex.EncodeToString(sum[:]),
	}, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// artifactName derives a unique, filesystem-safe name for item.
func (q *Queue) artifactName(item model.Item, art *upstream.Artifact, sig Signature) string {
	name := path.Base(strings.ReplaceAll(art.Filename, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		base := item.ID
		if base == "" {
			base = item.Key()
		}
		name = base
	}
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_.")
	if name == "" {
		sum := sha256.Sum256([]byte(item.Key()))
		name = "item_" + hex.EncodeToString(sum[:6])
	}

	if path.Ext(name) == "" {
		ext := sig.Extension
		if ext == "" {
			ext = q.config.Extension
		}
		name += ext
	}

	if n, ok := q.names[name]; ok {
		q.names[name] = n + 1
		ext := path.Ext(name)
		name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n+1, ext)
	}
	q.names[name] = 0
	return name
}

// Summary returns the aggregate outcome so far.
func (q *Queue) Summary() *Summary {
	return &Summary{
		Requested:  q.requested,
		Downloaded: q.ledger.Count(model.StatusSuccess),
		Skipped:    q.ledger.Count(model.StatusSkipped),
		Failed:     q.ledger.Count(model.StatusFailed),
		Duplicates: q.duplicates,
		Results:    q.ledger.Results(),
	}
}

// Cleanup removes every staged artifact of the job.
func (q *Queue) Cleanup(ctx context.Context) error {
	var errs []error
	for _, ref := range q.Summary().Artifacts() {
		if err := q.bucket.Delete(ctx, ref.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
