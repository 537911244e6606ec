// Package archive streams staged artifacts into addressable zip bundles.
//
// A bundle is written straight into its blob writer entry by entry, so
// memory use is bounded by one artifact copy buffer regardless of archive
// size. Large batches roll over into numbered parts.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/model"
)

var (
	bundlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxcrawl_archive_bundles_total",
		Help: "Bundles written",
	})

	bundleBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taxcrawl_archive_bundle_bytes",
		Help:    "Compressed size of written bundles",
		Buckets: prometheus.ExponentialBuckets(64<<10, 4, 8),
	})
)

// ErrNotFound is returned for unknown manifests or bundles.
var ErrNotFound = errors.New("archive object not found")

// Config holds builder configuration.
type Config struct {
	// Prefix is the key prefix of every bundle.
	Prefix string

	// MaxFilesPerBundle and MaxBundleBytes trigger roll-over. Zero disables
	// the limit.
	MaxFilesPerBundle int
	MaxBundleBytes    int64
}

// DefaultConfig returns the default builder configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:            "bundles",
		MaxFilesPerBundle: 1000,
		MaxBundleBytes:    512 << 20,
	}
}

// Entry is one staged artifact to package.
type Entry struct {
	ItemID  string
	ItemKey string
	Ref     model.ArtifactRef
}

// Request describes one archive to build.
type Request struct {
	JobID      string
	Category   string
	RangeStart time.Time
	RangeEnd   time.Time

	Entries      []Entry
	Requested    int
	Downloaded   int
	Skipped      int
	Failed       int
	SkippedItems []SkippedItem
	Partial      bool
}

// Builder writes bundles into a bucket, reading artifacts from staging.
type Builder struct {
	bundles *blob.Bucket
	staging *blob.Bucket
	config  Config
	logger  zerolog.Logger
	now     func() time.Time
}

// NewBuilder creates a builder.
func NewBuilder(bundles, staging *blob.Bucket, config Config) *Builder {
	if config.Prefix == "" {
		config.Prefix = "bundles"
	}
	return &Builder{
		bundles: bundles,
		staging: staging,
		config:  config,
		logger:  log.With().Str("component", "archive").Logger(),
		now:     time.Now,
	}
}

// Build packages req.Entries and returns the manifest. A request with no
// entries still yields one bundle holding only the summary.
func (b *Builder) Build(ctx context.Context, req Request) (*Manifest, error) {
	m := &Manifest{
		ID:           uuid.NewString(),
		JobID:        req.JobID,
		Category:     req.Category,
		RangeStart:   req.RangeStart,
		RangeEnd:     req.RangeEnd,
		Requested:    req.Requested,
		Downloaded:   req.Downloaded,
		Skipped:      req.Skipped,
		Failed:       req.Failed,
		SkippedItems: req.SkippedItems,
		Partial:      req.Partial,
		CreatedAt:    b.now(),
	}

	remaining := req.Entries
	for part := 1; part == 1 || len(remaining) > 0; part++ {
		batch := b.nextBatch(remaining)
		remaining = remaining[len(batch):]

		bundle, files, err := b.writeBundle(ctx, m, part, batch)
		if err != nil {
			return nil, fmt.Errorf("write bundle %d: %w", part, err)
		}
		m.Bundles = append(m.Bundles, bundle)
		m.Files = append(m.Files, files...)
		m.TotalBytes += bundle.Bytes
	}

	if err := b.writeManifest(ctx, m); err != nil {
		return nil, err
	}

	b.logger.Info().
		Str("manifest_id", m.ID).
		Str("job_id", m.JobID).
		Int("bundles", len(m.Bundles)).
		Int("files", len(m.Files)).
		Int64("total_bytes", m.TotalBytes).
		Bool("partial", m.Partial).
		Msg("Archive built")

	return m, nil
}

// nextBatch takes entries for one bundle. A bundle always takes at least
// one entry so an oversized artifact cannot stall the loop.
func (b *Builder) nextBatch(entries []Entry) []Entry {
	var size int64
	for i, e := range entries {
		if i > 0 {
			if b.config.MaxFilesPerBundle > 0 && i >= b.config.MaxFilesPerBundle {
				return entries[:i]
			}
			if b.config.MaxBundleBytes > 0 && size+e.Ref.Size > b.config.MaxBundleBytes {
				return entries[:i]
			}
		}
		size += e.Ref.Size
	}
	return entries
}

func (b *Builder) writeBundle(ctx context.Context, m *Manifest, part int, entries []Entry) (Bundle, []File, error) {
	name := BundleName(m.Category, m.RangeStart, m.RangeEnd, part)
	bundle := Bundle{
		ID:   uuid.NewString(),
		Part: part,
		Name: name,
		Key:  path.Join(b.config.Prefix, m.ID, name),
	}

	w, err := b.bundles.NewWriter(ctx, bundle.Key, &blob.WriterOptions{
		ContentType:        "application/zip",
		ContentDisposition: fmt.Sprintf(`attachment; filename="%s"`, name),
	})
	if err != nil {
		return bundle, nil, fmt.Errorf("open bundle writer: %w", err)
	}
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	fail := func(err error) (Bundle, []File, error) {
		zw.Close()
		w.Close()
		b.bundles.Delete(context.WithoutCancel(ctx), bundle.Key)
		return bundle, nil, err
	}

	namer := newEntryNamer()
	namer.used[ManifestEntryName] = struct{}{}
	namer.used["manifest.md"] = struct{}{}

	files := make([]File, 0, len(entries))
	for _, e := range entries {
		entryName := namer.name(e.Ref.Name)
		if err := b.copyEntry(ctx, zw, entryName, e.Ref.Key); err != nil {
			return fail(err)
		}
		files = append(files, File{
			Name:     entryName,
			Bundle:   bundle.ID,
			Size:     e.Ref.Size,
			SHA256:   e.Ref.SHA256,
			ItemID:   e.ItemID,
			ItemKey:  e.ItemKey,
			MIMEType: e.Ref.ContentType,
		})
	}

	sw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     ManifestEntryName,
		Method:   zip.Deflate,
		Modified: m.CreatedAt,
	})
	if err != nil {
		return fail(err)
	}
	if err := writeSummary(sw, m, part, files); err != nil {
		return fail(fmt.Errorf("write summary: %w", err))
	}

	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("finish zip: %w", err))
	}
	if err := w.Close(); err != nil {
		return bundle, nil, fmt.Errorf("close bundle writer: %w", err)
	}

	bundle.Bytes = cw.n
	bundle.Files = len(files)
	bundlesTotal.Inc()
	bundleBytes.Observe(float64(cw.n))
	return bundle, files, nil
}

func (b *Builder) copyEntry(ctx context.Context, zw *zip.Writer, name, key string) error {
	r, err := b.staging.NewReader(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("open staged %s: %w", key, err)
	}
	defer r.Close()

	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: r.ModTime(),
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return fmt.Errorf("copy %s: %w", key, err)
	}
	return nil
}

func manifestKey(prefix, manifestID string) string {
	return path.Join(prefix, manifestID, "manifest.json")
}

func (b *Builder) writeManifest(ctx context.Context, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := b.bundles.WriteAll(ctx, manifestKey(b.config.Prefix, m.ID), data, &blob.WriterOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest written by Build.
func (b *Builder) LoadManifest(ctx context.Context, manifestID string) (*Manifest, error) {
	data, err := b.bundles.ReadAll(ctx, manifestKey(b.config.Prefix, manifestID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: manifest %s", ErrNotFound, manifestID)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Open returns a reader over a bundle and its size in bytes.
func (b *Builder) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	r, err := b.bundles.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, 0, fmt.Errorf("%w: bundle %s", ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("open bundle: %w", err)
	}
	return r, r.Size(), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
