// Package orchestrator runs crawl jobs end to end: plan partitions, walk
// listings, download artifacts, report progress and package the result.
//
// Every collaborator a job needs lives in a Registry built once per process
// and passed in explicitly. Jobs share nothing else.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/archive"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/cancel"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/client"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/downloader"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/jobstore"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/pagination"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/ratelimit"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/session"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/upstream"
)

// ErrManifestNotFound is returned for unknown manifest ids.
var ErrManifestNotFound = errors.New("manifest not found")

// ManifestIndex records finished manifests for later lookup.
type ManifestIndex interface {
	Put(ctx context.Context, m *archive.Manifest) error
	Get(ctx context.Context, manifestID string) (*archive.Manifest, error)
}

// SessionFactory builds the session factory of one job from its
// credentials and optional pinned proxy.
type SessionFactory func(s Settings, creds session.Credentials, proxyIdentity string) (session.Factory, error)

// PoolSessions is the default SessionFactory: a session.Pool rotating
// through the configured proxies, or pinned to proxyIdentity.
func PoolSessions(s Settings, creds session.Credentials, proxyIdentity string) (session.Factory, error) {
	cfg := session.DefaultPoolConfig(s.BaseURL)
	cfg.Proxies = s.Proxies
	cfg.Pinned = proxyIdentity
	if s.UserAgent != "" {
		cfg.UserAgent = s.UserAgent
	}
	return session.NewPool(cfg, creds)
}

// Settings tunes every job of a process.
type Settings struct {
	BaseURL   string
	UserAgent string
	Proxies   []string

	Retry         client.RetryPolicy
	Throttle      ratelimit.Config
	ListTimeout   time.Duration
	ExportTimeout time.Duration
	CheckInterval time.Duration

	Walker     pagination.Config
	Downloader downloader.Config
	Monitor    cancel.Config
	Archive    archive.Config

	// PackagingTimeout bounds archive building, which runs even after the
	// job context is done.
	PackagingTimeout time.Duration

	// StateInterval is the minimum gap between progress writes to the
	// store. Status changes are always written.
	StateInterval time.Duration

	// Sleep replaces every backoff and confirm-delay pause when set.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultSettings returns the standard settings for baseURL.
func DefaultSettings(baseURL string) Settings {
	return Settings{
		BaseURL:          baseURL,
		Retry:            client.DefaultRetryPolicy(),
		Throttle:         ratelimit.DefaultConfig(),
		ListTimeout:      15 * time.Second,
		ExportTimeout:    3 * time.Second,
		CheckInterval:    time.Second,
		Walker:           pagination.DefaultConfig(),
		Downloader:       downloader.DefaultConfig(),
		Monitor:          cancel.DefaultConfig(),
		Archive:          archive.DefaultConfig(),
		PackagingTimeout: 10 * time.Minute,
		StateInterval:    250 * time.Millisecond,
	}
}

// Registry holds the process-wide collaborators of jobs.
type Registry struct {
	Store      jobstore.Store
	Staging    *blob.Bucket
	Bundles    *blob.Bucket
	Index      ManifestIndex
	Categories *upstream.Catalog
	Sessions   SessionFactory
	Settings   Settings

	mu      sync.Mutex
	closers []func() error
	closed  bool
}

// Validate checks that the required collaborators are set.
func (r *Registry) Validate() error {
	switch {
	case r.Store == nil:
		return errors.New("registry: job store is required")
	case r.Staging == nil || r.Bundles == nil:
		return errors.New("registry: staging and bundle buckets are required")
	case r.Categories == nil:
		return errors.New("registry: category catalog is required")
	case r.Settings.BaseURL == "":
		return errors.New("registry: upstream base url is required")
	}
	return nil
}

// OnClose registers fn to run on Close, in reverse registration order.
func (r *Registry) OnClose(fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

// Close releases every registered resource. It is safe to call twice.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Archiver returns a bundle builder over the registry's buckets.
func (r *Registry) Archiver() *archive.Builder {
	return archive.NewBuilder(r.Bundles, r.Staging, r.Settings.Archive)
}

// Manifest looks a manifest up in the index, falling back to the sidecar
// stored next to its bundles.
func (r *Registry) Manifest(ctx context.Context, manifestID string) (*archive.Manifest, error) {
	if r.Index != nil {
		m, err := r.Index.Get(ctx, manifestID)
		if err == nil {
			return m, nil
		}
		log.Debug().Err(err).Str("manifest_id", manifestID).Msg("Manifest index miss, reading sidecar")
	}

	m, err := r.Archiver().LoadManifest(ctx, manifestID)
	if errors.Is(err, archive.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, manifestID)
	}
	return m, err
}

func (r *Registry) sessions() SessionFactory {
	if r.Sessions != nil {
		return r.Sessions
	}
	return PoolSessions
}
