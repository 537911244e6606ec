package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/gcsblob"  // gs:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	_ "gocloud.dev/blob/s3blob"   // s3:// buckets

	"github.com/phuongtri1909/tool-gotax-sub000/internal/catalog"
	"github.com/phuongtri1909/tool-gotax-sub000/internal/config"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/jobstore"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/orchestrator"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/upstream"
)

// settingsFrom maps the configuration onto job settings.
func settingsFrom(cfg *config.Config) orchestrator.Settings {
	s := orchestrator.DefaultSettings(cfg.Upstream.BaseURL)
	s.UserAgent = cfg.Upstream.UserAgent
	s.Proxies = cfg.Upstream.Proxies
	s.Retry = cfg.Retry
	s.Throttle.MinInterval = cfg.Upstream.MinInterval
	s.ListTimeout = cfg.Upstream.ListTimeout
	s.ExportTimeout = cfg.Upstream.ExportTimeout
	s.CheckInterval = cfg.Crawl.CheckInterval

	s.Walker.MaxPages = cfg.Crawl.MaxPages
	s.Walker.ConfirmDelay = cfg.Crawl.ConfirmDelay
	s.Downloader.ItemRetries = cfg.Crawl.ItemRetries
	s.Downloader.ExportAttempts = cfg.Crawl.ExportAttempts
	s.Monitor.HeartbeatTimeout = cfg.Crawl.HeartbeatTimeout
	s.Archive.MaxFilesPerBundle = cfg.Archive.MaxFilesPerBundle
	s.Archive.MaxBundleBytes = cfg.Archive.MaxBundleBytes
	return s
}

// buildRegistry opens every backend named by cfg. The caller must Close
// the registry.
func buildRegistry(ctx context.Context, cfg *config.Config) (reg *orchestrator.Registry, err error) {
	categories, err := upstream.NewCatalog(cfg.Categories...)
	if err != nil {
		return nil, err
	}

	reg = &orchestrator.Registry{
		Categories: categories,
		Settings:   settingsFrom(cfg),
	}
	defer func() {
		if err != nil {
			_ = reg.Close()
			reg = nil
		}
	}()

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		store := jobstore.NewRedisStore(client, cfg.Redis.Namespace, cfg.Redis.JobTTL)
		reg.Store = store
		reg.OnClose(store.Close)
		log.Info().Str("addr", opts.Addr).Msg("Using Redis job store")
	} else {
		store := jobstore.NewMemoryStore(cfg.Redis.JobTTL)
		reg.Store = store
		reg.OnClose(store.Close)
		log.Info().Msg("Using in-process job store")
	}

	if reg.Staging, err = blob.OpenBucket(ctx, cfg.Storage.StagingURL); err != nil {
		return nil, fmt.Errorf("open staging bucket: %w", err)
	}
	reg.OnClose(reg.Staging.Close)

	if reg.Bundles, err = blob.OpenBucket(ctx, cfg.Storage.BundlesURL); err != nil {
		return nil, fmt.Errorf("open bundle bucket: %w", err)
	}
	reg.OnClose(reg.Bundles.Close)

	if cfg.Storage.CatalogPath != "" {
		index, err := catalog.Open(cfg.Storage.CatalogPath)
		if err != nil {
			return nil, err
		}
		reg.Index = index
		reg.OnClose(index.Close)
	}

	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}
