// Package config loads the taxcrawl configuration: defaults, an optional
// YAML file, then environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/client"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/session"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/upstream"
)

// AppName names the XDG directories.
const AppName = "taxcrawl"

// ErrConfigNotFound is returned when an explicit config file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

// Validation errors.
var (
	ErrNoUpstream          = errors.New("upstream.base_url is required")
	ErrInvalidUpstream     = errors.New("upstream.base_url must be an absolute http(s) URL")
	ErrInvalidTimeout      = errors.New("invalid timeout: must be positive")
	ErrInvalidConcurrency  = errors.New("jobs.max_concurrent must be at least 1")
	ErrInvalidQueueSize    = errors.New("jobs.queue_size must be non-negative")
	ErrInvalidItemRetries  = errors.New("crawl.item_retries must be non-negative")
	ErrInvalidHeartbeat    = errors.New("crawl.heartbeat_timeout must be positive")
	ErrInvalidStorage      = errors.New("storage.staging_url and storage.bundles_url are required")
	ErrNoCategories        = errors.New("at least one category is required")
	ErrInvalidRetryPolicy  = errors.New("retry.max_attempts must be at least 1")
	ErrInvalidBundleLimits = errors.New("archive limits must be non-negative")
)

// ServerConfig configures the API server.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig configures the job-state store. An empty URL selects the
// in-process store.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	Namespace string        `yaml:"namespace"`
	JobTTL    time.Duration `yaml:"job_ttl"`
}

// StorageConfig configures artifact storage. URLs are gocloud.dev bucket
// URLs (file://, mem://, s3://, gs://).
type StorageConfig struct {
	StagingURL  string `yaml:"staging_url"`
	BundlesURL  string `yaml:"bundles_url"`
	CatalogPath string `yaml:"catalog_path"`
}

// UpstreamConfig configures the portal connection.
type UpstreamConfig struct {
	BaseURL       string        `yaml:"base_url"`
	UserAgent     string        `yaml:"user_agent"`
	Proxies       []string      `yaml:"proxies"`
	ListTimeout   time.Duration `yaml:"list_timeout"`
	ExportTimeout time.Duration `yaml:"export_timeout"`
	MinInterval   time.Duration `yaml:"min_interval"`
}

// CrawlConfig tunes one job.
type CrawlConfig struct {
	ItemRetries      int           `yaml:"item_retries"`
	ExportAttempts   int           `yaml:"export_attempts"`
	MaxPages         int           `yaml:"max_pages"`
	ConfirmDelay     time.Duration `yaml:"confirm_delay"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	CheckInterval    time.Duration `yaml:"check_interval"`
}

// JobsConfig bounds concurrent jobs.
type JobsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	QueueSize     int `yaml:"queue_size"`
}

// ArchiveConfig configures bundle roll-over.
type ArchiveConfig struct {
	MaxFilesPerBundle int   `yaml:"max_files_per_bundle"`
	MaxBundleBytes    int64 `yaml:"max_bundle_bytes"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the complete configuration.
type Config struct {
	Server     ServerConfig        `yaml:"server"`
	Redis      RedisConfig         `yaml:"redis"`
	Storage    StorageConfig       `yaml:"storage"`
	Upstream   UpstreamConfig      `yaml:"upstream"`
	Retry      client.RetryPolicy  `yaml:"retry"`
	Crawl      CrawlConfig         `yaml:"crawl"`
	Jobs       JobsConfig          `yaml:"jobs"`
	Archive    ArchiveConfig       `yaml:"archive"`
	Log        LogConfig           `yaml:"log"`
	Categories []upstream.Category `yaml:"categories"`
}

// DataDir is the default data directory ($XDG_DATA_HOME/taxcrawl).
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// ConfigDir is where the default config file lives ($XDG_CONFIG_HOME/taxcrawl).
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Default returns the default configuration.
func Default() *Config {
	data := DataDir()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Namespace: "taxcrawl",
			JobTTL:    24 * time.Hour,
		},
		Storage: StorageConfig{
			StagingURL:  fileURL(filepath.Join(data, "staging")),
			BundlesURL:  fileURL(filepath.Join(data, "bundles")),
			CatalogPath: filepath.Join(data, "catalog.db"),
		},
		Upstream: UpstreamConfig{
			UserAgent:     "taxcrawl/1.0",
			ListTimeout:   15 * time.Second,
			ExportTimeout: 3 * time.Second,
			MinInterval:   200 * time.Millisecond,
		},
		Retry: client.DefaultRetryPolicy(),
		Crawl: CrawlConfig{
			ItemRetries:      2,
			ExportAttempts:   3,
			MaxPages:         1000,
			ConfirmDelay:     time.Second,
			HeartbeatTimeout: 60 * time.Second,
			CheckInterval:    time.Second,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 4,
			QueueSize:     64,
		},
		Archive: ArchiveConfig{
			MaxFilesPerBundle: 1000,
			MaxBundleBytes:    512 << 20,
		},
		Log: LogConfig{
			Level: "info",
		},
		Categories: upstream.DefaultCategories(),
	}
}

func fileURL(dir string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(dir), RawQuery: "create_dir=true"}
	return u.String()
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the environment. Categories in the file override the
// defaults by name; new names are added.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, err
		}
		if err := cfg.merge(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// FindConfigFile returns explicit if set, otherwise the first existing
// taxcrawl.yaml in the working directory or the XDG config directory.
func FindConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	candidates := []string{"taxcrawl.yaml", filepath.Join(ConfigDir(), "config.yaml")}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func (c *Config) merge(data []byte) error {
	defaults := c.Categories
	c.Categories = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}

	merged := make([]upstream.Category, 0, len(defaults)+len(c.Categories))
	index := make(map[string]int, len(defaults))
	for _, d := range defaults {
		index[d.Name] = len(merged)
		merged = append(merged, d)
	}
	for _, o := range c.Categories {
		if i, ok := index[o.Name]; ok {
			merged[i] = o
			continue
		}
		index[o.Name] = len(merged)
		merged = append(merged, o)
	}
	c.Categories = merged
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	c.Server.Addr = getEnv("TAXCRAWL_ADDR", c.Server.Addr)
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if origins := os.Getenv("TAXCRAWL_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.URL = getEnv("TAXCRAWL_REDIS_URL", c.Redis.URL)

	c.Storage.StagingURL = getEnv("TAXCRAWL_STAGING_URL", c.Storage.StagingURL)
	c.Storage.BundlesURL = getEnv("TAXCRAWL_BUNDLES_URL", c.Storage.BundlesURL)
	c.Storage.CatalogPath = getEnv("TAXCRAWL_CATALOG_PATH", c.Storage.CatalogPath)

	c.Upstream.BaseURL = getEnv("TAXCRAWL_UPSTREAM_URL", c.Upstream.BaseURL)
	c.Upstream.UserAgent = getEnv("USER_AGENT", c.Upstream.UserAgent)
	if proxies := os.Getenv("TAXCRAWL_PROXIES"); proxies != "" {
		c.Upstream.Proxies = splitList(proxies)
	}

	c.Jobs.MaxConcurrent = getEnvInt("TAXCRAWL_MAX_JOBS", c.Jobs.MaxConcurrent)
	c.Crawl.HeartbeatTimeout = getEnvDuration("TAXCRAWL_HEARTBEAT_TIMEOUT", c.Crawl.HeartbeatTimeout)

	c.Log.Level = getEnv("TAXCRAWL_LOG_LEVEL", c.Log.Level)
	if v := os.Getenv("TAXCRAWL_LOG_PRETTY"); v != "" {
		c.Log.Pretty, _ = strconv.ParseBool(v)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return ErrNoUpstream
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidUpstream
	}
	if c.Upstream.ListTimeout <= 0 || c.Upstream.ExportTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Retry.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if c.Jobs.MaxConcurrent < 1 {
		return ErrInvalidConcurrency
	}
	if c.Jobs.QueueSize < 0 {
		return ErrInvalidQueueSize
	}
	if c.Crawl.ItemRetries < 0 {
		return ErrInvalidItemRetries
	}
	if c.Crawl.HeartbeatTimeout <= 0 {
		return ErrInvalidHeartbeat
	}
	if c.Storage.StagingURL == "" || c.Storage.BundlesURL == "" {
		return ErrInvalidStorage
	}
	if c.Archive.MaxFilesPerBundle < 0 || c.Archive.MaxBundleBytes < 0 {
		return ErrInvalidBundleLimits
	}
	if len(c.Categories) == 0 {
		return ErrNoCategories
	}
	for _, cat := range c.Categories {
		if err := cat.Validate(); err != nil {
			return err
		}
	}
	for _, p := range c.Upstream.Proxies {
		if p == session.Direct {
			continue
		}
		if _, err := session.ParseProxy(p); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
