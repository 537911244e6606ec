// Package logging configures the process-wide zerolog logger and hands out
// component and job loggers derived from it.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written.
	Level LogLevel

	// Pretty writes human-readable console lines instead of JSON.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup installs the global logger described by cfg and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a level name to zerolog. Unknown names mean info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// JobLogger returns the logger of one job. Every line it writes carries the
// job id and document category.
func JobLogger(jobID, category string) zerolog.Logger {
	return log.With().
		Str("component", "job").
		Str("job_id", jobID).
		Str("category", category).
		Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Per-call flow (endpoint, attempt, session sequence)
//   - Duplicate items dropped by the ledger
//   - Manifest index misses
//
// Info: Normal operation events
//   - Job lifecycle (started, finished, cancellation tripped)
//   - Partition walk summaries
//   - Archive built
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts and session rotations
//   - Items skipped (fetch failed, invalid signature)
//   - Partial listings, stale heartbeats
//   - Store lookups that failed during a checkpoint
//
// Error: Error conditions requiring attention
//   - Expired upstream credentials
//   - Packaging or job-record failures
//   - Configuration errors
//
// Context Fields:
//   - job_id: Job identifier
//   - category: Document category
//   - endpoint: Logical upstream endpoint (category:list, category:export)
//   - error_class: Error classification (rate_limit, unavailable, server, client, network, malformed)
//   - attempt: Attempt number within one call
//   - partition: Partition label (#index dd/mm/yyyy–dd/mm/yyyy)
//   - item_id: Upstream document identifier
//   - manifest_id: Archive manifest identifier
//
// Session tokens and cookies are never logged.
