// Package metrics exposes the Prometheus registry every taxcrawl package
// registers into. Collectors are declared next to the code they measure
// (client, ratelimit, downloader, ...) so this package imports none of them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is where promauto registers every collector.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads the collectors registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Upstream Client (pkg/client):
//   - taxcrawl_upstream_requests_total{endpoint, status} (Counter): Calls by logical endpoint and HTTP status
//   - taxcrawl_upstream_request_duration_seconds{endpoint} (Histogram): Call duration
//   - taxcrawl_upstream_errors_total{class} (Counter): Failed attempts by error class
//   - taxcrawl_upstream_retries_total{error_class} (Counter): Retries by error class
//   - taxcrawl_upstream_backoff_seconds{error_class} (Histogram): Backoff before each retry
//   - taxcrawl_upstream_retry_exhausted_total{error_class} (Counter): Calls that spent their budget
//   - taxcrawl_session_rotations_total{error_class} (Counter): Sessions replaced after a failure
//
// Throttle (pkg/ratelimit):
//   - taxcrawl_throttle_wait_seconds (Histogram): Pacing delay before calls
//   - taxcrawl_throttle_responses_total{status} (Counter): Throttling responses seen (429/503)
//
// Downloads (pkg/downloader):
//   - taxcrawl_downloads_total{status} (Counter): Resolved items by success/skipped/failed
//   - taxcrawl_download_bytes_total (Counter): Bytes of validated artifacts staged
//   - taxcrawl_signature_rejections_total{detected} (Counter): Payloads rejected by magic-byte validation
//
// Jobs (pkg/orchestrator, pkg/cancel, pkg/jobstore):
//   - taxcrawl_jobs_total{category, status} (Counter): Finished jobs by final status
//   - taxcrawl_jobs_running (Gauge): Jobs currently processing
//   - taxcrawl_job_duration_seconds{category} (Histogram): Job wall time
//   - taxcrawl_cancellations_total{reason} (Counter): Tripped cancellations (requested, heartbeat_timeout, shutdown)
//   - taxcrawl_jobstore_errors_total{op} (Counter): Job store failures by operation
//
// Archives (pkg/archive):
//   - taxcrawl_archive_bundles_total (Counter): Bundles written
//   - taxcrawl_archive_bundle_bytes (Histogram): Compressed bundle size
//
// Example Prometheus Queries:
//
//   # Share of items skipped
//   sum(rate(taxcrawl_downloads_total{status="skipped"}[15m])) /
//   sum(rate(taxcrawl_downloads_total[15m]))
//
//   # Rotations per minute caused by rate limiting
//   rate(taxcrawl_session_rotations_total{error_class="rate_limit"}[5m]) * 60
//
//   # Abandoned jobs
//   increase(taxcrawl_cancellations_total{reason="heartbeat_timeout"}[1h])
//
//   # P95 listing latency
//   histogram_quantile(0.95, sum by (le) (rate(taxcrawl_upstream_request_duration_seconds_bucket{endpoint=~".*:list"}[5m])))
