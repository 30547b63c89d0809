// Package metrics exposes the Prometheus metrics of the openFDA gateway.
// All metrics are defined in their respective packages (worker, client, cache,
// ratelimit) and registered via promauto on the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all package metrics are added to.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/worker):
//   - openfda_requests_total{endpoint, status} (Counter): Upstream requests by endpoint and HTTP status
//   - openfda_request_duration_seconds{endpoint} (Histogram): Upstream request duration
//   - openfda_errors_total{class} (Counter): Failed fetches by error class
//   - openfda_workers_busy (Gauge): Workers currently processing a task
//   - openfda_outtake_unclaimed (Gauge): Replies waiting to be claimed
//   - openfda_outtake_reaped_total (Counter): Replies dropped after the retention
//
// Gateway Metrics (pkg/client):
//   - openfda_fetch_total{outcome} (Counter): Fetches by outcome (hit, miss, refresh, shared)
//   - openfda_fetch_timeouts_total (Counter): Fetches that timed out waiting for a reply
//
// Cache Metrics (pkg/cache):
//   - openfda_cache_hits_total{layer} (Counter): Fresh cache hits
//   - openfda_cache_misses_total{layer} (Counter): Misses, stale lookups included
//   - openfda_cache_evictions_total{layer, reason} (Counter): Expired and capacity evictions
//   - openfda_cache_entries{layer} (Gauge): Entries held by the memory store
//   - openfda_cache_errors_total{operation} (Counter): Backend errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - openfda_rate_limit_admitted_total{backend} (Counter): Admitted requests
//   - openfda_rate_limit_waits_total{backend} (Counter): Requests delayed by a full window
//   - openfda_rate_limit_wait_seconds{backend} (Histogram): Time spent waiting for a slot
//   - openfda_rate_limit_fallback_total (Counter): Admissions decided locally while Redis was down
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(openfda_fetch_total{outcome="hit"}[5m])) / sum(rate(openfda_fetch_total{outcome=~"hit|miss"}[5m]))
//
//   # Upstream Error Rate
//   sum by (class) (rate(openfda_errors_total[5m]))
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(openfda_request_duration_seconds_bucket[5m]))
//
//   # Time Spent Throttled
//   rate(openfda_rate_limit_wait_seconds_sum[5m])
