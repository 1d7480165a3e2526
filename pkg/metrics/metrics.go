// Package metrics documents the Prometheus metrics exposed by the exporter.
// Metrics are defined in their owning packages (retry, directory, publish,
// export, ratelimit) via promauto to keep them next to the code they measure.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the exporter.
// All metrics are automatically registered via promauto in their packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Reference
//
// Retry Metrics (pkg/retry):
//   - export_retries_total{category} (Counter): Retry attempts by fault category
//   - export_retry_backoff_seconds{category} (Histogram): Backoff duration by fault category
//   - export_retry_exhausted_total{category} (Counter): Operations that exhausted max attempts
//
// Directory Metrics (pkg/directory):
//   - directory_requests_total{endpoint, status} (Counter): Page fetches by endpoint and HTTP status
//   - directory_request_duration_seconds{endpoint} (Histogram): Page fetch duration
//
// Publish Metrics (pkg/publish):
//   - publish_chunks_total{source, result} (Counter): Chunks by source type and sent/failed
//   - publish_chunk_bytes{source} (Histogram): Serialized chunk size in bytes
//
// Run Metrics (pkg/export):
//   - export_runs_total{outcome} (Counter): Export runs by terminal outcome
//   - export_run_duration_seconds (Histogram): End-to-end run duration
//   - export_records_total{stage} (Counter): Records processed per stage
//   - export_group_failures_total (Counter): Groups whose membership extraction failed
//
// Throttle Metrics (pkg/ratelimit):
//   - directory_throttle_blocks_total (Counter): Requests blocked by shared throttle state
//   - directory_throttle_waits_total (Counter): Requests delayed until a throttle window closed
//
// Example Prometheus Queries:
//
//   # Membership failure rate
//   rate(export_group_failures_total[1h])
//
//   # Retry pressure by category
//   sum by (category) (rate(export_retries_total[5m]))
//
//   # P95 page fetch latency
//   histogram_quantile(0.95, rate(directory_request_duration_seconds_bucket[5m]))
//
//   # Runs failing
//   rate(export_runs_total{outcome="failed"}[1d])
