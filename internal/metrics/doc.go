/*
Package metrics records the exporter's own behaviour as Prometheus metrics.

The Collector keeps a private registry, separate from the metrics scraped
from game servers, and is served on /exporter/metrics. It implements
scrape.Observer, so every coordinator reports to it directly:

	srcds_exporter_cache_requests_total{target,result}   hit, miss, shared, stale
	srcds_exporter_refreshes_total{target,outcome}       success, failure
	srcds_exporter_refresh_duration_seconds{target}
	srcds_exporter_refresh_errors_total{target,code}     innermost error code
	srcds_exporter_invalid_metrics_total{target}
	srcds_exporter_circuit_breaker_state{target}         0 closed, 1 open, 2 half-open
	srcds_exporter_targets_cached

Series of a target evicted from the multi-target pool are removed with
ForgetTarget so label cardinality stays bounded by the pool size.

A disabled Collector accepts every call and records nothing.
*/
package metrics
