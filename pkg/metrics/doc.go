/*
Package metrics provides Prometheus instrumentation and health endpoints for
burrow processes.

Collectors are package-level and registered in init:

	burrow_workers_total                    gauge, workers registered with the scheduler
	burrow_keys_total                       gauge, keys with a known holder
	burrow_rpc_requests_total               counter{method,status}
	burrow_rpc_request_duration_seconds     histogram{method}
	burrow_lock_acquire_total               counter{result}
	burrow_lock_wait_seconds                histogram
	burrow_lock_waiters                     gauge
	burrow_locks_held                       gauge
	burrow_gather_passes_total              counter
	burrow_gather_missing_workers_total     counter
	burrow_scatter_bytes_total              counter
	burrow_nanny_restarts_total             counter{reason}
	burrow_nanny_worker_rss_bytes           gauge{nanny}

Timer wraps the common measure-then-observe pattern:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RPCRequestDuration, method)

Collector samples a Source (the scheduler) on a ticker and copies its state
into the gauges.

Health tracking is process wide. Components report through RegisterComponent
and UpdateComponent; SetCriticalComponents decides which of them gate
readiness. Mux bundles /metrics, /health, /ready and /live for the optional
HTTP endpoint enabled with --metrics-addr.
*/
package metrics
