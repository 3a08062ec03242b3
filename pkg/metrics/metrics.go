package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	WorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_workers_total",
			Help: "Number of workers registered with the scheduler",
		},
	)

	KeysTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_keys_total",
			Help: "Number of keys with at least one known holder",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_rpc_requests_total",
			Help: "Total number of RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Lock metrics
	LockAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_lock_acquire_total",
			Help: "Lock acquire requests by result (granted, timeout, cancelled)",
		},
		[]string{"result"},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_lock_wait_seconds",
			Help:    "Time spent queued for a lock in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_lock_waiters",
			Help: "Number of queued lock waiters",
		},
	)

	LocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_locks_held",
			Help: "Number of lock names currently held",
		},
	)

	// Data exchange metrics
	GatherPassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_gather_passes_total",
			Help: "Total number of gather passes",
		},
	)

	GatherMissingWorkersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_gather_missing_workers_total",
			Help: "Workers found unreachable while gathering",
		},
	)

	ScatterBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_scatter_bytes_total",
			Help: "Bytes scattered to workers",
		},
	)

	// Nanny metrics
	NannyRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_nanny_restarts_total",
			Help: "Worker restarts by reason (crash, memory, request)",
		},
		[]string{"reason"},
	)

	WorkerRSSBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_nanny_worker_rss_bytes",
			Help: "Resident set size of supervised workers",
		},
		[]string{"nanny"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(KeysTotal)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(LockAcquireTotal)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockWaiters)
	prometheus.MustRegister(LocksHeld)
	prometheus.MustRegister(GatherPassesTotal)
	prometheus.MustRegister(GatherMissingWorkersTotal)
	prometheus.MustRegister(ScatterBytesTotal)
	prometheus.MustRegister(NannyRestartsTotal)
	prometheus.MustRegister(WorkerRSSBytes)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Mux serves /metrics, /health, /ready and /live
func Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/ready", ReadyHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}
