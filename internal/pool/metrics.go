package pool

import "github.com/prometheus/client_golang/prometheus"

// Destroy reasons used as metric labels.
const (
	reasonUnhealthy = "unhealthy"
	reasonEvicted   = "evicted"
	reasonReclaimed = "reclaimed"
	reasonDrained   = "drained"
	reasonOverflow  = "overflow"
	reasonFailed    = "failed"
)

var (
	sandboxesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pool_sandboxes_created_total",
			Help: "Total number of sandboxes created, by backend and purpose.",
		},
		[]string{"backend", "purpose"},
	)

	sandboxesDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pool_sandboxes_destroyed_total",
			Help: "Total number of sandboxes destroyed, by backend and reason.",
		},
		[]string{"backend", "reason"},
	)

	liveSandboxes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_pool_live_sandboxes",
			Help: "Number of sandboxes currently alive across all keys.",
		},
	)

	acquireWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_pool_acquire_seconds",
			Help:    "Time spent in Acquire, including creation of cold sandboxes, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(sandboxesCreated)
	prometheus.MustRegister(sandboxesDestroyed)
	prometheus.MustRegister(liveSandboxes)
	prometheus.MustRegister(acquireWait)
}
