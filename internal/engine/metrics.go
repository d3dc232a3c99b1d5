package engine

import "github.com/prometheus/client_golang/prometheus"

// outcomeOK labels successful invocations.
const outcomeOK = "ok"

var (
	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_invocations_total",
			Help: "Total number of invocations, by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_invocation_duration_seconds",
			Help:    "Invocation duration from queueing to result, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	coldStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_cold_starts_total",
			Help: "Total number of invocations that had to load code into a sandbox.",
		},
		[]string{"backend"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_invocation_retries_total",
			Help: "Total number of invocations retried on a fresh sandbox after a backend fault.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(invocationsTotal)
	prometheus.MustRegister(invocationDuration)
	prometheus.MustRegister(coldStartsTotal)
	prometheus.MustRegister(retriesTotal)

	// Pre-initialize outcome labels so they appear in /metrics
	// before the first invocation.
	for _, b := range []string{"process", "docker", "firecracker", "wasm"} {
		for _, o := range []string{outcomeOK, string(KindTimedOut), string(KindExecutionFailure), string(KindBackendFault), string(KindResourceExhausted)} {
			invocationsTotal.WithLabelValues(b, o)
		}
	}
}
