package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Run outcomes.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusKilled    = "killed"
)

// VM lifecycle phases timed by phaseDuration.
const (
	phaseBoot    = "boot"
	phaseRun     = "run"
	phaseCleanup = "cleanup"
)

var (
	phaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kiln_firecracker_phase_seconds",
		Help:    "Time spent per micro-VM phase: boot until the agent answers, run over vsock, cleanup after stop.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5, 10, 30},
	}, []string{"phase"})

	activeVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_firecracker_active_vms",
		Help: "Firecracker micro-VMs currently running.",
	})

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_firecracker_runs_total",
		Help: "Runs executed inside micro-VMs, by language and outcome.",
	}, []string{"language", "status"})
)

func init() {
	prometheus.MustRegister(phaseDuration, activeVMs, runsTotal)

	for _, phase := range []string{phaseBoot, phaseRun, phaseCleanup} {
		phaseDuration.WithLabelValues(phase)
	}
	for _, lang := range SupportedLanguages {
		for _, status := range []string{statusCompleted, statusFailed, statusKilled} {
			runsTotal.WithLabelValues(lang, status)
		}
	}
}
