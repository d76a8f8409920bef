package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shear_submitter_build_info",
			Help: "Build information of the proof submitter",
		},
		[]string{"version", "commit", "date"},
	)

	CyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shear_submitter_cycles_total",
			Help: "Total number of completed dispatch cycles",
		},
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shear_submitter_submissions_total",
			Help: "Total number of settled proof submissions",
		},
		[]string{"account", "status"},
	)

	SubmissionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shear_submitter_submission_attempts_total",
			Help: "Total number of individual submission attempts by outcome classification",
		},
		[]string{"classification"},
	)

	SubmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shear_submitter_submission_duration_seconds",
			Help:    "Duration of successful submissions from first attempt to inclusion",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~256s
		},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shear_submitter_generation_duration_seconds",
			Help:    "Duration of witness plus proof generation per artifact",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"strategy"},
	)

	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shear_submitter_session_reconnects_total",
			Help: "Total number of full session reconnects",
		},
	)

	PersistenceWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shear_submitter_persistence_write_failures_total",
			Help: "Total number of ignored persistence sink write failures",
		},
	)
)
