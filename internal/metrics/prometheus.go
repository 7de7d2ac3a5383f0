package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JudgingsTotal counts finished judgings by language and overall verdict.
	JudgingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_judge_judgings_total",
			Help: "Total number of finished judgings",
		},
		[]string{"language", "verdict"},
	)

	// JudgingDuration tracks end-to-end judging time in seconds.
	JudgingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_judge_judging_duration_seconds",
			Help:    "Duration of a whole judging in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"language"},
	)

	// CompileDuration tracks build stage time in seconds.
	CompileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_judge_compile_duration_seconds",
			Help:    "Duration of the build stage in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"language"},
	)

	// TestCaseDuration tracks the execution time of single test cases.
	TestCaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_judge_test_case_duration_seconds",
			Help:    "Duration of one test case execution in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"language", "verdict"},
	)

	// JudgingsActive tracks the number of judgings in progress.
	JudgingsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_judge_judgings_active",
			Help: "Number of judgings currently in progress",
		},
	)

	// WorkersActive tracks queue workers currently processing a message.
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_judge_workers_active",
			Help: "Number of queue worker goroutines currently judging",
		},
	)

	// SandboxFailures counts sandbox infrastructure failures (not user code errors).
	SandboxFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_judge_sandbox_failures_total",
			Help: "Total number of sandbox infrastructure failures",
		},
		[]string{"op"},
	)

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_judge_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)
