package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker metrics
var (
	// JobsProcessed counts the total number of jobs processed by terminal status.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "jobs_processed_total",
			Help:      "Total number of transcoding jobs processed",
		},
		[]string{"status"},
	)

	// JobRetries counts redeliveries by the stage that failed.
	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "job_retries_total",
			Help:      "Total number of job retries by failed stage",
		},
		[]string{"stage"},
	)

	// JobDuration tracks end-to-end job execution time.
	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "job_duration_seconds",
			Help:      "Time taken to process a job end to end",
			Buckets:   []float64{10, 30, 60, 120, 300, 600},
		},
	)

	// StageDuration tracks per-stage execution time.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time taken by each pipeline stage",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	// ActiveJobs tracks the number of currently executing jobs.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipeline",
			Name:      "active_jobs",
			Help:      "Number of currently executing jobs",
		},
	)

	// QueueDepth tracks queued jobs per priority class.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pipeline",
			Name:      "queue_depth",
			Help:      "Number of queued jobs per priority class",
		},
		[]string{"priority"},
	)

	// RateLimitWait tracks how long job starts are held by the rate limiter.
	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time job starts spend waiting on the start rate limiter",
			Buckets:   []float64{0.01, 0.1, 1, 5, 15, 30, 60},
		},
	)

	// PublishedFiles counts files uploaded to the media store.
	PublishedFiles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "published_files_total",
			Help:      "Total number of files uploaded to the media store",
		},
	)
)

// RecordSuccess records a successfully completed job.
func RecordSuccess() {
	JobsProcessed.WithLabelValues("completed").Inc()
}

// RecordFailure records a terminally failed job.
func RecordFailure() {
	JobsProcessed.WithLabelValues("failed").Inc()
}

// RecordRetry records a retryable failure for the given stage.
func RecordRetry(stage string) {
	JobRetries.WithLabelValues(stage).Inc()
}
