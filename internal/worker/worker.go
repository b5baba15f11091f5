// Package worker drives queued transcode jobs through their stages: stage
// the source locally, probe its duration, transcode to HLS, publish the
// rendition, and reconcile the lesson record. Concurrency is bounded by a
// fixed slot count and job starts by a rolling rate limit, so a burst of
// uploads cannot saturate the host.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/coursekit/media-pipeline/internal/config"
	"github.com/coursekit/media-pipeline/internal/logger"
	"github.com/coursekit/media-pipeline/internal/media"
	"github.com/coursekit/media-pipeline/internal/metrics"
	"github.com/coursekit/media-pipeline/internal/publisher"
	"github.com/coursekit/media-pipeline/internal/queue"
	"github.com/coursekit/media-pipeline/pkg/models"
)

const (
	// ReapInterval is how often expired leases are swept back into the queue.
	ReapInterval = time.Minute

	// DepthInterval is how often queue depth gauges are refreshed.
	DepthInterval = 15 * time.Second

	// DequeueRetryBackoff is how long the pool pauses after a queue receive
	// error before polling again, so a Redis outage does not spin the loop.
	DequeueRetryBackoff = 5 * time.Second
)

var tracer = otel.Tracer("media-worker")

// JobQueue is the queue surface the pool depends on.
type JobQueue interface {
	Dequeue(ctx context.Context) (*models.Job, error)
	Ack(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, jobErr error) (queue.Decision, error)
	Reap(ctx context.Context) (int, error)
	Counts(ctx context.Context) (*queue.Stats, error)
}

// Stager copies job sources into scratch space and removes leftovers.
type Stager interface {
	Stage(ctx context.Context, job *models.Job) (string, error)
	Cleanup(path string)
	CleanupDir(path string)
}

// Prober measures source duration in seconds.
type Prober interface {
	Probe(ctx context.Context, path string) (float64, error)
}

// Transcoder encodes a staged source into an HLS output directory.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outDir string) error
}

// Publisher uploads an output directory and returns the playable manifest URL.
type Publisher interface {
	Publish(ctx context.Context, localDir, remotePrefix string) (string, error)
}

// Reconciler applies media results to the owning lesson record.
type Reconciler interface {
	UpdateDuration(ctx context.Context, lessonID string, seconds float64) error
	UpdateMedia(ctx context.Context, lessonID string, seconds float64, mediaURL string) error
}

// Pool processes jobs from the queue with bounded concurrency.
type Pool struct {
	queue      JobQueue
	stager     Stager
	prober     Prober
	transcoder Transcoder
	publisher  Publisher
	lessons    Reconciler
	limiter    *rate.Limiter

	maxConcurrent  int
	outputRoot     string
	receiveBackoff time.Duration
	log            *slog.Logger
}

// Config holds pool dependencies.
type Config struct {
	Queue      JobQueue
	Stager     Stager
	Prober     Prober
	Transcoder Transcoder
	Publisher  Publisher
	Lessons    Reconciler
	AppConfig  *config.Config
	Logger     *slog.Logger
}

// New creates a Pool. The start limiter is a token bucket sized to the
// configured window quota, so at most RateLimitStarts jobs begin in any
// window-sized burst and sustained throughput matches quota over window.
func New(cfg *Config) *Pool {
	wc := cfg.AppConfig.Worker
	limit := rate.Limit(float64(wc.RateLimitStarts) / wc.RateLimitWindow.Seconds())

	return &Pool{
		queue:          cfg.Queue,
		stager:         cfg.Stager,
		prober:         cfg.Prober,
		transcoder:     cfg.Transcoder,
		publisher:      cfg.Publisher,
		lessons:        cfg.Lessons,
		limiter:        rate.NewLimiter(limit, wc.RateLimitStarts),
		maxConcurrent:  wc.MaxConcurrentJobs,
		outputRoot:     wc.OutputDir,
		receiveBackoff: DequeueRetryBackoff,
		log:            cfg.Logger,
	}
}

// Run starts the pool and blocks until the context is cancelled. In-flight
// jobs are allowed to finish before Run returns.
func (p *Pool) Run(ctx context.Context) {
	logger.Info(ctx, p.log, "starting job processing",
		"maxConcurrent", p.maxConcurrent,
		"rateBurst", p.limiter.Burst(),
	)

	go p.reapLoop(ctx)
	go p.depthLoop(ctx)

	sem := make(chan struct{}, p.maxConcurrent)
	var wg sync.WaitGroup

	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info(ctx, p.log, "waiting for in-progress jobs to complete")
				wg.Wait()
				logger.Info(ctx, p.log, "all jobs completed, shutting down")
				return
			}
			logger.Error(ctx, p.log, "failed to dequeue job", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(p.receiveBackoff):
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// The job keeps its lease; the reaper requeues it after expiry.
			wg.Wait()
			return
		}

		if err := p.waitForStart(ctx); err != nil {
			<-sem
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(job *models.Job) {
			defer wg.Done()
			defer func() { <-sem }()

			metrics.ActiveJobs.Inc()
			defer metrics.ActiveJobs.Dec()

			p.runJob(ctx, job)
		}(job)
	}
}

// waitForStart blocks until the rolling start limit admits another job.
func (p *Pool) waitForStart(ctx context.Context) error {
	waitStart := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	waited := time.Since(waitStart)
	metrics.RateLimitWait.Observe(waited.Seconds())
	if waited > time.Second {
		logger.Info(ctx, p.log, "job start delayed by rate limit", "waitedSeconds", waited.Seconds())
	}
	return nil
}

// runJob executes one leased job and settles it with the queue.
func (p *Pool) runJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	if err := p.processJob(ctx, job); err != nil {
		stage := stageForError(err)
		logger.Error(ctx, p.log, "job attempt failed",
			"jobId", job.ID,
			"lessonId", job.LessonID,
			"attempt", job.Attempt,
			"stage", stage,
			"error", err,
		)

		decision, failErr := p.queue.Fail(ctx, job.ID, err)
		if failErr != nil {
			logger.Error(ctx, p.log, "failed to settle job failure", "jobId", job.ID, "error", failErr)
			return
		}
		if decision.Retry {
			metrics.RecordRetry(stage)
			logger.Info(ctx, p.log, "job retry scheduled",
				"jobId", job.ID,
				"attempt", job.Attempt,
				"delaySeconds", decision.Delay.Seconds(),
			)
		} else {
			metrics.RecordFailure()
			logger.Error(ctx, p.log, "job failed permanently",
				"jobId", job.ID,
				"lessonId", job.LessonID,
				"attempt", job.Attempt,
			)
		}
		return
	}

	if err := p.queue.Ack(ctx, job.ID); err != nil {
		logger.Error(ctx, p.log, "failed to ack completed job", "jobId", job.ID, "error", err)
		return
	}
	metrics.RecordSuccess()
	metrics.JobDuration.Observe(time.Since(start).Seconds())
	logger.Info(ctx, p.log, "job completed",
		"jobId", job.ID,
		"lessonId", job.LessonID,
		"attempt", job.Attempt,
		"durationSeconds", time.Since(start).Seconds(),
	)
}

// processJob runs the stages in order. Every local artifact is removed on
// every exit path; a retry gets a fresh salted workspace and cannot collide
// with this attempt's leftovers.
func (p *Pool) processJob(ctx context.Context, job *models.Job) error {
	ctx, span := tracer.Start(ctx, "process-job")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.lesson_id", job.LessonID),
		attribute.Int("job.attempt", job.Attempt),
	)

	logger.Info(ctx, p.log, "processing job",
		"jobId", job.ID,
		"lessonId", job.LessonID,
		"attempt", job.Attempt,
		"sourceKey", job.SourceKey,
	)

	stageStart := time.Now()
	localPath, err := p.stager.Stage(ctx, job)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStageFailed, err)
	}
	defer p.stager.Cleanup(localPath)
	metrics.StageDuration.WithLabelValues("stage").Observe(time.Since(stageStart).Seconds())

	probeStart := time.Now()
	duration, err := p.prober.Probe(ctx, localPath)
	if err != nil {
		return err
	}
	metrics.StageDuration.WithLabelValues("probe").Observe(time.Since(probeStart).Seconds())

	// Record the duration as soon as it is known. The lesson keeps it even
	// if a later stage fails for good.
	if err := p.lessons.UpdateDuration(ctx, job.LessonID, duration); err != nil {
		return fmt.Errorf("%w: duration: %v", models.ErrReconcileFailed, err)
	}

	salt := time.Now().UnixNano()
	outDir := filepath.Join(p.outputRoot, media.OutputDirName(job.ID, salt))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %v", models.ErrTranscodeFailed, err)
	}
	defer p.stager.CleanupDir(outDir)

	if err := p.transcoder.Transcode(ctx, localPath, outDir); err != nil {
		return err
	}

	publishStart := time.Now()
	remotePrefix := publisher.RemotePrefix(job.LessonID, job.ID, salt)
	manifestURL, err := p.publisher.Publish(ctx, outDir, remotePrefix)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPublishFailed, err)
	}
	metrics.StageDuration.WithLabelValues("publish").Observe(time.Since(publishStart).Seconds())

	if err := p.lessons.UpdateMedia(ctx, job.LessonID, duration, manifestURL); err != nil {
		return fmt.Errorf("%w: media: %v", models.ErrReconcileFailed, err)
	}

	logger.Info(ctx, p.log, "lesson media published",
		"jobId", job.ID,
		"lessonId", job.LessonID,
		"manifestURL", manifestURL,
		"durationSeconds", duration,
	)

	return nil
}

// stageForError maps a job error to the stage that produced it.
func stageForError(err error) string {
	switch {
	case errors.Is(err, models.ErrStageFailed):
		return "stage"
	case errors.Is(err, models.ErrProbeFailed):
		return "probe"
	case errors.Is(err, models.ErrTranscodeFailed):
		return "transcode"
	case errors.Is(err, models.ErrPublishFailed):
		return "publish"
	case errors.Is(err, models.ErrReconcileFailed):
		return "reconcile"
	default:
		return "unknown"
	}
}

// reapLoop periodically returns expired leases to the ready queue so jobs
// from crashed workers are not lost.
func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.Reap(ctx)
			if err != nil {
				logger.Error(ctx, p.log, "lease reap failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Warn(ctx, p.log, "requeued expired leases", "count", n)
			}
		}
	}
}

// depthLoop refreshes queue depth gauges.
func (p *Pool) depthLoop(ctx context.Context) {
	ticker := time.NewTicker(DepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := p.queue.Counts(ctx)
			if err != nil {
				continue
			}
			metrics.QueueDepth.WithLabelValues("premium").Set(float64(stats.QueuedPremium))
			metrics.QueueDepth.WithLabelValues("standard").Set(float64(stats.QueuedStandard))
		}
	}
}
