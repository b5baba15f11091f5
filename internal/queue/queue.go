// Package queue implements a durable, prioritized, retryable job queue on
// Redis. Each job is stored as a Hash; each priority class has a Sorted Set
// scored by delivery-eligibility time, so delayed retries share the same
// structure as fresh submissions. Leased jobs live in a separate Sorted Set
// scored by lease expiry so crashed workers can be reaped.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coursekit/media-pipeline/internal/backoff"
	"github.com/coursekit/media-pipeline/internal/config"
	"github.com/coursekit/media-pipeline/pkg/models"
)

// DefaultPollInterval is how often Dequeue re-checks the ready sets when
// no job is eligible.
const DefaultPollInterval = time.Second

// priorityClasses is the delivery order: premium before standard.
var priorityClasses = []models.Priority{models.PriorityPremium, models.PriorityStandard}

// Config holds queue behaviour parameters.
type Config struct {
	MaxAttempts        int
	Backoff            backoff.Strategy
	CompletedRetention int
	FailedRetention    int
	LeaseDuration      time.Duration
	PollInterval       time.Duration
}

// DefaultConfig returns queue behaviour from application configuration.
func DefaultConfig(qc config.QueueConfig) Config {
	return Config{
		MaxAttempts:        qc.MaxAttempts,
		Backoff:            backoff.NewExponential(qc.BackoffBase, qc.BackoffMax),
		CompletedRetention: qc.CompletedRetention,
		FailedRetention:    qc.FailedRetention,
		LeaseDuration:      qc.LeaseDuration,
		PollInterval:       DefaultPollInterval,
	}
}

// Decision is the queue's verdict after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// SubmitInput carries everything needed to enqueue one job.
type SubmitInput struct {
	LessonID       string
	SourceBucket   string
	SourceKey      string
	Filename       string
	Priority       models.Priority
	IdempotencyKey string
}

// Stats is a point-in-time snapshot of queue depth for inspection.
type Stats struct {
	QueuedPremium  int64 `json:"queuedPremium"`
	QueuedStandard int64 `json:"queuedStandard"`
	Active         int64 `json:"active"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
}

// Queue is a Redis-backed job queue. Safe for concurrent use.
type Queue struct {
	client redis.Cmdable
	cfg    Config
	log    *slog.Logger
}

// New creates a Queue. The caller owns the Redis client lifecycle.
func New(client redis.Cmdable, cfg Config, log *slog.Logger) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.NewExponential(config.DefaultBackoffBase, config.DefaultBackoffMax)
	}
	return &Queue{client: client, cfg: cfg, log: log}
}

// NewClient builds a Redis client with bounded connect timeout and bounded
// internal retries, so submission and consumption fail fast rather than
// hanging when the backend is unreachable.
func NewClient(rc config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        rc.Addr,
		Password:    rc.Password,
		DB:          rc.DB,
		DialTimeout: rc.DialTimeout,
		MaxRetries:  rc.MaxRetries,
	})
}

// Ping verifies the queue backend connection is alive.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Submit enqueues a new job and returns its id. If an idempotency key is
// supplied and a job was already submitted under it, the existing job id is
// returned without enqueuing a duplicate.
func (q *Queue) Submit(ctx context.Context, in SubmitInput) (string, error) {
	if in.LessonID == "" {
		return "", models.ErrMissingLessonID
	}
	if in.SourceBucket == "" || in.SourceKey == "" {
		return "", models.ErrMissingSource
	}
	if !in.Priority.IsValid() {
		return "", models.ErrInvalidPriority
	}

	jobID := uuid.NewString()

	if in.IdempotencyKey != "" {
		set, err := q.client.SetNX(ctx, idempotencyKey(in.IdempotencyKey), jobID, 0).Result()
		if err != nil {
			return "", fmt.Errorf("queue: idempotency check: %w", err)
		}
		if !set {
			existing, err := q.client.Get(ctx, idempotencyKey(in.IdempotencyKey)).Result()
			if err != nil {
				return "", fmt.Errorf("queue: idempotency lookup: %w", err)
			}
			q.log.InfoContext(ctx, "Duplicate submission, returning existing job",
				"idempotencyKey", in.IdempotencyKey,
				"jobId", existing,
			)
			return existing, nil
		}
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:             jobID,
		IdempotencyKey: in.IdempotencyKey,
		LessonID:       in.LessonID,
		SourceBucket:   in.SourceBucket,
		SourceKey:      in.SourceKey,
		Filename:       in.Filename,
		Priority:       in.Priority,
		State:          models.StateQueued,
		MaxAttempts:    q.cfg.MaxAttempts,
		EnqueuedAt:     now,
		NotBefore:      now,
	}

	seq, err := q.client.Incr(ctx, seqKey).Result()
	if err != nil {
		q.releaseIdempotencyKey(ctx, in.IdempotencyKey)
		return "", fmt.Errorf("queue: submit seq: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), jobToFields(job))
	pipe.ZAdd(ctx, readyKey(job.Priority), redis.Z{
		Score:  readyScore(job.NotBefore, seq),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		q.releaseIdempotencyKey(ctx, in.IdempotencyKey)
		return "", fmt.Errorf("queue: submit job: %w", err)
	}

	q.log.InfoContext(ctx, "Job submitted",
		"jobId", jobID,
		"lessonId", in.LessonID,
		"priority", int(in.Priority),
	)
	return jobID, nil
}

// releaseIdempotencyKey undoes the SetNX claim when enqueuing fails, so a
// caller retrying with the same key is not pointed at a job that never
// entered the queue. Runs detached from the caller's cancellation because
// the failed submit may itself be a cancellation.
func (q *Queue) releaseIdempotencyKey(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := q.client.Del(context.WithoutCancel(ctx), idempotencyKey(key)).Err(); err != nil {
		q.log.WarnContext(ctx, "Failed to release idempotency key",
			"idempotencyKey", key,
			"error", err,
		)
	}
}

// Dequeue blocks until a job is eligible for delivery or the context is
// cancelled. Premium jobs are always served before standard ones; within a
// class delivery is FIFO. The returned job is leased: the caller must finish
// with Ack or Fail before the lease expires or the reaper will redeliver it.
func (q *Queue) Dequeue(ctx context.Context) (*models.Job, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := q.tryDequeue(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryDequeue attempts one non-blocking pass over the priority classes.
func (q *Queue) tryDequeue(ctx context.Context) (*models.Job, error) {
	now := time.Now().UTC()

	for _, p := range priorityClasses {
		ids, err := q.client.ZRangeByScore(ctx, readyKey(p), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatFloat(maxReadyScore(now), 'f', -1, 64),
			Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		if len(ids) == 0 {
			continue
		}

		jobID := ids[0]

		// Ownership is decided by the ZRem: only one worker removes the
		// member, so two pollers can never lease the same job.
		removed, err := q.client.ZRem(ctx, readyKey(p), jobID).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue claim: %w", err)
		}
		if removed == 0 {
			continue
		}

		return q.lease(ctx, jobID, now)
	}

	return nil, nil
}

// lease marks a claimed job active and registers its lease deadline.
func (q *Queue) lease(ctx context.Context, jobID string, now time.Time) (*models.Job, error) {
	job, err := q.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}

	job.State = models.StateActive
	job.Attempt++
	job.StartedAt = now

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID),
		"state", string(models.StateActive),
		"attempt", strconv.Itoa(job.Attempt),
		"started_at", now.Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, activeKey, redis.Z{
		Score:  float64(now.Add(q.cfg.LeaseDuration).UnixMilli()),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: lease job: %w", err)
	}

	q.log.InfoContext(ctx, "Job leased",
		"jobId", jobID,
		"attempt", job.Attempt,
		"maxAttempts", job.MaxAttempts,
	)
	return job, nil
}

// Ack marks a leased job completed and records it in bounded recent history.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	now := time.Now().UTC()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID),
		"state", string(models.StateCompleted),
		"finished_at", now.Format(time.RFC3339Nano),
		"last_error", "",
	)
	pipe.ZRem(ctx, activeKey, jobID)
	pipe.LPush(ctx, completedKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack job: %w", err)
	}

	return q.trimHistory(ctx, completedKey, q.cfg.CompletedRetention)
}

// Fail records a failed attempt. If attempts remain the job is re-queued
// with backoff; otherwise it is marked terminally failed and retained in the
// failed history for audit.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error) (Decision, error) {
	job, err := q.Job(ctx, jobID)
	if err != nil {
		return Decision{}, err
	}

	now := time.Now().UTC()
	lastError := ""
	if jobErr != nil {
		lastError = jobErr.Error()
	}

	if job.Attempt >= job.MaxAttempts {
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jobID),
			"state", string(models.StateFailed),
			"last_error", lastError,
			"finished_at", now.Format(time.RFC3339Nano),
		)
		pipe.ZRem(ctx, activeKey, jobID)
		pipe.LPush(ctx, failedKey, jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return Decision{}, fmt.Errorf("queue: fail job: %w", err)
		}

		if err := q.trimHistory(ctx, failedKey, q.cfg.FailedRetention); err != nil {
			return Decision{}, err
		}

		q.log.ErrorContext(ctx, "Job failed terminally",
			"jobId", jobID,
			"attempt", job.Attempt,
			"error", lastError,
		)
		return Decision{Retry: false}, nil
	}

	delay := q.cfg.Backoff.Delay(job.Attempt)
	notBefore := now.Add(delay)

	seq, err := q.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("queue: fail seq: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID),
		"state", string(models.StateQueued),
		"last_error", lastError,
		"not_before", notBefore.Format(time.RFC3339Nano),
	)
	pipe.ZRem(ctx, activeKey, jobID)
	pipe.ZAdd(ctx, readyKey(job.Priority), redis.Z{
		Score:  readyScore(notBefore, seq),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("queue: requeue job: %w", err)
	}

	q.log.WarnContext(ctx, "Job failed, scheduled for retry",
		"jobId", jobID,
		"attempt", job.Attempt,
		"delay", delay.String(),
		"error", lastError,
	)
	return Decision{Retry: true, Delay: delay}, nil
}

// Reap re-queues active jobs whose lease expired, so a crashed worker's job
// is redelivered. Expired jobs with no attempts left are failed terminally.
// Returns how many jobs were reaped.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	ids, err := q.client.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: reap scan: %w", err)
	}

	reaped := 0
	for _, jobID := range ids {
		removed, err := q.client.ZRem(ctx, activeKey, jobID).Result()
		if err != nil {
			return reaped, fmt.Errorf("queue: reap claim: %w", err)
		}
		if removed == 0 {
			continue
		}

		if _, err := q.Fail(ctx, jobID, errors.New("lease expired")); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// Job retrieves a job by id for inspection.
func (q *Queue) Job(ctx context.Context, jobID string) (*models.Job, error) {
	fields, err := q.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrJobNotFound
	}
	return jobFromFields(fields)
}

// Counts returns a snapshot of queue depth per state.
func (q *Queue) Counts(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	premium := pipe.ZCard(ctx, readyKey(models.PriorityPremium))
	standard := pipe.ZCard(ctx, readyKey(models.PriorityStandard))
	active := pipe.ZCard(ctx, activeKey)
	completed := pipe.LLen(ctx, completedKey)
	failed := pipe.LLen(ctx, failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: counts: %w", err)
	}

	return &Stats{
		QueuedPremium:  premium.Val(),
		QueuedStandard: standard.Val(),
		Active:         active.Val(),
		Completed:      completed.Val(),
		Failed:         failed.Val(),
	}, nil
}

// RecentCompleted returns up to n most recently completed job ids.
func (q *Queue) RecentCompleted(ctx context.Context, n int64) ([]string, error) {
	return q.recent(ctx, completedKey, n)
}

// RecentFailed returns up to n most recently terminally failed job ids.
func (q *Queue) RecentFailed(ctx context.Context, n int64) ([]string, error) {
	return q.recent(ctx, failedKey, n)
}

func (q *Queue) recent(ctx context.Context, key string, n int64) ([]string, error) {
	ids, err := q.client.LRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: recent history: %w", err)
	}
	return ids, nil
}

// trimHistory evicts history entries beyond the retention bound, deleting
// the evicted job hashes and their idempotency keys so storage stays bounded
// and no key resolves to a job that no longer exists.
func (q *Queue) trimHistory(ctx context.Context, key string, retention int) error {
	if retention <= 0 {
		return nil
	}

	evicted, err := q.client.LRange(ctx, key, int64(retention), -1).Result()
	if err != nil {
		return fmt.Errorf("queue: history scan: %w", err)
	}
	if len(evicted) == 0 {
		return nil
	}

	pipe := q.client.TxPipeline()
	pipe.LTrim(ctx, key, 0, int64(retention)-1)
	for _, id := range evicted {
		idem, err := q.client.HGet(ctx, jobKey(id), "idempotency_key").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("queue: history scan: %w", err)
		}
		if idem != "" {
			pipe.Del(ctx, idempotencyKey(idem))
		}
		pipe.Del(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: history trim: %w", err)
	}
	return nil
}
