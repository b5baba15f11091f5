package queue

import (
	"fmt"
	"strconv"
	"time"

	"github.com/coursekit/media-pipeline/pkg/models"
)

// Score layout for the ready sets. The major component is the not-before
// time in 100ms buckets; the minor component is a submission sequence number
// so ties within a bucket stay FIFO. The minor range is wide enough that a
// sequence wraparound inside one bucket takes 100k submissions, and the
// combined value stays inside float64's 53-bit exact-integer range.
const (
	scoreBucketMillis = 100
	scoreMinorRange   = 100_000
)

// readyScore encodes delivery eligibility in a sorted-set score. The bucket
// is rounded up so a delayed retry is never eligible before its not-before
// time.
func readyScore(notBefore time.Time, seq int64) float64 {
	bucket := (notBefore.UnixMilli() + scoreBucketMillis - 1) / scoreBucketMillis
	return float64(bucket)*scoreMinorRange + float64(seq%scoreMinorRange)
}

// maxReadyScore returns the largest score eligible for delivery at now.
func maxReadyScore(now time.Time) float64 {
	return float64(now.UnixMilli()/scoreBucketMillis)*scoreMinorRange + (scoreMinorRange - 1)
}

func jobToFields(j *models.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":              j.ID,
		"idempotency_key": j.IdempotencyKey,
		"lesson_id":       j.LessonID,
		"source_bucket":   j.SourceBucket,
		"source_key":      j.SourceKey,
		"filename":        j.Filename,
		"priority":        strconv.Itoa(int(j.Priority)),
		"state":           string(j.State),
		"attempt":         strconv.Itoa(j.Attempt),
		"max_attempts":    strconv.Itoa(j.MaxAttempts),
		"last_error":      j.LastError,
		"enqueued_at":     j.EnqueuedAt.Format(time.RFC3339Nano),
		"not_before":      j.NotBefore.Format(time.RFC3339Nano),
	}
	if !j.StartedAt.IsZero() {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if !j.FinishedAt.IsZero() {
		m["finished_at"] = j.FinishedAt.Format(time.RFC3339Nano)
	}
	return m
}

func jobFromFields(m map[string]string) (*models.Job, error) {
	priority, err := strconv.Atoi(m["priority"])
	if err != nil {
		return nil, fmt.Errorf("%w: bad priority %q", models.ErrJobParseFailed, m["priority"])
	}

	// Numeric and time fields were written by jobToFields; a zero value on a
	// corrupt field is caught by Validate below.
	attempt, _ := strconv.Atoi(m["attempt"])
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])

	enqueuedAt, _ := time.Parse(time.RFC3339Nano, m["enqueued_at"])
	notBefore, _ := time.Parse(time.RFC3339Nano, m["not_before"])

	j := &models.Job{
		ID:             m["id"],
		IdempotencyKey: m["idempotency_key"],
		LessonID:       m["lesson_id"],
		SourceBucket:   m["source_bucket"],
		SourceKey:      m["source_key"],
		Filename:       m["filename"],
		Priority:       models.Priority(priority),
		State:          models.JobState(m["state"]),
		Attempt:        attempt,
		MaxAttempts:    maxAttempts,
		LastError:      m["last_error"],
		EnqueuedAt:     enqueuedAt,
		NotBefore:      notBefore,
	}

	if v := m["started_at"]; v != "" {
		j.StartedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := m["finished_at"]; v != "" {
		j.FinishedAt, _ = time.Parse(time.RFC3339Nano, v)
	}

	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
	}
	return j, nil
}
