// Package intake accepts raw lesson media and turns it into queued
// transcode work. Callers hand over a byte stream plus metadata; intake
// parks the bytes in the source bucket and submits a job referencing them,
// so queue entries stay small no matter how large the upload is.
package intake

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/coursekit/media-pipeline/internal/logger"
	"github.com/coursekit/media-pipeline/internal/queue"
	"github.com/coursekit/media-pipeline/pkg/models"
)

// Uploader is the subset of the S3 client used for source uploads.
type Uploader interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Submitter enqueues a validated job.
type Submitter interface {
	Submit(ctx context.Context, in queue.SubmitInput) (string, error)
}

// Metadata describes the lesson media being enqueued.
type Metadata struct {
	LessonID       string
	Filename       string
	Priority       models.Priority
	IdempotencyKey string
}

// Intake stores raw uploads and submits transcode jobs for them.
type Intake struct {
	uploader Uploader
	queue    Submitter
	bucket   string
	log      *slog.Logger
}

// New creates an Intake writing to the given source bucket.
func New(uploader Uploader, q Submitter, bucket string, log *slog.Logger) *Intake {
	return &Intake{
		uploader: uploader,
		queue:    q,
		bucket:   bucket,
		log:      log,
	}
}

// Enqueue uploads the media stream to the source bucket under a unique key
// and submits a job referencing it. Returns the job ID.
func (i *Intake) Enqueue(ctx context.Context, r io.Reader, meta Metadata) (string, error) {
	if meta.LessonID == "" {
		return "", models.ErrMissingLessonID
	}
	if meta.Filename == "" {
		return "", fmt.Errorf("filename is required")
	}
	if meta.Priority == 0 {
		meta.Priority = models.PriorityStandard
	}
	if !meta.Priority.IsValid() {
		return "", models.ErrInvalidPriority
	}

	filename := filepath.Base(meta.Filename)
	key := path.Join("uploads", uuid.NewString(), filename)

	_, err := i.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(i.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(sourceContentType(filename)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store source media: %w", err)
	}

	jobID, err := i.queue.Submit(ctx, queue.SubmitInput{
		LessonID:       meta.LessonID,
		SourceBucket:   i.bucket,
		SourceKey:      key,
		Filename:       filename,
		Priority:       meta.Priority,
		IdempotencyKey: meta.IdempotencyKey,
	})
	if err != nil {
		return "", err
	}

	logger.Info(ctx, i.log, "media accepted",
		"jobId", jobID,
		"lessonId", meta.LessonID,
		"sourceKey", key,
		"priority", int(meta.Priority),
	)

	return jobID, nil
}

func sourceContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}
