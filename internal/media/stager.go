package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/coursekit/media-pipeline/pkg/models"
)

// ObjectFetcher defines the storage operation needed to stage a source file.
type ObjectFetcher interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Stager persists a job's source bytes to a local scratch file so external
// tools can operate on a path rather than a stream.
type Stager struct {
	fetcher    ObjectFetcher
	scratchDir string
	log        *slog.Logger
}

// NewStager creates a Stager writing under scratchDir.
func NewStager(fetcher ObjectFetcher, scratchDir string, log *slog.Logger) *Stager {
	return &Stager{
		fetcher:    fetcher,
		scratchDir: scratchDir,
		log:        log,
	}
}

// ScratchName returns the scratch filename for one job attempt. The name
// combines the job id with a caller-supplied salt so concurrent jobs and
// retries of the same job never collide.
func ScratchName(jobID string, salt int64, ext string) string {
	return fmt.Sprintf("%s-%d%s", jobID, salt, ext)
}

// OutputDirName returns the transcode output directory name for one job
// attempt, salted the same way as ScratchName.
func OutputDirName(jobID string, salt int64) string {
	return fmt.Sprintf("%s-%d", jobID, salt)
}

// Stage fetches the job's source object into a fresh salted scratch file
// and returns its path. The caller owns removal via Cleanup.
func (s *Stager) Stage(ctx context.Context, job *models.Job) (string, error) {
	ctx, span := tracer.Start(ctx, "stage-source")
	defer span.End()

	if err := os.MkdirAll(s.scratchDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}

	ext := filepath.Ext(job.SourceKey)
	path := filepath.Join(s.scratchDir, ScratchName(job.ID, time.Now().UnixNano(), ext))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch file: %w", err)
	}

	result, err := s.fetcher.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(job.SourceBucket),
		Key:    aws.String(job.SourceKey),
	})
	if err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to get source object: %w", err)
	}
	defer result.Body.Close()

	written, err := io.Copy(f, result.Body)
	if err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write scratch file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close scratch file: %w", err)
	}

	span.SetAttributes(attribute.Int64("source.size_bytes", written))
	s.log.InfoContext(ctx, "Staged source file",
		"jobId", job.ID,
		"path", path,
		"sizeBytes", written,
	)

	return path, nil
}

// Cleanup removes the scratch file. Removal errors are logged, never
// returned: cleanup must not feed the retry decision.
func (s *Stager) Cleanup(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("Failed to remove scratch file", "path", path, "error", err)
	}
}

// CleanupDir removes an output directory and all its contents.
func (s *Stager) CleanupDir(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		s.log.Warn("Failed to remove output directory", "path", path, "error", err)
	}
}
