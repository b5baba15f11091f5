// Package publisher uploads transcoded output to the media store and
// derives the public playback URL.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	cenkbackoff "github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/coursekit/media-pipeline/internal/media"
	"github.com/coursekit/media-pipeline/internal/metrics"
)

// Upload configuration
const (
	MaxConcurrentUploads = 20
	putMaxTries          = 3
	putInitialBackoff    = 500 * time.Millisecond
)

var tracer = otel.Tracer("media-publisher")

// ObjectPutter defines the storage operation needed to publish a file.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Publisher uploads every file in a transcoded output directory to the
// media store under a salted remote prefix.
type Publisher struct {
	client    ObjectPutter
	bucket    string
	cdnDomain string
	log       *slog.Logger
}

// New creates a Publisher targeting the given bucket and public CDN host.
func New(client ObjectPutter, bucket, cdnDomain string, log *slog.Logger) *Publisher {
	return &Publisher{
		client:    client,
		bucket:    bucket,
		cdnDomain: cdnDomain,
		log:       log,
	}
}

// RemotePrefix derives the remote path prefix for one job attempt. The salt
// guarantees a retry writes to a fresh prefix instead of overwriting a
// partially uploaded prior attempt.
func RemotePrefix(lessonID, jobID string, salt int64) string {
	return fmt.Sprintf("hls/%s/%s-%d", lessonID, jobID, salt)
}

// Publish uploads every file in localDir (flat, non-recursive: the
// transcoder never nests segments) to {bucket}/{remotePrefix}/{filename}
// and returns the public manifest URL.
func (p *Publisher) Publish(ctx context.Context, localDir, remotePrefix string) (string, error) {
	ctx, span := tracer.Start(ctx, "publish-output")
	defer span.End()

	entries, err := os.ReadDir(localDir)
	if err != nil {
		return "", fmt.Errorf("failed to read output directory: %w", err)
	}

	var filesUploaded atomic.Int64
	var totalBytes atomic.Int64
	var firstErr atomic.Pointer[error]

	sem := make(chan struct{}, MaxConcurrentUploads)
	var wg sync.WaitGroup

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if firstErr.Load() != nil {
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// In-flight puts must drain before the caller deletes localDir
			// out from under them.
			wg.Wait()
			return "", fmt.Errorf("context canceled during publish: %w", ctx.Err())
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()

			if firstErr.Load() != nil {
				return
			}

			size, err := p.putFile(ctx, filepath.Join(localDir, name), remotePrefix+"/"+name)
			if err != nil {
				firstErr.CompareAndSwap(nil, &err)
				return
			}

			filesUploaded.Add(1)
			totalBytes.Add(size)
			metrics.PublishedFiles.Inc()
		}(entry.Name())
	}

	wg.Wait()

	if errPtr := firstErr.Load(); errPtr != nil {
		return "", *errPtr
	}
	if filesUploaded.Load() == 0 {
		return "", fmt.Errorf("output directory %s contains no files", localDir)
	}

	span.SetAttributes(
		attribute.Int64("files.uploaded", filesUploaded.Load()),
		attribute.Int64("bytes.total", totalBytes.Load()),
	)

	manifestURL := p.ManifestURL(remotePrefix)
	p.log.InfoContext(ctx, "Publish complete",
		"remotePrefix", remotePrefix,
		"filesUploaded", filesUploaded.Load(),
		"totalBytes", totalBytes.Load(),
		"manifestURL", manifestURL,
	)
	return manifestURL, nil
}

// ManifestURL returns the public playback URL for a remote prefix.
func (p *Publisher) ManifestURL(remotePrefix string) string {
	return fmt.Sprintf("https://%s/%s/%s", p.cdnDomain, remotePrefix, media.ManifestName)
}

// putFile uploads one file, retrying transient failures a bounded number of
// times before the whole publish step is considered failed.
func (p *Publisher) putFile(ctx context.Context, localPath, key string) (int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	expo := cenkbackoff.NewExponentialBackOff()
	expo.InitialInterval = putInitialBackoff

	_, err = cenkbackoff.Retry(ctx, func() (struct{}, error) {
		file, err := os.Open(localPath)
		if err != nil {
			return struct{}{}, cenkbackoff.Permanent(err)
		}
		defer file.Close()

		_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.bucket),
			Key:         aws.String(key),
			Body:        file,
			ContentType: aws.String(contentType(localPath)),
		})
		return struct{}{}, err
	}, cenkbackoff.WithBackOff(expo), cenkbackoff.WithMaxTries(putMaxTries))
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	p.log.DebugContext(ctx, "Uploaded file", "key", key)
	return info.Size(), nil
}

// contentType returns the appropriate content type for the file.
func contentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".m3u8"):
		return "application/vnd.apple.mpegurl"
	case strings.HasSuffix(path, ".ts"):
		return "video/MP2T"
	default:
		return "application/octet-stream"
	}
}
