package media

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/coursekit/media-pipeline/pkg/models"
)

var tracer = otel.Tracer("media-pipeline")

// Prober extracts media metadata by shelling out to ffprobe.
type Prober struct {
	timeout time.Duration
	log     *slog.Logger
}

// NewProber creates a Prober with the given per-invocation timeout.
func NewProber(timeout time.Duration, log *slog.Logger) *Prober {
	return &Prober{timeout: timeout, log: log}
}

// Probe returns the duration of the media file at path in seconds.
func (p *Prober) Probe(ctx context.Context, path string) (float64, error) {
	ctx, span := tracer.Start(ctx, "probe-media")
	defer span.End()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: ffprobe timed out", models.ErrProbeFailed)
		}
		return 0, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}

	duration, err := parseProbeDuration(string(output))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}

	p.log.InfoContext(ctx, "Probed media duration",
		"path", path,
		"durationSeconds", duration,
	)
	return duration, nil
}

// parseProbeDuration parses ffprobe's bare duration output.
func parseProbeDuration(output string) (float64, error) {
	s := strings.TrimSpace(output)
	if s == "" || s == "N/A" {
		return 0, fmt.Errorf("no duration in ffprobe output")
	}

	duration, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable duration %q", s)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("non-positive duration %f", duration)
	}
	return duration, nil
}
