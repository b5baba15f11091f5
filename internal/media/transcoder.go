package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coursekit/media-pipeline/internal/metrics"
	"github.com/coursekit/media-pipeline/pkg/models"
)

const (
	// SegmentDuration is the target duration of each HLS segment in seconds.
	SegmentDuration = 6

	// ManifestName is the flat segment index referencing sequential segments.
	ManifestName = "index.m3u8"

	// segmentPattern yields deterministic sequential segment filenames, so
	// re-running the step into the same directory is idempotent.
	segmentPattern = "seg_%03d.ts"

	// stderrTailLines is how many trailing ffmpeg stderr lines are kept for
	// error reporting.
	stderrTailLines = 10
)

// Preset defines the single-rendition encoding parameters. Resolution is
// capped rather than fixed: sources below MaxHeight are not upscaled.
type Preset struct {
	MaxHeight       int
	Bitrate         string
	MaxRate         string
	BufSize         string
	AudioSampleRate string
	AudioBitrate    string
}

// DefaultPreset bounds file size and playback stutter on constrained
// networks: 720p cap, capped bitrate and buffer, fixed-rate AAC audio.
var DefaultPreset = Preset{
	MaxHeight:       720,
	Bitrate:         "2.5M",
	MaxRate:         "2.75M",
	BufSize:         "5M",
	AudioSampleRate: "44100",
	AudioBitrate:    "128k",
}

// Transcoder converts a staged source file into segmented HLS output by
// shelling out to ffmpeg.
type Transcoder struct {
	preset  Preset
	timeout time.Duration
	log     *slog.Logger
}

// NewTranscoder creates a Transcoder. A positive timeout bounds each ffmpeg
// invocation so a stuck encode cannot permanently occupy a worker slot.
func NewTranscoder(preset Preset, timeout time.Duration, log *slog.Logger) *Transcoder {
	return &Transcoder{preset: preset, timeout: timeout, log: log}
}

// Transcode encodes inputPath into outDir as one manifest plus sequential
// media segments. On non-zero process exit it returns a
// *models.TranscodeError carrying the exit code and the stderr tail.
func (t *Transcoder) Transcode(ctx context.Context, inputPath, outDir string) error {
	ctx, span := tracer.Start(ctx, "transcode-hls")
	defer span.End()

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	args := buildFFmpegArgs(t.preset, inputPath, outDir)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", models.ErrTranscodeFailed, err)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", models.ErrTranscodeFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffmpeg: %v", models.ErrTranscodeFailed, err)
	}

	tail := newTailBuffer(stderrTailLines)

	var wg sync.WaitGroup
	wg.Add(2)

	// Monitor stderr for progress, collecting the tail for error reporting.
	go func() {
		defer wg.Done()
		t.monitorOutput(ctx, stderrPipe, tail)
	}()

	// Drain stdout
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}()

	cmdErr := cmd.Wait()
	wg.Wait()

	if cmdErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: hard timeout after %s", models.ErrTranscodeFailed, t.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(cmdErr, &exitErr) {
			return &models.TranscodeError{
				ExitCode:   exitErr.ExitCode(),
				StderrTail: tail.String(),
			}
		}
		return fmt.Errorf("%w: %v", models.ErrTranscodeFailed, cmdErr)
	}

	metrics.StageDuration.WithLabelValues("transcode").Observe(time.Since(start).Seconds())
	return nil
}

// buildFFmpegArgs constructs the ffmpeg command arguments for a single
// 720p-capped rendition segmented into a flat index.
func buildFFmpegArgs(p Preset, inputPath, outDir string) []string {
	return []string{
		"-i", inputPath,
		"-preset", "veryfast",
		"-c:v", "libx264",
		"-profile:v", "main",
		"-vf", fmt.Sprintf(`scale=-2:min(%d\,ih)`, p.MaxHeight),
		"-b:v", p.Bitrate,
		"-maxrate", p.MaxRate,
		"-bufsize", p.BufSize,
		"-c:a", "aac",
		"-ar", p.AudioSampleRate,
		"-b:a", p.AudioBitrate,
		"-hls_time", fmt.Sprintf("%d", SegmentDuration),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outDir, segmentPattern),
		filepath.Join(outDir, ManifestName),
	}
}

// monitorOutput reads and logs ffmpeg output while keeping the tail.
func (t *Transcoder) monitorOutput(ctx context.Context, r io.Reader, tail *tailBuffer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		tail.Append(line)

		if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
			t.log.DebugContext(ctx, "FFmpeg progress", "output", line)
		} else if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			t.log.WarnContext(ctx, "FFmpeg warning", "output", line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.log.WarnContext(ctx, "FFmpeg output scanner error", "error", err)
	}
}

// tailBuffer keeps the last n appended lines.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (b *tailBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
