package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipeline operations.
var (
	// Validation errors
	ErrMissingJobID    = errors.New("job id is required")
	ErrMissingLessonID = errors.New("lessonId is required")
	ErrMissingSource   = errors.New("source bucket and key are required")
	ErrInvalidPriority = errors.New("invalid priority class")

	// Stage errors surfaced to the queue's retry decision
	ErrStageFailed     = errors.New("failed to stage source file")
	ErrProbeFailed     = errors.New("failed to probe media")
	ErrTranscodeFailed = errors.New("failed to transcode media")
	ErrPublishFailed   = errors.New("failed to publish output files")
	ErrReconcileFailed = errors.New("failed to reconcile lesson record")

	// Queue errors
	ErrJobNotFound    = errors.New("job not found")
	ErrJobParseFailed = errors.New("failed to parse job")

	// Record errors
	ErrLessonNotFound   = errors.New("lesson not found")
	ErrPositionConflict = errors.New("lesson position already taken")
)

// TranscodeError reports a non-zero ffmpeg exit, carrying enough of the
// process output to diagnose the failure from the job record alone.
type TranscodeError struct {
	ExitCode   int
	StderrTail string
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("ffmpeg exited with code %d: %s", e.ExitCode, e.StderrTail)
}

// Unwrap lets errors.Is match the transcode sentinel.
func (e *TranscodeError) Unwrap() error {
	return ErrTranscodeFailed
}
