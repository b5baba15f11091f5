package models

import "time"

// JobState represents the lifecycle state of a transcoding job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// IsValid returns true if the state is a valid JobState.
func (s JobState) IsValid() bool {
	switch s {
	case StateQueued, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

// IsTerminal returns true if the job can no longer change state.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Priority is the scheduling class of a job. Lower value is served first.
type Priority int

const (
	PriorityPremium  Priority = 1
	PriorityStandard Priority = 2
)

// IsValid returns true if the priority is a known class.
func (p Priority) IsValid() bool {
	return p == PriorityPremium || p == PriorityStandard
}

// Job represents one queued unit of transcoding work tied to one lesson.
type Job struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	LessonID       string    `json:"lessonId"`
	SourceBucket   string    `json:"sourceBucket"`
	SourceKey      string    `json:"sourceKey"`
	Filename       string    `json:"filename"`
	Priority       Priority  `json:"priority"`
	State          JobState  `json:"state"`
	Attempt        int       `json:"attempt"`
	MaxAttempts    int       `json:"maxAttempts"`
	LastError      string    `json:"lastError,omitempty"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
	NotBefore      time.Time `json:"notBefore"`
	StartedAt      time.Time `json:"startedAt,omitzero"`
	FinishedAt     time.Time `json:"finishedAt,omitzero"`
}

// Validate checks that a dequeued job carries everything a worker needs.
func (j *Job) Validate() error {
	if j.ID == "" {
		return ErrMissingJobID
	}
	if j.LessonID == "" {
		return ErrMissingLessonID
	}
	if j.SourceBucket == "" || j.SourceKey == "" {
		return ErrMissingSource
	}
	return nil
}

// AttemptsLeft returns how many executions remain after the current attempt.
func (j *Job) AttemptsLeft() int {
	left := j.MaxAttempts - j.Attempt
	if left < 0 {
		return 0
	}
	return left
}
