package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the processing state of a job
type JobStatus string

// Possible job status values
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Common validation errors for Job
var (
	ErrEmptyJobID           = errors.New("job ID cannot be empty")
	ErrEmptyDedupKey        = errors.New("job dedup key cannot be empty")
	ErrEmptyJobInput        = errors.New("job input cannot be empty")
	ErrInvalidJobStatus     = errors.New("invalid job status")
	ErrInvalidJobExpiry     = errors.New("job expiry must be after creation")
	ErrIllegalJobTransition = errors.New("illegal job status transition")
)

// Job represents one asynchronously executed unit of work. It is created in
// pending state by the submission service, claimed and finished by exactly one
// worker, and reclaimed after ExpiresAt.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	DedupKey     string          `json:"dedup_key"`
	Status       JobStatus       `json:"status"`
	Input        json.RawMessage `json:"input"`
	ResultRef    *string         `json:"result_ref,omitempty"`
	Error        *JobError       `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// NewJob creates a new Job in pending state with the given dedup key, opaque
// input payload, and time-to-live. Returns an error if validation fails.
func NewJob(dedupKey string, input json.RawMessage, ttl time.Duration) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New(),
		DedupKey:  dedupKey,
		Status:    JobStatusPending,
		Input:     input,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return job, nil
}

// Validate checks if the Job has valid data.
// Returns an error if any field fails validation.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return ErrEmptyJobID
	}

	if j.DedupKey == "" {
		return ErrEmptyDedupKey
	}

	if len(j.Input) == 0 {
		return ErrEmptyJobInput
	}

	if !isValidJobStatus(j.Status) {
		return ErrInvalidJobStatus
	}

	if !j.ExpiresAt.After(j.CreatedAt) {
		return ErrInvalidJobExpiry
	}

	return nil
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// CanTransitionTo reports whether moving to the given status is a legal,
// forward-only transition. The only legal paths are
// pending→processing→{completed,failed}; terminal states admit nothing.
func (j *Job) CanTransitionTo(next JobStatus) bool {
	switch j.Status {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// TransitionTo moves the job to the given status after checking legality.
// Returns ErrIllegalJobTransition if the move would go backward or out of a
// terminal state. Persistence-level enforcement lives in the store's
// conditional updates; this is the in-memory mirror of the same machine.
func (j *Job) TransitionTo(next JobStatus) error {
	if !isValidJobStatus(next) {
		return ErrInvalidJobStatus
	}
	if !j.CanTransitionTo(next) {
		return ErrIllegalJobTransition
	}

	now := time.Now().UTC()
	switch next {
	case JobStatusProcessing:
		j.StartedAt = &now
	case JobStatusCompleted, JobStatusFailed:
		j.CompletedAt = &now
	}
	j.Status = next
	return nil
}

// isValidJobStatus checks if the given status is a valid JobStatus.
func isValidJobStatus(status JobStatus) bool {
	switch status {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}
