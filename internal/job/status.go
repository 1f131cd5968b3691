package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/applyforge/jobengine/internal/domain"
	"github.com/applyforge/jobengine/internal/platform/logger"
	"github.com/applyforge/jobengine/internal/store"
)

// StatusView is the read-only, caller-facing projection of a job. A
// completed job carries a freshly minted result locator; a failed job
// carries its structured error; neither field ever appears together.
type StatusView struct {
	JobID         uuid.UUID        `json:"job_id"`
	Status        domain.JobStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	ResultLocator string           `json:"result_locator,omitempty"`
	Error         *domain.JobError `json:"error,omitempty"`
}

// StatusService answers polls. It never mutates job state.
type StatusService struct {
	jobs    store.JobStore
	results ResultStore
	urlTTL  time.Duration
	logger  *slog.Logger
}

// NewStatusService creates a StatusService. urlTTL bounds the life of each
// minted result locator.
func NewStatusService(jobs store.JobStore, results ResultStore, urlTTL time.Duration, logger *slog.Logger) *StatusService {
	return &StatusService{
		jobs:    jobs,
		results: results,
		urlTTL:  urlTTL,
		logger:  logger,
	}
}

// Poll returns the current view of a job. A job that never existed and a job
// past its TTL are indistinguishable: both surface store.ErrJobNotFound, and
// callers must treat that as "unknown, possibly expired".
//
// Locators are generated on every poll rather than cached on the job record:
// they are cheap, and a cached one would hand out an ever-shrinking expiry.
func (s *StatusService) Poll(ctx context.Context, jobID uuid.UUID) (*StatusView, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		JobID:       job.ID,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		if job.ResultRef == nil {
			// A completed job always has a result reference; its
			// absence means the record was corrupted outside this
			// engine.
			return nil, fmt.Errorf("completed job %s has no result reference", job.ID)
		}
		locator, err := s.results.SignedURL(ctx, *job.ResultRef, s.urlTTL)
		if err != nil {
			logger.FromContextOrDefault(ctx, s.logger).Error("failed to mint result locator",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()))
			return nil, fmt.Errorf("failed to generate result locator: %w", err)
		}
		view.ResultLocator = locator
	case domain.JobStatusFailed:
		view.Error = job.Error
	}

	return view, nil
}
