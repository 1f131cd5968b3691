package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/applyforge/jobengine/internal/domain"
	"github.com/applyforge/jobengine/internal/platform/logger"
	"github.com/applyforge/jobengine/internal/queue"
	"github.com/applyforge/jobengine/internal/store"
)

// SubmissionConfig holds the tunables of the submission path.
type SubmissionConfig struct {
	// JobTTL is how long a job record lives before the sweeper may
	// reclaim it.
	JobTTL time.Duration

	// IdempotencyTTL is the dedup window; independent of (and typically
	// longer than) JobTTL.
	IdempotencyTTL time.Duration

	// EnqueueRetryLimit bounds the local retry of the dispatch-message
	// enqueue before the pending job is compensated to failed.
	EnqueueRetryLimit uint64
}

// DefaultSubmissionConfig returns a SubmissionConfig with reasonable defaults.
func DefaultSubmissionConfig() SubmissionConfig {
	return SubmissionConfig{
		JobTTL:            24 * time.Hour,
		IdempotencyTTL:    48 * time.Hour,
		EnqueueRetryLimit: 3,
	}
}

// SubmitResult is the caller-facing outcome of a submission. Existing is true
// for an idempotent hit; callers are not required to distinguish the two
// forms and both carry a usable job ID.
type SubmitResult struct {
	JobID    uuid.UUID
	Status   domain.JobStatus
	Existing bool
}

// SubmissionService creates jobs. It is the only writer of pending job
// records and of idempotency records.
type SubmissionService struct {
	tx     store.TxRunner
	jobs   store.JobStore
	idem   store.IdempotencyStore
	queue  queue.Queue
	cfg    SubmissionConfig
	logger *slog.Logger
}

// NewSubmissionService creates a SubmissionService.
func NewSubmissionService(
	tx store.TxRunner,
	jobs store.JobStore,
	idem store.IdempotencyStore,
	q queue.Queue,
	cfg SubmissionConfig,
	logger *slog.Logger,
) *SubmissionService {
	return &SubmissionService{
		tx:     tx,
		jobs:   jobs,
		idem:   idem,
		queue:  q,
		cfg:    cfg,
		logger: logger,
	}
}

// Submit resolves the dedup key and either returns the job that already owns
// it or creates a fresh pending job and enqueues its dispatch message.
//
// The key reservation and the job row commit in one transaction, so no
// concurrent submitter can ever observe a record pointing at a job that does
// not exist yet. The message is enqueued after commit; if the enqueue retry
// budget runs out, the pending job is failed with ENQUEUE_FAILED and the
// dedup key is released, so no invisible pending orphan and no poisoned
// idempotency window survive the incident.
func (s *SubmissionService) Submit(ctx context.Context, dedupKey string, input json.RawMessage) (*SubmitResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("dedup_key", dedupKey))

	// Two rounds: the second one only runs when a dangling idempotency
	// record (pointing at a job the store no longer has) was released.
	for round := 0; round < 2; round++ {
		job, err := domain.NewJob(dedupKey, input, s.cfg.JobTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid submission: %w", err)
		}

		var won bool
		var existingID uuid.UUID
		err = s.tx.Run(ctx, func(jobs store.JobStore, idem store.IdempotencyStore) error {
			var resErr error
			won, existingID, resErr = idem.Reserve(ctx, dedupKey, job.ID, s.cfg.IdempotencyTTL)
			if resErr != nil {
				return fmt.Errorf("failed to reserve dedup key: %w", resErr)
			}
			if !won {
				return nil
			}
			if createErr := jobs.CreateJob(ctx, job); createErr != nil {
				// Rollback takes the reservation back with it.
				return fmt.Errorf("failed to create job: %w", createErr)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		if !won {
			existing, err := s.jobs.GetJob(ctx, existingID)
			if err == nil {
				log.Debug("submission collapsed onto existing job",
					slog.String("job_id", existing.ID.String()),
					slog.String("status", string(existing.Status)))
				return &SubmitResult{JobID: existing.ID, Status: existing.Status, Existing: true}, nil
			}
			if !store.IsNotFoundError(err) {
				return nil, fmt.Errorf("failed to read existing job: %w", err)
			}

			// The record outlived its job. Treat it as expired:
			// release it and race for the key again.
			log.Info("releasing idempotency record for reclaimed job",
				slog.String("job_id", existingID.String()))
			if err := s.idem.Release(ctx, dedupKey, existingID); err != nil {
				return nil, fmt.Errorf("failed to release dangling idempotency record: %w", err)
			}
			continue
		}

		return s.dispatch(ctx, log, job)
	}

	return nil, fmt.Errorf("dedup key %q kept resolving to reclaimed jobs", dedupKey)
}

// dispatch publishes the committed job's dispatch message, compensating on
// enqueue failure.
func (s *SubmissionService) dispatch(ctx context.Context, log *slog.Logger, job *domain.Job) (*SubmitResult, error) {
	if err := s.enqueueWithRetry(ctx, job.ID); err != nil {
		log.Error("enqueue failed after retries, failing job",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))

		jobErr := domain.NewJobError(domain.ErrorCodeEnqueueFailed,
			"dispatch message could not be enqueued")
		if failErr := s.jobs.FailPendingJob(ctx, job.ID, jobErr); failErr != nil {
			log.Error("failed to compensate undispatched job",
				slog.String("job_id", job.ID.String()),
				slog.String("error", failErr.Error()))
		}
		if relErr := s.idem.Release(ctx, job.DedupKey, job.ID); relErr != nil {
			log.Error("failed to release dedup key after enqueue failure",
				slog.String("error", relErr.Error()))
		}
		return nil, fmt.Errorf("failed to enqueue dispatch message: %w", err)
	}

	log.Info("job submitted", slog.String("job_id", job.ID.String()))
	return &SubmitResult{JobID: job.ID, Status: domain.JobStatusPending}, nil
}

// enqueueWithRetry publishes the dispatch message with exponential backoff.
func (s *SubmissionService) enqueueWithRetry(ctx context.Context, jobID uuid.UUID) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.EnqueueRetryLimit),
		ctx,
	)
	return backoff.Retry(func() error {
		return s.queue.Enqueue(ctx, jobID)
	}, policy)
}
