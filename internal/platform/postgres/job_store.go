package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/applyforge/jobengine/internal/domain"
	"github.com/applyforge/jobengine/internal/platform/logger"
	"github.com/applyforge/jobengine/internal/store"
)

// jobColumns is the canonical select list shared by every job query.
const jobColumns = `id, dedup_key, status, input, result_ref, error_code, error_message,
	attempt_count, created_at, started_at, completed_at, expires_at`

// PostgresJobStore implements the store.JobStore interface using PostgreSQL.
//
// Every status change is a conditional UPDATE whose WHERE clause names the
// required current status. The database row, not any in-process lock, is the
// synchronization point between concurrent workers.
type PostgresJobStore struct {
	db store.DBTX
}

// NewPostgresJobStore creates a new PostgresJobStore.
func NewPostgresJobStore(db store.DBTX) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

var _ store.JobStore = (*PostgresJobStore)(nil)

// WithTx returns a JobStore bound to the given transaction.
func (s *PostgresJobStore) WithTx(tx *sql.Tx) store.JobStore {
	return &PostgresJobStore{db: tx}
}

// CreateJob persists a new pending job.
func (s *PostgresJobStore) CreateJob(ctx context.Context, job *domain.Job) error {
	log := logger.FromContext(ctx)

	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO jobs (id, dedup_key, status, input, attempt_count, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.DedupKey,
		job.Status,
		[]byte(job.Input),
		job.AttemptCount,
		job.CreatedAt,
		job.ExpiresAt,
	)
	if err != nil {
		log.Error("failed to create job",
			"job_id", job.ID,
			"dedup_key", job.DedupKey,
			"error", err)
		return MapError(err)
	}

	return nil
}

// GetJob retrieves a live job by ID. Rows past expires_at are treated as
// absent even before the sweeper removes them, so expiry is observable to
// callers only ever as not-found.
func (s *PostgresJobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE id = $1 AND expires_at > now()
	`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, MapError(err)
	}
	return job, nil
}

// ClaimJob atomically claims the job for execution and increments
// attempt_count. This is the compare-and-swap that makes redelivered
// messages harmless: at most one claim per job ever succeeds at a time. A
// processing row is reclaimable only once its started_at is staleAfter old,
// which distinguishes a redelivery after a dead or timed-out executor from a
// duplicate delivery racing a live one.
func (s *PostgresJobStore) ClaimJob(ctx context.Context, jobID uuid.UUID, staleAfter time.Duration) (*domain.Job, error) {
	log := logger.FromContext(ctx)

	query := `
		UPDATE jobs
		SET status = $2, started_at = now(), attempt_count = attempt_count + 1
		WHERE id = $1 AND expires_at > now()
		  AND (
			status = $3
			OR (status = $2 AND started_at <= now() - make_interval(secs => $4))
		  )
		RETURNING ` + jobColumns
	job, err := scanJob(s.db.QueryRowContext(ctx, query,
		jobID, domain.JobStatusProcessing, domain.JobStatusPending, staleAfter.Seconds()))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Error("failed to claim job", "job_id", jobID, "error", err)
		return nil, MapError(err)
	}

	// The conditional update matched nothing: either the job is gone (or
	// expired) or another delivery already claimed it. Distinguish so the
	// worker can log the right disposition.
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return nil, store.ErrJobAlreadyClaimed
}

// CompleteJob atomically transitions processing→completed and records the
// result reference.
func (s *PostgresJobStore) CompleteJob(ctx context.Context, jobID uuid.UUID, resultRef string) error {
	query := `
		UPDATE jobs
		SET status = $2, result_ref = $3, completed_at = now()
		WHERE id = $1 AND status = $4
	`
	return s.conditionalTransition(ctx, "complete", jobID, query,
		jobID, domain.JobStatusCompleted, resultRef, domain.JobStatusProcessing)
}

// FailJob atomically transitions processing→failed with the structured error.
func (s *PostgresJobStore) FailJob(ctx context.Context, jobID uuid.UUID, jobErr *domain.JobError) error {
	query := `
		UPDATE jobs
		SET status = $2, error_code = $3, error_message = $4, completed_at = now()
		WHERE id = $1 AND status = $5
	`
	return s.conditionalTransition(ctx, "fail", jobID, query,
		jobID, domain.JobStatusFailed, jobErr.Code, jobErr.Message, domain.JobStatusProcessing)
}

// FailPendingJob atomically transitions pending→failed. This is the
// submission service's compensation path for enqueue failures.
func (s *PostgresJobStore) FailPendingJob(ctx context.Context, jobID uuid.UUID, jobErr *domain.JobError) error {
	query := `
		UPDATE jobs
		SET status = $2, error_code = $3, error_message = $4, completed_at = now()
		WHERE id = $1 AND status = $5
	`
	return s.conditionalTransition(ctx, "fail pending", jobID, query,
		jobID, domain.JobStatusFailed, jobErr.Code, jobErr.Message, domain.JobStatusPending)
}

// DeleteExpiredJobs removes up to limit jobs past their expires_at.
func (s *PostgresJobStore) DeleteExpiredJobs(ctx context.Context, limit int) (int64, error) {
	log := logger.FromContext(ctx)

	query := `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE expires_at <= now()
			LIMIT $1
		)
	`
	result, err := s.db.ExecContext(ctx, query, limit)
	if err != nil {
		log.Error("failed to delete expired jobs", "error", err)
		return 0, MapError(err)
	}

	reclaimed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return reclaimed, nil
}

// conditionalTransition runs a status-guarded UPDATE and translates a zero
// row count into the precise conflict: the job is gone, or it is simply not
// in the state the transition requires.
func (s *PostgresJobStore) conditionalTransition(
	ctx context.Context,
	operation string,
	jobID uuid.UUID,
	query string,
	args ...any,
) error {
	log := logger.FromContext(ctx)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to transition job",
			"operation", operation,
			"job_id", jobID,
			"error", err)
		return MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	if operation == "fail pending" {
		return store.ErrJobAlreadyClaimed
	}
	return store.ErrJobNotProcessing
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanJob.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob reads one job row in jobColumns order.
func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job        domain.Job
		input      []byte
		resultRef  sql.NullString
		errCode    sql.NullString
		errMessage sql.NullString
		startedAt  sql.NullTime
		completed  sql.NullTime
	)

	err := row.Scan(
		&job.ID,
		&job.DedupKey,
		&job.Status,
		&input,
		&resultRef,
		&errCode,
		&errMessage,
		&job.AttemptCount,
		&job.CreatedAt,
		&startedAt,
		&completed,
		&job.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	job.Input = input
	if resultRef.Valid {
		job.ResultRef = &resultRef.String
	}
	if errCode.Valid {
		job.Error = domain.NewJobError(domain.ErrorCode(errCode.String), errMessage.String)
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time.UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

// touchExpiry is unused in production paths; integration tests use it to
// back-date a job's TTL without racing the wall clock.
func (s *PostgresJobStore) touchExpiry(ctx context.Context, jobID uuid.UUID, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET expires_at = $2 WHERE id = $1`, jobID, expiresAt)
	return MapError(err)
}
