package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/applyforge/jobengine/internal/domain"
)

// JobStore defines the persistence contract for job records. The store is the
// single source of truth for job state; every status change goes through one
// of the conditional transitions below, which enforce the forward-only
// pending→processing→{completed,failed} machine at the database level.
//
// All reads are TTL-opaque: a row whose expires_at has passed behaves exactly
// like a missing row, whether or not the sweeper has physically removed it.
type JobStore interface {
	// CreateJob persists a new pending job.
	CreateJob(ctx context.Context, job *domain.Job) error

	// GetJob retrieves a live job by ID. Returns ErrJobNotFound if the job
	// does not exist or has expired.
	GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)

	// ClaimJob atomically claims the job for execution and increments
	// attempt_count, returning the claimed job. The claim succeeds for a
	// pending job, or for a processing job whose started_at is at least
	// staleAfter old; the latter is how a redelivery retries work whose
	// previous executor timed out or died without the job ever leaving
	// processing. A fresh processing job (duplicate delivery while the
	// original lease is live) or a terminal job yields
	// ErrJobAlreadyClaimed; a missing or expired job yields
	// ErrJobNotFound. This compare-and-swap is the sole guard against
	// duplicate concurrent execution under at-least-once delivery.
	ClaimJob(ctx context.Context, jobID uuid.UUID, staleAfter time.Duration) (*domain.Job, error)

	// CompleteJob atomically transitions processing→completed and records
	// the result reference. Returns ErrJobNotProcessing if the job is not
	// in processing state, so a late writer can never overwrite a job that
	// was already failed by exhaustion.
	CompleteJob(ctx context.Context, jobID uuid.UUID, resultRef string) error

	// FailJob atomically transitions processing→failed with the structured
	// error. Same conditional semantics as CompleteJob.
	FailJob(ctx context.Context, jobID uuid.UUID, jobErr *domain.JobError) error

	// FailPendingJob atomically transitions pending→failed. Used by the
	// submission service to compensate when the dispatch message could not
	// be enqueued. Returns ErrConflict if the job has left pending state.
	FailPendingJob(ctx context.Context, jobID uuid.UUID, jobErr *domain.JobError) error

	// DeleteExpiredJobs removes up to limit jobs past their expires_at and
	// reports how many were reclaimed.
	DeleteExpiredJobs(ctx context.Context, limit int) (int64, error)

	// WithTx returns a JobStore bound to the given transaction.
	WithTx(tx *sql.Tx) JobStore
}

// TxRunner runs a unit of work whose job and idempotency writes must land
// atomically. The submission path depends on it: an idempotency record must
// never become visible without the job row it points at.
type TxRunner interface {
	Run(ctx context.Context, fn func(jobs JobStore, idem IdempotencyStore) error) error
}

// IdempotencyRecord maps a caller-supplied dedup key to the job that owns it
// for the duration of the idempotency window.
type IdempotencyRecord struct {
	DedupKey  string
	JobID     uuid.UUID
	ExpiresAt time.Time
}

// IdempotencyStore defines the secondary dedup-key index. Its expiry window is
// configured independently of the job TTL.
type IdempotencyStore interface {
	// Reserve atomically creates a record for the dedup key if no live
	// record exists (create-if-absent; an expired record is reclaimed in
	// the same statement). It returns true if this caller won the key, or
	// false plus the job ID the existing live record points at.
	Reserve(ctx context.Context, dedupKey string, jobID uuid.UUID, ttl time.Duration) (bool, uuid.UUID, error)

	// Release removes the record for the dedup key if it still points at
	// the given job. Used when a reserved key must be given back, e.g.
	// because the record resolved to a job the job store no longer has.
	Release(ctx context.Context, dedupKey string, jobID uuid.UUID) error

	// DeleteExpiredRecords removes up to limit expired records and reports
	// how many were reclaimed. Swept on its own schedule, separate from
	// the job sweep.
	DeleteExpiredRecords(ctx context.Context, limit int) (int64, error)

	// WithTx returns an IdempotencyStore bound to the given transaction.
	WithTx(tx *sql.Tx) IdempotencyStore
}
