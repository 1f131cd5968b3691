package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/applyforge/jobengine/internal/platform/logger"
	"github.com/applyforge/jobengine/internal/store"
)

// PostgresIdempotencyStore implements store.IdempotencyStore using PostgreSQL.
//
// The whole point of this table is the single-statement reserve: an INSERT
// with an ON CONFLICT clause that only overwrites an expired record. Under
// concurrent submissions with the same dedup key exactly one statement
// returns a row; every other submitter reads the winner's job ID.
type PostgresIdempotencyStore struct {
	db store.DBTX
}

// NewPostgresIdempotencyStore creates a new PostgresIdempotencyStore.
func NewPostgresIdempotencyStore(db store.DBTX) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db}
}

var _ store.IdempotencyStore = (*PostgresIdempotencyStore)(nil)

// WithTx returns an IdempotencyStore bound to the given transaction.
func (s *PostgresIdempotencyStore) WithTx(tx *sql.Tx) store.IdempotencyStore {
	return &PostgresIdempotencyStore{db: tx}
}

// Reserve atomically creates a record for the dedup key if no live record
// exists. Expired records are reclaimed by the same statement.
func (s *PostgresIdempotencyStore) Reserve(
	ctx context.Context,
	dedupKey string,
	jobID uuid.UUID,
	ttl time.Duration,
) (bool, uuid.UUID, error) {
	log := logger.FromContext(ctx)

	insert := `
		INSERT INTO idempotency_keys (dedup_key, job_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (dedup_key) DO UPDATE
			SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at <= now()
		RETURNING job_id
	`
	lookup := `
		SELECT job_id FROM idempotency_keys
		WHERE dedup_key = $1 AND expires_at > now()
	`

	expiresAt := time.Now().UTC().Add(ttl)

	// Two rounds cover the one legitimate race: the live record that made
	// our insert return nothing can expire or be released before our
	// lookup. A second insert then wins cleanly.
	for i := 0; i < 2; i++ {
		var won uuid.UUID
		err := s.db.QueryRowContext(ctx, insert, dedupKey, jobID, expiresAt).Scan(&won)
		if err == nil {
			return true, won, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			log.Error("failed to reserve idempotency record",
				"dedup_key", dedupKey,
				"error", err)
			return false, uuid.Nil, MapError(err)
		}

		var existing uuid.UUID
		err = s.db.QueryRowContext(ctx, lookup, dedupKey).Scan(&existing)
		if err == nil {
			return false, existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			log.Error("failed to look up idempotency record",
				"dedup_key", dedupKey,
				"error", err)
			return false, uuid.Nil, MapError(err)
		}
	}

	return false, uuid.Nil, store.NewStoreError(
		"idempotency record", "reserve",
		"record neither reservable nor readable", store.ErrConflict)
}

// Release removes the record for the dedup key if it still points at the
// given job.
func (s *PostgresIdempotencyStore) Release(ctx context.Context, dedupKey string, jobID uuid.UUID) error {
	query := `
		DELETE FROM idempotency_keys
		WHERE dedup_key = $1 AND job_id = $2
	`
	if _, err := s.db.ExecContext(ctx, query, dedupKey, jobID); err != nil {
		logger.FromContext(ctx).Error("failed to release idempotency record",
			"dedup_key", dedupKey,
			"error", err)
		return MapError(err)
	}
	return nil
}

// DeleteExpiredRecords removes up to limit expired records.
func (s *PostgresIdempotencyStore) DeleteExpiredRecords(ctx context.Context, limit int) (int64, error) {
	log := logger.FromContext(ctx)

	query := `
		DELETE FROM idempotency_keys
		WHERE dedup_key IN (
			SELECT dedup_key FROM idempotency_keys
			WHERE expires_at <= now()
			LIMIT $1
		)
	`
	result, err := s.db.ExecContext(ctx, query, limit)
	if err != nil {
		log.Error("failed to delete expired idempotency records", "error", err)
		return 0, MapError(err)
	}
	return result.RowsAffected()
}
