package postgres

import (
	"context"
	"database/sql"

	"github.com/applyforge/jobengine/internal/store"
)

// TxRunner implements store.TxRunner over a shared *sql.DB. Each Run call
// opens one transaction and hands the callback stores bound to it.
type TxRunner struct {
	db   *sql.DB
	jobs *PostgresJobStore
	idem *PostgresIdempotencyStore
}

// NewTxRunner creates a TxRunner around the given database handle and stores.
func NewTxRunner(db *sql.DB, jobs *PostgresJobStore, idem *PostgresIdempotencyStore) *TxRunner {
	return &TxRunner{db: db, jobs: jobs, idem: idem}
}

// Run executes fn inside a single database transaction.
func (r *TxRunner) Run(ctx context.Context, fn func(jobs store.JobStore, idem store.IdempotencyStore) error) error {
	return store.RunInTransaction(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(r.jobs.WithTx(tx), r.idem.WithTx(tx))
	})
}
