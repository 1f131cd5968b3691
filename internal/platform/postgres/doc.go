// Package postgres provides PostgreSQL-backed implementations of the storage
// interfaces defined in internal/store. The job store's conditional UPDATEs
// are the system's only cross-worker synchronization primitive; the
// idempotency store's single-statement reserve collapses concurrent
// duplicate submissions onto one job.
package postgres
