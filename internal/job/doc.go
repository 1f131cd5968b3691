// Package job implements the orchestration services around the job
// lifecycle: submission with idempotent dedup, the worker pool that drives
// execution under at-least-once delivery, status polling with on-demand
// result locators, and the retention sweeper. Persistence and transport live
// behind the store, queue, and ResultStore contracts; this package owns the
// semantics that tie them together.
package job
