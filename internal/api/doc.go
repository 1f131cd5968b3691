// Package api contains the HTTP handlers for job submission, status polling,
// and dead-letter inspection, plus shared request/response helpers and
// middleware. Handlers validate fail-closed, translate service errors to
// status codes, and never leak internal error detail to clients.
package api
