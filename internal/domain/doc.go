// Package domain defines the core entities of the job engine: the Job record
// with its forward-only status machine and the structured JobError surfaced
// to pollers. Entities validate themselves; persistence and transport live in
// internal/store and internal/queue.
package domain
