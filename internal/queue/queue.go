// Package queue defines the dispatch-message contract between the submission
// side and the worker pool. The queue delivers messages at least once: a
// received message is leased, not owned, and reappears unless it is
// acknowledged before the visibility timeout runs out. Messages that burn
// through the delivery budget are parked on a dead-letter channel for
// operator inspection. The queue knows nothing about job state; deduplicating
// redeliveries is the job store's claim, not the queue's problem.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoMessage is returned by Receive when no message became available
// within the implementation's blocking window. Callers just loop.
var ErrNoMessage = errors.New("no message available")

// Message is the dispatch envelope. It carries only the job ID and delivery
// metadata; the payload lives on the job record.
type Message struct {
	// ID identifies this message for lease tracking and acknowledgement.
	ID string `json:"id"`

	// JobID references the job this message dispatches.
	JobID uuid.UUID `json:"job_id"`

	// Deliveries counts how many times the message has been handed to a
	// consumer, including the current delivery.
	Deliveries int `json:"deliveries"`

	// EnqueuedAt records when the message first entered the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeadLetter is a message that exceeded the delivery budget, held aside for
// operator inspection.
type DeadLetter struct {
	Message      Message   `json:"message"`
	DeadLetterAt time.Time `json:"dead_letter_at"`
}

// Queue is the at-least-once dispatch channel.
type Queue interface {
	// Enqueue publishes a dispatch message for the job.
	Enqueue(ctx context.Context, jobID uuid.UUID) error

	// Receive leases the next available message. The lease lasts for the
	// implementation's visibility timeout; if the message is not
	// acknowledged in time it is redelivered (or dead-lettered once its
	// delivery budget is spent). Returns ErrNoMessage when nothing is
	// available within the blocking window.
	Receive(ctx context.Context) (*Message, error)

	// Ack removes a leased message permanently. Acknowledging a message
	// whose lease already expired is a harmless no-op.
	Ack(ctx context.Context, msg *Message) error

	// DeadLetter removes a leased message and parks it on the dead-letter
	// channel. Workers use this when they convert delivery exhaustion
	// into a failed job, so the message still reaches the operator even
	// though it will never be redelivered.
	DeadLetter(ctx context.Context, msg *Message) error

	// DeadLetters returns up to limit parked messages, newest first.
	DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error)
}
