package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/applyforge/jobengine/internal/domain"
)

// Processor is the injected task-processor collaborator: the opaque business
// logic a job exists to run, such as document generation or scoring, none
// of which this package knows about. Implementations must tolerate being
// invoked more than once for the same input, because delivery is
// at-least-once, and must not write job state themselves; the worker pool
// owns every job store write.
//
// A returned *PermanentError tells the worker that retrying is pointless and
// the job should fail immediately. Any other error is treated as transient
// and recovered through queue redelivery.
type Processor interface {
	Process(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

// PermanentError marks a processor failure that redelivery cannot fix:
// malformed input, an unrecoverable business-logic rejection, and the like.
type PermanentError struct {
	Code    domain.ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("permanent: %s", e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent builds a PermanentError with the given code and message.
func Permanent(code domain.ErrorCode, message string) *PermanentError {
	return &PermanentError{Code: code, Message: message}
}

// AsPermanent extracts a PermanentError from an error chain, if present.
func AsPermanent(err error) (*PermanentError, bool) {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return perm, true
	}
	return nil, false
}

// ResultStore is the artifact side of the engine: immutable result blobs
// plus signed, time-limited read access minted on demand.
type ResultStore interface {
	// PutResult stores a job's result artifact and returns its reference.
	PutResult(ctx context.Context, jobID uuid.UUID, data []byte) (string, error)

	// SignedURL mints a fresh time-limited locator for the artifact.
	SignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error)
}
