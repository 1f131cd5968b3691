package domain

import "fmt"

// ErrorCode classifies why a job failed. Codes are part of the poll response
// contract, so values are stable strings rather than iota constants.
type ErrorCode string

// Known failure codes.
const (
	// ErrorCodeValidation marks input the processor could never handle.
	ErrorCodeValidation ErrorCode = "VALIDATION"

	// ErrorCodeProcessing marks a permanent business-logic failure reported
	// by the processor.
	ErrorCodeProcessing ErrorCode = "PROCESSING"

	// ErrorCodeTimeout marks a single invocation that exceeded the
	// processor execution bound.
	ErrorCodeTimeout ErrorCode = "TIMEOUT"

	// ErrorCodeExhausted marks a job whose delivery-attempt budget ran out
	// before any invocation succeeded.
	ErrorCodeExhausted ErrorCode = "EXHAUSTED"

	// ErrorCodeEnqueueFailed marks a job whose dispatch message could not
	// be enqueued; the submission service fails the job rather than leave
	// an invisible pending orphan.
	ErrorCodeEnqueueFailed ErrorCode = "ENQUEUE_FAILED"
)

// JobError is the structured error recorded on a failed job and surfaced
// verbatim by the status endpoint. It is a value, not a Go error chain: by the
// time it is written the failure has already been fully classified.
type JobError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface so a JobError can travel through
// error-returning call paths inside the worker.
func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewJobError builds a JobError with the given code and message.
func NewJobError(code ErrorCode, message string) *JobError {
	return &JobError{Code: code, Message: message}
}
