package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/applyforge/jobengine/internal/api/shared"
	"github.com/applyforge/jobengine/internal/domain"
	"github.com/applyforge/jobengine/internal/job"
	"github.com/applyforge/jobengine/internal/store"
)

// JobSubmitter accepts new job submissions.
type JobSubmitter interface {
	Submit(ctx context.Context, dedupKey string, input json.RawMessage) (*job.SubmitResult, error)
}

// JobPoller answers status polls.
type JobPoller interface {
	Poll(ctx context.Context, jobID uuid.UUID) (*job.StatusView, error)
}

// SubmitJobRequest is the body of POST /v1/jobs.
type SubmitJobRequest struct {
	DedupKey string          `json:"dedup_key" validate:"required,min=1,max=255"`
	Input    json.RawMessage `json:"input"     validate:"required"`
}

// SubmitJobResponse is the body returned for a submission.
type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobStatusResponse is the body of GET /v1/jobs/{id}.
type JobStatusResponse struct {
	JobID         string           `json:"job_id"`
	Status        string           `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	ResultLocator string           `json:"result_locator,omitempty"`
	Error         *domain.JobError `json:"error,omitempty"`
}

// JobHandler handles job-related HTTP requests.
type JobHandler struct {
	submitter JobSubmitter
	poller    JobPoller
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(submitter JobSubmitter, poller JobPoller) *JobHandler {
	return &JobHandler{
		submitter: submitter,
		poller:    poller,
	}
}

// SubmitJob handles POST /v1/jobs requests. Validation fails closed: nothing
// is stored or enqueued unless the request passes. A repeat of a dedup key
// inside its idempotency window answers 200 with the existing job; a fresh
// submission answers 202 because execution happens asynchronously.
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	result, err := h.submitter.Submit(r.Context(), req.DedupKey, req.Input)
	if err != nil {
		if isSubmissionValidationError(err) {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to submit job", err)
		return
	}

	status := http.StatusAccepted
	if result.Existing {
		status = http.StatusOK
	}
	shared.RespondWithJSON(w, r, status, SubmitJobResponse{
		JobID:  result.JobID.String(),
		Status: string(result.Status),
	})
}

// GetJob handles GET /v1/jobs/{id} requests. A job that never existed and a
// job past its retention window both answer 404.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	jobID, err := uuid.Parse(idParam)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid job ID")
		return
	}

	view, err := h.poller.Poll(r.Context(), jobID)
	if err != nil {
		if store.IsNotFoundError(err) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Job not found")
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to read job status", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, JobStatusResponse{
		JobID:         view.JobID.String(),
		Status:        string(view.Status),
		CreatedAt:     view.CreatedAt,
		StartedAt:     view.StartedAt,
		CompletedAt:   view.CompletedAt,
		ResultLocator: view.ResultLocator,
		Error:         view.Error,
	})
}

// isSubmissionValidationError reports whether the submission failed on the
// caller's input rather than on infrastructure.
func isSubmissionValidationError(err error) bool {
	return errors.Is(err, domain.ErrEmptyDedupKey) ||
		errors.Is(err, domain.ErrEmptyJobInput) ||
		errors.Is(err, domain.ErrEmptyJobID) ||
		errors.Is(err, domain.ErrInvalidJobExpiry)
}
