package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/applyforge/jobengine/internal/api/shared"
	"github.com/applyforge/jobengine/internal/queue"
)

const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

// DeadLetterLister exposes the queue's parked messages.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int64) ([]queue.DeadLetter, error)
}

// DeadLetterResponse is one entry in the GET /v1/dlq listing.
type DeadLetterResponse struct {
	MessageID    string    `json:"message_id"`
	JobID        string    `json:"job_id"`
	Deliveries   int       `json:"deliveries"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	DeadLetterAt time.Time `json:"dead_letter_at"`
}

// DLQHandler serves read-only dead-letter inspection.
type DLQHandler struct {
	letters DeadLetterLister
}

// NewDLQHandler creates a new DLQHandler.
func NewDLQHandler(letters DeadLetterLister) *DLQHandler {
	return &DLQHandler{letters: letters}
}

// ListDeadLetters handles GET /v1/dlq requests, newest entries first.
func (h *DLQHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultDeadLetterLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 || parsed > maxDeadLetterLimit {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	letters, err := h.letters.DeadLetters(r.Context(), limit)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to list dead letters", err)
		return
	}

	out := make([]DeadLetterResponse, 0, len(letters))
	for _, dl := range letters {
		out = append(out, DeadLetterResponse{
			MessageID:    dl.Message.ID,
			JobID:        dl.Message.JobID.String(),
			Deliveries:   dl.Message.Deliveries,
			EnqueuedAt:   dl.Message.EnqueuedAt,
			DeadLetterAt: dl.DeadLetterAt,
		})
	}

	shared.RespondWithJSON(w, r, http.StatusOK, out)
}
