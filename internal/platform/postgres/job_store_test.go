//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyforge/jobengine/internal/domain"
	"github.com/applyforge/jobengine/internal/store"
	"github.com/applyforge/jobengine/internal/testdb"
)

func newTestJob(t *testing.T, ttl time.Duration) *domain.Job {
	t.Helper()

	job, err := domain.NewJob(
		"cover_letter#"+uuid.NewString(),
		json.RawMessage(`{"document":"cover_letter"}`),
		ttl,
	)
	require.NoError(t, err)
	return job
}

func TestJobStoreLifecycle(t *testing.T) {
	db := testdb.Open(t)
	jobStore := NewPostgresJobStore(db)
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		job := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, job))

		got, err := jobStore.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, job.DedupKey, got.DedupKey)
		assert.Equal(t, domain.JobStatusPending, got.Status)
		assert.JSONEq(t, string(job.Input), string(got.Input))
		assert.Equal(t, 0, got.AttemptCount)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.Error)
	})

	t.Run("get missing job", func(t *testing.T) {
		_, err := jobStore.GetJob(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrJobNotFound)
	})

	t.Run("claim then complete", func(t *testing.T) {
		job := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, job))

		claimed, err := jobStore.ClaimJob(ctx, job.ID, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, claimed.Status)
		assert.Equal(t, 1, claimed.AttemptCount)
		assert.NotNil(t, claimed.StartedAt)

		require.NoError(t, jobStore.CompleteJob(ctx, job.ID, "jobs/"+job.ID.String()+"/result.json"))

		got, err := jobStore.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, got.Status)
		require.NotNil(t, got.ResultRef)
		assert.Equal(t, "jobs/"+job.ID.String()+"/result.json", *got.ResultRef)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("second claim loses", func(t *testing.T) {
		job := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, job))

		_, err := jobStore.ClaimJob(ctx, job.ID, time.Hour)
		require.NoError(t, err)

		_, err = jobStore.ClaimJob(ctx, job.ID, time.Hour)
		assert.ErrorIs(t, err, store.ErrJobAlreadyClaimed)
		assert.True(t, store.IsConflictError(err))
	})

	t.Run("claim missing job", func(t *testing.T) {
		_, err := jobStore.ClaimJob(ctx, uuid.New(), time.Hour)
		assert.ErrorIs(t, err, store.ErrJobNotFound)
	})

	t.Run("stale processing job is reclaimable", func(t *testing.T) {
		job := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, job))

		first, err := jobStore.ClaimJob(ctx, job.ID, time.Hour)
		require.NoError(t, err)
		require.Equal(t, 1, first.AttemptCount)

		// With a zero staleness window the processing row counts as
		// abandoned immediately, standing in for an executor that
		// timed out and let its lease lapse.
		second, err := jobStore.ClaimJob(ctx, job.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, second.Status)
		assert.Equal(t, 2, second.AttemptCount)
	})

	t.Run("terminal job is never reclaimable", func(t *testing.T) {
		job := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, job))
		_, err := jobStore.ClaimJob(ctx, job.ID, time.Hour)
		require.NoError(t, err)
		require.NoError(t, jobStore.CompleteJob(ctx, job.ID, "jobs/x/result.json"))

		_, err = jobStore.ClaimJob(ctx, job.ID, 0)
		assert.ErrorIs(t, err, store.ErrJobAlreadyClaimed)
	})

	t.Run("fail records structured error", func(t *testing.T) {
		job := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, job))
		_, err := jobStore.ClaimJob(ctx, job.ID, time.Hour)
		require.NoError(t, err)

		require.NoError(t, jobStore.FailJob(ctx, job.ID,
			domain.NewJobError(domain.ErrorCodeProcessing, "malformed application")))

		got, err := jobStore.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, domain.ErrorCodeProcessing, got.Error.Code)
		assert.Equal(t, "malformed application", got.Error.Message)
	})

	t.Run("late completion cannot overwrite failed", func(t *testing.T) {
		job := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, job))
		_, err := jobStore.ClaimJob(ctx, job.ID, time.Hour)
		require.NoError(t, err)

		require.NoError(t, jobStore.FailJob(ctx, job.ID,
			domain.NewJobError(domain.ErrorCodeExhausted, "attempts exhausted")))

		err = jobStore.CompleteJob(ctx, job.ID, "jobs/late/result.json")
		assert.ErrorIs(t, err, store.ErrJobNotProcessing)

		got, err := jobStore.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, got.Status)
		assert.Nil(t, got.ResultRef)
	})

	t.Run("fail pending for enqueue compensation", func(t *testing.T) {
		job := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, job))

		require.NoError(t, jobStore.FailPendingJob(ctx, job.ID,
			domain.NewJobError(domain.ErrorCodeEnqueueFailed, "queue unavailable")))

		got, err := jobStore.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, got.Status)

		// A claimed job can no longer be failed through the pending path.
		other := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, other))
		_, err = jobStore.ClaimJob(ctx, other.ID, time.Hour)
		require.NoError(t, err)
		err = jobStore.FailPendingJob(ctx, other.ID,
			domain.NewJobError(domain.ErrorCodeEnqueueFailed, "queue unavailable"))
		assert.ErrorIs(t, err, store.ErrJobAlreadyClaimed)
	})
}

func TestJobStoreExpiry(t *testing.T) {
	db := testdb.Open(t)
	jobStore := NewPostgresJobStore(db)
	ctx := context.Background()

	t.Run("expired job reads as not found", func(t *testing.T) {
		job := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, job))
		require.NoError(t, jobStore.touchExpiry(ctx, job.ID, time.Now().UTC().Add(-time.Minute)))

		_, err := jobStore.GetJob(ctx, job.ID)
		assert.ErrorIs(t, err, store.ErrJobNotFound)

		_, err = jobStore.ClaimJob(ctx, job.ID, time.Hour)
		assert.ErrorIs(t, err, store.ErrJobNotFound)
	})

	t.Run("sweep reclaims expired jobs regardless of status", func(t *testing.T) {
		pending := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, pending))

		processing := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, processing))
		_, err := jobStore.ClaimJob(ctx, processing.ID, time.Hour)
		require.NoError(t, err)

		live := newTestJob(t, time.Hour)
		require.NoError(t, jobStore.CreateJob(ctx, live))

		past := time.Now().UTC().Add(-time.Minute)
		require.NoError(t, jobStore.touchExpiry(ctx, pending.ID, past))
		require.NoError(t, jobStore.touchExpiry(ctx, processing.ID, past))

		reclaimed, err := jobStore.DeleteExpiredJobs(ctx, 100)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, reclaimed, int64(2))

		_, err = jobStore.GetJob(ctx, live.ID)
		assert.NoError(t, err)
	})
}
