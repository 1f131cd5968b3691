package job

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
)

func newStatusFixture(t *testing.T) (*StatusService, *memJobStore, *memResultStore) {
	t.Helper()
	jobs := newMemJobStore()
	results := newMemResultStore()
	svc := NewStatusService(jobs, results, 15*time.Minute, newTestLogger())
	return svc, jobs, results
}

func seedJob(t *testing.T, jobs *memJobStore, status domain.JobStatus) *domain.Job {
	t.Helper()
	j, err := domain.NewJob("poll-"+t.Name(), json.RawMessage(`{"q":1}`), time.Hour)
	require.NoError(t, err)
	j.Status = status
	jobs.put(j)
	return j
}

func TestPollPendingJob(t *testing.T) {
	t.Parallel()

	svc, jobs, _ := newStatusFixture(t)
	j := seedJob(t, jobs, domain.JobStatusPending)

	view, err := svc.Poll(context.Background(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, j.ID, view.JobID)
	assert.Equal(t, domain.JobStatusPending, view.Status)
	assert.Empty(t, view.ResultLocator)
	assert.Nil(t, view.Error)
	assert.Nil(t, view.StartedAt)
}

func TestPollCompletedJobMintsFreshLocator(t *testing.T) {
	t.Parallel()

	svc, jobs, results := newStatusFixture(t)
	j := seedJob(t, jobs, domain.JobStatusCompleted)

	ref, err := results.PutResult(context.Background(), j.ID, []byte(`{"out":1}`))
	require.NoError(t, err)
	j.ResultRef = &ref
	jobs.put(j)

	first, err := svc.Poll(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotEmpty(t, first.ResultLocator)

	second, err := svc.Poll(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotEmpty(t, second.ResultLocator)

	assert.NotEqual(t, first.ResultLocator, second.ResultLocator,
		"each poll mints a fresh locator with a full expiry window")
	assert.Nil(t, first.Error)
}

func TestPollCompletedJobWithoutRefFails(t *testing.T) {
	t.Parallel()

	svc, jobs, _ := newStatusFixture(t)
	j := seedJob(t, jobs, domain.JobStatusCompleted)

	_, err := svc.Poll(context.Background(), j.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no result reference")
}

func TestPollFailedJobCarriesError(t *testing.T) {
	t.Parallel()

	svc, jobs, _ := newStatusFixture(t)
	j := seedJob(t, jobs, domain.JobStatusFailed)
	j.Error = domain.NewJobError(domain.ErrorCodeExhausted, "budget spent")
	jobs.put(j)

	view, err := svc.Poll(context.Background(), j.ID)
	require.NoError(t, err)

	require.NotNil(t, view.Error)
	assert.Equal(t, domain.ErrorCodeExhausted, view.Error.Code)
	assert.Equal(t, "budget spent", view.Error.Message)
	assert.Empty(t, view.ResultLocator)
}

func TestPollUnknownJob(t *testing.T) {
	t.Parallel()

	svc, _, _ := newStatusFixture(t)

	_, err := svc.Poll(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestPollExpiredJobIndistinguishableFromUnknown(t *testing.T) {
	t.Parallel()

	svc, jobs, _ := newStatusFixture(t)
	j := seedJob(t, jobs, domain.JobStatusCompleted)
	j.ExpiresAt = time.Now().UTC().Add(-time.Second)
	jobs.put(j)

	_, err := svc.Poll(context.Background(), j.ID)
	assert.ErrorIs(t, err, store.ErrJobNotFound,
		"an expired job must answer exactly like one that never existed")
}
