package job

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applyforge/jobengine/internal/domain"
	"github.com/applyforge/jobengine/internal/queue"
	"github.com/applyforge/jobengine/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memJobStore is an in-memory store.JobStore that enforces the same
// conditional-transition and expiry-opacity semantics as the Postgres
// implementation.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job

	createErr   error
	getErr      error
	claimErr    error
	completeErr error
	failErr     error

	// claimHook, when set, runs after a successful claim and before the
	// claimed job is returned. Used to interleave concurrent state
	// changes at the exact race window.
	claimHook func(claimed *domain.Job)
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (m *memJobStore) put(job *domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *job
	m.jobs[job.ID] = &c
}

func (m *memJobStore) get(id uuid.UUID) *domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		c := *j
		return &c
	}
	return nil
}

func (m *memJobStore) CreateJob(_ context.Context, job *domain.Job) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return store.ErrDuplicate
	}
	c := *job
	m.jobs[job.ID] = &c
	return nil
}

func (m *memJobStore) GetJob(_ context.Context, jobID uuid.UUID) (*domain.Job, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || !j.ExpiresAt.After(time.Now().UTC()) {
		return nil, store.ErrJobNotFound
	}
	c := *j
	return &c, nil
}

func (m *memJobStore) ClaimJob(_ context.Context, jobID uuid.UUID, staleAfter time.Duration) (*domain.Job, error) {
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	m.mu.Lock()
	now := time.Now().UTC()
	j, ok := m.jobs[jobID]
	if !ok || !j.ExpiresAt.After(now) {
		m.mu.Unlock()
		return nil, store.ErrJobNotFound
	}
	claimable := j.Status == domain.JobStatusPending ||
		(j.Status == domain.JobStatusProcessing && j.StartedAt != nil && !j.StartedAt.After(now.Add(-staleAfter)))
	if !claimable {
		m.mu.Unlock()
		return nil, store.ErrJobAlreadyClaimed
	}
	j.Status = domain.JobStatusProcessing
	j.StartedAt = &now
	j.AttemptCount++
	c := *j
	m.mu.Unlock()

	if m.claimHook != nil {
		m.claimHook(&c)
	}
	return &c, nil
}

func (m *memJobStore) CompleteJob(_ context.Context, jobID uuid.UUID, resultRef string) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	return m.terminal(jobID, domain.JobStatusCompleted, &resultRef, nil)
}

func (m *memJobStore) FailJob(_ context.Context, jobID uuid.UUID, jobErr *domain.JobError) error {
	if m.failErr != nil {
		return m.failErr
	}
	return m.terminal(jobID, domain.JobStatusFailed, nil, jobErr)
}

func (m *memJobStore) terminal(jobID uuid.UUID, next domain.JobStatus, resultRef *string, jobErr *domain.JobError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	j, ok := m.jobs[jobID]
	if !ok || !j.ExpiresAt.After(now) {
		return store.ErrJobNotFound
	}
	if j.Status != domain.JobStatusProcessing {
		return store.ErrJobNotProcessing
	}
	j.Status = next
	j.ResultRef = resultRef
	j.Error = jobErr
	j.CompletedAt = &now
	return nil
}

func (m *memJobStore) FailPendingJob(_ context.Context, jobID uuid.UUID, jobErr *domain.JobError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	j, ok := m.jobs[jobID]
	if !ok || !j.ExpiresAt.After(now) {
		return store.ErrJobNotFound
	}
	if j.Status != domain.JobStatusPending {
		return store.ErrJobAlreadyClaimed
	}
	j.Status = domain.JobStatusFailed
	j.Error = jobErr
	j.CompletedAt = &now
	return nil
}

func (m *memJobStore) DeleteExpiredJobs(_ context.Context, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var deleted int64
	for id, j := range m.jobs {
		if deleted >= int64(limit) {
			break
		}
		if !j.ExpiresAt.After(now) {
			delete(m.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memJobStore) WithTx(_ *sql.Tx) store.JobStore { return m }

// memTxRunner serializes units of work over the in-memory stores and rolls
// their maps back when the callback fails, mirroring transaction semantics.
type memTxRunner struct {
	mu   sync.Mutex
	jobs *memJobStore
	idem *memIdempotencyStore
}

func newMemTxRunner(jobs *memJobStore, idem *memIdempotencyStore) *memTxRunner {
	return &memTxRunner{jobs: jobs, idem: idem}
}

func (m *memTxRunner) Run(ctx context.Context, fn func(jobs store.JobStore, idem store.IdempotencyStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobSnap := m.jobs.snapshot()
	idemSnap := m.idem.snapshot()

	if err := fn(m.jobs, m.idem); err != nil {
		m.jobs.restore(jobSnap)
		m.idem.restore(idemSnap)
		return err
	}
	return nil
}

func (m *memJobStore) snapshot() map[uuid.UUID]*domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[uuid.UUID]*domain.Job, len(m.jobs))
	for id, j := range m.jobs {
		c := *j
		snap[id] = &c
	}
	return snap
}

func (m *memJobStore) restore(snap map[uuid.UUID]*domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = snap
}

// memIdempotencyStore is an in-memory store.IdempotencyStore.
type memIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]store.IdempotencyRecord

	reserveErr error
}

func newMemIdempotencyStore() *memIdempotencyStore {
	return &memIdempotencyStore{records: make(map[string]store.IdempotencyRecord)}
}

func (m *memIdempotencyStore) seed(dedupKey string, jobID uuid.UUID, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[dedupKey] = store.IdempotencyRecord{DedupKey: dedupKey, JobID: jobID, ExpiresAt: expiresAt}
}

func (m *memIdempotencyStore) lookup(dedupKey string) (store.IdempotencyRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[dedupKey]
	return rec, ok
}

func (m *memIdempotencyStore) Reserve(_ context.Context, dedupKey string, jobID uuid.UUID, ttl time.Duration) (bool, uuid.UUID, error) {
	if m.reserveErr != nil {
		return false, uuid.Nil, m.reserveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if rec, ok := m.records[dedupKey]; ok && rec.ExpiresAt.After(now) {
		return false, rec.JobID, nil
	}
	m.records[dedupKey] = store.IdempotencyRecord{DedupKey: dedupKey, JobID: jobID, ExpiresAt: now.Add(ttl)}
	return true, jobID, nil
}

func (m *memIdempotencyStore) Release(_ context.Context, dedupKey string, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[dedupKey]; ok && rec.JobID == jobID {
		delete(m.records, dedupKey)
	}
	return nil
}

func (m *memIdempotencyStore) DeleteExpiredRecords(_ context.Context, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var deleted int64
	for key, rec := range m.records {
		if deleted >= int64(limit) {
			break
		}
		if !rec.ExpiresAt.After(now) {
			delete(m.records, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memIdempotencyStore) WithTx(_ *sql.Tx) store.IdempotencyStore { return m }

func (m *memIdempotencyStore) snapshot() map[string]store.IdempotencyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]store.IdempotencyRecord, len(m.records))
	for k, v := range m.records {
		snap[k] = v
	}
	return snap
}

func (m *memIdempotencyStore) restore(snap map[string]store.IdempotencyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = snap
}

// memQueue is an in-memory queue.Queue with lease tracking. Receive blocks
// for a short window when the queue is empty, the way the Redis queue's
// blocking pop does.
type memQueue struct {
	mu     sync.Mutex
	ready  []queue.Message
	leased map[string]queue.Message
	dead   []queue.DeadLetter

	enqueueErr error
}

func newMemQueue() *memQueue {
	return &memQueue{leased: make(map[string]queue.Message)}
}

func (m *memQueue) Enqueue(_ context.Context, jobID uuid.UUID) error {
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, queue.Message{
		ID:         uuid.NewString(),
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	})
	return nil
}

func (m *memQueue) Receive(ctx context.Context) (*queue.Message, error) {
	m.mu.Lock()
	if len(m.ready) == 0 {
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil, queue.ErrNoMessage
		}
	}
	msg := m.ready[0]
	m.ready = m.ready[1:]
	msg.Deliveries++
	m.leased[msg.ID] = msg
	m.mu.Unlock()
	return &msg, nil
}

func (m *memQueue) Ack(_ context.Context, msg *queue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leased, msg.ID)
	return nil
}

func (m *memQueue) DeadLetter(_ context.Context, msg *queue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leased, msg.ID)
	m.dead = append(m.dead, queue.DeadLetter{Message: *msg, DeadLetterAt: time.Now().UTC()})
	return nil
}

func (m *memQueue) DeadLetters(_ context.Context, limit int64) ([]queue.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]queue.DeadLetter, 0, len(m.dead))
	for i := len(m.dead) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		out = append(out, m.dead[i])
	}
	return out, nil
}

func (m *memQueue) readyLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready)
}

func (m *memQueue) leasedLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leased)
}

func (m *memQueue) deadLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dead)
}

// memResultStore is an in-memory ResultStore whose locators change on every
// mint, the way presigned URLs do.
type memResultStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	mints   int

	putErr  error
	signErr error
}

func newMemResultStore() *memResultStore {
	return &memResultStore{objects: make(map[string][]byte)}
}

func (m *memResultStore) PutResult(_ context.Context, jobID uuid.UUID, data []byte) (string, error) {
	if m.putErr != nil {
		return "", m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := fmt.Sprintf("jobs/%s/result.json", jobID)
	m.objects[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (m *memResultStore) SignedURL(_ context.Context, ref string, ttl time.Duration) (string, error) {
	if m.signErr != nil {
		return "", m.signErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[ref]; !ok {
		return "", fmt.Errorf("no object at %s", ref)
	}
	m.mints++
	return fmt.Sprintf("https://results.test/%s?sig=%d&ttl=%d", ref, m.mints, int(ttl.Seconds())), nil
}
