package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/applyforge/jobengine/internal/domain"
	"github.com/applyforge/jobengine/internal/platform/logger"
	"github.com/applyforge/jobengine/internal/queue"
	"github.com/applyforge/jobengine/internal/store"
)

// WorkerPoolConfig holds configuration for the worker pool.
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent executors lease
	// messages. It is the system's sole throttle on downstream processor
	// concurrency.
	WorkerCount int

	// MaxAttempts is the execution-attempt budget per job. A claim that
	// lands beyond it converts the job to failed (EXHAUSTED) instead of
	// invoking the processor.
	MaxAttempts int

	// ProcessorTimeout is the wall-clock bound the executor enforces on
	// each processor invocation. Must be shorter than the queue's
	// visibility timeout, or a live invocation would look abandoned.
	ProcessorTimeout time.Duration

	// ClaimStaleAfter is how old a processing job's claim must be before
	// a redelivery may take it over. Set it to the processor execution
	// bound: past that bound the previous executor cannot still be
	// mid-invocation, and the redelivery must win the claim or the
	// message would be discarded with the job stuck in processing. It
	// must stay strictly below the queue's visibility timeout.
	ClaimStaleAfter time.Duration

	// StoreRetryLimit bounds local retries of artifact and terminal-state
	// writes before the message is left for redelivery.
	StoreRetryLimit uint64
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:      4,
		MaxAttempts:      5,
		ProcessorTimeout: 90 * time.Second,
		ClaimStaleAfter:  90 * time.Second,
		StoreRetryLimit:  2,
	}
}

// WorkerPool runs a fixed set of executors against the dispatch queue. Each
// executor leases a message, claims the referenced job through the store's
// conditional transition, invokes the processor under the execution bound,
// and records the outcome. Workers never coordinate with each other: the
// queue lease and the store's compare-and-swap are the only synchronization.
type WorkerPool struct {
	queue     queue.Queue
	jobs      store.JobStore
	results   ResultStore
	processor Processor
	cfg       WorkerPoolConfig
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a worker pool. Invalid config values fall back to
// defaults with a warning, mirroring how the rest of the engine treats
// configuration.
func NewWorkerPool(
	q queue.Queue,
	jobs store.JobStore,
	results ResultStore,
	processor Processor,
	cfg WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	def := DefaultWorkerPoolConfig()
	if cfg.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			slog.Int("specified_count", cfg.WorkerCount),
			slog.Int("default_count", def.WorkerCount))
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ProcessorTimeout <= 0 {
		cfg.ProcessorTimeout = def.ProcessorTimeout
	}
	if cfg.ClaimStaleAfter <= 0 {
		cfg.ClaimStaleAfter = def.ClaimStaleAfter
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queue:     q,
		jobs:      jobs,
		results:   results,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the executor goroutines.
func (p *WorkerPool) Start() {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started", slog.Int("worker_count", p.cfg.WorkerCount))
}

// Stop shuts the pool down and waits for in-flight work to settle. Messages
// whose handling is cut short stay unacknowledged and are redelivered after
// their lease expires.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker is one executor's leasing loop.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	log := p.logger.With(slog.Int("worker_id", id))
	log.Debug("starting worker")

	for {
		if p.ctx.Err() != nil {
			log.Debug("stopping worker")
			return
		}

		msg, err := p.queue.Receive(p.ctx)
		if err != nil {
			if errors.Is(err, queue.ErrNoMessage) || p.ctx.Err() != nil {
				continue
			}
			log.Error("failed to receive dispatch message", slog.String("error", err.Error()))
			select {
			case <-p.ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		p.handleMessage(msg, log)
	}
}

// handleMessage executes one delivery end to end. Every path resolves to one
// of three dispositions: acknowledged (done or discard), dead-lettered
// (exhaustion), or left unacknowledged for redelivery (transient). No error
// escapes the worker loop.
func (p *WorkerPool) handleMessage(msg *queue.Message, workerLog *slog.Logger) {
	log := workerLog.With(
		slog.String("job_id", msg.JobID.String()),
		slog.String("message_id", msg.ID),
		slog.Int("delivery", msg.Deliveries),
	)
	ctx := logger.WithLogger(p.ctx, log)

	claimed, err := p.jobs.ClaimJob(ctx, msg.JobID, p.cfg.ClaimStaleAfter)
	switch {
	case store.IsConflictError(err):
		// Redelivered while the original claim is live, or the job
		// already finished. Discard without reprocessing.
		log.Debug("claim lost, discarding delivery")
		p.ack(ctx, msg, log)
		return
	case store.IsNotFoundError(err):
		log.Debug("job missing or expired, discarding delivery")
		p.ack(ctx, msg, log)
		return
	case err != nil:
		// Infrastructure trouble; leave the lease to expire and retry.
		log.Error("failed to claim job", slog.String("error", err.Error()))
		return
	}

	if claimed.AttemptCount > p.cfg.MaxAttempts {
		p.exhaust(ctx, msg, log)
		return
	}

	log.Info("processing job", slog.Int("attempt", claimed.AttemptCount))

	output, procErr := p.invoke(ctx, claimed.Input)
	if procErr != nil {
		p.handleProcessorError(ctx, msg, procErr, log)
		return
	}

	ref, err := p.putResultWithRetry(ctx, claimed.ID, output)
	if err != nil {
		log.Error("failed to store result artifact", slog.String("error", err.Error()))
		return
	}

	err = p.transitionWithRetry(ctx, func() error {
		return p.jobs.CompleteJob(ctx, claimed.ID, ref)
	})
	if store.IsConflictError(err) {
		// The job left processing state behind our back: exhaustion on
		// a concurrent path already failed it. The conditional write
		// kept this late success from resurrecting it; the message is
		// still ours to retire.
		log.Warn("late completion discarded, job no longer processing")
		p.ack(ctx, msg, log)
		return
	}
	if err != nil {
		log.Error("failed to complete job", slog.String("error", err.Error()))
		return
	}

	p.ack(ctx, msg, log)
	log.Info("job completed", slog.String("result_ref", ref))
}

// invoke runs the processor under the execution bound. Cancellation is
// non-cooperative: when the bound passes, the executor stops waiting, but
// the invocation goroutine may run to completion in the background. Its
// output is discarded here, and conditional terminal writes keep any other
// late path from resurrecting a finished job.
func (p *WorkerPool) invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	procCtx, cancel := context.WithTimeout(ctx, p.cfg.ProcessorTimeout)
	defer cancel()

	type outcome struct {
		output json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := p.processor.Process(procCtx, input)
		done <- outcome{output, err}
	}()

	select {
	case <-procCtx.Done():
		return nil, procCtx.Err()
	case o := <-done:
		return o.output, o.err
	}
}

// handleProcessorError classifies a failed invocation into its disposition.
func (p *WorkerPool) handleProcessorError(ctx context.Context, msg *queue.Message, procErr error, log *slog.Logger) {
	if perm, ok := AsPermanent(procErr); ok {
		code := perm.Code
		if code == "" {
			code = domain.ErrorCodeProcessing
		}
		log.Warn("processor reported permanent failure",
			slog.String("code", string(code)),
			slog.String("error", procErr.Error()))

		err := p.transitionWithRetry(ctx, func() error {
			return p.jobs.FailJob(ctx, msg.JobID, domain.NewJobError(code, perm.Message))
		})
		if err != nil && !store.IsConflictError(err) {
			log.Error("failed to record permanent failure", slog.String("error", err.Error()))
			return
		}
		p.ack(ctx, msg, log)
		return
	}

	// Transient failure or execution-bound overrun: leave the message
	// unacknowledged so the lease expires and the queue redelivers.
	if errors.Is(procErr, context.DeadlineExceeded) {
		log.Warn("processor exceeded execution bound, leaving for redelivery")
		return
	}
	log.Warn("processor reported transient failure, leaving for redelivery",
		slog.String("error", procErr.Error()))
}

// exhaust converts a job whose attempt budget is spent into a terminal
// failure and parks the message for operator inspection.
func (p *WorkerPool) exhaust(ctx context.Context, msg *queue.Message, log *slog.Logger) {
	jobErr := domain.NewJobError(domain.ErrorCodeExhausted,
		fmt.Sprintf("no attempt succeeded within the budget of %d", p.cfg.MaxAttempts))

	err := p.transitionWithRetry(ctx, func() error {
		return p.jobs.FailJob(ctx, msg.JobID, jobErr)
	})
	if err != nil && !store.IsConflictError(err) {
		log.Error("failed to record exhaustion", slog.String("error", err.Error()))
		return
	}

	if err := p.queue.DeadLetter(ctx, msg); err != nil {
		log.Error("failed to dead-letter exhausted message", slog.String("error", err.Error()))
		return
	}
	log.Warn("job exhausted its attempt budget", slog.Int("max_attempts", p.cfg.MaxAttempts))
}

// putResultWithRetry writes the result artifact with local backoff.
func (p *WorkerPool) putResultWithRetry(ctx context.Context, jobID uuid.UUID, output json.RawMessage) (string, error) {
	var ref string
	err := backoff.Retry(func() error {
		var putErr error
		ref, putErr = p.results.PutResult(ctx, jobID, output)
		return putErr
	}, p.retryPolicy(ctx))
	return ref, err
}

// transitionWithRetry retries a terminal-state write on infrastructure
// errors. Conflicts are answers, not failures, so they abort immediately.
func (p *WorkerPool) transitionWithRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if store.IsConflictError(err) || store.IsNotFoundError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.retryPolicy(ctx))
}

func (p *WorkerPool) retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(policy, p.cfg.StoreRetryLimit), ctx)
}

// ack retires a message; failures are logged and swallowed because the
// worst case is one spurious redelivery, which the claim conflict absorbs.
func (p *WorkerPool) ack(ctx context.Context, msg *queue.Message, log *slog.Logger) {
	if err := p.queue.Ack(ctx, msg); err != nil {
		log.Warn("failed to ack message", slog.String("error", err.Error()))
	}
}
