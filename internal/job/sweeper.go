package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/applyforge/jobengine/internal/store"
)

// SweeperConfig holds configuration for the retention sweeper.
type SweeperConfig struct {
	// JobSweepInterval is how often expired jobs are purged.
	JobSweepInterval time.Duration

	// IdempotencySweepInterval is how often expired idempotency records
	// are purged. Runs on its own schedule because record and job
	// retention windows differ.
	IdempotencySweepInterval time.Duration

	// BatchSize bounds how many rows one sweep pass deletes.
	BatchSize int
}

// DefaultSweeperConfig returns a SweeperConfig with reasonable defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		JobSweepInterval:         5 * time.Minute,
		IdempotencySweepInterval: 15 * time.Minute,
		BatchSize:                500,
	}
}

// Sweeper physically removes rows whose retention window has lapsed. Reads
// already treat expired rows as absent, so sweeping is pure reclamation and
// never changes observable behavior.
type Sweeper struct {
	jobs        store.JobStore
	idempotency store.IdempotencyStore
	cfg         SweeperConfig
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a retention sweeper.
func NewSweeper(
	jobs store.JobStore,
	idempotency store.IdempotencyStore,
	cfg SweeperConfig,
	logger *slog.Logger,
) *Sweeper {
	def := DefaultSweeperConfig()
	if cfg.JobSweepInterval <= 0 {
		cfg.JobSweepInterval = def.JobSweepInterval
	}
	if cfg.IdempotencySweepInterval <= 0 {
		cfg.IdempotencySweepInterval = def.IdempotencySweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		jobs:        jobs,
		idempotency: idempotency,
		cfg:         cfg,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the two sweep loops.
func (s *Sweeper) Start() {
	s.wg.Add(2)
	go s.run(s.cfg.JobSweepInterval, s.sweepJobs)
	go s.run(s.cfg.IdempotencySweepInterval, s.sweepIdempotencyRecords)
	s.logger.Info("retention sweeper started",
		slog.Duration("job_interval", s.cfg.JobSweepInterval),
		slog.Duration("idempotency_interval", s.cfg.IdempotencySweepInterval))
}

// Stop shuts the sweeper down and waits for in-flight passes.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) run(interval time.Duration, sweep func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			sweep(s.ctx)
		}
	}
}

// sweepJobs deletes expired jobs in batches until a pass comes up short.
func (s *Sweeper) sweepJobs(ctx context.Context) {
	var total int64
	for ctx.Err() == nil {
		n, err := s.jobs.DeleteExpiredJobs(ctx, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("failed to sweep expired jobs", slog.String("error", err.Error()))
			return
		}
		total += n
		if n < int64(s.cfg.BatchSize) {
			break
		}
	}
	if total > 0 {
		s.logger.Info("swept expired jobs", slog.Int64("deleted", total))
	}
}

func (s *Sweeper) sweepIdempotencyRecords(ctx context.Context) {
	var total int64
	for ctx.Err() == nil {
		n, err := s.idempotency.DeleteExpiredRecords(ctx, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("failed to sweep expired idempotency records", slog.String("error", err.Error()))
			return
		}
		total += n
		if n < int64(s.cfg.BatchSize) {
			break
		}
	}
	if total > 0 {
		s.logger.Info("swept expired idempotency records", slog.Int64("deleted", total))
	}
}
