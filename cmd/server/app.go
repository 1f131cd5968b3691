package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/applyforge/jobengine/internal/config"
	"github.com/applyforge/jobengine/internal/domain"
	"github.com/applyforge/jobengine/internal/job"
	"github.com/applyforge/jobengine/internal/platform/blob"
	"github.com/applyforge/jobengine/internal/platform/postgres"
	"github.com/applyforge/jobengine/internal/platform/redisq"
	"github.com/applyforge/jobengine/migrations"
)

// application holds the wired-up dependencies of the server process.
type application struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB
	redis *redis.Client
	queue *redisq.RedisQueue

	submission *job.SubmissionService
	status     *job.StatusService
	workers    *job.WorkerPool
	sweeper    *job.Sweeper
}

// newApplication connects to every backing service and wires the engine
// together. It fails fast: a dependency that cannot be reached at startup is
// a configuration problem, not something to limp along without.
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger) (*application, error) {
	db, err := openDatabase(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.Addr,
		Password: cfg.Queue.Password,
		DB:       cfg.Queue.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	q := redisq.New(rdb, redisq.Config{
		Name:              cfg.Queue.Name,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
	}, log)

	results, err := blob.New(ctx, blob.Config{
		Endpoint:  cfg.Blob.Endpoint,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
		Bucket:    cfg.Blob.Bucket,
		UseSSL:    cfg.Blob.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to blob store: %w", err)
	}

	jobStore := postgres.NewPostgresJobStore(db)
	idemStore := postgres.NewPostgresIdempotencyStore(db)
	txRunner := postgres.NewTxRunner(db, jobStore, idemStore)

	submission := job.NewSubmissionService(txRunner, jobStore, idemStore, q, job.SubmissionConfig{
		JobTTL:            cfg.Retention.JobTTL,
		IdempotencyTTL:    cfg.Retention.IdempotencyTTL,
		EnqueueRetryLimit: cfg.Worker.EnqueueRetryLimit,
	}, log)

	status := job.NewStatusService(jobStore, results, cfg.Retention.ResultURLTTL, log)

	workers := job.NewWorkerPool(q, jobStore, results, newProcessor(), job.WorkerPoolConfig{
		WorkerCount:      cfg.Worker.Count,
		MaxAttempts:      cfg.Worker.MaxAttempts,
		ProcessorTimeout: cfg.Worker.ProcessorTimeout,
		ClaimStaleAfter:  cfg.Worker.ProcessorTimeout,
	}, log)

	sweeper := job.NewSweeper(jobStore, idemStore, job.SweeperConfig{
		JobSweepInterval:         cfg.Retention.SweepInterval,
		IdempotencySweepInterval: cfg.Retention.IdempotencySweepInterval,
		BatchSize:                cfg.Retention.SweepBatchSize,
	}, log)

	return &application{
		cfg:        cfg,
		logger:     log,
		db:         db,
		redis:      rdb,
		queue:      q,
		submission: submission,
		status:     status,
		workers:    workers,
		sweeper:    sweeper,
	}, nil
}

// run starts the background loops and the HTTP server, then blocks until a
// shutdown signal arrives and everything has drained.
func (app *application) run() error {
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go app.queue.RunReaper(reaperCtx, app.cfg.Queue.ReapInterval)

	app.workers.Start()
	app.sweeper.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.cfg.Server.Port),
		Handler:      app.setupRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		app.logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		app.logger.Error("server failed", "error", err)
		stopReaper()
		app.cleanup()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("server shutdown failed", "error", err)
	}

	stopReaper()
	app.workers.Stop()
	app.sweeper.Stop()
	app.cleanup()

	app.logger.Info("server shutdown completed")
	return nil
}

// cleanup closes the backing connections.
func (app *application) cleanup() {
	if err := app.redis.Close(); err != nil {
		app.logger.Error("failed to close redis client", "error", err)
	}
	if err := app.db.Close(); err != nil {
		app.logger.Error("failed to close database", "error", err)
	}
}

// openDatabase opens and pings the Postgres pool.
func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// runMigrations applies the embedded goose migrations.
func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

// newProcessor returns the processor the worker pool executes. The engine is
// payload-agnostic; this default echoes the input back as the result so the
// pipeline is exercisable end to end. Deployments replace it with their own
// implementation.
func newProcessor() job.Processor {
	return job.ProcessorFunc(func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		out, err := json.Marshal(map[string]json.RawMessage{"echo": input})
		if err != nil {
			return nil, job.Permanent(domain.ErrorCodeValidation, "input is not valid JSON")
		}
		return out, nil
	})
}
