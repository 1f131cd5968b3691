// Package redisq implements the dispatch queue on Redis. A ready list holds
// message IDs awaiting delivery; leased messages sit in a sorted set scored by
// their lease deadline; delivery counts live in a hash; messages past the
// delivery budget are parked on a dead-letter list. The reaper loop plays the
// role a managed broker's redelivery machinery would: it moves expired leases
// back to the ready list or into the dead-letter channel.
//
// The reaper's scan-then-move sequence is not atomic across processes. That
// is fine: the queue only promises at-least-once delivery, and the job
// store's conditional claim absorbs any double-requeue.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/applyforge/jobengine/internal/queue"
)

// Config holds the queue's tunables. Defaults are applied by New for zero
// values so tests can construct a Config with only what they care about.
type Config struct {
	// Name prefixes every Redis key so multiple queues can share a server.
	Name string

	// VisibilityTimeout is how long a delivered message stays hidden
	// before the reaper assumes the consumer died.
	VisibilityTimeout time.Duration

	// MaxDeliveries is the delivery budget; a message whose lease expires
	// after its MaxDeliveries-th delivery is dead-lettered instead of
	// requeued.
	MaxDeliveries int

	// BlockInterval bounds how long Receive blocks waiting for a message.
	BlockInterval time.Duration

	// ReapBatch caps how many expired leases one reap pass handles.
	ReapBatch int64
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "dispatch"
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 2 * time.Minute
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.BlockInterval <= 0 {
		c.BlockInterval = time.Second
	}
	if c.ReapBatch <= 0 {
		c.ReapBatch = 200
	}
	return c
}

// RedisQueue implements queue.Queue on a Redis client.
type RedisQueue struct {
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger

	readyKey      string
	leasedKey     string
	messagesKey   string
	deliveriesKey string
	dlqKey        string
}

var _ queue.Queue = (*RedisQueue)(nil)

// New creates a RedisQueue on the given client.
func New(rdb *redis.Client, cfg Config, logger *slog.Logger) *RedisQueue {
	cfg = cfg.withDefaults()
	return &RedisQueue{
		rdb:           rdb,
		cfg:           cfg,
		logger:        logger.With(slog.String("queue", cfg.Name)),
		readyKey:      cfg.Name + ":ready",
		leasedKey:     cfg.Name + ":leased",
		messagesKey:   cfg.Name + ":messages",
		deliveriesKey: cfg.Name + ":deliveries",
		dlqKey:        cfg.Name + ":dlq",
	}
}

// Enqueue publishes a dispatch message for the job.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	msg := queue.Message{
		ID:         uuid.NewString(),
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.messagesKey, msg.ID, body)
	pipe.LPush(ctx, q.readyKey, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue dispatch message: %w", err)
	}

	q.logger.Debug("message enqueued",
		slog.String("message_id", msg.ID),
		slog.String("job_id", jobID.String()))
	return nil
}

// Receive leases the next ready message for the configured visibility
// timeout and increments its delivery count.
func (q *RedisQueue) Receive(ctx context.Context) (*queue.Message, error) {
	res, err := q.rdb.BRPop(ctx, q.cfg.BlockInterval, q.readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop dispatch message: %w", err)
	}
	if len(res) != 2 {
		return nil, queue.ErrNoMessage
	}
	msgID := res[1]

	deadline := time.Now().UTC().Add(q.cfg.VisibilityTimeout)
	pipe := q.rdb.TxPipeline()
	deliveries := pipe.HIncrBy(ctx, q.deliveriesKey, msgID, 1)
	// Leases are scored in milliseconds. Whole-second scores truncate the
	// deadline downward, shortening every lease by up to a second and
	// letting the reaper redeliver while the consumer still holds a live
	// claim.
	pipe.ZAdd(ctx, q.leasedKey, redis.Z{Score: float64(deadline.UnixMilli()), Member: msgID})
	body := pipe.HGet(ctx, q.messagesKey, msgID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to lease dispatch message: %w", err)
	}

	raw, err := body.Result()
	if errors.Is(err, redis.Nil) {
		// Envelope vanished between pop and lease (concurrent ack of a
		// redelivered duplicate). Drop the stale lease and move on.
		q.dropMessage(ctx, msgID)
		return nil, queue.ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dispatch message body: %w", err)
	}

	var msg queue.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Poison envelope: park it directly rather than redelivering
		// something no consumer can parse.
		q.logger.Error("unparseable dispatch message, dead-lettering",
			slog.String("message_id", msgID),
			slog.String("error", err.Error()))
		q.deadLetter(ctx, msgID, raw)
		return nil, queue.ErrNoMessage
	}
	msg.Deliveries = int(deliveries.Val())
	return &msg, nil
}

// Ack removes a leased message permanently.
func (q *RedisQueue) Ack(ctx context.Context, msg *queue.Message) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey, msg.ID)
	pipe.HDel(ctx, q.deliveriesKey, msg.ID)
	pipe.HDel(ctx, q.messagesKey, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack dispatch message: %w", err)
	}
	return nil
}

// DeadLetter removes a leased message and parks it on the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, msg *queue.Message) error {
	dl := queue.DeadLetter{Message: *msg, DeadLetterAt: time.Now().UTC()}
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.dlqKey, body)
	pipe.ZRem(ctx, q.leasedKey, msg.ID)
	pipe.HDel(ctx, q.deliveriesKey, msg.ID)
	pipe.HDel(ctx, q.messagesKey, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}
	return nil
}

// DeadLetters returns up to limit parked messages, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]queue.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := q.rdb.LRange(ctx, q.dlqKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	letters := make([]queue.DeadLetter, 0, len(entries))
	for _, entry := range entries {
		var dl queue.DeadLetter
		if err := json.Unmarshal([]byte(entry), &dl); err != nil {
			q.logger.Warn("skipping unparseable dead letter",
				slog.String("error", err.Error()))
			continue
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

// Reap moves expired leases back to the ready list, or to the dead-letter
// list once the delivery budget is spent. Returns how many messages were
// requeued and dead-lettered.
func (q *RedisQueue) Reap(ctx context.Context) (requeued, deadLettered int, err error) {
	now := time.Now().UTC().UnixMilli()
	expired, err := q.rdb.ZRangeByScore(ctx, q.leasedKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: q.cfg.ReapBatch,
	}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan expired leases: %w", err)
	}

	for _, msgID := range expired {
		deliveries, err := q.rdb.HGet(ctx, q.deliveriesKey, msgID).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return requeued, deadLettered, fmt.Errorf("failed to read delivery count: %w", err)
		}

		if deliveries >= q.cfg.MaxDeliveries {
			raw, err := q.rdb.HGet(ctx, q.messagesKey, msgID).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return requeued, deadLettered, fmt.Errorf("failed to read message body: %w", err)
			}
			q.deadLetter(ctx, msgID, raw)
			deadLettered++
			q.logger.Warn("message dead-lettered",
				slog.String("message_id", msgID),
				slog.Int("deliveries", deliveries))
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.leasedKey, msgID)
		pipe.LPush(ctx, q.readyKey, msgID)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, deadLettered, fmt.Errorf("failed to requeue expired lease: %w", err)
		}
		requeued++
	}
	return requeued, deadLettered, nil
}

// RunReaper runs Reap on the given interval until the context is cancelled.
func (q *RedisQueue) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("lease reaper stopping")
			return
		case <-ticker.C:
			requeued, deadLettered, err := q.Reap(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.Error("lease reap failed", slog.String("error", err.Error()))
				continue
			}
			if requeued > 0 || deadLettered > 0 {
				q.logger.Info("reaped expired leases",
					slog.Int("requeued", requeued),
					slog.Int("dead_lettered", deadLettered))
			}
		}
	}
}

// deadLetter parks a message on the dead-letter list and drops its lease and
// delivery state.
func (q *RedisQueue) deadLetter(ctx context.Context, msgID, raw string) {
	dl := queue.DeadLetter{DeadLetterAt: time.Now().UTC()}
	if raw != "" {
		// Best effort; an unparseable body still gets parked with its ID.
		_ = json.Unmarshal([]byte(raw), &dl.Message)
	}
	if dl.Message.ID == "" {
		dl.Message.ID = msgID
	}
	if count, err := q.rdb.HGet(ctx, q.deliveriesKey, msgID).Int(); err == nil {
		dl.Message.Deliveries = count
	}

	body, err := json.Marshal(dl)
	if err != nil {
		q.logger.Error("failed to marshal dead letter",
			slog.String("message_id", msgID),
			slog.String("error", err.Error()))
		return
	}

	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.dlqKey, body)
	pipe.ZRem(ctx, q.leasedKey, msgID)
	pipe.HDel(ctx, q.deliveriesKey, msgID)
	pipe.HDel(ctx, q.messagesKey, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to dead-letter message",
			slog.String("message_id", msgID),
			slog.String("error", err.Error()))
	}
}

// dropMessage clears lease and delivery state for a message whose envelope is
// already gone.
func (q *RedisQueue) dropMessage(ctx context.Context, msgID string) {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey, msgID)
	pipe.HDel(ctx, q.deliveriesKey, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("failed to drop stale lease",
			slog.String("message_id", msgID),
			slog.String("error", err.Error()))
	}
}
