package queue

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iconicxs/relicxs-workers/internal/adapter/observability"
	"github.com/iconicxs/relicxs-workers/internal/config"
	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// Queue wraps the Redis list store with the namespaced push/pop primitives.
// One logical queue maps to one list key; producers LPUSH, consumers RPOP.
type Queue struct {
	rdb *redis.Client
}

// NewClient builds a Redis client from config. REDIS_URL wins over the
// discrete host/port fields.
func NewClient(cfg config.Config) (*redis.Client, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("op=queue.parse_redis_url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	opts := &redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts), nil
}

// New constructs a Queue over an existing Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Client exposes the underlying Redis client for shared concerns (poller
// lock, job timers, health checks).
func (q *Queue) Client() *redis.Client { return q.rdb }

// Push serializes the job as a self-describing JSON document and left-pushes
// it onto the queue.
func (q *Queue) Push(ctx domain.Context, queueKey string, job any) error {
	b, err := json.Marshal(job)
	if err != nil {
		return domain.NewSerializationError("job payload cannot be encoded", err)
	}
	if err := q.rdb.LPush(ctx, queueKey, b).Err(); err != nil {
		return domain.NewStoreError(true, "queue.push "+queueKey, err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(queueKey).Inc()
	return nil
}

// Requeue is identical to Push but logged at warn level; requeue after
// dequeue is always explicit.
func (q *Queue) Requeue(ctx domain.Context, queueKey string, job any) error {
	slog.Warn("requeueing job", slog.String("queue", queueKey))
	return q.Push(ctx, queueKey, job)
}

// Pop right-pops one element and parses it. Parse errors are not raised to
// callers; the raw element is redirected to the worker's DLQ and ok=false is
// returned for that attempt.
func (q *Queue) Pop(ctx domain.Context, queueKey string) (domain.Job, bool, error) {
	raw, err := q.rdb.RPop(ctx, queueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.NewStoreError(true, "queue.pop "+queueKey, err)
	}
	return q.parseOrRedirect(ctx, queueKey, raw)
}

// BlockingPop blocks for up to timeout, returning from the first non-empty
// queue in argument order (strict priority). On timeout, ok=false.
func (q *Queue) BlockingPop(ctx domain.Context, queueKeys []string, timeout time.Duration) (string, domain.Job, bool, error) {
	res, err := q.rdb.BRPop(ctx, timeout, queueKeys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, domain.NewStoreError(true, "queue.blocking_pop", err)
	}
	// BRPOP returns [key, element].
	if len(res) != 2 {
		return "", nil, false, domain.NewStoreError(false, "queue.blocking_pop: unexpected reply shape", nil)
	}
	key := res[0]
	job, ok, err := q.parseOrRedirect(ctx, key, []byte(res[1]))
	return key, job, ok, err
}

func (q *Queue) parseOrRedirect(ctx domain.Context, queueKey string, raw []byte) (domain.Job, bool, error) {
	job, err := domain.DecodeJob(raw)
	if err != nil {
		slog.Warn("undecodable queue element redirected to DLQ",
			slog.String("queue", queueKey),
			slog.Any("error", err))
		q.PushRawDLQ(ctx, dlqKeyForQueue(queueKey), raw)
		return nil, false, nil
	}
	return job, true, nil
}

// Len returns the number of elements on a queue.
func (q *Queue) Len(ctx domain.Context, queueKey string) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, domain.NewStoreError(true, "queue.len "+queueKey, err)
	}
	return n, nil
}

// Range returns raw elements for control-plane inspection.
func (q *Queue) Range(ctx domain.Context, queueKey string, offset, limit int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := q.rdb.LRange(ctx, queueKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, domain.NewStoreError(true, "queue.range "+queueKey, err)
	}
	return out, nil
}

// PushDLQ appends a redacted dead-letter entry for the worker.
func (q *Queue) PushDLQ(ctx domain.Context, worker domain.Worker, entry domain.DLQEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return domain.NewSerializationError("dlq entry cannot be encoded", err)
	}
	if err := q.rdb.LPush(ctx, DLQKey(worker), b).Err(); err != nil {
		return domain.NewStoreError(true, "queue.push_dlq", err)
	}
	observability.DLQEntriesTotal.WithLabelValues(string(worker)).Inc()
	return nil
}

// PushRawDLQ redirects an unparsable raw element; best effort.
func (q *Queue) PushRawDLQ(ctx domain.Context, dlqKey string, raw []byte) {
	if err := q.rdb.LPush(ctx, dlqKey, raw).Err(); err != nil {
		slog.Error("failed to push raw element to DLQ",
			slog.String("dlq", dlqKey),
			slog.Any("error", err))
	}
}

// MoveTail right-pops up to count elements from src and right-pushes them to
// dst, preserving relative order at the consumer end. Used by DLQ requeue.
func (q *Queue) MoveTail(ctx domain.Context, src, dst string, count int) (int, error) {
	moved := 0
	for i := 0; i < count; i++ {
		raw, err := q.rdb.RPop(ctx, src).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, domain.NewStoreError(true, "queue.move_tail pop", err)
		}
		if err := q.rdb.RPush(ctx, dst, raw).Err(); err != nil {
			return moved, domain.NewStoreError(true, "queue.move_tail push", err)
		}
		moved++
	}
	return moved, nil
}

// DiscardTail right-pops up to count elements from key and drops them.
func (q *Queue) DiscardTail(ctx domain.Context, key string, count int) (int, error) {
	dropped := 0
	for i := 0; i < count; i++ {
		_, err := q.rdb.RPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return dropped, domain.NewStoreError(true, "queue.discard_tail", err)
		}
		dropped++
	}
	return dropped, nil
}
