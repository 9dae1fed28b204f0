package app

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/iconicxs/relicxs-workers/internal/adapter/httpserver"
	"github.com/iconicxs/relicxs-workers/internal/domain"
	"github.com/iconicxs/relicxs-workers/internal/queue"
)

var startedAt = time.Now()

// HealthSnapshot returns the /health document: uptime plus the size of
// every known queue and DLQ. Store errors surface as -1 so the endpoint
// stays up while Redis is down.
func HealthSnapshot(q *queue.Queue) func(ctx domain.Context) map[string]any {
	return func(ctx domain.Context) map[string]any {
		queues := map[string]int64{}
		for _, key := range append(append([]string{}, queue.AllQueueKeys...), queue.AllDLQKeys...) {
			n, err := q.Len(ctx, key)
			if err != nil {
				n = -1
			}
			queues[key] = n
		}
		return map[string]any{
			"uptime_seconds": int64(time.Since(startedAt).Seconds()),
			"queues":         queues,
		}
	}
}

// ReadyChecks builds the /readyz dependency probes.
func ReadyChecks(rdb *redis.Client, pool *pgxpool.Pool) map[string]httpserver.ReadyChecker {
	checks := map[string]httpserver.ReadyChecker{}
	if rdb != nil {
		checks["redis"] = func(ctx domain.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	if pool != nil {
		checks["postgres"] = func(ctx domain.Context) error {
			return pool.Ping(ctx)
		}
	}
	return checks
}
