// Package jobgroup implements the offline batch subsystem: submission
// with tenant throttling, distributed-lock polling, and result
// distribution.
package jobgroup

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// LockKey is the distributed poller lock in the list store.
const LockKey = "jobgroup_poller_lock"

// Lock serializes poll cycles across processes with SET NX EX. A crashed
// holder is recovered by TTL expiry. Store errors fail open: polling is
// idempotent, so running unlocked is preferable to wedging.
type Lock struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLock builds a Lock with the given TTL.
func NewLock(rdb *redis.Client, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 900 * time.Second
	}
	return &Lock{rdb: rdb, ttl: ttl}
}

// Acquire attempts to take the lock. Returns held=true when this process
// may poll; a store error also returns held=true (fail open) with the
// error surfaced for logging.
func (l *Lock) Acquire(ctx domain.Context) (held bool, err error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	ok, err := l.rdb.SetNX(ctx, LockKey, "1", l.ttl).Result()
	if err != nil {
		slog.Warn("poller lock store error, proceeding unlocked", slog.Any("error", err))
		return true, err
	}
	return ok, nil
}

// Refresh extends the TTL mid-cycle so long result processing does not
// lose the lock between chunks.
func (l *Lock) Refresh(ctx domain.Context) {
	if l == nil || l.rdb == nil {
		return
	}
	if err := l.rdb.Expire(ctx, LockKey, l.ttl).Err(); err != nil {
		slog.Debug("poller lock refresh failed", slog.Any("error", err))
	}
}

// Release drops the lock; best-effort.
func (l *Lock) Release(ctx domain.Context) {
	if l == nil || l.rdb == nil {
		return
	}
	if err := l.rdb.Del(ctx, LockKey).Err(); err != nil {
		slog.Debug("poller lock release failed", slog.Any("error", err))
	}
}
