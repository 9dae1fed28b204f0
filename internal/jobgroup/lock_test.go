package jobgroup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) (*Lock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLock(rdb, 10*time.Second), mr
}

func TestLock_AcquireIsExclusive(t *testing.T) {
	lock, _ := newTestLock(t)
	ctx := context.Background()

	held, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	held, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, held, "second acquire while held must fail")

	lock.Release(ctx)
	held, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, held, "acquire succeeds again after release")
}

func TestLock_TTLRecoversCrashedHolder(t *testing.T) {
	lock, mr := newTestLock(t)
	ctx := context.Background()

	held, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	// A crashed holder never releases; expiry frees the lock.
	mr.FastForward(11 * time.Second)
	held, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLock_RefreshExtendsTTL(t *testing.T) {
	lock, mr := newTestLock(t)
	ctx := context.Background()

	held, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	mr.FastForward(8 * time.Second)
	lock.Refresh(ctx)
	mr.FastForward(8 * time.Second)

	held, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, held, "refresh keeps the lock alive past the original TTL")
}

func TestLock_StoreErrorFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	lock := NewLock(rdb, time.Second)

	held, err := lock.Acquire(context.Background())
	assert.True(t, held, "store errors fail open; polling is idempotent")
	assert.Error(t, err)
}

func TestLock_NilSafe(t *testing.T) {
	var lock *Lock
	held, err := lock.Acquire(context.Background())
	assert.True(t, held)
	assert.NoError(t, err)
	lock.Refresh(context.Background())
	lock.Release(context.Background())
}
