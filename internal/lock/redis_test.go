package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb), mr
}

func TestRedisLocker_HeldLockRejectsSecondAcquire(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "m1", time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:m1"))
	assert.Equal(t, time.Second, mr.TTL("lock:m1"))

	_, err = l.Acquire(ctx, "m1", time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	// Other keys are independent.
	unlockOther, err := l.Acquire(ctx, "m2", time.Second)
	require.NoError(t, err)
	unlockOther()

	unlock()
	assert.False(t, mr.Exists("lock:m1"))
	unlock() // idempotent

	unlock, err = l.Acquire(ctx, "m1", time.Second)
	require.NoError(t, err)
	unlock()
}

func TestRedisLocker_ExpiredHolderCannotReleaseNewHolder(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	unlockA, err := l.Acquire(ctx, "m1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("lock:m1"), "lock should expire after its TTL")

	unlockB, err := l.Acquire(ctx, "m1", time.Second)
	require.NoError(t, err)

	unlockA()
	assert.True(t, mr.Exists("lock:m1"), "stale holder released the new holder's lock")

	_, err = l.Acquire(ctx, "m1", time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	unlockB()
	assert.False(t, mr.Exists("lock:m1"))
}

func TestRedisLocker_RedisDown(t *testing.T) {
	l, mr := newRedisLocker(t)
	mr.Close()

	_, err := l.Acquire(context.Background(), "m1", time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockHeld)
}
