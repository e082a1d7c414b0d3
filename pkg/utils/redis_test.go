package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	_ = rdb.Close()

	_, err = OpenRedis(context.Background(), RedisConfig{})
	assert.Error(t, err)
}

func TestTryLock_SingleHolderUntilExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	ok, err := TryLock(ctx, rdb, "watchdog", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = TryLock(ctx, rdb, "watchdog", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held by a")

	// b cannot release a's lease.
	require.NoError(t, Unlock(ctx, rdb, "watchdog", "b"))
	assert.True(t, mr.Exists("watchdog"))

	mr.FastForward(2 * time.Minute)
	ok, err = TryLock(ctx, rdb, "watchdog", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	require.NoError(t, Unlock(ctx, rdb, "watchdog", "b"))
	assert.False(t, mr.Exists("watchdog"))
}

func TestTryLock_Validation(t *testing.T) {
	_, err := TryLock(context.Background(), nil, "k", "o", time.Second)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	_, err = TryLock(context.Background(), rdb, "", "o", time.Second)
	assert.Error(t, err)
	_, err = TryLock(context.Background(), rdb, "k", "o", 0)
	assert.Error(t, err)
}
