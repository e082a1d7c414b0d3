package watchdog

import (
	"context"
	"time"

	"consult-platform/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockKey = "calls:watchdog:lock"

// RedisLocker leases the sweep to one API process at a time.
type RedisLocker struct {
	rdb   *redis.Client
	key   string
	owner string
	ttl   time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{rdb: rdb, key: defaultLockKey, owner: uuid.NewString(), ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context) (bool, error) {
	return utils.TryLock(ctx, l.rdb, l.key, l.owner, l.ttl)
}

func (l *RedisLocker) Release(ctx context.Context) error {
	return utils.Unlock(ctx, l.rdb, l.key, l.owner)
}
