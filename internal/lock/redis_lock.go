// Package lock provides a Redis SETNX lock so only one process runs a
// cluster-wide chore.
package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

type RedisLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// New returns a lock on key held under value, which identifies the owner.
func New(client *redis.Client, key, value string, expiration time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, value: value, expiration: expiration}
}

// TryLock acquires the lock without waiting.
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Unlock releases the lock only if this owner still holds it.
func (l *RedisLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}
