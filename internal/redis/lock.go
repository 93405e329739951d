package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "lock:"

// releaseScript deletes the lock only if this owner still holds it, so an
// expired lock taken over by someone else is never released by mistake.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockStore handles distributed locking in Redis.
type LockStore struct {
	client *redis.Client
}

// NewLockStore creates a new LockStore.
func NewLockStore(client *redis.Client) *LockStore {
	return &LockStore{client: client}
}

// TryLock attempts to acquire the lock for key without waiting.
// When ok is false the lock is held elsewhere and release is nil.
func (s *LockStore) TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error) {
	token := uuid.NewString()
	ok, err = s.client.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}

	release = func(ctx context.Context) error {
		return releaseScript.Run(ctx, s.client, []string{lockPrefix + key}, token).Err()
	}
	return release, true, nil
}
