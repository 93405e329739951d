package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// AttemptLimiter counts attempts per key inside a fixed window.
type AttemptLimiter struct {
	limiter *limiter.Limiter
}

// NewAttemptLimiter creates a limiter backed by Redis so the count is shared
// by every instance of the service.
func NewAttemptLimiter(client *redis.Client, limit int, period time.Duration) (*AttemptLimiter, error) {
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   "attempts",
		MaxRetry: 3,
	})
	if err != nil {
		return nil, fmt.Errorf("create attempt store: %w", err)
	}
	return newAttemptLimiter(store, limit, period), nil
}

// NewLocalAttemptLimiter creates a limiter that counts in process memory.
func NewLocalAttemptLimiter(limit int, period time.Duration) *AttemptLimiter {
	return newAttemptLimiter(memory.NewStore(), limit, period)
}

func newAttemptLimiter(store limiter.Store, limit int, period time.Duration) *AttemptLimiter {
	return &AttemptLimiter{
		limiter: limiter.New(store, limiter.Rate{Period: period, Limit: int64(limit)}),
	}
}

// Allow records one attempt for key and reports whether it is within the limit.
func (l *AttemptLimiter) Allow(ctx context.Context, key string) (bool, error) {
	lctx, err := l.limiter.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return !lctx.Reached, nil
}
