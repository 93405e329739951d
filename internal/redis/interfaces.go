package redis

import (
	"context"
	"time"

	"ridedispatch/internal/repository"
)

// Locker defines the interface for non-blocking distributed locks.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// AttemptCounter defines the interface for per-key attempt limiting.
type AttemptCounter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Ensure concrete types implement interfaces.
var (
	_ Locker                    = (*LockStore)(nil)
	_ AttemptCounter            = (*AttemptLimiter)(nil)
	_ repository.UserRepository = (*CachedUserRepository)(nil)
)
