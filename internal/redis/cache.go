package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// UserCacheTTL bounds how long a user record is served from Redis.
// User records never change after creation.
const UserCacheTTL = 10 * time.Minute

const userCachePrefix = "cache:user:"

// cachedUser is the cached form of a user. The password hash is not cached.
type cachedUser struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Role       string    `json:"role"`
	SecretCode string    `json:"secret_code"`
	CreatedAt  time.Time `json:"created_at"`
}

// CachedUserRepository is a read-through cache in front of a UserRepository.
// Lookups by ID hit Redis first; every other call goes to the wrapped store.
// Redis failures fall back to the store.
type CachedUserRepository struct {
	repository.UserRepository
	client *redis.Client
	ttl    time.Duration
}

// NewCachedUserRepository wraps users with a Redis read-through cache.
func NewCachedUserRepository(users repository.UserRepository, client *redis.Client) *CachedUserRepository {
	return &CachedUserRepository{UserRepository: users, client: client, ttl: UserCacheTTL}
}

// GetByID retrieves a user by ID, from cache when possible.
func (c *CachedUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	data, err := c.client.Get(ctx, userCachePrefix+id).Bytes()
	if err == nil {
		var cu cachedUser
		if err := json.Unmarshal(data, &cu); err == nil {
			return &domain.User{
				ID:         cu.ID,
				Username:   cu.Username,
				Role:       domain.Role(cu.Role),
				SecretCode: cu.SecretCode,
				CreatedAt:  cu.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.WarnContext(ctx, "user cache read failed", "user_id", id, "error", err)
	}

	user, err := c.UserRepository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err = json.Marshal(cachedUser{
		ID:         user.ID,
		Username:   user.Username,
		Role:       string(user.Role),
		SecretCode: user.SecretCode,
		CreatedAt:  user.CreatedAt,
	})
	if err == nil {
		if err := c.client.Set(ctx, userCachePrefix+id, data, c.ttl).Err(); err != nil {
			slog.WarnContext(ctx, "user cache write failed", "user_id", id, "error", err)
		}
	}
	return user, nil
}
