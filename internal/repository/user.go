package repository

import (
	"context"

	"ridedispatch/internal/domain"
)

// UserRepository defines the persistence operations for users.
type UserRepository interface {
	// Create adds a new user. It returns ErrDuplicateCode when the secret code
	// is taken and ErrDuplicateUsername when the username is taken; in both
	// cases nothing is stored.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id string) (*domain.User, error)

	// GetByUsername retrieves a user by username.
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
}
