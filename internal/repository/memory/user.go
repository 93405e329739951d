package memory

import (
	"context"
	"sync"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// UserStore is an in-memory implementation of repository.UserRepository.
// Codes and usernames are reserved under the same lock as the insert.
type UserStore struct {
	mu         sync.RWMutex
	byID       map[string]*domain.User
	byUsername map[string]string
	byCode     map[string]string
}

// NewUserStore creates an empty in-memory user store.
func NewUserStore() *UserStore {
	return &UserStore{
		byID:       make(map[string]*domain.User),
		byUsername: make(map[string]string),
		byCode:     make(map[string]string),
	}
}

// Create adds a new user.
func (s *UserStore) Create(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byUsername[user.Username]; taken {
		return repository.ErrDuplicateUsername
	}
	if _, taken := s.byCode[user.SecretCode]; taken {
		return repository.ErrDuplicateCode
	}

	u := *user
	s.byID[u.ID] = &u
	s.byUsername[u.Username] = u.ID
	s.byCode[u.SecretCode] = u.ID
	return nil
}

// GetByID retrieves a user by ID.
func (s *UserStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *u
	return &c, nil
}

// GetByUsername retrieves a user by username.
func (s *UserStore) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	id, ok := s.byUsername[username]
	s.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// Len returns the number of stored users.
func (s *UserStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
