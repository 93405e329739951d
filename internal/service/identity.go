package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/crypto/bcrypt"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// DefaultCodeAttempts is how many secret codes CreateUser tries before
// giving up.
const DefaultCodeAttempts = 50

const maxUsernameLength = 150

// CodeGenerator returns a candidate secret code.
type CodeGenerator func() (string, error)

var codeSpace = big.NewInt(10000)

// RandomSecretCode draws a code uniformly from 0000-9999.
func RandomSecretCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("draw secret code: %w", err)
	}
	return fmt.Sprintf("%0*d", domain.SecretCodeLength, n.Int64()), nil
}

// IdentityService registers users and resolves them by ID.
type IdentityService struct {
	users        repository.UserRepository
	newCode      CodeGenerator
	codeAttempts int
	hashCost     int
}

// IdentityOption configures an IdentityService.
type IdentityOption func(*IdentityService)

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(gen CodeGenerator) IdentityOption {
	return func(s *IdentityService) { s.newCode = gen }
}

// WithCodeAttempts bounds the reserve-or-retry loop. Values below one are ignored.
func WithCodeAttempts(n int) IdentityOption {
	return func(s *IdentityService) {
		if n >= 1 {
			s.codeAttempts = n
		}
	}
}

// WithHashCost sets the bcrypt cost.
func WithHashCost(cost int) IdentityOption {
	return func(s *IdentityService) { s.hashCost = cost }
}

// NewIdentityService creates a new IdentityService.
func NewIdentityService(users repository.UserRepository, opts ...IdentityOption) *IdentityService {
	s := &IdentityService{
		users:        users,
		newCode:      RandomSecretCode,
		codeAttempts: DefaultCodeAttempts,
		hashCost:     bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateUserRequest contains the parameters for registering a user.
type CreateUserRequest struct {
	Username string
	Password string
	Role     domain.Role
}

// CreateUser registers a user and reserves a unique secret code for it.
// The store's uniqueness check is the reservation: a collision is retried
// with a fresh code until the attempt budget is spent.
func (s *IdentityService) CreateUser(ctx context.Context, req CreateUserRequest) (*domain.User, error) {
	if !req.Role.Valid() {
		return nil, ErrInvalidRole
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || utf8.RuneCountInString(username) > maxUsernameLength {
		return nil, ErrInvalidUsername
	}
	if req.Password == "" || len(req.Password) > 72 {
		return nil, ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         req.Role,
		CreatedAt:    time.Now().UTC(),
	}

	backoff := retry.WithMaxRetries(uint64(s.codeAttempts-1), retry.NewConstant(time.Millisecond))
	attempts := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		code, err := s.newCode()
		if err != nil {
			return err
		}
		user.SecretCode = code
		err = s.users.Create(ctx, user)
		if errors.Is(err, repository.ErrDuplicateCode) {
			return retry.RetryableError(err)
		}
		return err
	})
	switch {
	case errors.Is(err, repository.ErrDuplicateCode):
		slog.WarnContext(ctx, "secret code space exhausted", "attempts", attempts)
		return nil, ErrCodeSpaceExhausted
	case errors.Is(err, repository.ErrDuplicateUsername):
		return nil, ErrUsernameTaken
	case err != nil:
		return nil, err
	}

	slog.InfoContext(ctx, "user registered", "user_id", user.ID, "role", user.Role, "code_attempts", attempts)
	return user, nil
}

// GetUser retrieves a user by ID.
func (s *IdentityService) GetUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}
