package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// UserRepository implements repository.UserRepository using PostgreSQL.
// Uniqueness of usernames and secret codes is enforced by table constraints,
// so concurrent inserts cannot both reserve the same code.
type UserRepository struct {
	q Querier
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{q: db}
}

type userRow struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	Role         string    `db:"role"`
	SecretCode   string    `db:"secret_code"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r userRow) toDomain() *domain.User {
	return &domain.User{
		ID:           r.ID,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		Role:         domain.Role(r.Role),
		SecretCode:   r.SecretCode,
		CreatedAt:    r.CreatedAt,
	}
}

const insertUserQuery = `
INSERT INTO users (id, username, password_hash, role, secret_code, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

// Create adds a new user.
func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, insertUserQuery,
		user.ID, user.Username, user.PasswordHash, string(user.Role), user.SecretCode, user.CreatedAt)
	if constraint, ok := uniqueConstraint(err); ok {
		switch constraint {
		case "users_secret_code_key":
			return repository.ErrDuplicateCode
		case "users_username_key":
			return repository.ErrDuplicateUsername
		}
	}
	return err
}

const selectUserColumns = `SELECT id, username, password_hash, role, secret_code, created_at FROM users`

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getOne(ctx, selectUserColumns+` WHERE id = $1`, id)
}

// GetByUsername retrieves a user by username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.getOne(ctx, selectUserColumns+` WHERE username = $1`, username)
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg any) (*domain.User, error) {
	var row userRow
	if err := r.q.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}
