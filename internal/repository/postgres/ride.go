package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// RideRepository is a PostgreSQL implementation of repository.RideRepository.
type RideRepository struct {
	q Querier
}

// NewRideRepositoryWithTx creates a ride repository using a transaction.
func NewRideRepositoryWithTx(tx *sqlx.Tx) *RideRepository {
	return &RideRepository{q: tx}
}

type rideRow struct {
	ID        string         `db:"id"`
	RiderID   string         `db:"rider_id"`
	DriverID  sql.NullString `db:"driver_id"`
	Pickup    string         `db:"pickup"`
	Dropoff   string         `db:"dropoff"`
	Status    string         `db:"status"`
	Version   int            `db:"version"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r rideRow) toDomain() *domain.Ride {
	return &domain.Ride{
		ID:        r.ID,
		RiderID:   r.RiderID,
		DriverID:  r.DriverID.String,
		Pickup:    r.Pickup,
		Dropoff:   r.Dropoff,
		Status:    domain.RideStatus(r.Status),
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func nullableDriver(id string) sql.NullString {
	return sql.NullString{String: id, Valid: id != ""}
}

const insertRideQuery = `
INSERT INTO rides (id, rider_id, driver_id, pickup, dropoff, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

// Create persists a new ride.
func (r *RideRepository) Create(ctx context.Context, ride *domain.Ride) error {
	if ride.Version == 0 {
		ride.Version = 1
	}
	_, err := r.q.ExecContext(ctx, insertRideQuery,
		ride.ID,
		ride.RiderID,
		nullableDriver(ride.DriverID),
		ride.Pickup,
		ride.Dropoff,
		string(ride.Status),
		ride.Version,
		ride.CreatedAt,
		ride.UpdatedAt,
	)
	return err
}

const selectRideColumns = `SELECT id, rider_id, driver_id, pickup, dropoff, status, version, created_at, updated_at FROM rides`

// GetByID retrieves a ride by ID.
func (r *RideRepository) GetByID(ctx context.Context, id string) (*domain.Ride, error) {
	var row rideRow
	if err := r.q.GetContext(ctx, &row, selectRideColumns+` WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// ListByStatus retrieves all rides in the given status, oldest first.
func (r *RideRepository) ListByStatus(ctx context.Context, status domain.RideStatus) ([]*domain.Ride, error) {
	return r.list(ctx, selectRideColumns+` WHERE status = $1 ORDER BY created_at, id`, string(status))
}

// ListByDriverAndStatuses retrieves the driver's rides in any of statuses.
func (r *RideRepository) ListByDriverAndStatuses(ctx context.Context, driverID string, statuses []domain.RideStatus) ([]*domain.Ride, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return r.list(ctx,
		selectRideColumns+` WHERE driver_id = $1 AND status = ANY($2) ORDER BY created_at, id`,
		driverID, pq.Array(names))
}

func (r *RideRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Ride, error) {
	var rows []rideRow
	if err := r.q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	rides := make([]*domain.Ride, 0, len(rows))
	for _, row := range rows {
		rides = append(rides, row.toDomain())
	}
	return rides, nil
}

const saveRideQuery = `
UPDATE rides
SET driver_id = $1, pickup = $2, dropoff = $3, status = $4, version = version + 1, updated_at = now()
WHERE id = $5 AND version = $6
RETURNING version, updated_at
`

// Save persists the ride if nobody saved it since it was read.
func (r *RideRepository) Save(ctx context.Context, ride *domain.Ride) error {
	var out struct {
		Version   int       `db:"version"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := r.q.GetContext(ctx, &out, saveRideQuery,
		nullableDriver(ride.DriverID),
		ride.Pickup,
		ride.Dropoff,
		string(ride.Status),
		ride.ID,
		ride.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := r.q.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, ride.ID); err != nil {
			return err
		}
		if !exists {
			return repository.ErrNotFound
		}
		return repository.ErrVersionConflict
	}
	if err != nil {
		return err
	}
	ride.Version = out.Version
	ride.UpdatedAt = out.UpdatedAt
	return nil
}

const insertEventQuery = `
INSERT INTO ride_events (ride_id, from_status, to_status, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id
`

// AppendEvent records an applied transition.
func (r *RideRepository) AppendEvent(ctx context.Context, event *domain.RideEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return r.q.GetContext(ctx, &event.ID, insertEventQuery,
		event.RideID, string(event.FromStatus), string(event.ToStatus), event.ActorID, event.CreatedAt)
}

// ListEvents returns the transitions recorded for a ride, in order.
func (r *RideRepository) ListEvents(ctx context.Context, rideID string) ([]domain.RideEvent, error) {
	var rows []struct {
		ID         int64     `db:"id"`
		RideID     string    `db:"ride_id"`
		FromStatus string    `db:"from_status"`
		ToStatus   string    `db:"to_status"`
		ActorID    string    `db:"actor_id"`
		CreatedAt  time.Time `db:"created_at"`
	}
	err := r.q.SelectContext(ctx, &rows,
		`SELECT id, ride_id, from_status, to_status, actor_id, created_at FROM ride_events WHERE ride_id = $1 ORDER BY id`,
		rideID)
	if err != nil {
		return nil, err
	}
	events := make([]domain.RideEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, domain.RideEvent{
			ID:         row.ID,
			RideID:     row.RideID,
			FromStatus: domain.RideStatus(row.FromStatus),
			ToStatus:   domain.RideStatus(row.ToStatus),
			ActorID:    row.ActorID,
			CreatedAt:  row.CreatedAt,
		})
	}
	return events, nil
}

// RideStore is a RideRepository bound to the pool that can open units of work.
type RideStore struct {
	*RideRepository
	db *sqlx.DB
}

// NewRideStore creates a PostgreSQL ride store.
func NewRideStore(db *sqlx.DB) *RideStore {
	return &RideStore{RideRepository: &RideRepository{q: db}, db: db}
}

// InTx runs fn inside a transaction. Before fn runs it takes a
// transaction-scoped advisory lock per key, in sorted order, so units sharing
// a key queue behind each other and release on commit or rollback.
func (s *RideStore) InTx(ctx context.Context, lockKeys []string, fn func(ctx context.Context, rides repository.RideRepository) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ride tx: %w", err)
	}
	defer tx.Rollback()

	keys := append([]string(nil), lockKeys...)
	sort.Strings(keys)
	for i, key := range keys {
		if i > 0 && keys[i-1] == key {
			continue
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
	}

	if err := fn(ctx, NewRideRepositoryWithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ride tx: %w", err)
	}
	return nil
}
