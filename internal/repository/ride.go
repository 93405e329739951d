package repository

import (
	"context"

	"ridedispatch/internal/domain"
)

// RideRepository defines the persistence operations for rides.
type RideRepository interface {
	// Create persists a new ride.
	Create(ctx context.Context, ride *domain.Ride) error

	// GetByID retrieves a ride by ID.
	GetByID(ctx context.Context, id string) (*domain.Ride, error)

	// ListByStatus retrieves all rides in the given status, oldest first.
	ListByStatus(ctx context.Context, status domain.RideStatus) ([]*domain.Ride, error)

	// ListByDriverAndStatuses retrieves the rides assigned to driverID whose
	// status is one of statuses.
	ListByDriverAndStatuses(ctx context.Context, driverID string, statuses []domain.RideStatus) ([]*domain.Ride, error)

	// Save persists the full ride record if its Version still matches the
	// stored one, then bumps Version and UpdatedAt on the passed ride.
	// A mismatch returns ErrVersionConflict.
	Save(ctx context.Context, ride *domain.Ride) error

	// AppendEvent records an applied transition.
	AppendEvent(ctx context.Context, event *domain.RideEvent) error
}

// RideStore is a RideRepository that can run a unit of work atomically.
type RideStore interface {
	RideRepository

	// InTx runs fn against a repository bound to a single atomic unit.
	// Units sharing any of lockKeys never run concurrently. If fn returns an
	// error nothing it wrote is kept, where the backend supports rollback.
	InTx(ctx context.Context, lockKeys []string, fn func(ctx context.Context, rides RideRepository) error) error
}

// RideLockKey is the InTx lock key serializing work on one ride.
func RideLockKey(rideID string) string {
	return "ride:" + rideID
}

// DriverLockKey is the InTx lock key serializing work on one driver's rides.
func DriverLockKey(driverID string) string {
	return "driver:" + driverID
}
