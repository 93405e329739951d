package service

import (
	"errors"
	"fmt"

	"ridedispatch/internal/repository"
)

// Outcome categories. Each caller-facing error below matches one of these
// with errors.Is.
var (
	// ErrForbidden is returned when the caller's role or relation to the ride
	// does not permit the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when the ride's current state does not allow the
	// operation, including losing a race for it.
	ErrConflict = errors.New("conflict")

	// ErrInvalidCode is returned when the entered ride code does not match.
	ErrInvalidCode = errors.New("ride code does not match")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrTooManyAttempts is returned when a ride code was guessed too often.
	ErrTooManyAttempts = errors.New("too many attempts")

	// ErrCodeSpaceExhausted is returned when no unused secret code could be
	// reserved within the attempt budget.
	ErrCodeSpaceExhausted = errors.New("no secret code available")
)

var (
	ErrRideNotFound = fmt.Errorf("ride %w", repository.ErrNotFound)
	ErrUserNotFound = fmt.Errorf("user %w", repository.ErrNotFound)
)

var (
	ErrNotRider          = fmt.Errorf("%w: only riders can do this", ErrForbidden)
	ErrNotDriver         = fmt.Errorf("%w: only drivers can do this", ErrForbidden)
	ErrNotAssignedDriver = fmt.Errorf("%w: you are not assigned to this ride", ErrForbidden)
	ErrNotRideOwner      = fmt.Errorf("%w: ride belongs to another rider", ErrForbidden)
	ErrRideNotVisible    = fmt.Errorf("%w: ride is not visible to you", ErrForbidden)
)

var (
	ErrRideNotPending      = fmt.Errorf("%w: ride is not pending", ErrConflict)
	ErrRideNotAccepted     = fmt.Errorf("%w: ride is not accepted", ErrConflict)
	ErrRideNotStarted      = fmt.Errorf("%w: ride is not started", ErrConflict)
	ErrRideHasDriver       = fmt.Errorf("%w: ride already has a driver", ErrConflict)
	ErrDriverHasActiveRide = fmt.Errorf("%w: driver already has an active ride", ErrConflict)
	ErrConcurrentUpdate    = fmt.Errorf("%w: ride is being changed by another request", ErrConflict)
)

var (
	ErrInvalidRole     = fmt.Errorf("%w: role must be rider or driver", ErrValidation)
	ErrInvalidUsername = fmt.Errorf("%w: username must be 1-150 characters", ErrValidation)
	ErrInvalidPassword = fmt.Errorf("%w: password must be 1-72 bytes", ErrValidation)
	ErrUsernameTaken   = fmt.Errorf("%w: username already registered", ErrValidation)
	ErrInvalidLocation = fmt.Errorf("%w: pickup and dropoff are required", ErrValidation)
	ErrInvalidRideID   = fmt.Errorf("%w: ride id is required", ErrValidation)
)
