package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/redis"
	"ridedispatch/internal/repository"
)

// DefaultActiveStatuses are the statuses in which a ride occupies its driver.
var DefaultActiveStatuses = []domain.RideStatus{domain.RideStatusAccepted, domain.RideStatusStarted}

const defaultLockTTL = 5 * time.Second

// RideService is the ride lifecycle engine. It owns every status change a
// ride goes through after it is requested.
type RideService struct {
	rides    repository.RideStore
	users    repository.UserRepository
	notifier *NotificationService
	locker   redis.Locker
	attempts redis.AttemptCounter
	metrics  *Metrics
	active   []domain.RideStatus
	lockTTL  time.Duration
	now      func() time.Time
}

// RideOption configures a RideService.
type RideOption func(*RideService)

// WithLocker puts non-blocking distributed locks in front of accept, so
// requests racing for the same ride or driver fail fast instead of queueing.
func WithLocker(locker redis.Locker, ttl time.Duration) RideOption {
	return func(s *RideService) {
		s.locker = locker
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithAttemptCounter limits ride code guesses per ride.
func WithAttemptCounter(counter redis.AttemptCounter) RideOption {
	return func(s *RideService) { s.attempts = counter }
}

// WithMetrics records operation outcomes.
func WithMetrics(m *Metrics) RideOption {
	return func(s *RideService) { s.metrics = m }
}

// WithActiveStatuses sets which statuses count toward the one-active-ride
// limit per driver.
func WithActiveStatuses(statuses []domain.RideStatus) RideOption {
	return func(s *RideService) {
		if len(statuses) > 0 {
			s.active = append([]domain.RideStatus(nil), statuses...)
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RideOption {
	return func(s *RideService) { s.now = now }
}

// NewRideService creates a new RideService.
func NewRideService(
	rides repository.RideStore,
	users repository.UserRepository,
	notifier *NotificationService,
	opts ...RideOption,
) *RideService {
	s := &RideService{
		rides:    rides,
		users:    users,
		notifier: notifier,
		active:   DefaultActiveStatuses,
		lockTTL:  defaultLockTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActiveStatuses returns the statuses that count as a driver's active ride.
func (s *RideService) ActiveStatuses() []domain.RideStatus {
	return append([]domain.RideStatus(nil), s.active...)
}

// RequestRide creates a PENDING ride for the calling rider.
func (s *RideService) RequestRide(ctx context.Context, caller domain.Caller, pickup, dropoff string) (*domain.Ride, error) {
	ride, err := s.requestRide(ctx, caller, pickup, dropoff)
	s.metrics.observe("request", err)
	if err != nil {
		return nil, err
	}
	s.notifier.RideChanged(ctx, ride)
	return ride, nil
}

func (s *RideService) requestRide(ctx context.Context, caller domain.Caller, pickup, dropoff string) (*domain.Ride, error) {
	if !caller.Is(domain.RoleRider) {
		return nil, ErrNotRider
	}
	pickup, dropoff = strings.TrimSpace(pickup), strings.TrimSpace(dropoff)
	if pickup == "" || dropoff == "" {
		return nil, ErrInvalidLocation
	}

	now := s.now().UTC()
	ride := &domain.Ride{
		ID:        uuid.New().String(),
		RiderID:   caller.UserID,
		Pickup:    pickup,
		Dropoff:   dropoff,
		Status:    domain.RideStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.rides.Create(ctx, ride); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}

	slog.InfoContext(ctx, "ride requested", "ride_id", ride.ID, "rider_id", ride.RiderID)
	return ride, nil
}

// ListOpenRides returns every PENDING ride, oldest first.
func (s *RideService) ListOpenRides(ctx context.Context, caller domain.Caller) ([]*domain.Ride, error) {
	if !caller.Is(domain.RoleDriver) {
		return nil, ErrNotDriver
	}
	return s.rides.ListByStatus(ctx, domain.RideStatusPending)
}

// GetRide returns a ride to its rider, to its assigned driver, or to any
// driver while it is still open.
func (s *RideService) GetRide(ctx context.Context, caller domain.Caller, rideID string) (*domain.Ride, error) {
	if rideID == "" {
		return nil, ErrInvalidRideID
	}
	ride, err := s.rides.GetByID(ctx, rideID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}

	switch {
	case ride.RiderID == caller.UserID:
	case ride.HasDriver() && ride.DriverID == caller.UserID:
	case caller.Is(domain.RoleDriver) && ride.Status == domain.RideStatusPending:
	default:
		return nil, ErrRideNotVisible
	}
	return ride, nil
}

// AcceptRide assigns the calling driver to a PENDING ride.
// The ride check and the driver's active-ride check happen in one unit of
// work locked on both the ride and the driver, so two drivers never share a
// ride and a driver never holds two active rides.
func (s *RideService) AcceptRide(ctx context.Context, caller domain.Caller, rideID string) (*domain.Ride, error) {
	if !caller.Is(domain.RoleDriver) {
		s.metrics.observe("accept", ErrNotDriver)
		return nil, ErrNotDriver
	}

	release, err := s.tryLocks(ctx, repository.RideLockKey(rideID), repository.DriverLockKey(caller.UserID))
	if err != nil {
		s.metrics.observe("accept", err)
		return nil, err
	}
	defer release()

	return s.transition(ctx, "accept", caller, rideID, domain.RideStatusAccepted,
		[]string{repository.DriverLockKey(caller.UserID)},
		func(ctx context.Context, rides repository.RideRepository, ride *domain.Ride) error {
			if ride.Status != domain.RideStatusPending {
				return ErrRideNotPending
			}
			if ride.HasDriver() {
				return ErrRideHasDriver
			}
			current, err := rides.ListByDriverAndStatuses(ctx, caller.UserID, s.active)
			if err != nil {
				return fmt.Errorf("list driver rides: %w", err)
			}
			if len(current) > 0 {
				return ErrDriverHasActiveRide
			}
			ride.DriverID = caller.UserID
			return nil
		})
}

// StartRide moves an ACCEPTED ride to STARTED once the assigned driver
// presents the rider's secret code. The code must match exactly.
func (s *RideService) StartRide(ctx context.Context, caller domain.Caller, rideID, code string) (*domain.Ride, error) {
	if !caller.Is(domain.RoleDriver) {
		s.metrics.observe("start", ErrNotDriver)
		return nil, ErrNotDriver
	}

	return s.transition(ctx, "start", caller, rideID, domain.RideStatusStarted, nil,
		func(ctx context.Context, _ repository.RideRepository, ride *domain.Ride) error {
			if ride.DriverID != caller.UserID {
				return ErrNotAssignedDriver
			}
			if ride.Status != domain.RideStatusAccepted {
				return ErrRideNotAccepted
			}
			if err := s.allowAttempt(ctx, ride.ID); err != nil {
				return err
			}
			rider, err := s.users.GetByID(ctx, ride.RiderID)
			if err != nil {
				return fmt.Errorf("load rider: %w", err)
			}
			if code != rider.SecretCode {
				return ErrInvalidCode
			}
			return nil
		})
}

// CompleteRide moves a STARTED ride to COMPLETED for its assigned driver.
func (s *RideService) CompleteRide(ctx context.Context, caller domain.Caller, rideID string) (*domain.Ride, error) {
	if !caller.Is(domain.RoleDriver) {
		s.metrics.observe("complete", ErrNotDriver)
		return nil, ErrNotDriver
	}

	return s.transition(ctx, "complete", caller, rideID, domain.RideStatusCompleted, nil,
		func(_ context.Context, _ repository.RideRepository, ride *domain.Ride) error {
			if ride.DriverID != caller.UserID {
				return ErrNotAssignedDriver
			}
			if ride.Status != domain.RideStatusStarted {
				return ErrRideNotStarted
			}
			return nil
		})
}

// CancelRide cancels the calling rider's ride while no driver has taken it.
func (s *RideService) CancelRide(ctx context.Context, caller domain.Caller, rideID string) (*domain.Ride, error) {
	if !caller.Is(domain.RoleRider) {
		s.metrics.observe("cancel", ErrNotRider)
		return nil, ErrNotRider
	}

	return s.transition(ctx, "cancel", caller, rideID, domain.RideStatusCancelled, nil,
		func(_ context.Context, _ repository.RideRepository, ride *domain.Ride) error {
			if ride.RiderID != caller.UserID {
				return ErrNotRideOwner
			}
			if ride.Status != domain.RideStatusPending {
				return ErrRideNotPending
			}
			if ride.HasDriver() {
				return ErrRideHasDriver
			}
			return nil
		})
}

// guardFunc validates a loaded ride for a transition and may set the fields
// the transition assigns besides the status.
type guardFunc func(ctx context.Context, rides repository.RideRepository, ride *domain.Ride) error

// transition loads the ride inside a unit of work locked on the ride and
// extraKeys, runs guard, saves the new status with its audit event, and
// notifies once the unit has committed. A guard failure leaves the ride as
// it was.
func (s *RideService) transition(
	ctx context.Context,
	name string,
	caller domain.Caller,
	rideID string,
	to domain.RideStatus,
	extraKeys []string,
	guard guardFunc,
) (*domain.Ride, error) {
	if rideID == "" {
		s.metrics.observe(name, ErrInvalidRideID)
		return nil, ErrInvalidRideID
	}

	var updated *domain.Ride
	var from domain.RideStatus
	keys := append([]string{repository.RideLockKey(rideID)}, extraKeys...)

	err := s.rides.InTx(ctx, keys, func(ctx context.Context, rides repository.RideRepository) error {
		ride, err := rides.GetByID(ctx, rideID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrRideNotFound
		}
		if err != nil {
			return fmt.Errorf("load ride: %w", err)
		}

		if err := guard(ctx, rides, ride); err != nil {
			return err
		}
		if !domain.CanTransition(ride.Status, to) {
			return fmt.Errorf("%w: %s cannot become %s", ErrConflict, ride.Status, to)
		}

		from = ride.Status
		ride.Status = to
		if err := rides.Save(ctx, ride); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				return ErrConcurrentUpdate
			}
			return fmt.Errorf("save ride: %w", err)
		}
		if err := rides.AppendEvent(ctx, &domain.RideEvent{
			RideID:     ride.ID,
			FromStatus: from,
			ToStatus:   to,
			ActorID:    caller.UserID,
			CreatedAt:  ride.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("record ride event: %w", err)
		}
		updated = ride
		return nil
	})
	s.metrics.observe(name, err)
	if err != nil {
		if !isOutcome(err) {
			slog.ErrorContext(ctx, "ride transition failed", "transition", name, "ride_id", rideID, "error", err)
		}
		return nil, err
	}

	slog.InfoContext(ctx, "ride transition",
		"transition", name,
		"ride_id", updated.ID,
		"from", from,
		"to", to,
		"actor_id", caller.UserID,
	)
	s.notifier.RideChanged(ctx, updated)
	return updated, nil
}

// allowAttempt spends one code attempt for the ride. A limiter outage lets
// the attempt through.
func (s *RideService) allowAttempt(ctx context.Context, rideID string) error {
	if s.attempts == nil {
		return nil
	}
	ok, err := s.attempts.Allow(ctx, "start:"+rideID)
	if err != nil {
		slog.WarnContext(ctx, "attempt limiter unavailable", "ride_id", rideID, "error", err)
		return nil
	}
	if !ok {
		return ErrTooManyAttempts
	}
	return nil
}

// tryLocks takes every key without waiting. If one is held the ones already
// taken are released and ErrConcurrentUpdate is returned. Locker errors skip
// the key; the store unit still serializes the work.
func (s *RideService) tryLocks(ctx context.Context, keys ...string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}

	var releases []func(context.Context) error
	releaseAll := func() {
		rctx := context.WithoutCancel(ctx)
		for i := len(releases) - 1; i >= 0; i-- {
			if err := releases[i](rctx); err != nil {
				slog.WarnContext(ctx, "release lock failed", "error", err)
			}
		}
	}

	for _, key := range keys {
		release, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
		if err != nil {
			slog.WarnContext(ctx, "lock unavailable", "key", key, "error", err)
			continue
		}
		if !ok {
			releaseAll()
			return nil, ErrConcurrentUpdate
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// isOutcome reports whether err is an expected caller-facing result rather
// than an infrastructure failure.
func isOutcome(err error) bool {
	for _, target := range []error{
		ErrForbidden, ErrConflict, ErrInvalidCode, ErrValidation,
		ErrTooManyAttempts, repository.ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
