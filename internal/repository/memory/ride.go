package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

// RideStore is an in-memory implementation of repository.RideStore.
// It is safe for concurrent use.
type RideStore struct {
	mu     sync.RWMutex
	rides  map[string]*domain.Ride
	events []*domain.RideEvent
	nextEv int64
	keys   *keyedMutex
	now    func() time.Time
}

// NewRideStore creates an empty in-memory ride store.
func NewRideStore() *RideStore {
	return &RideStore{
		rides: make(map[string]*domain.Ride),
		keys:  newKeyedMutex(),
		now:   time.Now,
	}
}

// Create persists a new ride.
func (s *RideStore) Create(ctx context.Context, ride *domain.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(ride)
	return nil
}

func (s *RideStore) insertLocked(ride *domain.Ride) {
	if ride.Version == 0 {
		ride.Version = 1
	}
	s.rides[ride.ID] = copyRide(ride)
}

// GetByID retrieves a ride by ID.
func (s *RideStore) GetByID(ctx context.Context, id string) (*domain.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ride, ok := s.rides[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyRide(ride), nil
}

// ListByStatus retrieves all rides in the given status, oldest first.
func (s *RideStore) ListByStatus(ctx context.Context, status domain.RideStatus) ([]*domain.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterRides(s.rides, nil, func(r *domain.Ride) bool {
		return r.Status == status
	}), nil
}

// ListByDriverAndStatuses retrieves the driver's rides in any of statuses.
func (s *RideStore) ListByDriverAndStatuses(ctx context.Context, driverID string, statuses []domain.RideStatus) ([]*domain.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterRides(s.rides, nil, driverStatusFilter(driverID, statuses)), nil
}

// Save stores the ride if its version still matches.
func (s *RideStore) Save(ctx context.Context, ride *domain.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rides[ride.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != ride.Version {
		return repository.ErrVersionConflict
	}
	ride.Version++
	ride.UpdatedAt = s.now()
	s.rides[ride.ID] = copyRide(ride)
	return nil
}

// AppendEvent records an applied transition.
func (s *RideStore) AppendEvent(ctx context.Context, event *domain.RideEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(event)
	return nil
}

func (s *RideStore) appendEventLocked(event *domain.RideEvent) {
	s.nextEv++
	event.ID = s.nextEv
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	ev := *event
	s.events = append(s.events, &ev)
}

// Events returns the transitions recorded for a ride, in order.
func (s *RideStore) Events(rideID string) []domain.RideEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.RideEvent
	for _, ev := range s.events {
		if ev.RideID == rideID {
			out = append(out, *ev)
		}
	}
	return out
}

// InTx runs fn with writes staged in memory. The staged writes are applied
// together when fn succeeds and dropped when it fails.
func (s *RideStore) InTx(ctx context.Context, lockKeys []string, fn func(ctx context.Context, rides repository.RideRepository) error) error {
	unlock := s.keys.lockAll(lockKeys)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &rideTx{
		store:  s,
		staged: make(map[string]*domain.Ride),
		base:   make(map[string]int),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

// rideTx is the RideRepository handed to an InTx unit.
type rideTx struct {
	store   *RideStore
	staged  map[string]*domain.Ride
	created []string
	base    map[string]int // version each updated ride had when first staged
	events  []*domain.RideEvent
}

func (t *rideTx) Create(ctx context.Context, ride *domain.Ride) error {
	if ride.Version == 0 {
		ride.Version = 1
	}
	t.staged[ride.ID] = copyRide(ride)
	t.created = append(t.created, ride.ID)
	return nil
}

func (t *rideTx) GetByID(ctx context.Context, id string) (*domain.Ride, error) {
	if ride, ok := t.staged[id]; ok {
		return copyRide(ride), nil
	}
	return t.store.GetByID(ctx, id)
}

func (t *rideTx) ListByStatus(ctx context.Context, status domain.RideStatus) ([]*domain.Ride, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return filterRides(t.store.rides, t.staged, func(r *domain.Ride) bool {
		return r.Status == status
	}), nil
}

func (t *rideTx) ListByDriverAndStatuses(ctx context.Context, driverID string, statuses []domain.RideStatus) ([]*domain.Ride, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return filterRides(t.store.rides, t.staged, driverStatusFilter(driverID, statuses)), nil
}

func (t *rideTx) Save(ctx context.Context, ride *domain.Ride) error {
	current, err := t.GetByID(ctx, ride.ID)
	if err != nil {
		return err
	}
	if current.Version != ride.Version {
		return repository.ErrVersionConflict
	}
	if _, staged := t.staged[ride.ID]; !staged {
		t.base[ride.ID] = current.Version
	}
	ride.Version++
	ride.UpdatedAt = t.store.now()
	t.staged[ride.ID] = copyRide(ride)
	return nil
}

func (t *rideTx) AppendEvent(ctx context.Context, event *domain.RideEvent) error {
	t.events = append(t.events, event)
	return nil
}

func (t *rideTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// Writers outside InTx can still race a unit; refuse to overwrite them.
	for id, version := range t.base {
		current, ok := s.rides[id]
		if !ok || current.Version != version {
			return repository.ErrVersionConflict
		}
	}
	for id, ride := range t.staged {
		s.rides[id] = ride
	}
	for _, ev := range t.events {
		s.appendEventLocked(ev)
	}
	return nil
}

func driverStatusFilter(driverID string, statuses []domain.RideStatus) func(*domain.Ride) bool {
	return func(r *domain.Ride) bool {
		if r.DriverID != driverID {
			return false
		}
		for _, st := range statuses {
			if r.Status == st {
				return true
			}
		}
		return false
	}
}

// filterRides merges overlay over base and returns matching copies, oldest first.
func filterRides(base, overlay map[string]*domain.Ride, keep func(*domain.Ride) bool) []*domain.Ride {
	out := make([]*domain.Ride, 0)
	for id, ride := range base {
		if staged, ok := overlay[id]; ok {
			ride = staged
		}
		if keep(ride) {
			out = append(out, copyRide(ride))
		}
	}
	for id, ride := range overlay {
		if _, ok := base[id]; ok {
			continue
		}
		if keep(ride) {
			out = append(out, copyRide(ride))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func copyRide(r *domain.Ride) *domain.Ride {
	c := *r
	return &c
}
