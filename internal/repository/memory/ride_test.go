package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
)

func newRide(id string, created time.Time) *domain.Ride {
	return &domain.Ride{
		ID:        id,
		RiderID:   "rider-1",
		Pickup:    "A",
		Dropoff:   "B",
		Status:    domain.RideStatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestRideStore_GetByIDNotFound(t *testing.T) {
	t.Parallel()
	store := NewRideStore()

	_, err := store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRideStore_ReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRideStore()
	require.NoError(t, store.Create(ctx, newRide("r1", time.Now())))

	got, err := store.GetByID(ctx, "r1")
	require.NoError(t, err)
	got.Status = domain.RideStatusCancelled

	again, err := store.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RideStatusPending, again.Status)
}

func TestRideStore_ListByStatusOldestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRideStore()
	base := time.Now()

	require.NoError(t, store.Create(ctx, newRide("late", base.Add(2*time.Minute))))
	require.NoError(t, store.Create(ctx, newRide("early", base)))
	done := newRide("done", base.Add(time.Minute))
	done.Status = domain.RideStatusCompleted
	require.NoError(t, store.Create(ctx, done))

	rides, err := store.ListByStatus(ctx, domain.RideStatusPending)
	require.NoError(t, err)
	require.Len(t, rides, 2)
	assert.Equal(t, "early", rides[0].ID)
	assert.Equal(t, "late", rides[1].ID)
}

func TestRideStore_ListByDriverAndStatuses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRideStore()

	accepted := newRide("r1", time.Now())
	accepted.Status = domain.RideStatusAccepted
	accepted.DriverID = "d1"
	completed := newRide("r2", time.Now())
	completed.Status = domain.RideStatusCompleted
	completed.DriverID = "d1"
	other := newRide("r3", time.Now())
	other.Status = domain.RideStatusStarted
	other.DriverID = "d2"
	for _, r := range []*domain.Ride{accepted, completed, other} {
		require.NoError(t, store.Create(ctx, r))
	}

	rides, err := store.ListByDriverAndStatuses(ctx, "d1",
		[]domain.RideStatus{domain.RideStatusAccepted, domain.RideStatusStarted})
	require.NoError(t, err)
	require.Len(t, rides, 1)
	assert.Equal(t, "r1", rides[0].ID)
}

func TestRideStore_SaveChecksVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRideStore()
	require.NoError(t, store.Create(ctx, newRide("r1", time.Now())))

	first, _ := store.GetByID(ctx, "r1")
	second, _ := store.GetByID(ctx, "r1")

	first.Status = domain.RideStatusCancelled
	require.NoError(t, store.Save(ctx, first))
	assert.Equal(t, 2, first.Version)

	second.Status = domain.RideStatusAccepted
	second.DriverID = "d1"
	assert.ErrorIs(t, store.Save(ctx, second), repository.ErrVersionConflict)

	stored, _ := store.GetByID(ctx, "r1")
	assert.Equal(t, domain.RideStatusCancelled, stored.Status)
	assert.Empty(t, stored.DriverID)
}

func TestRideStore_SaveUpdatesTimestamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRideStore()
	created := time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, newRide("r1", created)))

	ride, _ := store.GetByID(ctx, "r1")
	ride.Status = domain.RideStatusCancelled
	require.NoError(t, store.Save(ctx, ride))
	assert.True(t, ride.UpdatedAt.After(created))
}

func TestRideStore_InTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRideStore()
	require.NoError(t, store.Create(ctx, newRide("r1", time.Now())))
	boom := errors.New("boom")

	err := store.InTx(ctx, []string{repository.RideLockKey("r1")}, func(ctx context.Context, rides repository.RideRepository) error {
		ride, err := rides.GetByID(ctx, "r1")
		if err != nil {
			return err
		}
		ride.Status = domain.RideStatusAccepted
		ride.DriverID = "d1"
		if err := rides.Save(ctx, ride); err != nil {
			return err
		}
		if err := rides.AppendEvent(ctx, &domain.RideEvent{RideID: "r1"}); err != nil {
			return err
		}

		// The unit sees its own write.
		inside, err := rides.GetByID(ctx, "r1")
		if err != nil {
			return err
		}
		if inside.Status != domain.RideStatusAccepted {
			return errors.New("staged write not visible")
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stored, _ := store.GetByID(ctx, "r1")
	assert.Equal(t, domain.RideStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Version)
	assert.Empty(t, store.Events("r1"))
}

func TestRideStore_InTxCommitsWritesAndEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRideStore()
	require.NoError(t, store.Create(ctx, newRide("r1", time.Now())))

	err := store.InTx(ctx, []string{repository.RideLockKey("r1")}, func(ctx context.Context, rides repository.RideRepository) error {
		ride, err := rides.GetByID(ctx, "r1")
		if err != nil {
			return err
		}
		ride.Status = domain.RideStatusCancelled
		if err := rides.Save(ctx, ride); err != nil {
			return err
		}
		return rides.AppendEvent(ctx, &domain.RideEvent{
			RideID:     "r1",
			FromStatus: domain.RideStatusPending,
			ToStatus:   domain.RideStatusCancelled,
			ActorID:    "rider-1",
		})
	})
	require.NoError(t, err)

	stored, _ := store.GetByID(ctx, "r1")
	assert.Equal(t, domain.RideStatusCancelled, stored.Status)
	events := store.Events("r1")
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, domain.RideStatusCancelled, events[0].ToStatus)
}

func TestRideStore_InTxSeesStagedRidesInLists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRideStore()

	err := store.InTx(ctx, nil, func(ctx context.Context, rides repository.RideRepository) error {
		if err := rides.Create(ctx, newRide("r1", time.Now())); err != nil {
			return err
		}
		open, err := rides.ListByStatus(ctx, domain.RideStatusPending)
		if err != nil {
			return err
		}
		if len(open) != 1 {
			return errors.New("staged create not listed")
		}
		return nil
	})
	require.NoError(t, err)

	open, err := store.ListByStatus(ctx, domain.RideStatusPending)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestRideStore_InTxSerializesSharedKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRideStore()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		// Alternate key order; sorted acquisition must prevent deadlock.
		keys := []string{"driver:d1", "ride:r1"}
		if i%2 == 1 {
			keys = []string{"ride:r1", "driver:d1"}
		}
		go func() {
			defer wg.Done()
			_ = store.InTx(ctx, keys, func(ctx context.Context, rides repository.RideRepository) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestRideStore_InTxRejectsOutsideWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRideStore()
	require.NoError(t, store.Create(ctx, newRide("r1", time.Now())))

	err := store.InTx(ctx, []string{repository.RideLockKey("r1")}, func(ctx context.Context, rides repository.RideRepository) error {
		ride, err := rides.GetByID(ctx, "r1")
		if err != nil {
			return err
		}
		ride.Status = domain.RideStatusCancelled
		if err := rides.Save(ctx, ride); err != nil {
			return err
		}

		// A writer that bypasses InTx wins first.
		outside, _ := store.GetByID(ctx, "r1")
		outside.Pickup = "C"
		return store.Save(ctx, outside)
	})
	assert.ErrorIs(t, err, repository.ErrVersionConflict)

	stored, _ := store.GetByID(ctx, "r1")
	assert.Equal(t, domain.RideStatusPending, stored.Status)
	assert.Equal(t, "C", stored.Pickup)
}

func TestRideStore_InTxHonoursCancelledContext(t *testing.T) {
	t.Parallel()
	store := NewRideStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.InTx(ctx, []string{"ride:r1"}, func(ctx context.Context, rides repository.RideRepository) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
