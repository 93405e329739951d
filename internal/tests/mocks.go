package tests

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
	"ridedispatch/internal/repository/memory"
	"ridedispatch/internal/service"
)

// ──────────────────────────────────────────────
// MOCK RIDE STORE
// ──────────────────────────────────────────────

// MockRideStore wraps the in-memory store with error injection. Injected
// errors fire inside InTx units, after the guard has run.
type MockRideStore struct {
	*memory.RideStore

	// Counters for verification
	SaveCallCount int32
	InTxCallCount int32

	// Error injection
	SaveError        error
	AppendEventError error
}

// NewMockRideStore creates a new mock ride store.
func NewMockRideStore() *MockRideStore {
	return &MockRideStore{RideStore: memory.NewRideStore()}
}

// AddRide stores a ride as-is.
func (m *MockRideStore) AddRide(ride *domain.Ride) {
	_ = m.RideStore.Create(context.Background(), ride)
}

// GetRide returns the stored ride or nil.
func (m *MockRideStore) GetRide(id string) *domain.Ride {
	ride, err := m.RideStore.GetByID(context.Background(), id)
	if err != nil {
		return nil
	}
	return ride
}

func (m *MockRideStore) InTx(ctx context.Context, lockKeys []string, fn func(ctx context.Context, rides repository.RideRepository) error) error {
	atomic.AddInt32(&m.InTxCallCount, 1)
	return m.RideStore.InTx(ctx, lockKeys, func(ctx context.Context, rides repository.RideRepository) error {
		return fn(ctx, &faultyRides{RideRepository: rides, mock: m})
	})
}

type faultyRides struct {
	repository.RideRepository
	mock *MockRideStore
}

func (f *faultyRides) Save(ctx context.Context, ride *domain.Ride) error {
	atomic.AddInt32(&f.mock.SaveCallCount, 1)
	if f.mock.SaveError != nil {
		return f.mock.SaveError
	}
	return f.RideRepository.Save(ctx, ride)
}

func (f *faultyRides) AppendEvent(ctx context.Context, event *domain.RideEvent) error {
	if f.mock.AppendEventError != nil {
		return f.mock.AppendEventError
	}
	return f.RideRepository.AppendEvent(ctx, event)
}

// ──────────────────────────────────────────────
// MOCK NOTIFICATION SENDER
// ──────────────────────────────────────────────

// MockSender records every notification it is asked to send.
type MockSender struct {
	mu   sync.Mutex
	sent []service.Notification
}

func (m *MockSender) Send(ctx context.Context, n service.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// Types returns the notification types sent so far, in order.
func (m *MockSender) Types() []service.NotificationType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]service.NotificationType, len(m.sent))
	for i, n := range m.sent {
		out[i] = n.Type
	}
	return out
}

// ──────────────────────────────────────────────
// MOCK LOCKER / ATTEMPT COUNTER
// ──────────────────────────────────────────────

// MockLocker is an in-process stand-in for the Redis lock store.
type MockLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMockLocker() *MockLocker {
	return &MockLocker{held: make(map[string]bool)}
}

// Hold marks key as taken by someone else.
func (m *MockLocker) Hold(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[key] = true
}

func (m *MockLocker) IsHeld(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[key]
}

func (m *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, false, nil
	}
	m.held[key] = true
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
		return nil
	}, true, nil
}

// MockAttemptCounter allows Limit attempts per key.
type MockAttemptCounter struct {
	mu     sync.Mutex
	Limit  int
	counts map[string]int
}

func (m *MockAttemptCounter) Allow(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[key]++
	return m.counts[key] <= m.Limit, nil
}

// ──────────────────────────────────────────────
// FIXTURE
// ──────────────────────────────────────────────

// fixture wires an engine against in-memory stores.
type fixture struct {
	rides    *MockRideStore
	users    *memory.UserStore
	sender   *MockSender
	identity *service.IdentityService
	engine   *service.RideService
}

func newFixture(t *testing.T, opts ...service.RideOption) *fixture {
	t.Helper()
	f := &fixture{
		rides:  NewMockRideStore(),
		users:  memory.NewUserStore(),
		sender: &MockSender{},
	}
	// Codes are handed out in order from 0042 so tests can predict them.
	var next atomic.Int64
	next.Store(41)
	f.identity = service.NewIdentityService(f.users,
		service.WithHashCost(bcrypt.MinCost),
		service.WithCodeGenerator(func() (string, error) {
			return fmt.Sprintf("%04d", next.Add(1)), nil
		}),
	)
	f.engine = service.NewRideService(f.rides, f.users, service.NewNotificationService(f.sender), opts...)
	return f
}

var userSeq atomic.Int64

func (f *fixture) register(t *testing.T, role domain.Role) (domain.Caller, *domain.User) {
	t.Helper()
	user, err := f.identity.CreateUser(context.Background(), service.CreateUserRequest{
		Username: fmt.Sprintf("%s-%d", role, userSeq.Add(1)),
		Password: "secret-password",
		Role:     role,
	})
	if err != nil {
		t.Fatalf("register %s: %v", role, err)
	}
	return domain.Caller{UserID: user.ID, Role: user.Role}, user
}

func (f *fixture) rider(t *testing.T) (domain.Caller, *domain.User) {
	return f.register(t, domain.RoleRider)
}

func (f *fixture) driver(t *testing.T) domain.Caller {
	c, _ := f.register(t, domain.RoleDriver)
	return c
}

// requested creates a PENDING ride for rider.
func (f *fixture) requested(t *testing.T, rider domain.Caller) *domain.Ride {
	t.Helper()
	ride, err := f.engine.RequestRide(context.Background(), rider, "A", "B")
	if err != nil {
		t.Fatalf("request ride: %v", err)
	}
	return ride
}
