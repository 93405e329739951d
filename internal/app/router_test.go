package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/handler"
	"ridedispatch/internal/middleware"
	internalRedis "ridedispatch/internal/redis"
	"ridedispatch/internal/repository/memory"
	"ridedispatch/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var userSeq atomic.Int64

type gateway struct {
	t      *testing.T
	router *gin.Engine
}

func newGateway(t *testing.T, redisClient *redis.Client, opts ...service.RideOption) *gateway {
	t.Helper()
	users := memory.NewUserStore()
	identity := service.NewIdentityService(users, service.WithHashCost(bcrypt.MinCost))
	rides := service.NewRideService(memory.NewRideStore(), users, service.NewNotificationService(nil), opts...)

	router := NewRouter(RouterDeps{
		UserHandler: handler.NewUserHandler(identity),
		RideHandler: handler.NewRideHandler(rides),
		Auth:        middleware.HeaderAuth(identity),
		Registry:    prometheus.NewRegistry(),
		ServiceName: "test",
		RedisClient: redisClient,
	})
	return &gateway{t: t, router: router}
}

func (g *gateway) do(method, path, userID string, body any, headers ...string) *httptest.ResponseRecorder {
	g.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(g.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(middleware.UserHeader, userID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	return w
}

func (g *gateway) register(role domain.Role) handler.UserResponse {
	g.t.Helper()
	w := g.do(http.MethodPost, "/register", "", map[string]string{
		"username": fmt.Sprintf("%s-%d", role, userSeq.Add(1)),
		"password": "secret",
		"role":     string(role),
	})
	require.Equal(g.t, http.StatusCreated, w.Code, w.Body.String())
	var u handler.UserResponse
	require.NoError(g.t, json.Unmarshal(w.Body.Bytes(), &u))
	return u
}

func (g *gateway) requestRide(riderID string) handler.RideResponse {
	g.t.Helper()
	w := g.do(http.MethodPost, "/rides", riderID, handler.CreateRideRequest{Pickup: "Main St", Dropoff: "Airport"})
	require.Equal(g.t, http.StatusCreated, w.Code, w.Body.String())
	return decodeRide(g.t, w)
}

func decodeRide(t *testing.T, w *httptest.ResponseRecorder) handler.RideResponse {
	t.Helper()
	var r handler.RideResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r), w.Body.String())
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) handler.ErrorResponse {
	t.Helper()
	var e handler.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e), w.Body.String())
	return e
}

// ──────────────────────────────────────────────
// 1. SCENARIOS OVER HTTP
// ──────────────────────────────────────────────

func TestGateway_HappyPath(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)
	rider := g.register(domain.RoleRider)
	driver := g.register(domain.RoleDriver)
	assert.Len(t, rider.RideCode, 4)

	ride := g.requestRide(rider.ID)
	assert.Equal(t, domain.RideStatusPending, ride.Status)
	assert.Nil(t, ride.DriverID)

	w := g.do(http.MethodGet, "/rides", driver.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var open []handler.RideResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &open))
	require.Len(t, open, 1)
	assert.Equal(t, ride.ID, open[0].ID)

	w = g.do(http.MethodPost, "/rides/"+ride.ID+"/accept_ride", driver.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	accepted := decodeRide(t, w)
	require.NotNil(t, accepted.DriverID)
	assert.Equal(t, driver.ID, *accepted.DriverID)

	w = g.do(http.MethodPost, "/rides/"+ride.ID+"/start_ride", driver.ID, handler.StartRideRequest{RideCode: wrongCode(rider.RideCode)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_code", decodeError(t, w).Code)

	w = g.do(http.MethodPost, "/rides/"+ride.ID+"/start_ride", driver.ID, handler.StartRideRequest{RideCode: rider.RideCode})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.RideStatusStarted, decodeRide(t, w).Status)

	w = g.do(http.MethodPost, "/rides/"+ride.ID+"/complete_ride", driver.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.RideStatusCompleted, decodeRide(t, w).Status)

	w = g.do(http.MethodPost, "/rides/"+ride.ID+"/complete_ride", driver.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ride_not_started", decodeError(t, w).Code)

	w = g.do(http.MethodGet, "/rides/"+ride.ID, rider.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.RideStatusCompleted, decodeRide(t, w).Status)
}

func wrongCode(code string) string {
	if code == "0000" {
		return "0001"
	}
	return "0000"
}

func TestGateway_CancelBeforeAccept(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)
	rider := g.register(domain.RoleRider)
	driver := g.register(domain.RoleDriver)
	ride := g.requestRide(rider.ID)

	w := g.do(http.MethodPost, "/rides/"+ride.ID+"/cancel_ride", rider.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.RideStatusCancelled, decodeRide(t, w).Status)

	w = g.do(http.MethodPost, "/rides/"+ride.ID+"/accept_ride", driver.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ride_not_pending", decodeError(t, w).Code)
}

func TestGateway_SecondRideBlockedWhileActive(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)
	r1 := g.register(domain.RoleRider)
	r2 := g.register(domain.RoleRider)
	driver := g.register(domain.RoleDriver)
	first := g.requestRide(r1.ID)
	second := g.requestRide(r2.ID)

	w := g.do(http.MethodPost, "/rides/"+first.ID+"/accept_ride", driver.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = g.do(http.MethodPost, "/rides/"+second.ID+"/accept_ride", driver.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "driver_has_active_ride", decodeError(t, w).Code)
}

// ──────────────────────────────────────────────
// 2. ERROR MAPPING
// ──────────────────────────────────────────────

func TestGateway_ErrorResponses(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil, service.WithAttemptCounter(internalRedis.NewLocalAttemptLimiter(1, time.Minute)))
	rider := g.register(domain.RoleRider)
	driver := g.register(domain.RoleDriver)
	other := g.register(domain.RoleDriver)
	ride := g.requestRide(rider.ID)
	require.Equal(t, http.StatusOK, g.do(http.MethodPost, "/rides/"+ride.ID+"/accept_ride", driver.ID, nil).Code)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
		code   string
	}{
		{"no credentials", http.MethodGet, "/rides", "", nil, http.StatusUnauthorized, "unauthenticated"},
		{"unknown user", http.MethodGet, "/rides", "ghost", nil, http.StatusUnauthorized, "unauthenticated"},
		{"rider lists", http.MethodGet, "/rides", rider.ID, nil, http.StatusForbidden, "not_driver"},
		{"driver requests", http.MethodPost, "/rides", driver.ID, handler.CreateRideRequest{Pickup: "A", Dropoff: "B"}, http.StatusForbidden, "not_rider"},
		{"missing locations", http.MethodPost, "/rides", rider.ID, handler.CreateRideRequest{}, http.StatusBadRequest, "invalid_location"},
		{"unknown ride", http.MethodPost, "/rides/nope/accept_ride", driver.ID, nil, http.StatusNotFound, "ride_not_found"},
		{"driver cancels", http.MethodPost, "/rides/" + ride.ID + "/cancel_ride", driver.ID, nil, http.StatusForbidden, "not_rider"},
		{"cancel after accept", http.MethodPost, "/rides/" + ride.ID + "/cancel_ride", rider.ID, nil, http.StatusBadRequest, "ride_not_pending"},
		{"other driver starts", http.MethodPost, "/rides/" + ride.ID + "/start_ride", other.ID, handler.StartRideRequest{RideCode: rider.RideCode}, http.StatusForbidden, "not_assigned_driver"},
		{"complete before start", http.MethodPost, "/rides/" + ride.ID + "/complete_ride", driver.ID, nil, http.StatusBadRequest, "ride_not_started"},
		{"other driver views", http.MethodGet, "/rides/" + ride.ID, other.ID, nil, http.StatusForbidden, "ride_not_visible"},
		{"malformed body", http.MethodPost, "/register", "", "not an object", http.StatusBadRequest, "invalid_request"},
		{"bad role", http.MethodPost, "/register", "", map[string]string{"username": "z", "password": "p", "role": "admin"}, http.StatusBadRequest, "invalid_role"},
	}
	for _, tc := range tests {
		w := g.do(tc.method, tc.path, tc.user, tc.body)
		assert.Equal(t, tc.status, w.Code, "%s: %s", tc.name, w.Body.String())
		assert.Equal(t, tc.code, decodeError(t, w).Code, tc.name)
	}

	// The limit is one attempt per ride; the second guess is refused before
	// the code is compared.
	w := g.do(http.MethodPost, "/rides/"+ride.ID+"/start_ride", driver.ID, handler.StartRideRequest{RideCode: wrongCode(rider.RideCode)})
	assert.Equal(t, "invalid_code", decodeError(t, w).Code)
	w = g.do(http.MethodPost, "/rides/"+ride.ID+"/start_ride", driver.ID, handler.StartRideRequest{RideCode: rider.RideCode})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "too_many_attempts", decodeError(t, w).Code)
}

func TestGateway_RoleCheckedBeforeBody(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)
	rider := g.register(domain.RoleRider)
	driver := g.register(domain.RoleDriver)
	ride := g.requestRide(rider.ID)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
		code   string
	}{
		{"driver requests without body", http.MethodPost, "/rides", driver.ID, nil, http.StatusForbidden, "not_rider"},
		{"driver requests with bad body", http.MethodPost, "/rides", driver.ID, []int{1, 2}, http.StatusForbidden, "not_rider"},
		{"rider requests with bad body", http.MethodPost, "/rides", rider.ID, "not an object", http.StatusBadRequest, "invalid_location"},
		{"rider starts with numeric code", http.MethodPost, "/rides/" + ride.ID + "/start_ride", rider.ID, map[string]int{"ride_code": 1234}, http.StatusForbidden, "not_driver"},
		{"driver starts pending ride with numeric code", http.MethodPost, "/rides/" + ride.ID + "/start_ride", driver.ID, map[string]int{"ride_code": 1234}, http.StatusForbidden, "not_assigned_driver"},
	}
	for _, tc := range tests {
		w := g.do(tc.method, tc.path, tc.user, tc.body)
		assert.Equal(t, tc.status, w.Code, "%s: %s", tc.name, w.Body.String())
		assert.Equal(t, tc.code, decodeError(t, w).Code, tc.name)
	}
}

func TestGateway_DuplicateUsername(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)
	body := map[string]string{"username": "ana", "password": "pw", "role": "rider"}

	require.Equal(t, http.StatusCreated, g.do(http.MethodPost, "/register", "", body).Code)
	w := g.do(http.MethodPost, "/register", "", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "username_taken", decodeError(t, w).Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestGateway_Me(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)
	rider := g.register(domain.RoleRider)

	w := g.do(http.MethodGet, "/me", rider.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me handler.UserResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, rider, me)
	assert.NotContains(t, w.Body.String(), "password")
}

// ──────────────────────────────────────────────
// 3. INFRASTRUCTURE ROUTES
// ──────────────────────────────────────────────

func TestGateway_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	g := newGateway(t, nil)
	rider := g.register(domain.RoleRider)
	g.requestRide(rider.ID)

	assert.Equal(t, http.StatusOK, g.do(http.MethodGet, "/health", "", nil).Code)

	w := g.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `http_requests_total{method="POST",path="/rides",status="201"} 1`)
}

func TestGateway_IdempotentAccept(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	g := newGateway(t, client)
	rider := g.register(domain.RoleRider)
	driver := g.register(domain.RoleDriver)
	ride := g.requestRide(rider.ID)

	path := "/rides/" + ride.ID + "/accept_ride"
	first := g.do(http.MethodPost, path, driver.ID, nil, "Idempotency-Key", "accept-1")
	retry := g.do(http.MethodPost, path, driver.ID, nil, "Idempotency-Key", "accept-1")

	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, retry.Code, "a retried accept replays instead of failing as not pending")
	assert.JSONEq(t, first.Body.String(), retry.Body.String())

	fresh := g.do(http.MethodPost, path, driver.ID, nil, "Idempotency-Key", "accept-2")
	assert.Equal(t, http.StatusBadRequest, fresh.Code)
}

// busyLocker refuses every lock while busy is set.
type busyLocker struct {
	busy atomic.Bool
}

func (l *busyLocker) TryLock(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	if l.busy.Load() {
		return nil, false, nil
	}
	return func(context.Context) error { return nil }, true, nil
}

func TestGateway_IdempotentRetryAfterLostRace(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := &busyLocker{}
	g := newGateway(t, client, service.WithLocker(locker, time.Second))
	rider := g.register(domain.RoleRider)
	driver := g.register(domain.RoleDriver)
	ride := g.requestRide(rider.ID)
	path := "/rides/" + ride.ID + "/accept_ride"

	locker.busy.Store(true)
	lost := g.do(http.MethodPost, path, driver.ID, nil, "Idempotency-Key", "accept-1")
	assert.Equal(t, http.StatusBadRequest, lost.Code)
	assert.Equal(t, "concurrent_update", decodeError(t, lost).Code)

	locker.busy.Store(false)
	retry := g.do(http.MethodPost, path, driver.ID, nil, "Idempotency-Key", "accept-1")
	require.Equal(t, http.StatusOK, retry.Code, retry.Body.String())
	assert.Empty(t, retry.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, domain.RideStatusAccepted, decodeRide(t, retry).Status)
}
