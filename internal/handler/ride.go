package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/service"
)

// RideHandler handles HTTP requests for rides.
type RideHandler struct {
	rides *service.RideService
}

// NewRideHandler creates a new RideHandler.
func NewRideHandler(rides *service.RideService) *RideHandler {
	return &RideHandler{rides: rides}
}

// CreateRideRequest is the HTTP request body for requesting a ride.
type CreateRideRequest struct {
	Pickup  string `json:"pickup_location"`
	Dropoff string `json:"dropoff_location"`
}

// StartRideRequest carries the code the rider handed to the driver.
type StartRideRequest struct {
	RideCode string `json:"ride_code"`
}

// RideResponse is the HTTP representation of a ride. DriverID is null until
// a driver accepts.
type RideResponse struct {
	ID        string            `json:"id"`
	RiderID   string            `json:"rider_id"`
	DriverID  *string           `json:"driver_id"`
	Pickup    string            `json:"pickup_location"`
	Dropoff   string            `json:"dropoff_location"`
	Status    domain.RideStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func toRideResponse(r *domain.Ride) RideResponse {
	resp := RideResponse{
		ID:        r.ID,
		RiderID:   r.RiderID,
		Pickup:    r.Pickup,
		Dropoff:   r.Dropoff,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.HasDriver() {
		driverID := r.DriverID
		resp.DriverID = &driverID
	}
	return resp
}

// CreateRide handles POST /rides
func (h *RideHandler) CreateRide(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}

	// An unreadable body leaves both locations empty, so the engine still
	// reports a wrong role before it reports missing locations.
	var req CreateRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = CreateRideRequest{}
	}

	ride, err := h.rides.RequestRide(c.Request.Context(), caller, req.Pickup, req.Dropoff)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toRideResponse(ride))
}

// ListOpen handles GET /rides
func (h *RideHandler) ListOpen(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}

	rides, err := h.rides.ListOpenRides(c.Request.Context(), caller)
	if err != nil {
		respondError(c, err)
		return
	}

	response := make([]RideResponse, 0, len(rides))
	for _, r := range rides {
		response = append(response, toRideResponse(r))
	}
	c.JSON(http.StatusOK, response)
}

// GetRide handles GET /rides/:id
func (h *RideHandler) GetRide(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}

	ride, err := h.rides.GetRide(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, toRideResponse(ride))
}

// AcceptRide handles POST /rides/:id/accept_ride
func (h *RideHandler) AcceptRide(c *gin.Context) {
	h.transition(c, h.rides.AcceptRide)
}

// StartRide handles POST /rides/:id/start_ride
func (h *RideHandler) StartRide(c *gin.Context) {
	// A missing or unreadable body leaves the code empty; the engine reports
	// the mismatch after its role, ownership and status checks.
	var req StartRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = StartRideRequest{}
	}

	h.transition(c, func(ctx context.Context, caller domain.Caller, rideID string) (*domain.Ride, error) {
		return h.rides.StartRide(ctx, caller, rideID, req.RideCode)
	})
}

// CompleteRide handles POST /rides/:id/complete_ride
func (h *RideHandler) CompleteRide(c *gin.Context) {
	h.transition(c, h.rides.CompleteRide)
}

// CancelRide handles POST /rides/:id/cancel_ride
func (h *RideHandler) CancelRide(c *gin.Context) {
	h.transition(c, h.rides.CancelRide)
}

func (h *RideHandler) transition(c *gin.Context, op func(context.Context, domain.Caller, string) (*domain.Ride, error)) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}

	ride, err := op(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, toRideResponse(ride))
}
