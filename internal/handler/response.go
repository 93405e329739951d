package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/middleware"
	"ridedispatch/internal/repository"
	"ridedispatch/internal/service"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorMappings is checked in order; specific errors come before the
// categories they wrap.
var errorMappings = []errorMapping{
	// Forbidden
	{service.ErrNotRider, http.StatusForbidden, "not_rider"},
	{service.ErrNotDriver, http.StatusForbidden, "not_driver"},
	{service.ErrNotAssignedDriver, http.StatusForbidden, "not_assigned_driver"},
	{service.ErrNotRideOwner, http.StatusForbidden, "not_ride_owner"},
	{service.ErrRideNotVisible, http.StatusForbidden, "ride_not_visible"},
	{service.ErrForbidden, http.StatusForbidden, "forbidden"},

	// Conflict
	{service.ErrRideNotPending, http.StatusBadRequest, "ride_not_pending"},
	{service.ErrRideNotAccepted, http.StatusBadRequest, "ride_not_accepted"},
	{service.ErrRideNotStarted, http.StatusBadRequest, "ride_not_started"},
	{service.ErrRideHasDriver, http.StatusBadRequest, "ride_has_driver"},
	{service.ErrDriverHasActiveRide, http.StatusBadRequest, "driver_has_active_ride"},
	{service.ErrConcurrentUpdate, http.StatusBadRequest, "concurrent_update"},
	{service.ErrConflict, http.StatusBadRequest, "conflict"},

	{service.ErrInvalidCode, http.StatusBadRequest, "invalid_code"},
	{service.ErrTooManyAttempts, http.StatusTooManyRequests, "too_many_attempts"},

	// Validation
	{service.ErrInvalidRole, http.StatusBadRequest, "invalid_role"},
	{service.ErrInvalidUsername, http.StatusBadRequest, "invalid_username"},
	{service.ErrInvalidPassword, http.StatusBadRequest, "invalid_password"},
	{service.ErrUsernameTaken, http.StatusBadRequest, "username_taken"},
	{service.ErrInvalidLocation, http.StatusBadRequest, "invalid_location"},
	{service.ErrInvalidRideID, http.StatusBadRequest, "invalid_ride_id"},
	{service.ErrValidation, http.StatusBadRequest, "validation_error"},

	// Not found
	{service.ErrRideNotFound, http.StatusNotFound, "ride_not_found"},
	{service.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{repository.ErrNotFound, http.StatusNotFound, "not_found"},

	{service.ErrCodeSpaceExhausted, http.StatusServiceUnavailable, "code_space_exhausted"},
}

// respondError sends an error response with the appropriate HTTP status code.
// Unmapped errors are logged and reported without detail.
func respondError(c *gin.Context, err error) {
	status, code := mapError(err)
	if errors.Is(err, service.ErrConcurrentUpdate) {
		// Losing a race is transient; a retry with the same key must run again.
		middleware.SkipIdempotency(c)
	}
	if status == http.StatusInternalServerError {
		middleware.GetLogger(c).ErrorContext(c.Request.Context(), "request failed", slog.String("error", err.Error()))
		c.JSON(status, ErrorResponse{Error: "internal server error", Code: code})
		return
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "invalid_request"})
}

// mapError maps service and repository errors to an HTTP status and a
// stable machine-readable code.
func mapError(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// callerOrAbort fetches the authenticated caller. Routes are always mounted
// behind the auth middleware, so a missing caller is logged as a wiring bug
// before the request is refused.
func callerOrAbort(c *gin.Context) (domain.Caller, bool) {
	caller, ok := middleware.GetCaller(c)
	if !ok {
		middleware.GetLogger(c).ErrorContext(c.Request.Context(), "route served without auth middleware",
			slog.String("route", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing credentials", Code: "unauthenticated"})
	}
	return caller, ok
}
