package domain

import (
	"strings"
	"time"
)

// RideStatus represents the current status of a ride.
type RideStatus string

const (
	RideStatusPending   RideStatus = "PENDING"
	RideStatusAccepted  RideStatus = "ACCEPTED"
	RideStatusStarted   RideStatus = "STARTED"
	RideStatusCompleted RideStatus = "COMPLETED"
	RideStatusCancelled RideStatus = "CANCELLED"
)

// ParseRideStatus converts s into a RideStatus. The match is case-insensitive.
func ParseRideStatus(s string) (RideStatus, bool) {
	status := RideStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case RideStatusPending, RideStatusAccepted, RideStatusStarted,
		RideStatusCompleted, RideStatusCancelled:
		return status, true
	}
	return "", false
}

// AllowedTransitions is the ride state machine as data.
// Terminal statuses have no entry.
var AllowedTransitions = map[RideStatus][]RideStatus{
	RideStatusPending:  {RideStatusAccepted, RideStatusCancelled},
	RideStatusAccepted: {RideStatusStarted},
	RideStatusStarted:  {RideStatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to RideStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s RideStatus) IsTerminal() bool {
	return s == RideStatusCompleted || s == RideStatusCancelled
}

// Ride represents a ride request in the system.
type Ride struct {
	ID        string
	RiderID   string
	DriverID  string // empty while PENDING or CANCELLED
	Pickup    string
	Dropoff   string
	Status    RideStatus
	Version   int // bumped on every save
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasDriver reports whether a driver is assigned.
func (r *Ride) HasDriver() bool {
	return r.DriverID != ""
}

// RideEvent records one applied transition.
type RideEvent struct {
	ID         int64
	RideID     string
	FromStatus RideStatus
	ToStatus   RideStatus
	ActorID    string
	CreatedAt  time.Time
}
