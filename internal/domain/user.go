package domain

import "time"

// Role is the capacity a user acts in.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// Valid reports whether r is one of the supported roles.
func (r Role) Valid() bool {
	return r == RoleRider || r == RoleDriver
}

// SecretCodeLength is the number of ASCII digits in a ride code.
const SecretCodeLength = 4

// User represents a registered rider or driver.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	SecretCode   string // 4 digits, leading zeros allowed, immutable
	CreatedAt    time.Time
}

// Caller is the authenticated identity a request acts as.
type Caller struct {
	UserID string
	Role   Role
}

// Is reports whether the caller has the given role.
func (c Caller) Is(role Role) bool {
	return c.Role == role
}
