package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicateCode is returned when a secret code is already reserved by another user.
	ErrDuplicateCode = errors.New("secret code already in use")

	// ErrDuplicateUsername is returned when a username is already registered.
	ErrDuplicateUsername = errors.New("username already in use")

	// ErrVersionConflict is returned when a ride was modified since it was read.
	ErrVersionConflict = errors.New("ride was modified concurrently")
)
