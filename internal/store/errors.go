package store

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a requested token does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInactive is returned when a conditional update targets a token
	// that has already been revoked.
	ErrInactive = errors.New("token is not active")

	// ErrExpired is returned when a conditional update targets a token
	// whose expiry has passed.
	ErrExpired = errors.New("token has expired")

	// ErrDuplicate is returned when an insert collides with an existing
	// id or digest.
	ErrDuplicate = errors.New("duplicate token")
)

// isUniqueViolation recognizes unique constraint failures across the
// supported drivers by message.
func isUniqueViolation(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate key") ||
		strings.Contains(lower, "duplicate entry")
}
