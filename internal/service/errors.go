package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/enactai/enact/internal/store"
)

// Authorization failures. Each denial reason maps to exactly one of these
// through Decision.Err.
var (
	ErrInvalidToken           = errors.New("invalid token")
	ErrRevoked                = errors.New("token revoked")
	ErrExpired                = errors.New("token expired")
	ErrIPNotAllowed           = errors.New("caller address not allowed")
	ErrToolNotAllowed         = errors.New("tool not allowed for token")
	ErrInsufficientPermission = errors.New("insufficient permission")
	ErrRateLimited            = errors.New("rate limited")
	ErrStoreUnavailable       = errors.New("token store unavailable")
)

// Lifecycle failures.
var (
	ErrNotFound      = store.ErrNotFound
	ErrInactive      = store.ErrInactive
	ErrInvalidParams = errors.New("invalid parameters")
)

// RateLimitError is a rate-limit denial carrying the retry hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
