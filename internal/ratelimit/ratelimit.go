// Package ratelimit enforces per-token request quotas over a rolling
// window.
package ratelimit

import (
	"context"
	"time"
)

// DefaultWindow is the rolling window used when none is configured.
const DefaultWindow = time.Hour

// Reservation is the result of an Acquire call. A granted reservation can
// be handed back with Cancel if the request it was taken for is abandoned.
type Reservation struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration

	at     time.Time
	member string
}

// Limiter grants or refuses requests per key. Implementations must make
// the check and the increment a single atomic step per key.
type Limiter interface {
	Acquire(ctx context.Context, key string, limit int) (Reservation, error)
	Cancel(ctx context.Context, key string, r Reservation) error
}
