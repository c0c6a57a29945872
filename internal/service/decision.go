package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/enactai/enact/internal/model"
)

// Request is one tool invocation to authorize. Every request carries its
// own token; nothing is remembered between requests.
type Request struct {
	Token         string
	Tool          string
	CallerAddress string
}

// Decision is the outcome of Authorize. TokenID is set whenever the token
// resolved to a record, including most denials.
type Decision struct {
	Allow      bool
	Reason     model.Reason
	Message    string
	RetryAfter time.Duration
	TokenID    string
	Tier       model.Tier
	Remaining  int
}

// Err maps a denial onto the error taxonomy. It returns nil for an
// allowed decision.
func (d Decision) Err() error {
	switch d.Reason {
	case model.ReasonAllowed:
		return nil
	case model.ReasonInvalidToken:
		return ErrInvalidToken
	case model.ReasonRevoked:
		return ErrRevoked
	case model.ReasonExpired:
		return ErrExpired
	case model.ReasonIPNotAllowed:
		return ErrIPNotAllowed
	case model.ReasonToolNotAllowed:
		return ErrToolNotAllowed
	case model.ReasonInsufficientPermission:
		return ErrInsufficientPermission
	case model.ReasonRateLimited:
		return &RateLimitError{RetryAfter: d.RetryAfter}
	default:
		return ErrStoreUnavailable
	}
}

type decisionJSON struct {
	Allow        bool         `json:"allow"`
	Reason       model.Reason `json:"reason"`
	Message      string       `json:"message,omitempty"`
	RetryAfterMs int64        `json:"retry_after_ms,omitempty"`
	TokenID      string       `json:"token_id,omitempty"`
	Tier         model.Tier   `json:"tier,omitempty"`
	Remaining    int          `json:"remaining,omitempty"`
}

// MarshalJSON renders the retry hint in milliseconds.
func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(decisionJSON{
		Allow:        d.Allow,
		Reason:       d.Reason,
		Message:      d.Message,
		RetryAfterMs: d.RetryAfter.Milliseconds(),
		TokenID:      d.TokenID,
		Tier:         d.Tier,
		Remaining:    d.Remaining,
	})
}

func deny(reason model.Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func formatWindow(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		if d == time.Hour {
			return "hour"
		}
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d%time.Minute == 0:
		if d == time.Minute {
			return "minute"
		}
		return fmt.Sprintf("%d minutes", d/time.Minute)
	default:
		return d.String()
	}
}
