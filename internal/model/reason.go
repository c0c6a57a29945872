package model

// Reason is the machine-readable outcome of an authorization decision.
// Denied usage records carry the reason that denied them; executed calls
// carry ReasonAllowed.
type Reason string

const (
	ReasonAllowed                Reason = "allowed"
	ReasonInvalidToken           Reason = "invalid_token"
	ReasonRevoked                Reason = "revoked"
	ReasonExpired                Reason = "expired"
	ReasonIPNotAllowed           Reason = "ip_not_allowed"
	ReasonToolNotAllowed         Reason = "tool_not_allowed"
	ReasonInsufficientPermission Reason = "insufficient_permission"
	ReasonRateLimited            Reason = "rate_limited"
	ReasonStoreUnavailable       Reason = "store_unavailable"
)

// Reasons lists every reason in evaluation order.
func Reasons() []Reason {
	return []Reason{
		ReasonAllowed,
		ReasonInvalidToken,
		ReasonRevoked,
		ReasonExpired,
		ReasonIPNotAllowed,
		ReasonToolNotAllowed,
		ReasonInsufficientPermission,
		ReasonRateLimited,
		ReasonStoreUnavailable,
	}
}
