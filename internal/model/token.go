package model

import "time"

// Token is an access token record. The secret itself is never stored; only
// its keyed digest and a short hint for identification are persisted.
type Token struct {
	ID            string     `json:"id"`
	SecretDigest  string     `json:"-"` // keyed digest, never expose
	SecretHint    string     `json:"secret_hint"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Tier          Tier       `json:"tier"`
	AllowedTools  []string   `json:"allowed_tools"`
	IPWhitelist   []string   `json:"ip_whitelist"`
	RateLimit     int        `json:"rate_limit"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	IsActive      bool       `json:"is_active"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	TotalRequests int64      `json:"total_requests"`
	TotalErrors   int64      `json:"total_errors"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedBy     string     `json:"revoked_by,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	RotatedFrom   string     `json:"rotated_from,omitempty"`
}

// Expired reports whether the token has an expiry at or before now.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// Lifetime returns the configured lifetime of an expiring token, or zero
// for tokens that never expire.
func (t *Token) Lifetime() time.Duration {
	if t.ExpiresAt == nil {
		return 0
	}
	return t.ExpiresAt.Sub(t.CreatedAt)
}

// ToolAllowed reports whether the tool passes the token's tool restriction.
// An empty restriction list allows every tool.
func (t *Token) ToolAllowed(tool string) bool {
	if len(t.AllowedTools) == 0 {
		return true
	}
	for _, name := range t.AllowedTools {
		if name == tool {
			return true
		}
	}
	return false
}
