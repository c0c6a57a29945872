package store

import (
	"context"
	"fmt"
	"strings"
)

// Timestamps are stored as unix milliseconds and booleans as 0/1 integers so
// the same statements run on every supported dialect.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			id VARCHAR(64) PRIMARY KEY,
			secret_digest VARCHAR(128) NOT NULL UNIQUE,
			secret_hint VARCHAR(32) NOT NULL DEFAULT '',
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL,
			tier VARCHAR(32) NOT NULL,
			allowed_tools TEXT NOT NULL,
			ip_whitelist TEXT NOT NULL,
			rate_limit INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_used_at BIGINT,
			total_requests BIGINT NOT NULL DEFAULT 0,
			total_errors BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX idx_tokens_active_expiry ON tokens(is_active, expires_at)`,

		`CREATE TABLE IF NOT EXISTS usage_records (
			id VARCHAR(64) PRIMARY KEY,
			token_id VARCHAR(64),
			created_at BIGINT NOT NULL,
			tool_name VARCHAR(128) NOT NULL,
			success INTEGER NOT NULL,
			reason VARCHAR(64) NOT NULL,
			error_message TEXT,
			caller_address VARCHAR(64) NOT NULL DEFAULT '',
			response_time_ms BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX idx_usage_token_time ON usage_records(token_id, created_at)`,
		`CREATE INDEX idx_usage_time ON usage_records(created_at)`,

		// v2: revocation audit and rotation lineage.
		`ALTER TABLE tokens ADD COLUMN revoked_at BIGINT`,
		`ALTER TABLE tokens ADD COLUMN revoked_by VARCHAR(255) NOT NULL DEFAULT ''`,
		`ALTER TABLE tokens ADD COLUMN revoked_reason VARCHAR(255) NOT NULL DEFAULT ''`,
		`ALTER TABLE tokens ADD COLUMN rotated_from VARCHAR(64) NOT NULL DEFAULT ''`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			if alreadyApplied(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// alreadyApplied treats "column/index already exists" failures as no-ops so
// migrations can be replayed on every start.
func alreadyApplied(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "duplicate column") ||
		strings.Contains(lower, "already exists") ||
		strings.Contains(lower, "duplicate key name")
}
