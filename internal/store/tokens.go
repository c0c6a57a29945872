package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/enactai/enact/internal/model"
)

// tokenRow maps 1:1 to the tokens table columns. Slices are stored as JSON
// text and times as unix milliseconds.
type tokenRow struct {
	ID            string        `db:"id"`
	SecretDigest  string        `db:"secret_digest"`
	SecretHint    string        `db:"secret_hint"`
	Name          string        `db:"name"`
	Description   string        `db:"description"`
	Tier          string        `db:"tier"`
	AllowedTools  string        `db:"allowed_tools"`
	IPWhitelist   string        `db:"ip_whitelist"`
	RateLimit     int           `db:"rate_limit"`
	CreatedAt     int64         `db:"created_at"`
	ExpiresAt     sql.NullInt64 `db:"expires_at"`
	IsActive      int           `db:"is_active"`
	LastUsedAt    sql.NullInt64 `db:"last_used_at"`
	TotalRequests int64         `db:"total_requests"`
	TotalErrors   int64         `db:"total_errors"`
	RevokedAt     sql.NullInt64 `db:"revoked_at"`
	RevokedBy     string        `db:"revoked_by"`
	RevokedReason string        `db:"revoked_reason"`
	RotatedFrom   string        `db:"rotated_from"`
}

const tokenColumns = `id, secret_digest, secret_hint, name, description, tier, allowed_tools,
	ip_whitelist, rate_limit, created_at, expires_at, is_active, last_used_at, total_requests,
	total_errors, revoked_at, revoked_by, revoked_reason, rotated_from`

func tokenRowFromModel(t *model.Token) (tokenRow, error) {
	tools, err := marshalList(t.AllowedTools)
	if err != nil {
		return tokenRow{}, fmt.Errorf("marshal allowed tools: %w", err)
	}
	ips, err := marshalList(t.IPWhitelist)
	if err != nil {
		return tokenRow{}, fmt.Errorf("marshal ip whitelist: %w", err)
	}
	row := tokenRow{
		ID:            t.ID,
		SecretDigest:  t.SecretDigest,
		SecretHint:    t.SecretHint,
		Name:          t.Name,
		Description:   t.Description,
		Tier:          string(t.Tier),
		AllowedTools:  tools,
		IPWhitelist:   ips,
		RateLimit:     t.RateLimit,
		CreatedAt:     millis(t.CreatedAt),
		ExpiresAt:     nullMillis(t.ExpiresAt),
		LastUsedAt:    nullMillis(t.LastUsedAt),
		TotalRequests: t.TotalRequests,
		TotalErrors:   t.TotalErrors,
		RevokedAt:     nullMillis(t.RevokedAt),
		RevokedBy:     t.RevokedBy,
		RevokedReason: t.RevokedReason,
		RotatedFrom:   t.RotatedFrom,
	}
	if t.IsActive {
		row.IsActive = 1
	}
	return row, nil
}

func (r tokenRow) toModel() (*model.Token, error) {
	var tools, ips []string
	if err := unmarshalList(r.AllowedTools, &tools); err != nil {
		return nil, fmt.Errorf("unmarshal allowed tools: %w", err)
	}
	if err := unmarshalList(r.IPWhitelist, &ips); err != nil {
		return nil, fmt.Errorf("unmarshal ip whitelist: %w", err)
	}
	return &model.Token{
		ID:            r.ID,
		SecretDigest:  r.SecretDigest,
		SecretHint:    r.SecretHint,
		Name:          r.Name,
		Description:   r.Description,
		Tier:          model.Tier(r.Tier),
		AllowedTools:  tools,
		IPWhitelist:   ips,
		RateLimit:     r.RateLimit,
		CreatedAt:     fromMillis(r.CreatedAt),
		ExpiresAt:     timePtr(r.ExpiresAt),
		IsActive:      r.IsActive != 0,
		LastUsedAt:    timePtr(r.LastUsedAt),
		TotalRequests: r.TotalRequests,
		TotalErrors:   r.TotalErrors,
		RevokedAt:     timePtr(r.RevokedAt),
		RevokedBy:     r.RevokedBy,
		RevokedReason: r.RevokedReason,
		RotatedFrom:   r.RotatedFrom,
	}, nil
}

// InsertToken persists a new token record.
func (s *Store) InsertToken(ctx context.Context, t *model.Token) error {
	return s.insertToken(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertToken(ctx context.Context, ex execer, t *model.Token) error {
	row, err := tokenRowFromModel(t)
	if err != nil {
		return err
	}

	q := s.q(`INSERT INTO tokens (` + tokenColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = ex.ExecContext(ctx, q,
		row.ID, row.SecretDigest, row.SecretHint, row.Name, row.Description, row.Tier,
		row.AllowedTools, row.IPWhitelist, row.RateLimit, row.CreatedAt, row.ExpiresAt,
		row.IsActive, row.LastUsedAt, row.TotalRequests, row.TotalErrors, row.RevokedAt,
		row.RevokedBy, row.RevokedReason, row.RotatedFrom)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// GetToken returns a token by id.
func (s *Store) GetToken(ctx context.Context, id string) (*model.Token, error) {
	return s.getOne(ctx, "SELECT "+tokenColumns+" FROM tokens WHERE id = ?", id)
}

// GetTokenByDigest returns the token whose secret digest matches. This is
// the hot path of every authorization and is served by a unique index.
func (s *Store) GetTokenByDigest(ctx context.Context, digest string) (*model.Token, error) {
	return s.getOne(ctx, "SELECT "+tokenColumns+" FROM tokens WHERE secret_digest = ?", digest)
}

func (s *Store) getOne(ctx context.Context, query string, arg string) (*model.Token, error) {
	var row tokenRow
	if err := s.db.GetContext(ctx, &row, s.q(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return row.toModel()
}

// ListTokens returns tokens ordered newest first. Revoked and deactivated
// tokens are included only when includeInactive is set.
func (s *Store) ListTokens(ctx context.Context, includeInactive bool) ([]*model.Token, error) {
	query := "SELECT " + tokenColumns + " FROM tokens"
	if !includeInactive {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY created_at DESC, id"

	var rows []tokenRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query)); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}

	tokens := make([]*model.Token, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// UpdateToken rewrites a token's mutable metadata. Counters, activity and
// the digest are never touched here.
func (s *Store) UpdateToken(ctx context.Context, t *model.Token) error {
	row, err := tokenRowFromModel(t)
	if err != nil {
		return err
	}

	q := s.q(`UPDATE tokens SET name = ?, description = ?, tier = ?, allowed_tools = ?,
		ip_whitelist = ?, rate_limit = ?, expires_at = ? WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, q,
		row.Name, row.Description, row.Tier, row.AllowedTools, row.IPWhitelist,
		row.RateLimit, row.ExpiresAt, row.ID)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return s.existsOr(ctx, t.ID, nil)
	}
	return nil
}

// TouchToken records a use of the token: it sets last_used_at and
// increments total_requests in one statement.
func (s *Store) TouchToken(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		s.q("UPDATE tokens SET total_requests = total_requests + 1, last_used_at = ? WHERE id = ?"),
		millis(at), id)
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementErrors bumps the token's error counter.
func (s *Store) IncrementErrors(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.q("UPDATE tokens SET total_errors = total_errors + 1 WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("increment token errors: %w", err)
	}
	return nil
}

// RevokeToken deactivates a token. It reports whether this call changed
// the token; revoking an already inactive token is a successful no-op.
func (s *Store) RevokeToken(ctx context.Context, id, by, reason string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		s.q(`UPDATE tokens SET is_active = 0, revoked_at = ?, revoked_by = ?, revoked_reason = ?
			WHERE id = ? AND is_active = 1`),
		millis(at), by, reason, id)
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return false, s.existsOr(ctx, id, nil)
	}
	return true, nil
}

// RotateToken atomically revokes oldID and inserts replacement. The old
// token must still be active and unexpired at the moment of rotation; if
// the conditional revoke matches nothing, no replacement is written.
func (s *Store) RotateToken(ctx context.Context, oldID string, replacement *model.Token, by string, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := millis(at)
	result, err := tx.ExecContext(ctx,
		s.q(`UPDATE tokens SET is_active = 0, revoked_at = ?, revoked_by = ?, revoked_reason = 'rotated'
			WHERE id = ? AND is_active = 1 AND (expires_at IS NULL OR expires_at > ?)`),
		now, by, oldID, now)
	if err != nil {
		return fmt.Errorf("revoke rotated token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		var row tokenRow
		err := tx.GetContext(ctx, &row, s.q("SELECT "+tokenColumns+" FROM tokens WHERE id = ?"), oldID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("get rotated token: %w", err)
		case row.IsActive == 0:
			return ErrInactive
		default:
			return ErrExpired
		}
	}

	replacement.RotatedFrom = oldID
	if err := s.insertToken(ctx, tx, replacement); err != nil {
		return err
	}
	return tx.Commit()
}

// DeactivateExpired marks every active token whose expiry has passed as
// inactive and returns how many were changed.
func (s *Store) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	at := millis(now)
	result, err := s.db.ExecContext(ctx,
		s.q(`UPDATE tokens SET is_active = 0, revoked_at = ?, revoked_by = 'system', revoked_reason = 'expired'
			WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at <= ?`),
		at, at)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// CountTokens returns the number of active and total tokens.
func (s *Store) CountTokens(ctx context.Context) (active, total int64, err error) {
	var counts struct {
		Active sql.NullInt64 `db:"active"`
		Total  int64         `db:"total"`
	}
	err = s.db.GetContext(ctx, &counts,
		"SELECT COALESCE(SUM(is_active), 0) AS active, COUNT(*) AS total FROM tokens")
	if err != nil {
		return 0, 0, fmt.Errorf("count tokens: %w", err)
	}
	return counts.Active.Int64, counts.Total, nil
}

// existsOr returns ErrNotFound when id does not exist and fallback
// otherwise.
func (s *Store) existsOr(ctx context.Context, id string, fallback error) error {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q("SELECT COUNT(*) FROM tokens WHERE id = ?"), id); err != nil {
		return fmt.Errorf("check token exists: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return fallback
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalList(raw string, out *[]string) error {
	if raw == "" || raw == "[]" {
		*out = []string{}
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
