package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/enactai/enact/internal/model"
)

type usageRow struct {
	ID             string         `db:"id"`
	TokenID        sql.NullString `db:"token_id"`
	CreatedAt      int64          `db:"created_at"`
	ToolName       string         `db:"tool_name"`
	Success        int            `db:"success"`
	Reason         string         `db:"reason"`
	ErrorMessage   sql.NullString `db:"error_message"`
	CallerAddress  string         `db:"caller_address"`
	ResponseTimeMs int64          `db:"response_time_ms"`
}

func (r usageRow) toModel() model.UsageRecord {
	return model.UsageRecord{
		ID:             r.ID,
		TokenID:        r.TokenID.String,
		Timestamp:      fromMillis(r.CreatedAt),
		ToolName:       r.ToolName,
		Success:        r.Success != 0,
		Reason:         r.Reason,
		ErrorMessage:   r.ErrorMessage.String,
		CallerAddress:  r.CallerAddress,
		ResponseTimeMs: r.ResponseTimeMs,
	}
}

// InsertUsage appends a usage record.
func (s *Store) InsertUsage(ctx context.Context, rec *model.UsageRecord) error {
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO usage_records
			(id, token_id, created_at, tool_name, success, reason, error_message, caller_address, response_time_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, nullString(rec.TokenID), millis(rec.Timestamp), rec.ToolName, success,
		rec.Reason, nullString(rec.ErrorMessage), rec.CallerAddress, rec.ResponseTimeMs)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// ListUsage returns a token's most recent usage records, newest first.
func (s *Store) ListUsage(ctx context.Context, tokenID string, limit int) ([]model.UsageRecord, error) {
	var rows []usageRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT id, token_id, created_at, tool_name, success, reason, error_message,
			caller_address, response_time_ms
			FROM usage_records WHERE token_id = ? ORDER BY created_at DESC, id LIMIT ?`),
		tokenID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	records := make([]model.UsageRecord, len(rows))
	for i, r := range rows {
		records[i] = r.toModel()
	}
	return records, nil
}

// UsageStats aggregates a token's usage since the given time. Executed
// calls carry reason "allowed"; everything else is a denial.
func (s *Store) UsageStats(ctx context.Context, tokenID string, since time.Time) (*model.UsageStats, error) {
	var agg struct {
		Total      int64           `db:"total"`
		Successful sql.NullInt64   `db:"successful"`
		Failed     sql.NullInt64   `db:"failed"`
		Denied     sql.NullInt64   `db:"denied"`
		AvgMs      sql.NullFloat64 `db:"avg_ms"`
		Callers    int64           `db:"callers"`
	}
	allowed := string(model.ReasonAllowed)
	err := s.db.GetContext(ctx, &agg,
		s.q(`SELECT
			COUNT(*) AS total,
			SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) AS successful,
			SUM(CASE WHEN success = 0 AND reason = ? THEN 1 ELSE 0 END) AS failed,
			SUM(CASE WHEN reason <> ? THEN 1 ELSE 0 END) AS denied,
			AVG(CASE WHEN reason = ? THEN response_time_ms END) AS avg_ms,
			COUNT(DISTINCT NULLIF(caller_address, '')) AS callers
			FROM usage_records WHERE token_id = ? AND created_at >= ?`),
		allowed, allowed, allowed, tokenID, millis(since))
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}

	stats := &model.UsageStats{
		TokenID:           tokenID,
		Since:             since.UTC(),
		TotalRequests:     agg.Total,
		Successful:        agg.Successful.Int64,
		Failed:            agg.Failed.Int64,
		Denied:            agg.Denied.Int64,
		AvgResponseTimeMs: agg.AvgMs.Float64,
		UniqueCallers:     agg.Callers,
		Tools:             []model.ToolCount{},
		DenialReasons:     map[string]int64{},
	}
	if executed := stats.Successful + stats.Failed; executed > 0 {
		stats.ErrorRate = float64(stats.Failed) / float64(executed)
	}

	var tools []struct {
		Tool  string `db:"tool_name"`
		Count int64  `db:"n"`
	}
	err = s.db.SelectContext(ctx, &tools,
		s.q(`SELECT tool_name, COUNT(*) AS n FROM usage_records
			WHERE token_id = ? AND created_at >= ?
			GROUP BY tool_name ORDER BY n DESC, tool_name`),
		tokenID, millis(since))
	if err != nil {
		return nil, fmt.Errorf("aggregate usage by tool: %w", err)
	}
	for _, t := range tools {
		stats.Tools = append(stats.Tools, model.ToolCount{Tool: t.Tool, Count: t.Count})
	}

	var reasons []struct {
		Reason string `db:"reason"`
		Count  int64  `db:"n"`
	}
	err = s.db.SelectContext(ctx, &reasons,
		s.q(`SELECT reason, COUNT(*) AS n FROM usage_records
			WHERE token_id = ? AND created_at >= ? AND reason <> ?
			GROUP BY reason`),
		tokenID, millis(since), allowed)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage by reason: %w", err)
	}
	for _, r := range reasons {
		stats.DenialReasons[r.Reason] = r.Count
	}
	return stats, nil
}

// UsageSummary returns per-token request counts since the given time,
// busiest first. Attempts without a resolved token are reported under an
// empty token id.
func (s *Store) UsageSummary(ctx context.Context, since time.Time) ([]model.UsageSummary, error) {
	var rows []struct {
		TokenID sql.NullString `db:"token_id"`
		Total   int64          `db:"total"`
		Failed  sql.NullInt64  `db:"failed"`
		Denied  sql.NullInt64  `db:"denied"`
	}
	allowed := string(model.ReasonAllowed)
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT token_id,
			COUNT(*) AS total,
			SUM(CASE WHEN success = 0 AND reason = ? THEN 1 ELSE 0 END) AS failed,
			SUM(CASE WHEN reason <> ? THEN 1 ELSE 0 END) AS denied
			FROM usage_records WHERE created_at >= ?
			GROUP BY token_id ORDER BY total DESC`),
		allowed, allowed, millis(since))
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}

	out := make([]model.UsageSummary, len(rows))
	for i, r := range rows {
		out[i] = model.UsageSummary{
			TokenID:       r.TokenID.String,
			TotalRequests: r.Total,
			Failed:        r.Failed.Int64,
			Denied:        r.Denied.Int64,
		}
	}
	return out, nil
}

// PruneUsage deletes usage records older than before and returns how many
// were removed.
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM usage_records WHERE created_at < ?"), millis(before))
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
