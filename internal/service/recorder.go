package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/enactai/enact/internal/model"
	"github.com/enactai/enact/internal/telemetry"
)

// UsageStore is the persistence the Recorder needs.
type UsageStore interface {
	InsertUsage(ctx context.Context, rec *model.UsageRecord) error
	ListUsage(ctx context.Context, tokenID string, limit int) ([]model.UsageRecord, error)
	UsageStats(ctx context.Context, tokenID string, since time.Time) (*model.UsageStats, error)
	UsageSummary(ctx context.Context, since time.Time) ([]model.UsageSummary, error)
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// Recorder appends usage records and answers analytics queries over them.
type Recorder struct {
	store   UsageStore
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder creates a Recorder. metrics may be nil.
func NewRecorder(store UsageStore, metrics *telemetry.Metrics, logger *slog.Logger, now func() time.Time) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, metrics: metrics, logger: logger, now: now}
}

// Record appends rec, filling in its id and timestamp when unset. Failures
// are logged and returned; they never affect the authorization outcome.
func (r *Recorder) Record(ctx context.Context, rec model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	}
	if err := r.store.InsertUsage(ctx, &rec); err != nil {
		r.metrics.UsageWriteFailed()
		r.logger.Error("failed to record usage",
			"token_id", rec.TokenID,
			"tool", rec.ToolName,
			"reason", rec.Reason,
			"error", err,
		)
		return err
	}
	return nil
}

// Stats summarizes a token's usage over the trailing window.
func (r *Recorder) Stats(ctx context.Context, tokenID string, window time.Duration) (*model.UsageStats, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrInvalidParams)
	}
	return r.store.UsageStats(ctx, tokenID, r.now().Add(-window))
}

// Summary reports per-token totals over the trailing window.
func (r *Recorder) Summary(ctx context.Context, window time.Duration) ([]model.UsageSummary, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrInvalidParams)
	}
	return r.store.UsageSummary(ctx, r.now().Add(-window))
}

// Recent returns a token's latest usage records.
func (r *Recorder) Recent(ctx context.Context, tokenID string, limit int) ([]model.UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.ListUsage(ctx, tokenID, limit)
}

// Prune deletes records older than retention.
func (r *Recorder) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", ErrInvalidParams)
	}
	n, err := r.store.PruneUsage(ctx, r.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	r.metrics.UsagePruned(n)
	return n, nil
}
