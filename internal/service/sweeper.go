package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
)

// sweepable is implemented by limiters that hold per-key state in memory.
type sweepable interface {
	Sweep() int
}

// SweepResult reports what one housekeeping pass did.
type SweepResult struct {
	TokensDeactivated int64 `json:"tokens_deactivated"`
	UsagePruned       int64 `json:"usage_pruned"`
	LimiterKeys       int   `json:"limiter_keys_evicted"`
}

// Sweeper runs periodic housekeeping: expiring tokens, pruning the usage
// log past its retention and evicting idle rate limiter state.
type Sweeper struct {
	lifecycle *Lifecycle
	recorder  *Recorder
	limiter   any
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewSweeper creates a Sweeper. A zero retention disables usage pruning.
// limiter may be any Limiter; only in-memory ones are swept.
func NewSweeper(lifecycle *Lifecycle, recorder *Recorder, limiter any, retention, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{
		lifecycle: lifecycle,
		recorder:  recorder,
		limiter:   limiter,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// RunOnce performs a single pass. Each step runs even if an earlier one
// failed; the failures are combined in the returned error.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var (
		res    SweepResult
		result *multierror.Error
	)

	if s.lifecycle != nil {
		n, err := s.lifecycle.SweepExpired(ctx)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("sweep expired tokens: %w", err))
		}
		res.TokensDeactivated = n
	}

	if s.recorder != nil && s.retention > 0 {
		n, err := s.recorder.Prune(ctx, s.retention)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("prune usage: %w", err))
		}
		res.UsagePruned = n
	}

	if sw, ok := s.limiter.(sweepable); ok {
		res.LimiterKeys = sw.Sweep()
	}

	return res, result.ErrorOrNil()
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.interval, "retention", s.retention)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		res, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		} else if res.TokensDeactivated > 0 || res.UsagePruned > 0 {
			s.logger.Debug("sweep complete",
				"tokens_deactivated", res.TokensDeactivated,
				"usage_pruned", res.UsagePruned,
				"limiter_keys_evicted", res.LimiterKeys,
			)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}
