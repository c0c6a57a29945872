package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/enactai/enact/internal/credential"
	"github.com/enactai/enact/internal/model"
	"github.com/enactai/enact/internal/ratelimit"
	"github.com/enactai/enact/internal/store"
	"github.com/enactai/enact/internal/telemetry"
)

// TokenStore is the token persistence the Authorizer needs. Counter
// updates must be atomic in the store.
type TokenStore interface {
	GetTokenByDigest(ctx context.Context, digest string) (*model.Token, error)
	TouchToken(ctx context.Context, id string, at time.Time) error
	IncrementErrors(ctx context.Context, id string) error
}

// AuthorizerConfig wires an Authorizer. Metrics, Logger and Now are
// optional.
type AuthorizerConfig struct {
	Codec    *credential.Codec
	Tokens   TokenStore
	Limiter  ratelimit.Limiter
	Policy   *Policy
	Recorder *Recorder
	Window   time.Duration
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Authorizer decides, per request, whether a presented token may call a
// tool. It keeps no per-caller state between requests; its only writes
// are the token's usage counters on an allowed decision and the usage log.
type Authorizer struct {
	codec    *credential.Codec
	tokens   TokenStore
	limiter  ratelimit.Limiter
	policy   *Policy
	recorder *Recorder
	window   time.Duration
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthorizer creates an Authorizer.
func NewAuthorizer(cfg AuthorizerConfig) *Authorizer {
	a := &Authorizer{
		codec:    cfg.Codec,
		tokens:   cfg.Tokens,
		limiter:  cfg.Limiter,
		policy:   cfg.Policy,
		recorder: cfg.Recorder,
		window:   cfg.Window,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if a.policy == nil {
		a.policy = NewPolicy(nil)
	}
	if a.window <= 0 {
		a.window = ratelimit.DefaultWindow
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Policy returns the tool tier table in force.
func (a *Authorizer) Policy() *Policy {
	return a.policy
}

// Authorize evaluates req. Checks run in a fixed order and the first
// failing check determines the reason. A non-nil error is returned only
// when no trustworthy decision could be made (store failure or
// cancellation); the decision is then always a denial.
//
// Denials are written to the usage log here. Allowed calls are logged by
// RecordOutcome once the tool has run, so each invocation produces exactly
// one usage record.
func (a *Authorizer) Authorize(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	dec, err := a.decide(ctx, req)
	a.metrics.ObserveDecision(string(dec.Reason), time.Since(start))

	if dec.Allow {
		return dec, nil
	}

	if isCancellation(err) {
		// Nothing was committed; don't log a request the caller abandoned.
		return dec, err
	}

	a.logger.Debug("tool call denied",
		"token_id", dec.TokenID,
		"tool", req.Tool,
		"reason", dec.Reason,
		"caller", req.CallerAddress,
	)
	if a.recorder != nil {
		_ = a.recorder.Record(ctx, model.UsageRecord{
			TokenID:       dec.TokenID,
			ToolName:      req.Tool,
			Success:       false,
			Reason:        string(dec.Reason),
			ErrorMessage:  dec.Message,
			CallerAddress: req.CallerAddress,
		})
	}
	return dec, err
}

func (a *Authorizer) decide(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return unavailable(), err
	}

	if req.Token == "" || a.codec == nil || !a.codec.WellFormed(req.Token) {
		return deny(model.ReasonInvalidToken, "Token is missing, malformed, or unknown."), nil
	}

	tok, err := a.tokens.GetTokenByDigest(ctx, a.codec.Digest(req.Token))
	if errors.Is(err, store.ErrNotFound) {
		return deny(model.ReasonInvalidToken, "Token is missing, malformed, or unknown."), nil
	}
	if err != nil {
		return a.storeFailure(ctx, "lookup token", err)
	}

	dec := Decision{TokenID: tok.ID, Tier: tok.Tier}
	reject := func(reason model.Reason, format string, args ...any) (Decision, error) {
		d := deny(reason, format, args...)
		d.TokenID, d.Tier = tok.ID, tok.Tier
		return d, nil
	}

	if !tok.IsActive {
		return reject(model.ReasonRevoked, "Token has been revoked.")
	}
	now := a.now()
	if tok.Expired(now) {
		return reject(model.ReasonExpired, "Token expired at %s.", tok.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if !ipAllowed(tok.IPWhitelist, req.CallerAddress) {
		return reject(model.ReasonIPNotAllowed, "Caller address %q is not permitted for this token.", req.CallerAddress)
	}
	if !tok.ToolAllowed(req.Tool) {
		return reject(model.ReasonToolNotAllowed, "Token is not permitted to call %q.", req.Tool)
	}
	if required := a.policy.Required(req.Tool); !tok.Tier.Satisfies(required) {
		return reject(model.ReasonInsufficientPermission,
			"Tool %q requires the %s tier; token has %s.", req.Tool, required, tok.Tier)
	}

	res, err := a.limiter.Acquire(ctx, tok.ID, tok.RateLimit)
	if err != nil {
		d, err := a.storeFailure(ctx, "acquire rate limit", err)
		d.TokenID, d.Tier = tok.ID, tok.Tier
		return d, err
	}
	if !res.Allowed {
		d, _ := reject(model.ReasonRateLimited, "Rate limit of %d requests per %s exceeded; retry in %s.",
			tok.RateLimit, formatWindow(a.window), res.RetryAfter.Round(time.Second))
		d.RetryAfter = res.RetryAfter
		return d, nil
	}

	// From here the decision is allow unless the counter update fails.
	// Either both the limiter slot and the counter are committed, or neither.
	if err := ctx.Err(); err != nil {
		a.release(ctx, tok.ID, res)
		return unavailable(), err
	}
	if err := a.tokens.TouchToken(ctx, tok.ID, now); err != nil {
		a.release(ctx, tok.ID, res)
		d, err := a.storeFailure(ctx, "update token counters", err)
		d.TokenID, d.Tier = tok.ID, tok.Tier
		return d, err
	}

	dec.Allow = true
	dec.Reason = model.ReasonAllowed
	dec.Remaining = res.Remaining
	return dec, nil
}

// RecordOutcome logs an executed tool call. Failed calls also bump the
// token's error counter.
func (a *Authorizer) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.ResponseTime < 0 {
		return fmt.Errorf("%w: response time %s is negative", ErrInvalidParams, o.ResponseTime)
	}
	a.metrics.ObserveToolCall(o.Tool, o.Success, o.ResponseTime)

	var result *multierror.Error
	if a.recorder != nil {
		if err := a.recorder.Record(ctx, model.UsageRecord{
			TokenID:        o.TokenID,
			ToolName:       o.Tool,
			Success:        o.Success,
			Reason:         string(model.ReasonAllowed),
			ErrorMessage:   o.ErrorMessage,
			CallerAddress:  o.CallerAddress,
			ResponseTimeMs: o.ResponseTime.Milliseconds(),
		}); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if !o.Success && o.TokenID != "" {
		if err := a.tokens.IncrementErrors(ctx, o.TokenID); err != nil {
			a.logger.Error("failed to increment token errors", "token_id", o.TokenID, "error", err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Outcome describes a tool call that was allowed and executed.
type Outcome struct {
	TokenID       string
	Tool          string
	CallerAddress string
	Success       bool
	ErrorMessage  string
	ResponseTime  time.Duration
}

func (a *Authorizer) storeFailure(ctx context.Context, op string, err error) (Decision, error) {
	if ctx.Err() != nil {
		return unavailable(), ctx.Err()
	}
	a.logger.Error("authorization failed closed", "op", op, "error", err)
	return unavailable(), fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// release hands a limiter slot back on a context that outlives the
// request's cancellation.
func (a *Authorizer) release(ctx context.Context, tokenID string, res ratelimit.Reservation) {
	if err := a.limiter.Cancel(context.WithoutCancel(ctx), tokenID, res); err != nil {
		a.logger.Warn("failed to release rate limit slot", "token_id", tokenID, "error", err)
	}
}

func unavailable() Decision {
	return deny(model.ReasonStoreUnavailable, "Authorization is temporarily unavailable; try again later.")
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
