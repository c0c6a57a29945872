package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-secure-stdlib/strutil"

	"github.com/enactai/enact/internal/credential"
	"github.com/enactai/enact/internal/model"
	"github.com/enactai/enact/internal/store"
	"github.com/enactai/enact/internal/telemetry"
)

const issueAttempts = 3

// LifecycleStore is the token persistence administrative operations need.
type LifecycleStore interface {
	InsertToken(ctx context.Context, t *model.Token) error
	GetToken(ctx context.Context, id string) (*model.Token, error)
	ListTokens(ctx context.Context, includeInactive bool) ([]*model.Token, error)
	UpdateToken(ctx context.Context, t *model.Token) error
	RevokeToken(ctx context.Context, id, by, reason string, at time.Time) (bool, error)
	RotateToken(ctx context.Context, oldID string, replacement *model.Token, by string, at time.Time) error
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// LifecycleConfig wires a Lifecycle. Policy, when set, rejects tool
// restrictions naming unknown tools.
type LifecycleConfig struct {
	Codec            *credential.Codec
	Store            LifecycleStore
	Recorder         *Recorder
	Policy           *Policy
	DefaultRateLimit int
	Alerts           AlertThresholds
	Metrics          *telemetry.Metrics
	Logger           *slog.Logger
	Now              func() time.Time
}

// Lifecycle implements the administrative token operations.
type Lifecycle struct {
	codec            *credential.Codec
	store            LifecycleStore
	recorder         *Recorder
	policy           *Policy
	defaultRateLimit int
	alerts           AlertThresholds
	metrics          *telemetry.Metrics
	logger           *slog.Logger
	now              func() time.Time
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	l := &Lifecycle{
		codec:            cfg.Codec,
		store:            cfg.Store,
		recorder:         cfg.Recorder,
		policy:           cfg.Policy,
		defaultRateLimit: cfg.DefaultRateLimit,
		alerts:           cfg.Alerts,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		now:              cfg.Now,
	}
	if l.defaultRateLimit <= 0 {
		l.defaultRateLimit = 1000
	}
	if l.alerts.Window <= 0 {
		l.alerts.Window = DefaultAlertThresholds().Window
	}
	if l.logger == nil {
		l.logger = slog.New(slog.DiscardHandler)
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// CreateParams describes a token to issue. ExpiresIn is relative to the
// time of creation and is ignored when ExpiresAt is set. A zero RateLimit
// takes the configured default.
type CreateParams struct {
	Name         string
	Description  string
	Tier         model.Tier
	AllowedTools []string
	IPWhitelist  []string
	RateLimit    int
	ExpiresAt    *time.Time
	ExpiresIn    time.Duration
}

// Create issues a new token. The returned secret is the only copy that
// will ever exist; it cannot be recovered later.
func (l *Lifecycle) Create(ctx context.Context, p CreateParams) (*model.Token, string, error) {
	now := l.now().UTC()

	var errs *multierror.Error
	name := strings.TrimSpace(p.Name)
	if name == "" {
		errs = multierror.Append(errs, errors.New("name is required"))
	}
	if !p.Tier.Valid() {
		errs = multierror.Append(errs, fmt.Errorf("unknown tier %q", p.Tier))
	}
	rateLimit, err := l.rateLimit(p.RateLimit)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	tools, err := l.tools(p.AllowedTools)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	ips, err := normalizeWhitelist(p.IPWhitelist)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if p.ExpiresIn < 0 {
		errs = multierror.Append(errs, errors.New("expires_in must not be negative"))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	var expiresAt *time.Time
	switch {
	case p.ExpiresAt != nil:
		t := p.ExpiresAt.UTC()
		expiresAt = &t
	case p.ExpiresIn > 0:
		t := now.Add(p.ExpiresIn)
		expiresAt = &t
	}

	tok := &model.Token{
		Name:         name,
		Description:  strings.TrimSpace(p.Description),
		Tier:         p.Tier,
		AllowedTools: tools,
		IPWhitelist:  ips,
		RateLimit:    rateLimit,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		IsActive:     true,
	}

	secret, err := l.issue(tok, func() error { return l.store.InsertToken(ctx, tok) })
	if err != nil {
		return nil, "", err
	}

	l.logger.Info("token created", "token_id", tok.ID, "name", tok.Name, "tier", tok.Tier)
	return tok, secret, nil
}

// Get returns a token by id.
func (l *Lifecycle) Get(ctx context.Context, id string) (*model.Token, error) {
	return l.store.GetToken(ctx, id)
}

// List returns tokens, newest first.
func (l *Lifecycle) List(ctx context.Context, includeInactive bool) ([]*model.Token, error) {
	return l.store.ListTokens(ctx, includeInactive)
}

// Revoke deactivates a token. It reports whether the token was active
// before the call; revoking an inactive token is not an error.
func (l *Lifecycle) Revoke(ctx context.Context, id, by, reason string) (bool, error) {
	if by == "" {
		by = "admin"
	}
	changed, err := l.store.RevokeToken(ctx, id, by, reason, l.now().UTC())
	if err != nil {
		return false, err
	}
	if changed {
		l.logger.Info("token revoked", "token_id", id, "by", by, "reason", reason)
	}
	return changed, nil
}

// Rotate replaces a token with a fresh secret carrying the same
// restrictions. The old token stops working in the same transaction that
// makes the new one valid. An expiring token's lifetime length is carried
// over, measured from the rotation.
func (l *Lifecycle) Rotate(ctx context.Context, id, by string) (*model.Token, string, error) {
	if by == "" {
		by = "admin"
	}
	old, err := l.store.GetToken(ctx, id)
	if err != nil {
		return nil, "", err
	}

	now := l.now().UTC()
	if !old.IsActive {
		return nil, "", ErrInactive
	}
	if old.Expired(now) {
		return nil, "", ErrExpired
	}

	repl := &model.Token{
		Name:         old.Name,
		Description:  old.Description,
		Tier:         old.Tier,
		AllowedTools: old.AllowedTools,
		IPWhitelist:  old.IPWhitelist,
		RateLimit:    old.RateLimit,
		CreatedAt:    now,
		IsActive:     true,
	}
	if lifetime := old.Lifetime(); lifetime > 0 {
		t := now.Add(lifetime)
		repl.ExpiresAt = &t
	}

	secret, err := l.issue(repl, func() error { return l.store.RotateToken(ctx, id, repl, by, now) })
	switch {
	case errors.Is(err, store.ErrExpired):
		return nil, "", ErrExpired
	case err != nil:
		return nil, "", err
	}

	l.logger.Info("token rotated", "old_token_id", id, "token_id", repl.ID, "by", by)
	return repl, secret, nil
}

// UpdateParams changes a token's restrictions without re-issuing its
// secret. Nil fields are left as they are.
type UpdateParams struct {
	Name         *string
	Description  *string
	Tier         *model.Tier
	AllowedTools *[]string
	IPWhitelist  *[]string
	RateLimit    *int
	ExpiresAt    *time.Time
	ClearExpiry  bool
}

// Update applies p to an active token.
func (l *Lifecycle) Update(ctx context.Context, id string, p UpdateParams) (*model.Token, error) {
	tok, err := l.store.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tok.IsActive {
		return nil, ErrInactive
	}

	var errs *multierror.Error
	if p.Name != nil {
		if name := strings.TrimSpace(*p.Name); name == "" {
			errs = multierror.Append(errs, errors.New("name must not be empty"))
		} else {
			tok.Name = name
		}
	}
	if p.Description != nil {
		tok.Description = strings.TrimSpace(*p.Description)
	}
	if p.Tier != nil {
		if !p.Tier.Valid() {
			errs = multierror.Append(errs, fmt.Errorf("unknown tier %q", *p.Tier))
		} else {
			tok.Tier = *p.Tier
		}
	}
	if p.AllowedTools != nil {
		tools, err := l.tools(*p.AllowedTools)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		tok.AllowedTools = tools
	}
	if p.IPWhitelist != nil {
		ips, err := normalizeWhitelist(*p.IPWhitelist)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		tok.IPWhitelist = ips
	}
	if p.RateLimit != nil {
		if *p.RateLimit <= 0 {
			errs = multierror.Append(errs, errors.New("rate_limit must be positive"))
		} else {
			tok.RateLimit = *p.RateLimit
		}
	}
	if p.ClearExpiry && p.ExpiresAt != nil {
		errs = multierror.Append(errs, errors.New("expires_at and clear_expiry are mutually exclusive"))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	switch {
	case p.ClearExpiry:
		tok.ExpiresAt = nil
	case p.ExpiresAt != nil:
		t := p.ExpiresAt.UTC()
		tok.ExpiresAt = &t
	}

	if err := l.store.UpdateToken(ctx, tok); err != nil {
		return nil, err
	}
	l.logger.Info("token updated", "token_id", tok.ID)
	return tok, nil
}

// SweepExpired deactivates every active token past its expiry. It is safe
// to run concurrently with itself and with authorization traffic.
func (l *Lifecycle) SweepExpired(ctx context.Context) (int64, error) {
	n, err := l.store.DeactivateExpired(ctx, l.now().UTC())
	if err != nil {
		return 0, err
	}
	l.metrics.TokensSwept(n)
	if n > 0 {
		l.logger.Info("expired tokens deactivated", "count", n)
	}
	return n, nil
}

// Stats summarizes a token's usage over the trailing window.
func (l *Lifecycle) Stats(ctx context.Context, id string, window time.Duration) (*model.UsageStats, error) {
	if _, err := l.store.GetToken(ctx, id); err != nil {
		return nil, err
	}
	if l.recorder == nil {
		return nil, errors.New("usage recording is not configured")
	}
	return l.recorder.Stats(ctx, id, window)
}

// issue assigns tok a fresh id and secret and persists it via save,
// retrying on the unlikely collision of either.
func (l *Lifecycle) issue(tok *model.Token, save func() error) (string, error) {
	var lastErr error
	for range issueAttempts {
		secret, digest, err := l.codec.Issue()
		if err != nil {
			return "", err
		}
		tok.ID = "tok_" + uuid.NewString()
		tok.SecretDigest = digest
		tok.SecretHint = l.codec.Hint(secret)

		lastErr = save()
		if lastErr == nil {
			return secret, nil
		}
		if !errors.Is(lastErr, store.ErrDuplicate) {
			return "", lastErr
		}
	}
	return "", fmt.Errorf("issue token: %w", lastErr)
}

func (l *Lifecycle) rateLimit(n int) (int, error) {
	switch {
	case n < 0:
		return 0, errors.New("rate_limit must not be negative")
	case n == 0:
		return l.defaultRateLimit, nil
	default:
		return n, nil
	}
}

func (l *Lifecycle) tools(tools []string) ([]string, error) {
	tools = strutil.RemoveDuplicates(tools, false)
	if l.policy == nil {
		return tools, nil
	}
	var unknown []string
	for _, tool := range tools {
		if !l.policy.Known(tool) {
			unknown = append(unknown, tool)
		}
	}
	if len(unknown) > 0 {
		return tools, fmt.Errorf("unknown tools: %s", strings.Join(unknown, ", "))
	}
	return tools, nil
}

func normalizeWhitelist(entries []string) ([]string, error) {
	var errs *multierror.Error
	var out []string
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		norm, err := normalizeIPEntry(entry)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		out = append(out, norm)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return strutil.RemoveDuplicates(out, false), nil
}
