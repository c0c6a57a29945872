package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enactai/enact/internal/model"
)

func TestCreate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tok, secret, err := e.lifecycle.Create(ctx, CreateParams{
		Name:         "  research bot ",
		Tier:         model.TierReadOnly,
		AllowedTools: []string{"get_bill", " search_bills", "get_bill", ""},
		IPWhitelist:  []string{"10.1.2.3/8", "::ffff:192.168.0.1"},
		ExpiresIn:    24 * time.Hour,
	})
	require.NoError(t, err)

	assert.Regexp(t, `^tok_[0-9a-f-]{36}$`, tok.ID)
	assert.True(t, e.codec.WellFormed(secret))
	assert.True(t, e.codec.Verify(secret, tok.SecretDigest))
	assert.Equal(t, e.codec.Hint(secret), tok.SecretHint)
	assert.Equal(t, "research bot", tok.Name)
	assert.Equal(t, []string{"get_bill", "search_bills"}, tok.AllowedTools)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.1"}, tok.IPWhitelist)
	assert.Equal(t, 100, tok.RateLimit, "zero rate limit takes the default")
	require.NotNil(t, tok.ExpiresAt)
	assert.Equal(t, 24*time.Hour, tok.Lifetime())

	stored, err := e.lifecycle.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.SecretDigest, stored.SecretDigest)
	assert.NotContains(t, stored.SecretDigest, secret)
}

func TestCreateSecretsAreUnique(t *testing.T) {
	e := newEnv(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		_, secret := e.create(t, CreateParams{})
		assert.False(t, seen[secret])
		seen[secret] = true
	}
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params CreateParams
		want   string
	}{
		{"missing name", CreateParams{Tier: model.TierAdmin}, "name is required"},
		{"bad tier", CreateParams{Name: "x", Tier: "root"}, `unknown tier "root"`},
		{"negative rate", CreateParams{Name: "x", Tier: model.TierAdmin, RateLimit: -1}, "rate_limit"},
		{"bad ip", CreateParams{Name: "x", Tier: model.TierAdmin, IPWhitelist: []string{"10.0.0.300"}}, "invalid IP address"},
		{"bad cidr", CreateParams{Name: "x", Tier: model.TierAdmin, IPWhitelist: []string{"10.0.0.0/40"}}, "invalid CIDR"},
		{"unknown tool", CreateParams{Name: "x", Tier: model.TierAdmin, AllowedTools: []string{"drop_tables"}}, "unknown tools: drop_tables"},
		{"negative expiry", CreateParams{Name: "x", Tier: model.TierAdmin, ExpiresIn: -time.Hour}, "expires_in"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := e.lifecycle.Create(ctx, tt.params)
			require.ErrorIs(t, err, ErrInvalidParams)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	all, err := e.lifecycle.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRevokeIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tok, _ := e.create(t, CreateParams{})

	changed, err := e.lifecycle.Revoke(ctx, tok.ID, "ops", "rotated out")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = e.lifecycle.Revoke(ctx, tok.ID, "ops", "again")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := e.lifecycle.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, "ops", got.RevokedBy)
	assert.Equal(t, "rotated out", got.RevokedReason)

	_, err = e.lifecycle.Revoke(ctx, "tok_missing", "ops", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotateCopiesRestrictions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	old, _ := e.create(t, CreateParams{
		Name:         "ci",
		Description:  "pipeline",
		Tier:         model.TierReadOnly,
		AllowedTools: []string{"get_bill"},
		IPWhitelist:  []string{"10.0.0.0/8"},
		RateLimit:    7,
		ExpiresIn:    48 * time.Hour,
	})

	e.clock.Advance(12 * time.Hour)
	repl, secret, err := e.lifecycle.Rotate(ctx, old.ID, "ops")
	require.NoError(t, err)

	assert.NotEqual(t, old.ID, repl.ID)
	assert.Equal(t, old.ID, repl.RotatedFrom)
	assert.True(t, e.codec.Verify(secret, repl.SecretDigest))
	assert.Equal(t, old.Name, repl.Name)
	assert.Equal(t, old.Description, repl.Description)
	assert.Equal(t, old.Tier, repl.Tier)
	assert.Equal(t, old.AllowedTools, repl.AllowedTools)
	assert.Equal(t, old.IPWhitelist, repl.IPWhitelist)
	assert.Equal(t, old.RateLimit, repl.RateLimit)
	require.NotNil(t, repl.ExpiresAt)
	assert.True(t, repl.ExpiresAt.Equal(e.clock.Now().Add(48*time.Hour)))

	prev, err := e.lifecycle.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, prev.IsActive)
	assert.Equal(t, "rotated", prev.RevokedReason)
}

func TestRotateRefusesInvalidTokens(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	revoked, _ := e.create(t, CreateParams{})
	_, err := e.lifecycle.Revoke(ctx, revoked.ID, "ops", "")
	require.NoError(t, err)
	_, _, err = e.lifecycle.Rotate(ctx, revoked.ID, "ops")
	assert.ErrorIs(t, err, ErrInactive)

	past := e.clock.Now().Add(-time.Second)
	expired, _ := e.create(t, CreateParams{ExpiresAt: &past})
	_, _, err = e.lifecycle.Rotate(ctx, expired.ID, "ops")
	assert.ErrorIs(t, err, ErrExpired)

	_, _, err = e.lifecycle.Rotate(ctx, "tok_missing", "ops")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotateConcurrentYieldsOneReplacement(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	old, _ := e.create(t, CreateParams{})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := e.lifecycle.Rotate(ctx, old.ID, "ops"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)

	active, err := e.lifecycle.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestUpdate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tok, secret := e.create(t, CreateParams{ExpiresIn: time.Hour})

	tier := model.TierReadOnly
	limit := 3
	tools := []string{"get_member"}
	updated, err := e.lifecycle.Update(ctx, tok.ID, UpdateParams{
		Tier:         &tier,
		RateLimit:    &limit,
		AllowedTools: &tools,
		ClearExpiry:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TierReadOnly, updated.Tier)
	assert.Equal(t, 3, updated.RateLimit)
	assert.Nil(t, updated.ExpiresAt)

	// The secret is unchanged and the new restrictions apply.
	assert.Equal(t, model.ReasonToolNotAllowed, e.authorize(t, secret, "get_bill").Reason)
	assert.True(t, e.authorize(t, secret, "get_member").Allow)

	bad := 0
	_, err = e.lifecycle.Update(ctx, tok.ID, UpdateParams{RateLimit: &bad})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = e.lifecycle.Revoke(ctx, tok.ID, "ops", "")
	require.NoError(t, err)
	_, err = e.lifecycle.Update(ctx, tok.ID, UpdateParams{RateLimit: &limit})
	assert.ErrorIs(t, err, ErrInactive)
}

func TestSweepExpired(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	short, _ := e.create(t, CreateParams{ExpiresIn: time.Minute})
	long, _ := e.create(t, CreateParams{ExpiresIn: time.Hour})
	forever, _ := e.create(t, CreateParams{})

	e.clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	counts := make([]int64, 4)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := e.lifecycle.SweepExpired(ctx)
			assert.NoError(t, err)
			counts[i] = n
		}(i)
	}
	wg.Wait()

	var total int64
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, int64(1), total, "exactly one sweep deactivates the token")

	got, err := e.lifecycle.Get(ctx, short.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, "expired", got.RevokedReason)

	for _, id := range []string{long.ID, forever.ID} {
		got, err := e.lifecycle.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
	}
}

func TestStatsUnknownToken(t *testing.T) {
	e := newEnv(t)
	_, err := e.lifecycle.Stats(context.Background(), "tok_missing", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}
