package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/enactai/enact/internal/credential"
	"github.com/enactai/enact/internal/model"
	"github.com/enactai/enact/internal/ratelimit"
	"github.com/enactai/enact/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	clock     *testClock
	codec     *credential.Codec
	store     *store.Store
	limiter   *ratelimit.Window
	recorder  *Recorder
	lifecycle *Lifecycle
	auth      *Authorizer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithTokens(t, nil)
}

// newEnvWithTokens builds an environment whose Authorizer reads tokens
// through wrap(store) when wrap is non-nil.
func newEnvWithTokens(t *testing.T, wrap func(TokenStore) TokenStore) *env {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	codec, err := credential.New([]byte("test-secret-key-0123456789"))
	require.NoError(t, err)

	s, err := store.NewMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	limiter := ratelimit.NewWindow(time.Hour, ratelimit.WithClock(clock.Now))
	recorder := NewRecorder(s, nil, nil, clock.Now)

	var tokens TokenStore = s
	if wrap != nil {
		tokens = wrap(s)
	}

	return &env{
		clock:    clock,
		codec:    codec,
		store:    s,
		limiter:  limiter,
		recorder: recorder,
		lifecycle: NewLifecycle(LifecycleConfig{
			Codec:            codec,
			Store:            s,
			Recorder:         recorder,
			Policy:           DefaultPolicy(),
			DefaultRateLimit: 100,
			Now:              clock.Now,
		}),
		auth: NewAuthorizer(AuthorizerConfig{
			Codec:    codec,
			Tokens:   tokens,
			Limiter:  limiter,
			Policy:   DefaultPolicy(),
			Recorder: recorder,
			Window:   time.Hour,
			Now:      clock.Now,
		}),
	}
}

func (e *env) create(t *testing.T, p CreateParams) (*model.Token, string) {
	t.Helper()
	if p.Name == "" {
		p.Name = "test"
	}
	if p.Tier == "" {
		p.Tier = model.TierStandard
	}
	tok, secret, err := e.lifecycle.Create(context.Background(), p)
	require.NoError(t, err)
	return tok, secret
}

func (e *env) authorize(t *testing.T, secret, tool string) Decision {
	t.Helper()
	dec, err := e.auth.Authorize(context.Background(), Request{
		Token:         secret,
		Tool:          tool,
		CallerAddress: "10.0.0.1:51234",
	})
	require.NoError(t, err)
	return dec
}
