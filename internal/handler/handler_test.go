package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/enactai/enact/internal/credential"
	"github.com/enactai/enact/internal/model"
	"github.com/enactai/enact/internal/ratelimit"
	"github.com/enactai/enact/internal/service"
	"github.com/enactai/enact/internal/store"
)

const testSecretKey = "test-secret-for-handler-tests"

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store     *store.Store
	lifecycle *service.Lifecycle
	recorder  *service.Recorder
	auth      *service.Authorizer
	router    chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory token store
// and a Chi router with routes mounted (no auth middleware).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.NewMemory(context.Background())
	if err != nil {
		t.Fatalf("store.NewMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	codec, err := credential.New([]byte(testSecretKey))
	if err != nil {
		t.Fatalf("credential.New: %v", err)
	}

	policy := service.DefaultPolicy()
	recorder := service.NewRecorder(s, nil, nil, nil)
	limiter := ratelimit.NewWindow(time.Hour)
	lifecycle := service.NewLifecycle(service.LifecycleConfig{
		Codec:    codec,
		Store:    s,
		Recorder: recorder,
		Policy:   policy,
	})
	auth := service.NewAuthorizer(service.AuthorizerConfig{
		Codec:    codec,
		Tokens:   s,
		Limiter:  limiter,
		Policy:   policy,
		Recorder: recorder,
		Window:   time.Hour,
	})
	sweeper := service.NewSweeper(lifecycle, recorder, limiter, 24*time.Hour, time.Hour, nil)

	sysHandler := NewSystemHandler(lifecycle, recorder, sweeper, policy, nil)
	authz := NewAuthzHandler(auth, lifecycle)

	// Mount routes without auth middleware for direct handler testing.
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/authorize", authz.Authorize)
		r.Post("/outcome", authz.Outcome)

		r.Route("/system", func(r chi.Router) {
			r.Get("/token", sysHandler.ListTokens)
			r.Post("/token", sysHandler.CreateToken)
			r.Get("/token/{tokenId}", sysHandler.GetToken)
			r.Patch("/token/{tokenId}", sysHandler.UpdateToken)
			r.Delete("/token/{tokenId}", sysHandler.RevokeToken)
			r.Post("/token/{tokenId}/rotate", sysHandler.RotateToken)
			r.Get("/token/{tokenId}/usage", sysHandler.TokenUsage)
			r.Get("/token/{tokenId}/usage/recent", sysHandler.RecentUsage)
			r.Get("/usage", sysHandler.UsageSummary)
			r.Get("/alerts", sysHandler.Alerts)
			r.Post("/sweep", sysHandler.Sweep)
			r.Get("/tool", sysHandler.ListTools)
		})
	})

	return &testEnv{
		store:     s,
		lifecycle: lifecycle,
		recorder:  recorder,
		auth:      auth,
		router:    r,
	}
}

// seedToken issues a token directly through the lifecycle service.
func (e *testEnv) seedToken(t *testing.T, p service.CreateParams) (*model.Token, string) {
	t.Helper()
	if p.Name == "" {
		p.Name = "seed"
	}
	if p.Tier == "" {
		p.Tier = model.TierStandard
	}
	tok, secret, err := e.lifecycle.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("seedToken: %v", err)
	}
	return tok, secret
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}
