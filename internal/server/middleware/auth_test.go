package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enactai/enact/internal/credential"
	"github.com/enactai/enact/internal/model"
	"github.com/enactai/enact/internal/ratelimit"
	"github.com/enactai/enact/internal/service"
	"github.com/enactai/enact/internal/store"
)

type authEnv struct {
	auth      *service.Authorizer
	lifecycle *service.Lifecycle
	recorder  *service.Recorder
}

func newAuthEnv(t *testing.T) *authEnv {
	t.Helper()
	s, err := store.NewMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	codec, err := credential.New([]byte("middleware-test-secret-key"))
	require.NoError(t, err)

	recorder := service.NewRecorder(s, nil, nil, nil)
	return &authEnv{
		auth: service.NewAuthorizer(service.AuthorizerConfig{
			Codec:    codec,
			Tokens:   s,
			Limiter:  ratelimit.NewWindow(time.Hour),
			Policy:   service.DefaultPolicy(),
			Recorder: recorder,
			Window:   time.Hour,
		}),
		lifecycle: service.NewLifecycle(service.LifecycleConfig{
			Codec:    codec,
			Store:    s,
			Recorder: recorder,
			Policy:   service.DefaultPolicy(),
		}),
		recorder: recorder,
	}
}

func (e *authEnv) token(t *testing.T, tier model.Tier) (*model.Token, string) {
	t.Helper()
	tok, secret, err := e.lifecycle.Create(context.Background(), service.CreateParams{Name: "mw", Tier: tier})
	require.NoError(t, err)
	return tok, secret
}

func TestAuthenticateAdminToken(t *testing.T) {
	env := newAuthEnv(t)
	tok, secret := env.token(t, model.TierAdmin)

	var seen *Principal
	handler := Authenticate(env.auth, service.AdminTool, nil)(RequireAdmin()(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetPrincipal(r.Context())
			w.WriteHeader(http.StatusOK)
		})))

	req := httptest.NewRequest("GET", "/api/v1/system/token", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, seen)
	assert.Equal(t, tok.ID, seen.TokenID)

	recent, err := env.recorder.Recent(context.Background(), tok.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, service.AdminTool, recent[0].ToolName)
	assert.True(t, recent[0].Success)
}

func TestAuthenticateRecordsServerErrors(t *testing.T) {
	env := newAuthEnv(t)
	tok, secret := env.token(t, model.TierAdmin)

	handler := Authenticate(env.auth, service.AdminTool, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))

	req := httptest.NewRequest("POST", "/api/v1/system/sweep", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	recent, err := env.recorder.Recent(context.Background(), tok.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Success)
	assert.Contains(t, recent[0].ErrorMessage, "/api/v1/system/sweep")
}

func TestAuthenticateDenials(t *testing.T) {
	env := newAuthEnv(t)
	_, standard := env.token(t, model.TierStandard)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called")
	})
	handler := Authenticate(env.auth, service.AdminTool, nil)(inner)

	tests := []struct {
		name   string
		header string
		status int
		reason string
	}{
		{"no header", "", http.StatusUnauthorized, "invalid_token"},
		{"wrong scheme", "Basic " + standard, http.StatusUnauthorized, "invalid_token"},
		{"unknown token", "Bearer enact_nope", http.StatusUnauthorized, "invalid_token"},
		{"not admin", "Bearer " + standard, http.StatusForbidden, "insufficient_permission"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/system/token", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.status, rr.Code)
			assert.Contains(t, rr.Body.String(), `"reason":"`+tt.reason+`"`)
			if tt.status == http.StatusUnauthorized {
				assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestDecisionStatus(t *testing.T) {
	tests := map[model.Reason]int{
		model.ReasonAllowed:                http.StatusOK,
		model.ReasonInvalidToken:           http.StatusUnauthorized,
		model.ReasonRevoked:                http.StatusUnauthorized,
		model.ReasonExpired:                http.StatusUnauthorized,
		model.ReasonIPNotAllowed:           http.StatusForbidden,
		model.ReasonToolNotAllowed:         http.StatusForbidden,
		model.ReasonInsufficientPermission: http.StatusForbidden,
		model.ReasonRateLimited:            http.StatusTooManyRequests,
		model.ReasonStoreUnavailable:       http.StatusServiceUnavailable,
	}
	for reason, want := range tests {
		assert.Equal(t, want, DecisionStatus(service.Decision{Reason: reason}), reason)
	}
}

func TestSetRetryAfter(t *testing.T) {
	rr := httptest.NewRecorder()
	SetRetryAfter(rr, service.Decision{Reason: model.ReasonRateLimited, RetryAfter: 1500 * time.Millisecond})
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))

	rr = httptest.NewRecorder()
	SetRetryAfter(rr, service.Decision{Reason: model.ReasonRateLimited})
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	rr = httptest.NewRecorder()
	SetRetryAfter(rr, service.Decision{Reason: model.ReasonRevoked})
	assert.Empty(t, rr.Header().Get("Retry-After"))
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"":               "",
		"Bearer abc":     "abc",
		"bearer  abc ":   "abc",
		"Basic abc":      "",
		"Bearerabc":      "",
		"Bearer abc def": "abc def",
	}
	for header, want := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		assert.Equal(t, want, bearerToken(req), header)
	}
}

func TestLoggerSeesPrincipal(t *testing.T) {
	env := newAuthEnv(t)
	_, secret := env.token(t, model.TierAdmin)

	var slot **Principal
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot, _ = r.Context().Value(principalSlotKey).(**Principal)
	})
	chain := Logger(slog.New(slog.DiscardHandler))(Authenticate(env.auth, service.AdminTool, nil)(handler))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	chain.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, slot)
	require.NotNil(t, *slot)
	assert.NotEmpty(t, (*slot).TokenID)
}
