package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enactai/enact/internal/credential"
	"github.com/enactai/enact/internal/model"
	"github.com/enactai/enact/internal/ratelimit"
	"github.com/enactai/enact/internal/service"
	"github.com/enactai/enact/internal/store"
	"github.com/enactai/enact/internal/upstream"
)

type fakeData struct {
	billsErr error
	calls    int
}

func (f *fakeData) CurrentCongress(context.Context) (int, error) { return 118, nil }

func (f *fakeData) Bills(_ context.Context, congress, limit, offset int) (json.RawMessage, error) {
	f.calls++
	if f.billsErr != nil {
		return nil, f.billsErr
	}
	return json.RawMessage(`{"bills":[
		{"number":"1","title":"Lower Energy Costs Act"},
		{"number":"2","title":"Secure the Border Act"},
		{"number":"3","title":"Energy Permitting Reform"}
	]}`), nil
}

func (f *fakeData) Bill(_ context.Context, congress int, billType string, number int) (json.RawMessage, error) {
	f.calls++
	return json.RawMessage(`{"bill":{"congress":118,"type":"HR","number":"1"}}`), nil
}

func (f *fakeData) Member(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{"member":{"bioguideId":"P000197"}}`), nil
}

func (f *fakeData) Committee(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{"committee":{"systemCode":"hsag00"}}`), nil
}

func (f *fakeData) Amendments(context.Context, int, int, int) (json.RawMessage, error) {
	return json.RawMessage(`{"amendments":[],"pagination":{"count":0}}`), nil
}

func (f *fakeData) CongressInfo(context.Context, int) (json.RawMessage, error) {
	return json.RawMessage(`{"congress":{"name":"118th Congress","sessions":[{"number":1}]}}`), nil
}

func (f *fakeData) HouseVotes(context.Context, int, int, int) (json.RawMessage, error) {
	return json.RawMessage(`{"houseRollCallVotes":[{"rollCallNumber":1}]}`), nil
}

func (f *fakeData) GovInfoSearch(context.Context, string, int) (json.RawMessage, error) {
	return json.RawMessage(`{"count":1,"results":[{"title":"x"}]}`), nil
}

type testServer struct {
	srv       *MCPServer
	data      *fakeData
	store     *store.Store
	lifecycle *service.Lifecycle
	recorder  *service.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	codec, err := credential.New([]byte("test-secret-key-0123456789"))
	require.NoError(t, err)

	s, err := store.NewMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	recorder := service.NewRecorder(s, nil, nil, nil)
	policy := service.DefaultPolicy()
	lifecycle := service.NewLifecycle(service.LifecycleConfig{
		Codec:    codec,
		Store:    s,
		Recorder: recorder,
		Policy:   policy,
	})
	auth := service.NewAuthorizer(service.AuthorizerConfig{
		Codec:    codec,
		Tokens:   s,
		Limiter:  ratelimit.NewWindow(time.Hour),
		Policy:   policy,
		Recorder: recorder,
		Window:   time.Hour,
	})

	data := &fakeData{}
	return &testServer{
		srv: NewMCPServer(Config{
			Authorizer: auth,
			Lifecycle:  lifecycle,
			Data:       data,
		}),
		data:      data,
		store:     s,
		lifecycle: lifecycle,
		recorder:  recorder,
	}
}

func (ts *testServer) token(t *testing.T, p service.CreateParams) (*model.Token, string) {
	t.Helper()
	if p.Name == "" {
		p.Name = "test"
	}
	if p.Tier == "" {
		p.Tier = model.TierStandard
	}
	tok, secret, err := ts.lifecycle.Create(context.Background(), p)
	require.NoError(t, err)
	return tok, secret
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

// call runs a tool through its gate the way the MCP server would.
func (ts *testServer) call(t *testing.T, name string, fn toolFunc, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := withCallerAddress(context.Background(), "10.0.0.1")
	result, err := ts.srv.gate(name, fn)(ctx, callRequest(name, args))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func decodeResult(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(result)), &out))
	return out
}

func TestRegisteredToolsAreInPolicy(t *testing.T) {
	ts := newTestServer(t)
	policy := service.DefaultPolicy()

	tools := ts.srv.Tools()
	require.Len(t, tools, 12)
	for _, name := range tools {
		assert.True(t, policy.Known(name), "tool %q has no tier", name)
	}
	assert.Equal(t, model.TierReadOnly, policy.Required("get_bill"))
	assert.Equal(t, model.TierStandard, policy.Required("search_govinfo"))
	assert.Equal(t, model.TierAdmin, policy.Required("token_usage"))
}

func TestGateDeniesMissingToken(t *testing.T) {
	ts := newTestServer(t)

	result := ts.call(t, "get_bill", ts.srv.handleGetBill, map[string]any{
		"congress": float64(118), "bill_type": "hr", "bill_number": float64(1),
	})

	assert.True(t, result.IsError)
	body := decodeResult(t, result)
	assert.Equal(t, "access denied", body["error"])
	assert.Equal(t, "invalid_token", body["reason"])
	assert.NotEmpty(t, body["hint"])
	assert.Zero(t, ts.data.calls, "denied call must not reach the data source")
}

func TestGateDeniesInsufficientTier(t *testing.T) {
	ts := newTestServer(t)
	_, secret := ts.token(t, service.CreateParams{Tier: model.TierReadOnly})

	result := ts.call(t, "search_govinfo", ts.srv.handleSearchGovInfo, map[string]any{
		"token": secret, "query": "budget",
	})

	assert.True(t, result.IsError)
	assert.Equal(t, "insufficient_permission", decodeResult(t, result)["reason"])
}

func TestGateRecordsAllowedCall(t *testing.T) {
	ts := newTestServer(t)
	tok, secret := ts.token(t, service.CreateParams{Tier: model.TierReadOnly})

	result := ts.call(t, "get_bill", ts.srv.handleGetBill, map[string]any{
		"token": secret, "congress": float64(118), "bill_type": "hr", "bill_number": float64(1),
	})
	require.False(t, result.IsError, resultText(result))

	body := decodeResult(t, result)
	assert.Equal(t, "Source: Library of Congress (congress.gov) - HR 1 (118th Congress)", body["source"])

	recent, err := ts.recorder.Recent(context.Background(), tok.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "get_bill", recent[0].ToolName)
	assert.True(t, recent[0].Success)
	assert.Equal(t, "10.0.0.1", recent[0].CallerAddress)

	got, err := ts.lifecycle.Get(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TotalRequests)
	assert.Zero(t, got.TotalErrors)
}

func TestGateRecordsUpstreamFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.data.billsErr = &upstream.APIError{Status: 503, URL: "https://api.congress.gov/v3/bill/118"}
	tok, secret := ts.token(t, service.CreateParams{})

	result := ts.call(t, "search_bills", ts.srv.handleSearchBills, map[string]any{"token": secret})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(result), "HTTP 503")

	recent, err := ts.recorder.Recent(context.Background(), tok.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Success)
	assert.Contains(t, recent[0].ErrorMessage, "HTTP 503")

	got, err := ts.lifecycle.Get(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TotalErrors)
}

func TestSearchBillsFiltersTitles(t *testing.T) {
	ts := newTestServer(t)
	_, secret := ts.token(t, service.CreateParams{})

	result := ts.call(t, "search_bills", ts.srv.handleSearchBills, map[string]any{
		"token": secret, "query": "ENERGY",
	})
	require.False(t, result.IsError, resultText(result))

	body := decodeResult(t, result)
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, "Source: Library of Congress (congress.gov) - Congress 118 Bills", body["source"])
}

func TestAuthenticateListsAccessibleTools(t *testing.T) {
	ts := newTestServer(t)
	tok, secret := ts.token(t, service.CreateParams{Name: "analyst", Tier: model.TierReadOnly})

	result := ts.call(t, "authenticate", ts.srv.handleAuthenticate, map[string]any{"token": secret})
	require.False(t, result.IsError, resultText(result))

	body := decodeResult(t, result)
	assert.Equal(t, "authenticated", body["status"])
	assert.Equal(t, tok.ID, body["token_id"])
	assert.Equal(t, "analyst", body["name"])
	tools, ok := body["available_tools"].([]any)
	require.True(t, ok)
	assert.Contains(t, tools, "get_bill")
	assert.NotContains(t, tools, "get_votes")
	assert.NotContains(t, tools, "token_usage")
}

func TestTokenUsageReportsCaller(t *testing.T) {
	ts := newTestServer(t)
	tok, secret := ts.token(t, service.CreateParams{Tier: model.TierAdmin})

	ts.call(t, "get_legislative_process", ts.srv.handleLegislativeProcess, map[string]any{"token": secret})

	result := ts.call(t, "token_usage", ts.srv.handleTokenUsage, map[string]any{"token": secret})
	require.False(t, result.IsError, resultText(result))

	body := decodeResult(t, result)
	stats, ok := body["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, tok.ID, stats["token_id"])
	assert.EqualValues(t, 1, stats["successful"])

	missing := ts.call(t, "token_usage", ts.srv.handleTokenUsage, map[string]any{
		"token": secret, "token_id": "tok_missing",
	})
	assert.True(t, missing.IsError)
}

func TestGetVotesRejectsBadSession(t *testing.T) {
	ts := newTestServer(t)
	_, secret := ts.token(t, service.CreateParams{})

	result := ts.call(t, "get_votes", ts.srv.handleGetVotes, map[string]any{
		"token": secret, "session": float64(3),
	})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(result), "session")
}

func TestCongressOverviewUsesCurrentCongress(t *testing.T) {
	ts := newTestServer(t)
	_, secret := ts.token(t, service.CreateParams{Tier: model.TierReadOnly})

	result := ts.call(t, "get_congress_overview", ts.srv.handleCongressOverview, map[string]any{"token": secret})
	require.False(t, result.IsError, resultText(result))

	overview, ok := decodeResult(t, result)["overview"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 118, overview["current_congress"])
	assert.Equal(t, "2023-2024", overview["session_period"])
}

func TestToolsWithoutDataSource(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.data = nil
	_, secret := ts.token(t, service.CreateParams{})

	result := ts.call(t, "get_member", ts.srv.handleGetMember, map[string]any{
		"token": secret, "bioguide_id": "P000197",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(result), "not configured")
}

func TestUpstreamError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not found", &upstream.APIError{Status: 404, URL: "u"}, "Not found"},
		{"server error", &upstream.APIError{Status: 500, URL: "u"}, "HTTP 500"},
		{"not configured", upstream.ErrNotConfigured, "not configured"},
		{"transport", errors.New("dial tcp: refused"), "refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := upstreamError(tt.err)
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(result), tt.want)
		})
	}
}

func TestClientAddress(t *testing.T) {
	r := httptest.NewRequest("POST", "/mcp", nil)
	r.RemoteAddr = "192.0.2.10:4321"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	r.Header.Set("X-Real-IP", "198.51.100.3")

	assert.Equal(t, "192.0.2.10", clientAddress(r, false))
	assert.Equal(t, "203.0.113.7", clientAddress(r, true))

	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "198.51.100.3", clientAddress(r, true))

	r.Header.Del("X-Real-IP")
	assert.Equal(t, "192.0.2.10", clientAddress(r, true))
}

func TestToolsResource(t *testing.T) {
	ts := newTestServer(t)

	contents, err := ts.srv.handleToolsResource(context.Background(), mcp.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)

	var items []toolTier
	require.NoError(t, json.Unmarshal([]byte(text.Text), &items))
	assert.Len(t, items, len(ts.srv.Tools()))
	assert.Equal(t, "authenticate", items[0].Tool)
	assert.Equal(t, model.TierReadOnly, items[0].Tier)
}
