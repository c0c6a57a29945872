package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("allowed", time.Millisecond)
	m.ObserveToolCall("get_bill", true, time.Millisecond)
	m.UsageWriteFailed()
	m.TokensSwept(3)
	m.UsagePruned(3)
	m.ObserveUpstream("api.congress.gov", 200)
	m.ObserveCache(true)
	m.RegisterTokenGauge(func() float64 { return 1 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestDecisionCounters(t *testing.T) {
	m := New()
	m.ObserveDecision("allowed", time.Millisecond)
	m.ObserveDecision("allowed", time.Millisecond)
	m.ObserveDecision("rate_limited", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("rate_limited")))
}

func TestToolAndMaintenanceCounters(t *testing.T) {
	m := New()
	m.ObserveToolCall("get_bill", true, 10*time.Millisecond)
	m.ObserveToolCall("get_bill", false, 10*time.Millisecond)
	m.TokensSwept(2)
	m.TokensSwept(0)
	m.UsagePruned(5)
	m.UsageWriteFailed()
	m.ObserveUpstream("api.congress.gov", 503)
	m.ObserveUpstream("api.congress.gov", 0)
	m.ObserveCache(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("get_bill", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("get_bill", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokensSwept))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.usagePruned))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.usageWriteErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamRequests.WithLabelValues("api.congress.gov", "5xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamRequests.WithLabelValues("api.congress.gov", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamCache.WithLabelValues("miss")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RegisterTokenGauge(func() float64 { return 7 })
	m.ObserveDecision("invalid_token", time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `enact_authorization_decisions_total{reason="invalid_token"} 1`))
	assert.True(t, strings.Contains(text, "enact_active_tokens 7"))
}

func TestInstancesAreIsolated(t *testing.T) {
	a := New()
	b := New()
	a.ObserveDecision("allowed", time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.decisions.WithLabelValues("allowed")))
}
