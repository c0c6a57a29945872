package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enactai/enact/internal/model"
)

func loadFrom(t *testing.T, yamlBody string) *Settings {
	t.Helper()
	path := ""
	if yamlBody != "" {
		path = filepath.Join(t.TempDir(), "enact.yaml")
		require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))
	}
	v := viper.New()
	Init(v, path)
	s, err := Load(v)
	require.NoError(t, err)
	return s
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	s := loadFrom(t, "")

	assert.Equal(t, "enact_", s.Security.TokenPrefix)
	assert.Equal(t, 32, s.Security.TokenLength)
	assert.Equal(t, "sqlite", s.Store.Driver)
	assert.Equal(t, "memory", s.RateLimit.Backend)
	assert.Equal(t, 1000, s.RateLimit.DefaultLimit)
	assert.Equal(t, time.Hour, s.RateLimit.Window)
	assert.Zero(t, s.RateLimit.BurstAllowance)
	assert.Equal(t, 5000, s.Upstream.RequestsPerHour)
	assert.Equal(t, 20, s.Upstream.Burst)
	assert.Equal(t, 1000, s.Alerts.HighUsageThreshold)
	assert.InDelta(t, 0.1, s.Alerts.ErrorRateThreshold, 1e-9)
	assert.Equal(t, 30, s.Alerts.UnusedTokenDays)
	assert.Equal(t, 24*time.Hour, s.Alerts.Window)
	assert.Equal(t, 90, s.Usage.RetentionDays)
	assert.Equal(t, 90*24*time.Hour, s.Retention())
	assert.Equal(t, 15*time.Minute, s.Usage.SweepInterval)
	assert.Equal(t, 8082, s.Server.Port)
	assert.Equal(t, []string{"*"}, s.Server.CORSOrigins)
	assert.Equal(t, 3001, s.MCP.Port)
	assert.Equal(t, 5*time.Minute, s.Upstream.CacheTTL)

	// Only the secret is missing.
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "security.secret_key is required")
	assert.Equal(t, 1, strings.Count(err.Error(), "* "))
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("ENACT_RATELIMIT_DEFAULT_LIMIT", "25")
	t.Setenv("CONGRESS_GOV_API_KEY", "legacy-key")

	s := loadFrom(t, `
security:
  secret_key: a-very-long-secret-key
ratelimit:
  window: 30m
  default_limit: 500
tools:
  tiers:
    get_bill: standard
`)
	assert.Equal(t, "a-very-long-secret-key", s.Security.SecretKey)
	assert.Equal(t, 30*time.Minute, s.RateLimit.Window)
	assert.Equal(t, 25, s.RateLimit.DefaultLimit, "environment beats file")
	assert.Equal(t, "legacy-key", s.Upstream.CongressAPIKey)
	require.NoError(t, s.Validate())

	overrides, err := s.TierOverrides()
	require.NoError(t, err)
	assert.Equal(t, map[string]model.Tier{"get_bill": model.TierStandard}, overrides)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	s := loadFrom(t, "")
	s.Security.SecretKey = "short"
	s.Store.Driver = "oracle"
	s.RateLimit.Backend = "redis"
	s.RateLimit.DefaultLimit = 0
	s.Usage.RetentionDays = 0
	s.Server.Port = 70000
	s.MCP.Transport = "carrier-pigeon"
	s.Tools.Tiers = map[string]string{"get_bill": "superuser"}
	s.Logging.Format = "xml"

	err := s.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"at least 16 characters",
		`store.driver "oracle"`,
		"ratelimit.redis.addr is required",
		"ratelimit.default_limit must be positive",
		"usage.retention_days",
		"server.port 70000",
		`mcp.transport "carrier-pigeon"`,
		"tools.tiers.get_bill",
		`logging.format "xml"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateRejectsBurstAllowance(t *testing.T) {
	for _, backend := range []string{"memory", "redis"} {
		t.Run(backend, func(t *testing.T) {
			s := loadFrom(t, `
security:
  secret_key: a-very-long-secret-key
ratelimit:
  backend: `+backend+`
  burst_allowance: 50
  redis:
    addr: localhost:6379
`)
			assert.Equal(t, 50, s.RateLimit.BurstAllowance)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "ratelimit.burst_allowance is not used by the "+backend+" backend")
		})
	}
}

func TestValidateUpstreamPacing(t *testing.T) {
	t.Chdir(t.TempDir())
	s := loadFrom(t, "")
	s.Security.SecretKey = "a-very-long-secret-key"
	s.Upstream.Burst = 0
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.burst must be at least 1")

	s.Upstream.RequestsPerHour = 0
	assert.NoError(t, s.Validate(), "pacing disabled")
}

func TestValidateAlerts(t *testing.T) {
	t.Chdir(t.TempDir())
	s := loadFrom(t, "")
	s.Security.SecretKey = "a-very-long-secret-key"
	s.Alerts.ErrorRateThreshold = 1.5
	s.Alerts.UnusedTokenDays = -1
	s.Alerts.Window = time.Second

	err := s.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"alerts.error_rate_threshold must be between 0 and 1",
		"alerts.unused_token_days must not be negative",
		"alerts.window must be at least 1m",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRedacted(t *testing.T) {
	s := &Settings{}
	s.Security.SecretKey = "super-secret-value"
	s.Upstream.CongressAPIKey = "key"

	r := s.Redacted()
	assert.Equal(t, "********", r.Security.SecretKey)
	assert.Equal(t, "********", r.Upstream.CongressAPIKey)
	assert.Empty(t, r.Upstream.GovInfoAPIKey)
	assert.Equal(t, "super-secret-value", s.Security.SecretKey, "original untouched")

	out, err := MarshalSettings(r)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "super-secret-value")
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enact.yaml")
	require.NoError(t, WriteDefault(path, false, nil))
	assert.Error(t, WriteDefault(path, false, nil), "refuses to overwrite")
	require.NoError(t, WriteDefault(path, true, nil))

	s := loadFrom(t, mustRead(t, path))
	assert.Equal(t, time.Hour, s.RateLimit.Window)
	assert.Equal(t, 8082, s.Server.Port)
	assert.Equal(t, "https://api.congress.gov/v3", s.Upstream.CongressBaseURL)
}

func TestWriteDefaultOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enact.yaml")
	require.NoError(t, WriteDefault(path, false, map[string]any{
		"security.secret_key": "0123456789abcdef0123",
		"store.data_dir":      "/var/lib/enact",
	}))

	s := loadFrom(t, mustRead(t, path))
	assert.Equal(t, "0123456789abcdef0123", s.Security.SecretKey)
	assert.Equal(t, "/var/lib/enact", s.Store.DataDir)
	assert.Equal(t, "enact_", s.Security.TokenPrefix)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("ENACT_TEST_DOTENV_VALUE=from-file\n"), 0o600))
	t.Setenv("ENACT_TEST_DOTENV_VALUE", "")
	os.Unsetenv("ENACT_TEST_DOTENV_VALUE")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("ENACT_TEST_DOTENV_VALUE"))
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
