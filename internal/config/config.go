package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/enactai/enact/internal/model"
)

// EnvPrefix is prepended to every environment variable that overrides a
// configuration key, e.g. ENACT_SECURITY_SECRET_KEY.
const EnvPrefix = "ENACT"

// MinSecretKeyLength is the shortest accepted digest key.
const MinSecretKeyLength = 16

// Settings is the full runtime configuration.
type Settings struct {
	Security  SecuritySettings  `mapstructure:"security" yaml:"security"`
	Store     StoreSettings     `mapstructure:"store" yaml:"store"`
	RateLimit RateLimitSettings `mapstructure:"ratelimit" yaml:"ratelimit"`
	Usage     UsageSettings     `mapstructure:"usage" yaml:"usage"`
	Alerts    AlertsSettings    `mapstructure:"alerts" yaml:"alerts"`
	Server    ServerSettings    `mapstructure:"server" yaml:"server"`
	MCP       MCPSettings       `mapstructure:"mcp" yaml:"mcp"`
	Upstream  UpstreamSettings  `mapstructure:"upstream" yaml:"upstream"`
	Tools     ToolSettings      `mapstructure:"tools" yaml:"tools"`
	Logging   LoggingSettings   `mapstructure:"logging" yaml:"logging"`
}

// SecuritySettings controls token issuance.
type SecuritySettings struct {
	SecretKey   string `mapstructure:"secret_key" yaml:"secret_key"`
	TokenPrefix string `mapstructure:"token_prefix" yaml:"token_prefix"`
	TokenLength int    `mapstructure:"token_length" yaml:"token_length"`
}

// StoreSettings selects the token database.
type StoreSettings struct {
	Driver       string `mapstructure:"driver" yaml:"driver"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	DataDir      string `mapstructure:"data_dir" yaml:"data_dir"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// RateLimitSettings controls per-token quotas.
type RateLimitSettings struct {
	Backend      string        `mapstructure:"backend" yaml:"backend"`
	DefaultLimit int           `mapstructure:"default_limit" yaml:"default_limit"`
	Window       time.Duration `mapstructure:"window" yaml:"window"`
	Redis        RedisSettings `mapstructure:"redis" yaml:"redis"`

	// BurstAllowance is accepted only so that old files carrying it fail
	// validation instead of being silently ignored. Both backends already
	// admit a token's full limit in a single burst.
	BurstAllowance int `mapstructure:"burst_allowance" yaml:"burst_allowance,omitempty"`
}

// RedisSettings configures the shared limiter backend.
type RedisSettings struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// UsageSettings controls usage log retention.
type UsageSettings struct {
	RetentionDays int           `mapstructure:"retention_days" yaml:"retention_days"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// AlertsSettings sets the thresholds behind the security alerts report.
// Zero disables a check.
type AlertsSettings struct {
	HighUsageThreshold int           `mapstructure:"high_usage_threshold" yaml:"high_usage_threshold"`
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold" yaml:"error_rate_threshold"`
	UnusedTokenDays    int           `mapstructure:"unused_token_days" yaml:"unused_token_days"`
	Window             time.Duration `mapstructure:"window" yaml:"window"`
}

// ServerSettings controls the HTTP API.
type ServerSettings struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	IPRateLimit     int           `mapstructure:"ip_rate_limit" yaml:"ip_rate_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// TrustProxyHeaders takes caller addresses from X-Forwarded-For and
	// X-Real-IP. Leave off unless a proxy in front sets them.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers" yaml:"trust_proxy_headers"`
}

// MCPSettings controls the MCP server.
type MCPSettings struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
}

// UpstreamSettings configures the public data APIs behind the tools.
type UpstreamSettings struct {
	CongressAPIKey  string        `mapstructure:"congress_api_key" yaml:"congress_api_key"`
	GovInfoAPIKey   string        `mapstructure:"govinfo_api_key" yaml:"govinfo_api_key"`
	CongressBaseURL string        `mapstructure:"congress_base_url" yaml:"congress_base_url"`
	GovInfoBaseURL  string        `mapstructure:"govinfo_base_url" yaml:"govinfo_base_url"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	RequestsPerHour int           `mapstructure:"requests_per_hour" yaml:"requests_per_hour"`
	Burst           int           `mapstructure:"burst" yaml:"burst"`
}

// ToolSettings overrides the built-in tool tier table.
type ToolSettings struct {
	Tiers map[string]string `mapstructure:"tiers" yaml:"tiers"`
}

// LoggingSettings controls log output.
type LoggingSettings struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// legacyEnv maps older unprefixed variable names onto keys.
var legacyEnv = map[string]string{
	"security.secret_key":       "TOKEN_SECRET_KEY",
	"upstream.congress_api_key": "CONGRESS_GOV_API_KEY",
	"upstream.govinfo_api_key":  "GOVINFO_API_KEY",
}

// Init prepares v: defaults, environment binding and the config file
// search path. path may be empty to search ./enact.yaml and
// $HOME/.enact/enact.yaml.
func Init(v *viper.Viper, path string) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("enact")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.enact")
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}
}

// LoadDotEnv loads variables from a .env file into the process
// environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the config file, if any, and decodes v into Settings. It does
// not validate.
func Load(v *viper.Viper) (*Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &s, nil
}

// Validate reports every problem with s at once.
func (s *Settings) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	switch {
	case s.Security.SecretKey == "":
		add("security.secret_key is required (set %s_SECURITY_SECRET_KEY)", EnvPrefix)
	case len(s.Security.SecretKey) < MinSecretKeyLength:
		add("security.secret_key must be at least %d characters", MinSecretKeyLength)
	}
	if s.Security.TokenLength < 22 {
		add("security.token_length must be at least 22")
	}

	switch s.Store.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		add("store.driver %q is not supported (sqlite, postgres, mysql)", s.Store.Driver)
	}
	if s.Store.Driver != "sqlite" && s.Store.DSN == "" {
		add("store.dsn is required for driver %q", s.Store.Driver)
	}

	switch s.RateLimit.Backend {
	case "memory":
	case "redis":
		if s.RateLimit.Redis.Addr == "" {
			add("ratelimit.redis.addr is required for the redis backend")
		}
	default:
		add("ratelimit.backend %q is not supported (memory, redis)", s.RateLimit.Backend)
	}
	if s.RateLimit.DefaultLimit <= 0 {
		add("ratelimit.default_limit must be positive")
	}
	if s.RateLimit.Window < time.Second {
		add("ratelimit.window must be at least 1s")
	}
	if s.RateLimit.BurstAllowance != 0 {
		add("ratelimit.burst_allowance is not used by the %s backend: a token may spend its whole limit at once; remove the key", s.RateLimit.Backend)
	}

	if s.Usage.RetentionDays < 1 {
		add("usage.retention_days must be at least 1")
	}
	if s.Usage.SweepInterval < time.Second {
		add("usage.sweep_interval must be at least 1s")
	}

	if s.Alerts.HighUsageThreshold < 0 {
		add("alerts.high_usage_threshold must not be negative")
	}
	if s.Alerts.ErrorRateThreshold < 0 || s.Alerts.ErrorRateThreshold > 1 {
		add("alerts.error_rate_threshold must be between 0 and 1")
	}
	if s.Alerts.UnusedTokenDays < 0 {
		add("alerts.unused_token_days must not be negative")
	}
	if s.Alerts.Window < time.Minute {
		add("alerts.window must be at least 1m")
	}

	if s.Server.Port < 1 || s.Server.Port > 65535 {
		add("server.port %d is out of range", s.Server.Port)
	}
	if s.Server.IPRateLimit < 0 {
		add("server.ip_rate_limit must not be negative")
	}
	switch s.MCP.Transport {
	case "stdio", "http":
	default:
		add("mcp.transport %q is not supported (stdio, http)", s.MCP.Transport)
	}
	if s.MCP.Transport == "http" && (s.MCP.Port < 1 || s.MCP.Port > 65535) {
		add("mcp.port %d is out of range", s.MCP.Port)
	}

	if s.Upstream.CacheTTL < 0 {
		add("upstream.cache_ttl must not be negative")
	}
	if s.Upstream.MaxRetries < 0 {
		add("upstream.max_retries must not be negative")
	}
	if s.Upstream.RequestsPerHour < 0 {
		add("upstream.requests_per_hour must not be negative")
	}
	if s.Upstream.RequestsPerHour > 0 && s.Upstream.Burst < 1 {
		add("upstream.burst must be at least 1 when upstream.requests_per_hour is set")
	}

	if _, err := s.TierOverrides(); err != nil {
		errs = multierror.Append(errs, err)
	}

	switch strings.ToLower(s.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not supported", s.Logging.Level)
	}
	switch s.Logging.Format {
	case "text", "json":
	default:
		add("logging.format %q is not supported (text, json)", s.Logging.Format)
	}

	return errs.ErrorOrNil()
}

// Retention is the usage log retention as a duration.
func (s *Settings) Retention() time.Duration {
	return time.Duration(s.Usage.RetentionDays) * 24 * time.Hour
}

// TierOverrides parses tools.tiers.
func (s *Settings) TierOverrides() (map[string]model.Tier, error) {
	if len(s.Tools.Tiers) == 0 {
		return nil, nil
	}
	out := make(map[string]model.Tier, len(s.Tools.Tiers))
	var errs *multierror.Error
	for tool, raw := range s.Tools.Tiers {
		tier, err := model.ParseTier(raw)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tools.tiers.%s: %w", tool, err))
			continue
		}
		out[tool] = tier
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// Redacted returns a copy safe to print.
func (s *Settings) Redacted() *Settings {
	c := *s
	c.Security.SecretKey = redact(c.Security.SecretKey)
	c.Store.DSN = redact(c.Store.DSN)
	c.RateLimit.Redis.Password = redact(c.RateLimit.Redis.Password)
	c.Upstream.CongressAPIKey = redact(c.Upstream.CongressAPIKey)
	c.Upstream.GovInfoAPIKey = redact(c.Upstream.GovInfoAPIKey)
	return &c
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return "********"
}
