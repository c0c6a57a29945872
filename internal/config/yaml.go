package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// defaults holds every key with its default value. Keys without a useful
// default are still listed so that environment overrides reach Unmarshal.
var defaults = map[string]any{
	"security.secret_key":   "",
	"security.token_prefix": "enact_",
	"security.token_length": 32,

	"store.driver":         "sqlite",
	"store.dsn":            "",
	"store.data_dir":       "",
	"store.max_open_conns": 10,

	"ratelimit.backend":          "memory",
	"ratelimit.default_limit":    1000,
	"ratelimit.window":           "1h",
	"ratelimit.redis.addr":       "",
	"ratelimit.redis.password":   "",
	"ratelimit.redis.db":         0,
	"ratelimit.redis.key_prefix": "enact:ratelimit:",

	"usage.retention_days": 90,
	"usage.sweep_interval": "15m",

	"alerts.high_usage_threshold": 1000,
	"alerts.error_rate_threshold": 0.1,
	"alerts.unused_token_days":    30,
	"alerts.window":               "24h",

	"server.host":                "0.0.0.0",
	"server.port":                8082,
	"server.cors_origins":        []string{"*"},
	"server.ip_rate_limit":       120,
	"server.shutdown_timeout":    "15s",
	"server.trust_proxy_headers": false,

	"mcp.transport": "stdio",
	"mcp.host":      "0.0.0.0",
	"mcp.port":      3001,

	"upstream.congress_api_key":  "",
	"upstream.govinfo_api_key":   "",
	"upstream.congress_base_url": "https://api.congress.gov/v3",
	"upstream.govinfo_base_url":  "https://api.govinfo.gov",
	"upstream.cache_ttl":         "5m",
	"upstream.timeout":           "30s",
	"upstream.max_retries":       3,
	"upstream.requests_per_hour": 5000,
	"upstream.burst":             20,

	"tools.tiers": map[string]string{},

	"logging.level":        "info",
	"logging.format":       "text",
	"logging.file":         "",
	"logging.max_size_mb":  100,
	"logging.max_backups":  5,
	"logging.max_age_days": 30,
	"logging.compress":     false,
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Keys returns every known configuration key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for key := range defaults {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DefaultYAML renders the defaults as a config file. Entries in overrides
// replace the default for the same key.
func DefaultYAML(overrides map[string]any) ([]byte, error) {
	root := map[string]any{}
	for key, value := range defaults {
		if v, ok := overrides[key]; ok {
			value = v
		}
		parts := strings.Split(key, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}

	data, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	header := "# enact configuration. Every key can be overridden with an\n" +
		"# " + EnvPrefix + "_ environment variable, e.g. " + EnvPrefix + "_SECURITY_SECRET_KEY.\n"
	return append([]byte(header), data...), nil
}

// WriteDefault writes the default configuration, with overrides applied, to
// path. It refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool, overrides map[string]any) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := DefaultYAML(overrides)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// MarshalSettings renders s as YAML for display.
func MarshalSettings(s *Settings) ([]byte, error) {
	return yaml.Marshal(s)
}
