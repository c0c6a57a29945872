package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/enactai/enact/internal/config"
	"github.com/enactai/enact/internal/credential"
	"github.com/enactai/enact/internal/logging"
	"github.com/enactai/enact/internal/ratelimit"
	"github.com/enactai/enact/internal/service"
	"github.com/enactai/enact/internal/store"
	"github.com/enactai/enact/internal/telemetry"
	"github.com/enactai/enact/internal/upstream"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from the --data-dir flag,
// store.data_dir (ENACT_STORE_DATA_DIR), or ~/.enact as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if dir := viper.GetString("store.data_dir"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".enact")
}

// loadSettings decodes and validates the effective configuration.
func loadSettings() (*config.Settings, error) {
	s, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	s.Store.DataDir = resolveDataDir()
	return s, nil
}

// app is the wired service graph shared by every command that touches
// tokens.
type app struct {
	settings   *config.Settings
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	store      *store.Store
	policy     *service.Policy
	limiter    ratelimit.Limiter
	window     *ratelimit.Window // nil with the redis backend
	redis      *redis.Client     // nil with the memory backend
	recorder   *service.Recorder
	lifecycle  *service.Lifecycle
	authorizer *service.Authorizer
	sweeper    *service.Sweeper

	closers []io.Closer
}

// openApp loads configuration and opens the store, limiter and services.
// The caller must Close the result.
func openApp(ctx context.Context) (*app, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	a := &app{settings: settings}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	s := a.settings

	logger, logCloser, err := logging.New(logging.Options{
		Level:      s.Logging.Level,
		Format:     s.Logging.Format,
		File:       s.Logging.File,
		MaxSizeMB:  s.Logging.MaxSizeMB,
		MaxBackups: s.Logging.MaxBackups,
		MaxAgeDays: s.Logging.MaxAgeDays,
		Compress:   s.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, logCloser)

	codec, err := credential.New([]byte(s.Security.SecretKey),
		credential.WithPrefix(s.Security.TokenPrefix),
		credential.WithLength(s.Security.TokenLength),
	)
	if err != nil {
		return fmt.Errorf("init credential codec: %w", err)
	}

	overrides, err := s.TierOverrides()
	if err != nil {
		return err
	}
	a.policy = service.DefaultPolicy().WithOverrides(overrides)

	a.store, err = store.Open(ctx, store.Options{
		Driver:       s.Store.Driver,
		DSN:          s.Store.DSN,
		DataDir:      s.Store.DataDir,
		MaxOpenConns: s.Store.MaxOpenConns,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.store)
	a.logger.Debug("token store opened", "driver", a.store.Dialect(), "data_dir", s.Store.DataDir)

	a.metrics = telemetry.New()
	a.buildLimiter()

	a.recorder = service.NewRecorder(a.store, a.metrics, a.logger, nil)
	a.lifecycle = service.NewLifecycle(service.LifecycleConfig{
		Codec:            codec,
		Store:            a.store,
		Recorder:         a.recorder,
		Policy:           a.policy,
		DefaultRateLimit: s.RateLimit.DefaultLimit,
		Alerts: service.AlertThresholds{
			HighUsage:   int64(s.Alerts.HighUsageThreshold),
			ErrorRate:   s.Alerts.ErrorRateThreshold,
			UnusedAfter: time.Duration(s.Alerts.UnusedTokenDays) * 24 * time.Hour,
			Window:      s.Alerts.Window,
		},
		Metrics: a.metrics,
		Logger:  a.logger,
	})
	a.authorizer = service.NewAuthorizer(service.AuthorizerConfig{
		Codec:    codec,
		Tokens:   a.store,
		Limiter:  a.limiter,
		Policy:   a.policy,
		Recorder: a.recorder,
		Window:   s.RateLimit.Window,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
	a.sweeper = service.NewSweeper(a.lifecycle, a.recorder, a.limiter, s.Retention(), s.Usage.SweepInterval, a.logger)
	return nil
}

func (a *app) buildLimiter() {
	rl := a.settings.RateLimit
	if rl.Backend == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     rl.Redis.Addr,
			Password: rl.Redis.Password,
			DB:       rl.Redis.DB,
		})
		a.closers = append(a.closers, a.redis)
		a.limiter = ratelimit.NewRedis(a.redis, ratelimit.RedisOptions{
			Window:    rl.Window,
			KeyPrefix: rl.Redis.KeyPrefix,
		})
		a.logger.Info("rate limiter backend", "backend", "redis", "addr", rl.Redis.Addr)
		return
	}
	a.window = ratelimit.NewWindow(rl.Window)
	a.limiter = a.window
}

// readyChecks returns the dependencies /readyz probes.
func (a *app) readyChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"store": a.store.Ping,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	return checks
}

// registerTokenGauge exposes the active token count on /metrics.
func (a *app) registerTokenGauge() {
	a.metrics.RegisterTokenGauge(func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		active, _, err := a.store.CountTokens(ctx)
		if err != nil {
			a.logger.Warn("count tokens for metrics", "error", err)
			return 0
		}
		return float64(active)
	})
}

// newUpstream builds the congressional data client. It is returned even
// without API keys; the affected tools then report that they are not
// configured.
func (a *app) newUpstream() (*upstream.Client, error) {
	u := a.settings.Upstream
	if u.CongressAPIKey == "" {
		a.logger.Warn("upstream.congress_api_key is not set; congress.gov tools will be unavailable")
	}
	return upstream.New(upstream.Config{
		CongressBaseURL: u.CongressBaseURL,
		GovInfoBaseURL:  u.GovInfoBaseURL,
		CongressAPIKey:  u.CongressAPIKey,
		GovInfoAPIKey:   u.GovInfoAPIKey,
		CacheTTL:        u.CacheTTL,
		Timeout:         u.Timeout,
		MaxRetries:      u.MaxRetries,
		RequestsPerHour: u.RequestsPerHour,
		Burst:           u.Burst,
		Metrics:         a.metrics,
		Logger:          a.logger,
	})
}

// Close releases everything opened, in reverse order.
func (a *app) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "enact.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
