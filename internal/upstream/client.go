// Package upstream is a small caching client for the public congressional
// data APIs (api.congress.gov and api.govinfo.gov). Responses are passed
// through as raw JSON.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/enactai/enact/internal/telemetry"
)

const (
	DefaultCongressBaseURL = "https://api.congress.gov/v3"
	DefaultGovInfoBaseURL  = "https://api.govinfo.gov"

	maxBodyBytes = 8 << 20
)

// ErrNotConfigured is returned when an API is called without its key.
var ErrNotConfigured = errors.New("upstream API key not configured")

// APIError is a non-2xx upstream response.
type APIError struct {
	Status int
	URL    string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %s returned %d: %s", e.URL, e.Status, e.Body)
}

// Config configures a Client.
type Config struct {
	CongressBaseURL string
	GovInfoBaseURL  string
	CongressAPIKey  string
	GovInfoAPIKey   string
	CacheTTL        time.Duration // zero disables caching
	Timeout         time.Duration
	MaxRetries      int
	RequestsPerHour int // outbound pace across both APIs; zero disables
	Burst           int
	Metrics         *telemetry.Metrics
	Logger          *slog.Logger
}

// Client talks to the upstream APIs.
type Client struct {
	cfg     Config
	http    *retryablehttp.Client
	cache   *ristretto.Cache[string, []byte]
	flights singleflight.Group
	pace    *rate.Limiter
	current currentCongress
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.CongressBaseURL == "" {
		cfg.CongressBaseURL = DefaultCongressBaseURL
	}
	if cfg.GovInfoBaseURL == "" {
		cfg.GovInfoBaseURL = DefaultGovInfoBaseURL
	}
	cfg.CongressBaseURL = strings.TrimRight(cfg.CongressBaseURL, "/")
	cfg.GovInfoBaseURL = strings.TrimRight(cfg.GovInfoBaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = cfg.Timeout

	rc := retryablehttp.NewClient()
	rc.HTTPClient = hc
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Backoff = retryablehttp.RateLimitLinearJitterBackoff
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = cfg.Logger

	c := &Client{cfg: cfg, http: rc}
	if cfg.RequestsPerHour > 0 {
		burst := max(cfg.Burst, 1)
		c.pace = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.RequestsPerHour)), burst)
	}
	if cfg.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
			NumCounters: 1e5,
			MaxCost:     64 << 20,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create response cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Close releases the cache.
func (c *Client) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

// Congress fetches a path under the congress.gov v3 API.
func (c *Client) Congress(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if c.cfg.CongressAPIKey == "" {
		return nil, fmt.Errorf("%w: congress.gov", ErrNotConfigured)
	}
	return c.get(ctx, c.cfg.CongressBaseURL, c.cfg.CongressAPIKey, path, params)
}

// GovInfo fetches a path under the govinfo API.
func (c *Client) GovInfo(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if c.cfg.GovInfoAPIKey == "" {
		return nil, fmt.Errorf("%w: govinfo", ErrNotConfigured)
	}
	return c.get(ctx, c.cfg.GovInfoBaseURL, c.cfg.GovInfoAPIKey, path, params)
}

// GovInfoSearch runs a full-text search against govinfo.
func (c *Client) GovInfoSearch(ctx context.Context, query string, pageSize int) (json.RawMessage, error) {
	if c.cfg.GovInfoAPIKey == "" {
		return nil, fmt.Errorf("%w: govinfo", ErrNotConfigured)
	}
	body, err := json.Marshal(map[string]any{
		"query":      query,
		"pageSize":   pageSize,
		"offsetMark": "*",
		"sorts":      []map[string]string{{"field": "score", "sortOrder": "DESC"}},
	})
	if err != nil {
		return nil, err
	}
	u := c.cfg.GovInfoBaseURL + "/search"
	return c.cached(ctx, "POST "+u+" "+string(body), func() ([]byte, error) {
		return c.do(ctx, http.MethodPost, u, c.cfg.GovInfoAPIKey, body)
	})
}

func (c *Client) get(ctx context.Context, base, key, path string, params url.Values) (json.RawMessage, error) {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("format", "json")
	u := base + "/" + strings.TrimLeft(path, "/") + "?" + q.Encode()

	return c.cached(ctx, u, func() ([]byte, error) {
		return c.do(ctx, http.MethodGet, u, key, nil)
	})
}

// cached serves key from the cache or runs fetch, collapsing concurrent
// fetches of the same key.
func (c *Client) cached(ctx context.Context, key string, fetch func() ([]byte, error)) (json.RawMessage, error) {
	if c.cache != nil {
		if body, ok := c.cache.Get(key); ok {
			c.cfg.Metrics.ObserveCache(true)
			return body, nil
		}
		c.cfg.Metrics.ObserveCache(false)
	}

	v, err, _ := c.flights.Do(key, func() (any, error) {
		body, err := fetch()
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.SetWithTTL(key, body, int64(len(body)), c.cfg.CacheTTL)
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Client) do(ctx context.Context, method, u, key string, body []byte) ([]byte, error) {
	var rawBody any
	if body != nil {
		rawBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, rawBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	host := req.URL.Host
	if c.pace != nil {
		if err := c.pace.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s %s: waiting for upstream quota: %w", method, host, err)
		}
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.cfg.Metrics.ObserveUpstream(host, 0)
		return nil, fmt.Errorf("%s %s: %w", method, host, err)
	}
	defer resp.Body.Close()
	c.cfg.Metrics.ObserveUpstream(host, resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", host, err)
	}
	c.cfg.Logger.Debug("upstream request",
		"method", method,
		"host", host,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return nil, &APIError{Status: resp.StatusCode, URL: req.URL.Scheme + "://" + host + req.URL.Path, Body: msg}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s returned invalid JSON", host)
	}
	return data, nil
}
