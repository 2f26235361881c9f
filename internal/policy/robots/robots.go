// Package robots enforces robots.txt directives for listing URLs.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// Config controls the enforcer.
type Config struct {
	UserAgent string
	// CacheTTL bounds how long a host's robots.txt is trusted.
	CacheTTL  time.Duration
	CacheSize int
	Timeout   time.Duration
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Enforcer caches robots.txt per host and answers Allowed queries.
type Enforcer struct {
	client    *http.Client
	cache     *expirable.LRU[string, *robotstxt.RobotsData]
	userAgent string
	logger    *zap.Logger
}

// New creates an Enforcer.
func New(cfg Config, logger *zap.Logger) *Enforcer {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		client:    &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		cache:     expirable.NewLRU[string, *robotstxt.RobotsData](cfg.CacheSize, nil, cfg.CacheTTL),
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Allowed reports whether rawURL may be fetched. Unreachable or broken
// robots.txt files allow access.
func (e *Enforcer) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data, err := e.load(ctx, parsed)
	if err != nil {
		e.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(e.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.EscapedPath())
}

func (e *Enforcer) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if data, ok := e.cache.Get(hostKey); ok {
		return data, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	e.cache.Add(hostKey, data)
	return data, nil
}
