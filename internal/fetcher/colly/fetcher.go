// Package collyfetcher implements harvest.Fetcher over a JSON listing feed
// using gocolly.
package collyfetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// Feed query parameters.
const (
	ParamCursor = "cursor"
	ParamPage   = "page"
)

// DefaultMaxBodyBytes matches colly's own body limit.
const DefaultMaxBodyBytes = 10 << 20

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes bounds listing and media bodies. Larger bodies are errors.
	MaxBodyBytes int
	// Transport wraps the pooled HTTP transport, typically with a rate limiter.
	Transport func(http.RoundTripper) http.RoundTripper
	// Robots, when set, is consulted before every listing request.
	Robots RobotsPolicy
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Fetcher implements harvest.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	// One extra byte lets an oversized body be told apart from one that
	// exactly fits, since colly truncates silently.
	c.MaxBodySize = cfg.MaxBodyBytes + 1
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	var transport http.RoundTripper = newHTTPTransport()
	if cfg.Transport != nil {
		transport = cfg.Transport(transport)
	}
	c.WithTransport(transport)

	return &Fetcher{cfg: cfg, baseCollector: c}
}

// response is the raw outcome of one collector visit.
type response struct {
	status  int
	headers http.Header
	body    []byte
}

// FetchPage requests one listing page. The cursor and page token travel as
// query parameters on the source URL.
func (f *Fetcher) FetchPage(ctx context.Context, req harvest.PageRequest) (harvest.Page, error) {
	target, err := FeedURL(req)
	if err != nil {
		return harvest.Page{}, fmt.Errorf("%w: %w", harvest.ErrFatalConfig, err)
	}
	if f.cfg.Robots != nil && !f.cfg.Robots.Allowed(ctx, target) {
		return harvest.Page{}, fmt.Errorf("%w: %s disallowed by robots.txt", harvest.ErrFatalConfig, target)
	}
	resp, err := f.visit(ctx, target, "application/json")
	if err != nil {
		if ctx.Err() != nil {
			return harvest.Page{}, err
		}
		metrics.ObserveFetch(target, statusLabel(resp.status), 0)
		return harvest.Page{}, classify(err, resp.status, true)
	}
	metrics.ObserveFetch(target, statusLabel(resp.status), len(resp.body))
	if err := f.checkBody(resp); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return harvest.Page{}, fmt.Errorf("%w: listing %s: %w", harvest.ErrFatalConfig, target, err)
		}
		return harvest.Page{}, fmt.Errorf("%w: listing %s: %w", harvest.ErrTransientFetch, target, err)
	}

	var page harvest.Page
	if err := json.Unmarshal(resp.body, &page); err != nil {
		bodyErr := &BodyError{Status: resp.status, Body: resp.body, Err: err}
		return harvest.Page{}, fmt.Errorf("%w: %s: %w", harvest.ErrTransientFetch, target, bodyErr)
	}
	return page, nil
}

// BodyError carries a listing response that did not decode as a feed.
type BodyError struct {
	Status int
	Body   []byte
	Err    error
}

func (e *BodyError) Error() string {
	return fmt.Sprintf("decode feed (status %d): %v", e.Status, e.Err)
}

func (e *BodyError) Unwrap() error { return e.Err }

// FetchMedia downloads one media asset.
func (f *Fetcher) FetchMedia(ctx context.Context, mediaURL string) (harvest.MediaPayload, error) {
	resp, err := f.visit(ctx, mediaURL, "*/*")
	if err != nil {
		if ctx.Err() != nil {
			return harvest.MediaPayload{}, err
		}
		metrics.ObserveFetch(mediaURL, statusLabel(resp.status), 0)
		return harvest.MediaPayload{}, classify(err, resp.status, false)
	}
	metrics.ObserveFetch(mediaURL, statusLabel(resp.status), len(resp.body))
	if len(resp.body) == 0 {
		return harvest.MediaPayload{}, fmt.Errorf("%w: empty media body from %s", harvest.ErrPermanentItem, mediaURL)
	}
	if err := f.checkBody(resp); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return harvest.MediaPayload{}, fmt.Errorf("%w: media %s: %w", harvest.ErrPermanentItem, mediaURL, err)
		}
		return harvest.MediaPayload{}, fmt.Errorf("%w: media %s: %w", harvest.ErrTransientFetch, mediaURL, err)
	}
	contentType := resp.headers.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(resp.body)
	}
	return harvest.MediaPayload{Data: resp.body, ContentType: contentType}, nil
}

var errBodyTooLarge = errors.New("body exceeds limit")

// checkBody rejects bodies cut at the collector limit and bodies shorter
// than the declared Content-Length.
func (f *Fetcher) checkBody(resp response) error {
	if len(resp.body) > f.cfg.MaxBodyBytes {
		return fmt.Errorf("%w of %d bytes", errBodyTooLarge, f.cfg.MaxBodyBytes)
	}
	declared, err := strconv.ParseInt(resp.headers.Get("Content-Length"), 10, 64)
	if err == nil && int64(len(resp.body)) < declared {
		return fmt.Errorf("body truncated: got %d of %d bytes", len(resp.body), declared)
	}
	return nil
}

// FeedURL renders the listing URL for a page request.
func FeedURL(req harvest.PageRequest) (string, error) {
	u, err := url.Parse(req.Source.URL)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("source url %q is not http(s)", req.Source.URL)
	}
	q := u.Query()
	if req.Cursor != "" {
		q.Set(ParamCursor, req.Cursor)
	}
	if req.PageToken != "" {
		q.Set(ParamPage, req.PageToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Fetcher) visit(ctx context.Context, target, accept string) (response, error) {
	var (
		result   response
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	configureCollectorHooks(collector, accept, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		// The visit goroutine may still write result.
		return response{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return result, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if err != nil {
			return result, fmt.Errorf("colly visit failed: %w", err)
		}
		return result, nil
	}
}

func configureCollectorHooks(hooks collectorHooks, accept string, result *response, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", accept)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = response{
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			result.headers = r.Headers.Clone()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.status = r.StatusCode
			if r.Headers != nil {
				result.headers = r.Headers.Clone()
			}
		}
		*fetchErr = err
	})
}

// classify maps a failed visit onto the pipeline's error kinds. Listing
// failures that retrying cannot fix point at a broken source configuration.
func classify(err error, status int, listing bool) error {
	switch {
	case status == 0, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return fmt.Errorf("%w: %w", harvest.ErrTransientFetch, err)
	case listing:
		return fmt.Errorf("%w: listing returned %d: %w", harvest.ErrFatalConfig, status, err)
	default:
		return fmt.Errorf("%w: media returned %d: %w", harvest.ErrPermanentItem, status, err)
	}
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
