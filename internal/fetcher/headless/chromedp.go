// Package headless implements a listing fetcher that renders the feed in
// headless Chrome via chromedp.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	collyfetcher "github.com/JakeFAU/harvester/internal/fetcher/colly"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// DefaultFeedExpression reads the feed object a listing page exposes.
const DefaultFeedExpression = "JSON.stringify(window.__HARVEST_FEED__ || {items: []})"

// MediaFetcher downloads media assets. Rendering is only needed for
// listings, so media goes straight over HTTP.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, url string) (harvest.MediaPayload, error)
}

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// FeedExpression is evaluated after load and must return the feed JSON
	// as a string.
	FeedExpression string
	Headers        http.Header
}

// Fetcher implements harvest.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	media       MediaFetcher
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, media MediaFetcher) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if media == nil {
		return nil, fmt.Errorf("media fetcher is required")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.FeedExpression == "" {
		cfg.FeedExpression = DefaultFeedExpression
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		media:       media,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// FetchPage renders the listing and evaluates the feed expression.
func (f *Fetcher) FetchPage(ctx context.Context, req harvest.PageRequest) (harvest.Page, error) {
	target, err := collyfetcher.FeedURL(req)
	if err != nil {
		return harvest.Page{}, fmt.Errorf("%w: %w", harvest.ErrFatalConfig, err)
	}
	if err := f.acquire(ctx); err != nil {
		return harvest.Page{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	raw, finalURL, err := f.runHeadless(taskCtx, target)
	if err != nil {
		if ctx.Err() != nil {
			return harvest.Page{}, ctx.Err()
		}
		metrics.ObserveFetch(target, "error", 0)
		return harvest.Page{}, fmt.Errorf("%w: %w", harvest.ErrTransientFetch, err)
	}
	status, _, _ := meta.snapshotWithFallbacks(target, finalURL)
	metrics.ObserveFetch(target, fmt.Sprint(status), len(raw))
	if err := statusError(status); err != nil {
		return harvest.Page{}, fmt.Errorf("%s: %w", target, err)
	}

	var page harvest.Page
	if err := json.Unmarshal([]byte(raw), &page); err != nil {
		return harvest.Page{}, fmt.Errorf("%w: decode rendered feed %s: %w", harvest.ErrTransientFetch, target, err)
	}
	return page, nil
}

// FetchMedia delegates to the HTTP media fetcher.
func (f *Fetcher) FetchMedia(ctx context.Context, url string) (harvest.MediaPayload, error) {
	payload, err := f.media.FetchMedia(ctx, url)
	if err != nil {
		return harvest.MediaPayload{}, fmt.Errorf("headless media: %w", err)
	}
	return payload, nil
}

func statusError(status int) error {
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%w: rendered listing returned %d", harvest.ErrTransientFetch, status)
	case status >= 400:
		return fmt.Errorf("%w: rendered listing returned %d", harvest.ErrFatalConfig, status)
	}
	return nil
}

func (f *Fetcher) runHeadless(ctx context.Context, target string) (string, string, error) {
	var (
		raw      string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(f.cfg.Headers),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.Evaluate(f.cfg.FeedExpression, &raw),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	if raw == "" {
		return "", finalURL, errors.New("feed expression returned nothing")
	}
	return raw, finalURL, nil
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
