package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/lexstalk/lexstalk/internal/config"
	"github.com/lexstalk/lexstalk/internal/types"
)

// BrowserFetcher serves the rendered verdict: pages that need JavaScript
// to produce the artifact. A small shared pool of pages bounds browser
// memory; pages are recycled after browser.max_requests navigations.
type BrowserFetcher struct {
	browser *rod.Browser
	cfg     *config.BrowserConfig
	ua      string
	logger  *slog.Logger

	pool    chan *pooledPage
	mu      sync.Mutex
	created int
	closed  bool
}

// pooledPage tracks how many navigations a page has served.
type pooledPage struct {
	page *rod.Page
	uses int
}

// NewBrowserFetcher launches a headless Chromium and prepares the page
// pool. The first proxied egress, if any, is bound at launch: Chromium
// proxies are process-wide.
func NewBrowserFetcher(cfg *config.Config, selector *Selector, logger *slog.Logger) (*BrowserFetcher, error) {
	bf := &BrowserFetcher{
		cfg:    &cfg.Browser,
		ua:     cfg.Fetcher.UserAgent,
		logger: logger.With("component", "browser_fetcher"),
		pool:   make(chan *pooledPage, cfg.Browser.PoolSize),
	}

	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-setuid-sandbox")

	for _, e := range selector.All() {
		if e.Proxy != nil {
			l = l.Proxy(e.Proxy.String())
			break
		}
	}

	launchURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	bf.browser = browser

	bf.logger.Info("browser fetcher ready",
		"pool_size", cfg.Browser.PoolSize,
		"max_requests", cfg.Browser.MaxRequests,
		"stealth", cfg.Browser.Stealth,
	)
	return bf, nil
}

// Fetch navigates to the work item's URL and returns the rendered HTML.
func (bf *BrowserFetcher) Fetch(ctx context.Context, item *types.WorkItem, egress Egress) (*Result, error) {
	start := time.Now()

	pp, err := bf.acquire(ctx)
	if err != nil {
		return nil, &types.FetchError{URL: item.SourceURL, Err: err, Retryable: true}
	}
	defer bf.release(pp)

	page := pp.page.Context(ctx)
	pp.uses++

	timeout := bf.cfg.NavTimeout
	if err := page.Timeout(timeout).Navigate(item.SourceURL); err != nil {
		return nil, &types.FetchError{URL: item.SourceURL, Err: err, Retryable: true}
	}

	if bf.cfg.WaitSelector != "" {
		if _, err := page.Timeout(timeout).Element(bf.cfg.WaitSelector); err != nil {
			bf.logger.Warn("wait selector not found, continuing",
				"correlation_id", item.CorrelationID,
				"selector", bf.cfg.WaitSelector,
			)
		}
	} else if err := page.Timeout(timeout).WaitStable(300 * time.Millisecond); err != nil {
		bf.logger.Warn("page stability timeout, continuing",
			"correlation_id", item.CorrelationID,
			"url", item.SourceURL,
		)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, &types.FetchError{URL: item.SourceURL, Err: err, Retryable: true}
	}

	finalURL := item.SourceURL
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}

	duration := time.Since(start)
	bf.logger.Debug("browser fetch complete",
		"correlation_id", item.CorrelationID,
		"url", item.SourceURL,
		"final_url", finalURL,
		"size", len(html),
		"duration", duration,
	)

	// Rod does not expose the navigation status code; a rendered page
	// that produced markup is treated as 200 and judged by the gates.
	return &Result{
		StatusCode: 200,
		Body:       []byte(html),
		FinalURL:   finalURL,
		Duration:   duration,
	}, nil
}

// Close shuts down the pool and the browser.
func (bf *BrowserFetcher) Close() error {
	bf.mu.Lock()
	if bf.closed {
		bf.mu.Unlock()
		return nil
	}
	bf.closed = true
	bf.mu.Unlock()

	close(bf.pool)
	for pp := range bf.pool {
		_ = pp.page.Close()
	}
	if bf.browser != nil {
		return bf.browser.Close()
	}
	return nil
}

// Type returns the fetcher type identifier.
func (bf *BrowserFetcher) Type() string { return "browser" }

// acquire takes a page from the pool, creating one while under the pool
// size, and blocking otherwise.
func (bf *BrowserFetcher) acquire(ctx context.Context) (*pooledPage, error) {
	select {
	case pp := <-bf.pool:
		return pp, nil
	default:
	}

	bf.mu.Lock()
	if bf.created < cap(bf.pool) {
		bf.created++
		bf.mu.Unlock()
		return bf.newPage()
	}
	bf.mu.Unlock()

	select {
	case pp := <-bf.pool:
		return pp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns a page to the pool, retiring it once it has served
// max_requests navigations to bound browser memory.
func (bf *BrowserFetcher) release(pp *pooledPage) {
	if pp.uses >= bf.cfg.MaxRequests {
		_ = pp.page.Close()
		bf.mu.Lock()
		bf.created--
		bf.mu.Unlock()
		bf.logger.Debug("browser page recycled", "uses", pp.uses)
		return
	}

	// Park on about:blank to free the previous page's memory.
	_ = pp.page.Navigate("about:blank")

	select {
	case bf.pool <- pp:
	default:
		_ = pp.page.Close()
		bf.mu.Lock()
		bf.created--
		bf.mu.Unlock()
	}
}

func (bf *BrowserFetcher) newPage() (*pooledPage, error) {
	var page *rod.Page
	var err error
	if bf.cfg.Stealth {
		page, err = stealth.Page(bf.browser)
	} else {
		page, err = bf.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		bf.mu.Lock()
		bf.created--
		bf.mu.Unlock()
		return nil, err
	}

	if bf.ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: bf.ua}); err != nil {
			bf.logger.Warn("failed to set user agent", "error", err)
		}
	}
	return &pooledPage{page: page}, nil
}
