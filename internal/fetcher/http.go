package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/lexstalk/lexstalk/internal/config"
	"github.com/lexstalk/lexstalk/internal/types"
)

// HTTPFetcher is the direct transport: plain GET with keep-alive,
// redirect following and transparent decompression. One http.Client is
// kept per egress identity so proxy binding and connection reuse both
// stay per-egress.
type HTTPFetcher struct {
	cfg     *config.FetcherConfig
	maxBody int64
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewHTTPFetcher creates the direct fetcher. maxBody caps how many payload
// bytes are read (the payload gate rejects anything past the limit).
func NewHTTPFetcher(cfg *config.Config, logger *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		cfg:     &cfg.Fetcher,
		maxBody: cfg.Gate.MaxBytes,
		logger:  logger.With("component", "http_fetcher"),
		clients: make(map[string]*http.Client),
	}
}

// Fetch executes one GET attempt through the egress identity.
func (f *HTTPFetcher) Fetch(ctx context.Context, item *types.WorkItem, egress Egress) (*Result, error) {
	// The read-idle watchdog aborts the request when no body bytes
	// arrive for read_timeout, independent of the total timeout.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, item.SourceURL, nil)
	if err != nil {
		return nil, &types.FetchError{URL: item.SourceURL, Err: err, Retryable: false}
	}

	httpReq.Header.Set("User-Agent", f.cfg.UserAgent)
	httpReq.Header.Set("Accept", "application/pdf,text/html,application/xhtml+xml,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	httpReq.Header.Set("Connection", "keep-alive")

	start := time.Now()
	httpResp, err := f.client(egress).Do(httpReq)
	if err != nil {
		return nil, &types.FetchError{
			URL:       item.SourceURL,
			Err:       err,
			Retryable: isRetryableError(err),
		}
	}
	defer httpResp.Body.Close()

	// 429: back off the whole egress; respect Retry-After when present.
	if httpResp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, 512))
		return nil, &types.FetchError{
			URL:        item.SourceURL,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("rate limited, retry after %s", retryAfter),
			Retryable:  true,
			RetryAfter: retryAfter,
		}
	}

	if httpResp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return nil, &types.FetchError{
			URL:        item.SourceURL,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body))),
			Retryable:  true,
		}
	}

	var reader io.Reader = httpResp.Body
	if f.maxBody > 0 {
		// One extra byte so the payload gate can see the overflow.
		reader = io.LimitReader(reader, f.maxBody+1)
	}
	if f.cfg.ReadTimeout > 0 {
		ir := newIdleTimeoutReader(reader, f.cfg.ReadTimeout, cancel)
		defer ir.stop()
		reader = ir
	}

	reader, err = decompressReader(httpResp, reader)
	if err != nil {
		return nil, &types.FetchError{URL: item.SourceURL, Err: err, Retryable: false}
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &types.FetchError{URL: item.SourceURL, Err: err, Retryable: true}
	}

	duration := time.Since(start)
	f.logger.Debug("fetch complete",
		"correlation_id", item.CorrelationID,
		"url", item.SourceURL,
		"egress", egress.ID,
		"status", httpResp.StatusCode,
		"size", len(body),
		"duration", duration,
	)

	return &Result{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
		FinalURL:   httpResp.Request.URL.String(),
		Duration:   duration,
	}, nil
}

// Close releases idle connections on every per-egress client.
func (f *HTTPFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		c.CloseIdleConnections()
	}
	return nil
}

// Type returns the fetcher type identifier.
func (f *HTTPFetcher) Type() string { return "http" }

// client returns the lazily-built client bound to an egress identity.
func (f *HTTPFetcher) client(egress Egress) *http.Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[egress.ID]; ok {
		return c
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        f.cfg.MaxIdleConns,
		MaxIdleConnsPerHost: f.cfg.MaxIdleConns / 2,
		IdleConnTimeout:     f.cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: f.cfg.TLSInsecure,
		},
		// Decompression is handled here, including brotli.
		DisableCompression: true,
	}
	if egress.Proxy != nil {
		transport.Proxy = http.ProxyURL(egress.Proxy)
	}

	maxRedirects := f.cfg.MaxRedirects
	c := &http.Client{
		Transport: transport,
		Timeout:   f.cfg.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("max redirects (%d) reached", maxRedirects)
			}
			return nil
		},
	}

	f.clients[egress.ID] = c
	return c
}

// idleTimeoutReader aborts the request when Read makes no progress for
// the configured duration.
type idleTimeoutReader struct {
	r     io.Reader
	d     time.Duration
	timer *time.Timer
}

func newIdleTimeoutReader(r io.Reader, d time.Duration, abort func()) *idleTimeoutReader {
	return &idleTimeoutReader{r: r, d: d, timer: time.AfterFunc(d, abort)}
}

func (ir *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.d)
	}
	return n, err
}

func (ir *idleTimeoutReader) stop() { ir.timer.Stop() }

// decompressReader wraps a reader with the appropriate decompressor.
// Handles gzip, deflate, and brotli (br) encodings.
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

// isRetryableError checks if a network error warrants a retry.
// Covers timeouts, connection resets, unexpected EOF, and connection
// refused. Context cancellation is never retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true // total-timeout expiry counts as a transient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
	}
	return false
}

// parseRetryAfter parses the Retry-After header value.
// Supports both integer seconds and HTTP-date formats, capped at 2 minutes.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		if secs > 120 {
			secs = 120
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return time.Second
		}
		if d > 2*time.Minute {
			return 2 * time.Minute
		}
		return d
	}
	return 5 * time.Second
}
