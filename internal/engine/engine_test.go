package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexstalk/lexstalk/internal/cache"
	"github.com/lexstalk/lexstalk/internal/config"
	"github.com/lexstalk/lexstalk/internal/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Engine.Workers = 2
	cfg.Engine.BatchSize = 10
	cfg.Engine.CheckpointInterval = 2
	cfg.Engine.ShutdownGrace = 2 * time.Second
	cfg.Engine.ReportInterval = 0
	cfg.Rate.EgressRate = 1000
	cfg.Rate.EgressBurst = 100
	cfg.Rate.AcquireTimeout = 2 * time.Second
	cfg.Retry.MaxRetries = 2
	cfg.Retry.Base = 10 * time.Millisecond
	cfg.Retry.Jitter = 0
	cfg.Gate.MinBytes = 8
	cfg.Cache.Root = filepath.Join(dir, "cache")
	cfg.Cache.MinFreeBytes = 0
	cfg.Catalog.DSN = filepath.Join(dir, "catalog.db")
	cfg.Checkpoint.Path = filepath.Join(dir, "progress.json")
	return cfg
}

func testEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func seed(t *testing.T, e *Engine, urls ...string) {
	t.Helper()
	_, err := e.Catalog().AddDocuments(context.Background(), urls)
	require.NoError(t, err)
}

func pdfPayload(tag string) []byte {
	return []byte("%PDF-1.4\n% " + tag + " padding padding padding padding\n%%EOF\n")
}

func TestRunCollectsDocuments(t *testing.T) {
	payloads := map[string][]byte{
		"/doc/1.pdf": pdfPayload("one"),
		"/doc/2.pdf": pdfPayload("two"),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := payloads[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	e := testEngine(t, cfg)
	seed(t, e, srv.URL+"/doc/1.pdf", srv.URL+"/doc/2.pdf")

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Succeeded)
	assert.Equal(t, int64(0), summary.Failed)
	assert.Equal(t, int64(2), summary.Processed)
	assert.False(t, summary.Interrupted)

	// The artifact sits at its content-addressed path.
	sum := sha256.Sum256(payloads["/doc/1.pdf"])
	hash := hex.EncodeToString(sum[:])
	_, err = os.Stat(filepath.Join(cfg.Cache.Root, cache.RelPath(hash, "pdf")))
	assert.NoError(t, err)

	stats, err := e.Catalog().Summary(context.Background(), e.Exclusions())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Collected)
	assert.Equal(t, int64(0), stats.Pending)

	// Clean completion removes the checkpoint.
	_, err = os.Stat(cfg.Checkpoint.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestRunStoresHTMLArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><h1>Opinion of the Court</h1></body></html>"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	e := testEngine(t, cfg)
	// No classifier rule matches; the default verdict is direct.
	seed(t, e, srv.URL+"/casefiles/9")

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Succeeded)

	var found bool
	filepath.Walk(cfg.Cache.Root, func(path string, info os.FileInfo, err error) error {
		if err == nil && filepath.Ext(path) == ".html" {
			found = true
		}
		return nil
	})
	assert.True(t, found, "expected a committed .html artifact")
}

func TestRunSkipsMalformedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pdfPayload("good"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	e := testEngine(t, cfg)
	seed(t, e, srv.URL+"/doc/1.pdf", "::not-a-url")

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Succeeded)
	assert.Equal(t, int64(1), summary.Skipped)
	assert.Equal(t, int64(2), summary.Processed)
}

func TestRunDuplicateContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Both documents resolve to identical bytes.
		w.Write(pdfPayload("same"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	e := testEngine(t, cfg)
	seed(t, e, srv.URL+"/doc/1.pdf", srv.URL+"/doc/1-mirror.pdf")

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Succeeded)
	assert.Equal(t, int64(1), summary.Duplicates)
	assert.Equal(t, int64(0), summary.Failed)
}

func TestRunTerminalFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := testConfig(t)
	e := testEngine(t, cfg)
	seed(t, e, srv.URL+"/doc/1.pdf")

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Failed)
	require.NotEmpty(t, summary.TopFailures)
	assert.Contains(t, summary.TopFailures[0].Reason, "status 404")
}

func TestRunRetriesTransient(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		w.Write(pdfPayload("eventually"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	e := testEngine(t, cfg)
	seed(t, e, srv.URL+"/doc/1.pdf")

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Succeeded)
	assert.GreaterOrEqual(t, e.Metrics().Retries.Load(), int64(2))
}

func TestRun429PenalizesAndRecovers(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(pdfPayload("after-backoff"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	e := testEngine(t, cfg)
	seed(t, e, srv.URL+"/doc/1.pdf")

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Succeeded)
	assert.Equal(t, int64(1), e.Metrics().RateLimitHits.Load())
}

func TestRunIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pdfPayload(r.URL.Path))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	e := testEngine(t, cfg)
	seed(t, e, srv.URL+"/doc/1.pdf", srv.URL+"/doc/2.pdf")

	first, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Succeeded)

	second, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Total)
	assert.Equal(t, int64(0), second.Processed)
}

func TestRunRecollectsAfterTerminalFailure(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/doc/1.pdf" && broken.Load() {
			http.NotFound(w, r)
			return
		}
		w.Write(pdfPayload(r.URL.Path))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	e := testEngine(t, cfg)
	seed(t, e, srv.URL+"/doc/1.pdf", srv.URL+"/doc/2.pdf")

	first, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Succeeded)
	assert.Equal(t, int64(1), first.Failed)

	// A document remains pending, so the checkpoint stays.
	_, err = os.Stat(cfg.Checkpoint.Path)
	require.NoError(t, err)

	// The server recovers. The next run must see the failed document
	// again rather than trust the saved cursor to skip past it.
	broken.Store(false)
	second, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Succeeded)

	stats, err := e.Catalog().Summary(context.Background(), e.Exclusions())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Collected)
	assert.Equal(t, int64(0), stats.Pending)
	_, err = os.Stat(cfg.Checkpoint.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestRunDuplicateAcrossExtensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Identical bytes whether or not the URL looks like a PDF.
		w.Write(pdfPayload("same-bytes"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Engine.Workers = 1
	e := testEngine(t, cfg)
	seed(t, e, srv.URL+"/doc/1.pdf", srv.URL+"/judgment/1")

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Succeeded)
	assert.Equal(t, int64(1), summary.Duplicates)

	// The duplicate committed under a second extension must not leave an
	// orphan beside the cataloged artifact.
	var artifacts []string
	filepath.Walk(cfg.Cache.Root, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() && !strings.Contains(path, ".tmp") {
			artifacts = append(artifacts, path)
		}
		return nil
	})
	require.Len(t, artifacts, 1)
	assert.Equal(t, ".pdf", filepath.Ext(artifacts[0]))
}

func TestRunGracefulCancel(t *testing.T) {
	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/doc/1.pdf" {
			once.Do(func() { close(reached) })
			<-release
		}
		w.Write(pdfPayload(r.URL.Path))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Engine.Workers = 1
	cfg.Engine.BatchSize = 1
	e := testEngine(t, cfg)
	seed(t, e,
		srv.URL+"/doc/1.pdf",
		srv.URL+"/doc/2.pdf",
		srv.URL+"/doc/3.pdf",
	)

	ctx, cancel := context.WithCancel(context.Background())
	type runResult struct {
		summary *Summary
		err     error
	}
	done := make(chan runResult, 1)
	go func() {
		s, err := e.Run(ctx)
		done <- runResult{s, err}
	}()

	// Cancel while the first document is in flight, then unblock it.
	<-reached
	cancel()
	close(release)

	res := <-done
	require.ErrorIs(t, res.err, types.ErrRunInterrupted)
	require.NotNil(t, res.summary)
	assert.True(t, res.summary.Interrupted)

	// The checkpoint survives the interruption.
	_, err := os.Stat(cfg.Checkpoint.Path)
	require.NoError(t, err)

	// A fresh run finishes whatever the interrupted one left behind.
	second, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, second.Interrupted)

	stats, err := e.Catalog().Summary(context.Background(), e.Exclusions())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Collected)
	assert.Equal(t, int64(0), stats.Pending)
	_, err = os.Stat(cfg.Checkpoint.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestRunBackoffWidensBetweenRateLimitedAttempts(t *testing.T) {
	var mu sync.Mutex
	var hits []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		n := len(hits)
		mu.Unlock()
		if n <= 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(pdfPayload("finally"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Engine.Workers = 1
	cfg.Retry.MaxRetries = 3
	cfg.Retry.Base = 20 * time.Millisecond
	cfg.Retry.Factor = 2
	cfg.Retry.Penalty429 = 4
	e := testEngine(t, cfg)
	seed(t, e, srv.URL+"/doc/1.pdf")

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Succeeded)
	assert.Equal(t, int64(3), e.Metrics().RateLimitHits.Load())

	// Every 429 widens the pause before the next attempt: base, doubled
	// per attempt, scaled by the 429 penalty, jitter disabled.
	require.Len(t, hits, 4)
	wants := []time.Duration{
		80 * time.Millisecond,
		160 * time.Millisecond,
		320 * time.Millisecond,
	}
	for i, want := range wants {
		gap := hits[i+1].Sub(hits[i])
		assert.GreaterOrEqual(t, gap, want, "gap after 429 #%d", i+1)
	}
}

func TestRunResumesFromCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pdfPayload(r.URL.Path))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	e := testEngine(t, cfg)
	seed(t, e,
		srv.URL+"/doc/1.pdf",
		srv.URL+"/doc/2.pdf",
		srv.URL+"/doc/3.pdf",
	)

	// First pass is capped; the checkpoint survives because documents
	// remain pending.
	cfg.Engine.MaxDocuments = 1
	first, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Succeeded)
	_, err = os.Stat(cfg.Checkpoint.Path)
	require.NoError(t, err)

	// Second pass resumes past the cursor and finishes the rest, with
	// restored counters carried into the summary.
	cfg.Engine.MaxDocuments = 0
	second, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), second.Succeeded)

	stats, err := e.Catalog().Summary(context.Background(), e.Exclusions())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Collected)
	assert.Equal(t, int64(0), stats.Pending)
}
