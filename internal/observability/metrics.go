package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Metrics tracks operational counters for a collection run.
type Metrics struct {
	// Per-document outcomes
	Succeeded  atomic.Int64
	Failed     atomic.Int64
	Skipped    atomic.Int64
	Duplicates atomic.Int64

	// Fetch activity
	Attempts        atomic.Int64
	Retries         atomic.Int64
	RateLimitHits   atomic.Int64
	GateRejections  atomic.Int64
	BytesDownloaded atomic.Int64

	// Engine state
	ActiveWorkers atomic.Int32
	QueueDepth    atomic.Int64

	logger *slog.Logger
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *slog.Logger) *Metrics {
	return &Metrics{
		logger: logger.With("component", "metrics"),
	}
}

// Processed returns the total number of documents reaching a terminal
// outcome so far this run.
func (m *Metrics) Processed() int64 {
	return m.Succeeded.Load() + m.Failed.Load() + m.Skipped.Load() + m.Duplicates.Load()
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	metrics := []struct {
		name  string
		help  string
		value int64
	}{
		{"lexstalk_documents_succeeded_total", "Documents collected successfully", m.Succeeded.Load()},
		{"lexstalk_documents_failed_total", "Documents terminally failed", m.Failed.Load()},
		{"lexstalk_documents_skipped_total", "Documents skipped as unfetchable", m.Skipped.Load()},
		{"lexstalk_documents_duplicate_total", "Documents whose content was already cataloged", m.Duplicates.Load()},
		{"lexstalk_fetch_attempts_total", "Fetch attempts made", m.Attempts.Load()},
		{"lexstalk_fetch_retries_total", "Fetch attempts that were retries", m.Retries.Load()},
		{"lexstalk_rate_limit_hits_total", "HTTP 429 responses received", m.RateLimitHits.Load()},
		{"lexstalk_gate_rejections_total", "Quality gate rejections", m.GateRejections.Load()},
		{"lexstalk_bytes_downloaded_total", "Total payload bytes downloaded", m.BytesDownloaded.Load()},
		{"lexstalk_active_workers", "Currently active workers", int64(m.ActiveWorkers.Load())},
		{"lexstalk_queue_depth", "Work items waiting on the task channel", m.QueueDepth.Load()},
	}

	for _, metric := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", metric.name)
		fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
	}
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Snapshot returns all metrics as a map.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"succeeded":        m.Succeeded.Load(),
		"failed":           m.Failed.Load(),
		"skipped":          m.Skipped.Load(),
		"duplicates":       m.Duplicates.Load(),
		"attempts":         m.Attempts.Load(),
		"retries":          m.Retries.Load(),
		"rate_limit_hits":  m.RateLimitHits.Load(),
		"gate_rejections":  m.GateRejections.Load(),
		"bytes_downloaded": m.BytesDownloaded.Load(),
		"active_workers":   int64(m.ActiveWorkers.Load()),
		"queue_depth":      m.QueueDepth.Load(),
	}
}
