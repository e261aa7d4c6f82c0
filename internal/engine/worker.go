package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/lexstalk/lexstalk/internal/cache"
	"github.com/lexstalk/lexstalk/internal/catalog"
	"github.com/lexstalk/lexstalk/internal/config"
	"github.com/lexstalk/lexstalk/internal/fetcher"
	"github.com/lexstalk/lexstalk/internal/gate"
	"github.com/lexstalk/lexstalk/internal/observability"
	"github.com/lexstalk/lexstalk/internal/ratelimit"
	"github.com/lexstalk/lexstalk/internal/types"
)

// worker drives one document at a time through the full pipeline:
// acquire rate tokens, fetch, gates, stage, commit, record. Workers
// report outcomes; they never propagate per-document errors upward.
type worker struct {
	id        int
	cfg       *config.Config
	governor  *ratelimit.Governor
	selector  *fetcher.Selector
	direct    fetcher.Fetcher
	browser   fetcher.Fetcher // nil when the browser pool is disabled
	preGates  *gate.Chain
	writeGate gate.Gate
	store     *cache.Store
	catalog   *catalog.Gateway
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// attemptResult is what one fetch attempt produced: either a terminal
// outcome, or a transient reason worth retrying.
type attemptResult struct {
	outcome     *types.Outcome
	reason      string
	rateLimited bool
	retryAfter  time.Duration
}

// process runs the retry loop for one work item. A nil return means the
// run was cancelled mid-item and nothing should be recorded.
func (w *worker) process(ctx context.Context, item *types.WorkItem) *types.Outcome {
	maxRetries := w.cfg.Retry.MaxRetries

	var lastReason string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		item.Retries = attempt
		if attempt > 0 {
			w.metrics.Retries.Add(1)
		}

		res := w.attempt(ctx, item)
		if ctx.Err() != nil {
			return nil
		}
		if res.outcome != nil {
			res.outcome.Attempts = attempt + 1
			return res.outcome
		}

		lastReason = res.reason
		if attempt == maxRetries {
			break
		}

		delay := w.backoff(attempt)
		if res.rateLimited {
			penalized := time.Duration(float64(delay) * w.cfg.Retry.Penalty429)
			if res.retryAfter > penalized {
				delay = res.retryAfter
			} else {
				delay = penalized
			}
		}
		w.logger.Debug("retrying after transient failure",
			"correlation_id", item.CorrelationID,
			"document_id", item.DocumentID,
			"attempt", attempt+1,
			"delay", delay,
			"reason", lastReason,
		)
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}

	return w.fail(ctx, item, lastReason, maxRetries+1)
}

// attempt performs one pass through the pipeline.
func (w *worker) attempt(ctx context.Context, item *types.WorkItem) attemptResult {
	egress := w.selector.Next()

	if err := w.governor.Acquire(ctx, egress.ID); err != nil {
		if errors.Is(err, types.ErrRateLimitTimeout) {
			return attemptResult{reason: "rate token acquisition timed out"}
		}
		// Cancellation; process checks ctx and abandons.
		return attemptResult{reason: "interrupted"}
	}

	f := w.direct
	if item.Verdict == types.VerdictRendered {
		if w.browser == nil {
			return attemptResult{outcome: w.failNow(ctx, item, types.ErrBrowserDisabled.Error())}
		}
		f = w.browser
	}

	w.metrics.Attempts.Add(1)
	res, err := f.Fetch(ctx, item, egress)
	if err != nil {
		var fe *types.FetchError
		if errors.As(err, &fe) {
			if fe.IsRateLimited() {
				w.metrics.RateLimitHits.Add(1)
				w.governor.Penalize(egress.ID, w.cfg.Rate.EgressBurst)
				return attemptResult{
					reason:      fe.Error(),
					rateLimited: true,
					retryAfter:  fe.RetryAfter,
				}
			}
			if fe.Retryable {
				return attemptResult{reason: fe.Error()}
			}
			return attemptResult{outcome: w.failNow(ctx, item, fe.Error())}
		}
		return attemptResult{reason: err.Error()}
	}

	w.metrics.BytesDownloaded.Add(int64(len(res.Body)))

	gc := &gate.Context{Item: item, Result: res}
	if err := w.preGates.Run(gc); err != nil {
		return w.rejected(ctx, item, err)
	}

	staged, err := w.store.Stage(res.Body)
	if err != nil {
		return attemptResult{reason: err.Error()}
	}

	gc.Staged = staged
	if err := w.writeGate.Check(gc); err != nil {
		staged.Discard()
		return w.rejected(ctx, item, err)
	}

	ext := "html"
	if item.ExpectsPDF() {
		ext = "pdf"
	}
	rel, err := staged.Commit(w.store, ext)
	if err != nil {
		staged.Discard()
		return attemptResult{reason: err.Error()}
	}

	meta := &types.ArtifactMeta{
		ContentHash: staged.Hash,
		ByteSize:    staged.Size,
		CachePath:   rel,
		StorageTier: types.TierLocal,
		Ext:         ext,
	}

	kind, err := w.catalog.RecordSuccess(ctx, item.DocumentID, meta)
	if err != nil {
		// The artifact is committed under its content hash, so a later
		// run records it cleanly; only the catalog write is lost here.
		return attemptResult{outcome: w.failNow(ctx, item, err.Error())}
	}

	if kind == types.OutcomeDuplicate {
		// The same bytes can commit under two extensions when the URLs
		// classify differently; keep only the path the catalog knows.
		if existing, perr := w.catalog.PathForHash(ctx, staged.Hash); perr == nil && existing != rel {
			if rerr := w.store.Remove(rel); rerr != nil {
				w.logger.Warn("failed to remove duplicate artifact",
					"correlation_id", item.CorrelationID,
					"path", rel,
					"error", rerr,
				)
			}
			meta.CachePath = existing
			rel = existing
		}
	}

	w.logger.Info("document collected",
		"correlation_id", item.CorrelationID,
		"document_id", item.DocumentID,
		"outcome", string(kind),
		"hash", meta.ContentHash,
		"size", meta.ByteSize,
		"path", rel,
	)
	return attemptResult{outcome: &types.Outcome{
		Kind:       kind,
		DocumentID: item.DocumentID,
		Artifact:   meta,
	}}
}

// rejected translates a gate error into either a terminal outcome or a
// transient reason.
func (w *worker) rejected(ctx context.Context, item *types.WorkItem, err error) attemptResult {
	w.metrics.GateRejections.Add(1)
	var ge *types.GateError
	if errors.As(err, &ge) && ge.Terminal {
		return attemptResult{outcome: w.failNow(ctx, item, ge.Error())}
	}
	return attemptResult{reason: err.Error()}
}

// failNow records a terminal failure reached on the current attempt.
func (w *worker) failNow(ctx context.Context, item *types.WorkItem, reason string) *types.Outcome {
	return w.fail(ctx, item, reason, item.Retries+1)
}

// fail writes the failure row and builds the failed outcome.
func (w *worker) fail(ctx context.Context, item *types.WorkItem, reason string, attempts int) *types.Outcome {
	if err := w.catalog.RecordFailure(ctx, item.DocumentID, item.SourceURL, reason, attempts); err != nil {
		w.logger.Error("failed to record failure",
			"correlation_id", item.CorrelationID,
			"document_id", item.DocumentID,
			"error", err,
		)
	}
	w.logger.Warn("document failed",
		"correlation_id", item.CorrelationID,
		"document_id", item.DocumentID,
		"url", item.SourceURL,
		"attempts", attempts,
		"reason", reason,
	)
	return &types.Outcome{
		Kind:       types.OutcomeFailed,
		DocumentID: item.DocumentID,
		Reason:     reason,
		Attempts:   attempts,
	}
}

// backoff computes the exponential delay for the given attempt with
// symmetric jitter.
func (w *worker) backoff(attempt int) time.Duration {
	d := float64(w.cfg.Retry.Base)
	for i := 0; i < attempt; i++ {
		d *= w.cfg.Retry.Factor
	}
	if j := w.cfg.Retry.Jitter; j > 0 {
		d *= 1 + (rand.Float64()*2-1)*j
	}
	return time.Duration(d)
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
