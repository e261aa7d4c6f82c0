// Package engine orchestrates a collection run: it pulls pending
// documents from the catalog in cursor batches, annotates them with the
// classifier's verdict, and feeds a fixed pool of workers through a
// bounded task channel. A single collector goroutine owns all run
// counters and the checkpoint file.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lexstalk/lexstalk/internal/cache"
	"github.com/lexstalk/lexstalk/internal/catalog"
	"github.com/lexstalk/lexstalk/internal/classifier"
	"github.com/lexstalk/lexstalk/internal/config"
	"github.com/lexstalk/lexstalk/internal/fetcher"
	"github.com/lexstalk/lexstalk/internal/gate"
	"github.com/lexstalk/lexstalk/internal/observability"
	"github.com/lexstalk/lexstalk/internal/ratelimit"
	"github.com/lexstalk/lexstalk/internal/types"
)

// Engine wires the collection components together and runs the
// dispatcher loop.
type Engine struct {
	cfg        *config.Config
	logger     *slog.Logger
	catalog    *catalog.Gateway
	store      *cache.Store
	classifier *classifier.Classifier
	governor   *ratelimit.Governor
	selector   *fetcher.Selector
	direct     fetcher.Fetcher
	browser    fetcher.Fetcher // nil when disabled
	metrics    *observability.Metrics
	checkpoint *CheckpointManager
}

// Summary is the end-of-run report.
type Summary struct {
	RunID       string
	Total       int64
	Processed   int64
	Succeeded   int64
	Failed      int64
	Skipped     int64
	Duplicates  int64
	Elapsed     time.Duration
	Interrupted bool
	TopFailures []catalog.FailureCount
}

// New builds a fully wired engine from configuration. The browser
// fetcher only launches when enabled; everything else is mandatory.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	cat, err := catalog.Open(&cfg.Catalog, cfg.Engine.Workers+2, logger)
	if err != nil {
		return nil, err
	}

	store, err := cache.New(cfg.Cache.Root, logger)
	if err != nil {
		cat.Close()
		return nil, err
	}

	cls, err := classifier.New(&cfg.Classifier)
	if err != nil {
		cat.Close()
		return nil, err
	}

	selector, err := fetcher.NewSelector(&cfg.Rate, logger)
	if err != nil {
		cat.Close()
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		catalog:    cat,
		store:      store,
		classifier: cls,
		governor:   ratelimit.NewGovernor(cfg, logger),
		selector:   selector,
		direct:     fetcher.NewHTTPFetcher(cfg, logger),
		metrics:    observability.NewMetrics(logger),
		checkpoint: NewCheckpointManager(cfg.Checkpoint.Path, logger),
	}

	if cfg.Browser.Enabled {
		bf, err := fetcher.NewBrowserFetcher(cfg, selector, logger)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("start browser pool: %w", err)
		}
		e.browser = bf
	}

	return e, nil
}

// Metrics exposes the run counters, for the metrics endpoint.
func (e *Engine) Metrics() *observability.Metrics { return e.metrics }

// Catalog exposes the catalog gateway, for the status subcommand.
func (e *Engine) Catalog() *catalog.Gateway { return e.catalog }

// Exclusions returns the classifier's query-time URL exclusions.
func (e *Engine) Exclusions() []string { return e.classifier.SubstringExclusions() }

// Close releases fetchers and the catalog connection pool.
func (e *Engine) Close() error {
	var firstErr error
	if e.direct != nil {
		if err := e.direct.Close(); err != nil {
			firstErr = err
		}
	}
	if e.browser != nil {
		if err := e.browser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.catalog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Run executes one collection pass. Cancelling ctx requests shutdown:
// intake stops immediately and in-flight items get shutdown_grace to
// finish before being abandoned.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	exclusions := e.classifier.SubstringExclusions()

	cp := &Checkpoint{RunID: uuid.NewString(), StartedAt: start}
	if e.cfg.Engine.Resume {
		prev, err := e.checkpoint.Load()
		if err != nil {
			return nil, err
		}
		if prev != nil {
			cp = prev
			e.logger.Info("resuming from checkpoint",
				"run_id", cp.RunID,
				"cursor", cp.Cursor,
				"processed", cp.Processed,
			)
		}
	} else if err := e.checkpoint.Clear(); err != nil {
		return nil, err
	}

	e.metrics.Succeeded.Store(cp.Succeeded)
	e.metrics.Failed.Store(cp.Failed)
	e.metrics.Skipped.Store(cp.Skipped)
	e.metrics.Duplicates.Store(cp.Duplicates)

	pending, err := e.catalog.CountPending(ctx, exclusions)
	if err != nil {
		return nil, err
	}
	total := pending
	if max := e.cfg.Engine.MaxDocuments; max > 0 && max < total {
		total = max
	}
	cp.Total = total

	e.logger.Info("run starting",
		"run_id", cp.RunID,
		"pending", pending,
		"total", total,
		"workers", e.cfg.Engine.Workers,
		"egresses", e.selector.Count(),
		"global_rate", e.cfg.EffectiveGlobalRate(),
	)

	if total == 0 {
		e.logger.Info("nothing to collect")
		if err := e.checkpoint.Clear(); err != nil {
			e.logger.Error("checkpoint clear failed", "error", err)
		}
		return &Summary{RunID: cp.RunID, Elapsed: time.Since(start)}, nil
	}

	// Workers run under their own context so a shutdown request can give
	// in-flight items a grace period before hard-cancelling them.
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()
	drained := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.logger.Info("shutdown requested, draining in-flight work",
				"grace", e.cfg.Engine.ShutdownGrace,
			)
			select {
			case <-time.After(e.cfg.Engine.ShutdownGrace):
				e.logger.Warn("shutdown grace elapsed, abandoning in-flight work")
				workCancel()
			case <-drained:
			}
		case <-drained:
		}
	}()

	taskCh := make(chan *types.WorkItem, e.cfg.Engine.Workers)
	outcomeCh := make(chan *types.Outcome, e.cfg.Engine.Workers)

	var lowDisk atomic.Bool
	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()
	go e.monitorDisk(monitorCtx, &lowDisk)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Engine.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wk := e.newWorker(id)
			for item := range taskCh {
				e.metrics.QueueDepth.Add(-1)
				e.metrics.ActiveWorkers.Add(1)
				o := wk.process(workCtx, item)
				e.metrics.ActiveWorkers.Add(-1)
				if o != nil {
					outcomeCh <- o
				}
			}
		}(i)
	}

	var cursor atomic.Int64
	cursor.Store(cp.Cursor)

	var collectorWG sync.WaitGroup
	collectorWG.Add(1)
	go func() {
		defer collectorWG.Done()
		e.collect(outcomeCh, cp, &cursor, total, start)
	}()

	e.dispatch(ctx, cp.Cursor, total, exclusions, &lowDisk, &cursor, taskCh, outcomeCh)

	close(taskCh)
	wg.Wait()
	close(drained)
	close(outcomeCh)
	collectorWG.Wait()

	interrupted := ctx.Err() != nil

	// The cursor is intra-run state. A run that ends on its own has
	// consulted the whole catalog, so the next run must rescan from the
	// start rather than trust the marker to skip pending documents.
	cp.Cursor = cursor.Load()
	if !interrupted {
		cp.Cursor = 0
	}
	if err := e.checkpoint.Save(cp); err != nil {
		e.logger.Error("final checkpoint save failed", "error", err)
	}

	// The report must still come out after a signal, so it gets its own
	// short-lived context.
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reportCancel()

	summary := &Summary{
		RunID:       cp.RunID,
		Total:       total,
		Processed:   e.metrics.Processed(),
		Succeeded:   e.metrics.Succeeded.Load(),
		Failed:      e.metrics.Failed.Load(),
		Skipped:     e.metrics.Skipped.Load(),
		Duplicates:  e.metrics.Duplicates.Load(),
		Elapsed:     time.Since(start),
		Interrupted: interrupted,
	}
	if top, err := e.catalog.TopFailures(reportCtx, cp.StartedAt, 5); err == nil {
		summary.TopFailures = top
	} else {
		e.logger.Error("failure report query failed", "error", err)
	}

	if !interrupted {
		if remaining, err := e.catalog.CountPending(reportCtx, exclusions); err == nil && remaining == 0 {
			if err := e.checkpoint.Clear(); err != nil {
				e.logger.Error("checkpoint clear failed", "error", err)
			}
		}
	}

	e.logger.Info("run finished",
		"run_id", summary.RunID,
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"duplicates", summary.Duplicates,
		"elapsed", summary.Elapsed.Round(time.Millisecond),
		"interrupted", summary.Interrupted,
	)
	if interrupted {
		return summary, types.ErrRunInterrupted
	}
	return summary, nil
}

// dispatch feeds the task channel from cursor batches until the run
// target is met, the catalog runs dry, or shutdown is requested.
func (e *Engine) dispatch(
	ctx context.Context,
	afterID, total int64,
	exclusions []string,
	lowDisk *atomic.Bool,
	cursor *atomic.Int64,
	taskCh chan<- *types.WorkItem,
	outcomeCh chan<- *types.Outcome,
) {
	var dispatched int64
	seen := make(map[int64]struct{})
	wrapped := false

	for dispatched < total && ctx.Err() == nil {
		for lowDisk.Load() {
			e.logger.Warn("free disk below threshold, intake paused")
			if !sleepCtx(ctx, e.cfg.Cache.FreeSpaceCheckInterval) {
				return
			}
		}

		limit := e.cfg.Engine.BatchSize
		if rem := total - dispatched; rem < int64(limit) {
			limit = int(rem)
		}

		batch, err := e.catalog.FetchPendingBatch(ctx, afterID, limit, exclusions)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Error("batch fetch failed, stopping intake", "error", err)
			}
			return
		}
		if len(batch) == 0 {
			// A resumed cursor can sit past documents that are still
			// pending (earlier terminal failures, abandoned in-flight
			// items), so rescan once from the start before giving up.
			if !wrapped && afterID != 0 {
				wrapped = true
				afterID = 0
				continue
			}
			return
		}

		for _, doc := range batch {
			if _, dup := seen[doc.ID]; dup {
				continue
			}
			seen[doc.ID] = struct{}{}

			item := types.NewWorkItem(doc.ID, doc.SourceURL)
			item.Verdict, item.LowConfidence = e.classifier.Classify(doc.SourceURL)

			if item.Verdict == types.VerdictUnfetchable {
				// Regex and suffix exclusions are not expressible in the
				// pending query, so some unfetchables surface here.
				outcomeCh <- &types.Outcome{
					Kind:       types.OutcomeSkipped,
					DocumentID: doc.ID,
					Reason:     types.ErrUnfetchable.Error(),
				}
				dispatched++
				continue
			}
			if item.LowConfidence {
				e.logger.Debug("no classifier rule matched, assuming direct",
					"document_id", doc.ID,
					"url", doc.SourceURL,
				)
			}

			e.metrics.QueueDepth.Add(1)
			select {
			case taskCh <- item:
				dispatched++
			case <-ctx.Done():
				e.metrics.QueueDepth.Add(-1)
				return
			}
		}

		afterID = batch[len(batch)-1].ID
		cursor.Store(afterID)
	}
}

// collect is the single owner of the run counters and the checkpoint
// writer. It also emits the periodic progress report.
func (e *Engine) collect(outcomeCh <-chan *types.Outcome, cp *Checkpoint, cursor *atomic.Int64, total int64, start time.Time) {
	interval := int64(e.cfg.Engine.CheckpointInterval)
	var sinceCheckpoint int64
	var processedThisRun int64
	lastReport := time.Now()

	for o := range outcomeCh {
		switch o.Kind {
		case types.OutcomeSucceeded:
			e.metrics.Succeeded.Add(1)
		case types.OutcomeFailed:
			e.metrics.Failed.Add(1)
		case types.OutcomeSkipped:
			e.metrics.Skipped.Add(1)
		case types.OutcomeDuplicate:
			e.metrics.Duplicates.Add(1)
		}
		processedThisRun++
		sinceCheckpoint++

		if interval > 0 && sinceCheckpoint >= interval {
			sinceCheckpoint = 0
			e.saveProgress(cp, cursor)
		}

		if ri := e.cfg.Engine.ReportInterval; ri > 0 && time.Since(lastReport) >= ri {
			lastReport = time.Now()
			elapsed := time.Since(start)
			rate := float64(processedThisRun) / elapsed.Seconds()
			var eta time.Duration
			if rate > 0 {
				eta = time.Duration(float64(total-processedThisRun) / rate * float64(time.Second))
			}
			e.logger.Info("progress",
				"processed", processedThisRun,
				"total", total,
				"succeeded", e.metrics.Succeeded.Load(),
				"failed", e.metrics.Failed.Load(),
				"skipped", e.metrics.Skipped.Load(),
				"duplicates", e.metrics.Duplicates.Load(),
				"docs_per_sec", fmt.Sprintf("%.2f", rate),
				"eta", eta.Round(time.Second),
			)
		}
	}

	e.saveProgress(cp, cursor)
}

// saveProgress snapshots the counters into the checkpoint and writes it.
func (e *Engine) saveProgress(cp *Checkpoint, cursor *atomic.Int64) {
	cp.Cursor = cursor.Load()
	cp.Succeeded = e.metrics.Succeeded.Load()
	cp.Failed = e.metrics.Failed.Load()
	cp.Skipped = e.metrics.Skipped.Load()
	cp.Duplicates = e.metrics.Duplicates.Load()
	cp.Processed = e.metrics.Processed()
	if err := e.checkpoint.Save(cp); err != nil {
		e.logger.Error("checkpoint save failed", "error", err)
	}
}

// monitorDisk flips the low-disk flag when the cache filesystem drops
// below the configured floor, and back when it recovers.
func (e *Engine) monitorDisk(ctx context.Context, lowDisk *atomic.Bool) {
	interval := e.cfg.Cache.FreeSpaceCheckInterval
	if interval <= 0 || e.cfg.Cache.MinFreeBytes == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			free, err := e.store.FreeBytes()
			if err != nil {
				e.logger.Error("free space check failed", "error", err)
				continue
			}
			low := free < e.cfg.Cache.MinFreeBytes
			if low && !lowDisk.Load() {
				e.logger.Error("free disk space below threshold",
					"free_bytes", free,
					"min_free_bytes", e.cfg.Cache.MinFreeBytes,
				)
			} else if !low && lowDisk.Load() {
				e.logger.Info("free disk space recovered", "free_bytes", free)
			}
			lowDisk.Store(low)
		}
	}
}

// newWorker builds one worker bound to the shared components.
func (e *Engine) newWorker(id int) *worker {
	return &worker{
		id:       id,
		cfg:      e.cfg,
		governor: e.governor,
		selector: e.selector,
		direct:   e.direct,
		browser:  e.browser,
		preGates: gate.NewChain(
			&gate.HTTPGate{MinBytes: e.cfg.Gate.MinBytes, MaxTime: e.cfg.Gate.MaxResponseTime},
			&gate.PayloadGate{MaxBytes: e.cfg.Gate.MaxBytes},
		),
		writeGate: &gate.WriteGate{},
		store:     e.store,
		catalog:   e.catalog,
		metrics:   e.metrics,
		logger:    e.logger.With("worker", id),
	}
}
