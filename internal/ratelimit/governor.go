// Package ratelimit enforces the per-egress and global outbound request
// ceilings. Every worker acquires one token from its egress bucket and one
// from the global bucket before each HTTP attempt.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lexstalk/lexstalk/internal/config"
	"github.com/lexstalk/lexstalk/internal/types"
)

// Governor owns one token bucket per egress identity plus a global bucket.
type Governor struct {
	egressRate  rate.Limit
	egressBurst int
	global      *rate.Limiter
	timeout     time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewGovernor builds a Governor from the rate configuration. The global
// ceiling defaults to workers x egress_rate with burst = workers.
func NewGovernor(cfg *config.Config, logger *slog.Logger) *Governor {
	return &Governor{
		egressRate:  rate.Limit(cfg.Rate.EgressRate),
		egressBurst: cfg.Rate.EgressBurst,
		global:      rate.NewLimiter(rate.Limit(cfg.EffectiveGlobalRate()), cfg.EffectiveGlobalBurst()),
		timeout:     cfg.Rate.AcquireTimeout,
		logger:      logger.With("component", "rate_governor"),
		buckets:     make(map[string]*rate.Limiter),
	}
}

// Acquire blocks until one token is available on the egress bucket and one
// on the global bucket, or until the configured timeout elapses. A timeout
// surfaces as types.ErrRateLimitTimeout so the caller can treat the
// document as a retryable failure. Cancellation propagates promptly.
func (g *Governor) Acquire(ctx context.Context, egressID string) error {
	waitCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if err := g.bucket(egressID).Wait(waitCtx); err != nil {
		return g.classify(ctx, err)
	}
	if err := g.global.Wait(waitCtx); err != nil {
		return g.classify(ctx, err)
	}
	return nil
}

// Penalize drains up to n tokens from an egress bucket, throttling the
// whole identity after the remote signalled overload (HTTP 429).
func (g *Governor) Penalize(egressID string, n int) {
	if n > g.egressBurst {
		n = g.egressBurst
	}
	if n <= 0 {
		return
	}
	b := g.bucket(egressID)
	now := time.Now()
	if !b.AllowN(now, n) {
		// Bucket already empty; reserve into the future instead.
		b.ReserveN(now, n)
	}
	g.logger.Debug("egress penalized", "egress", egressID, "tokens", n)
}

func (g *Governor) bucket(egressID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[egressID]
	if !ok {
		b = rate.NewLimiter(g.egressRate, g.egressBurst)
		g.buckets[egressID] = b
	}
	return b
}

// classify separates a governor timeout from caller cancellation. Wait
// reports a bucket it cannot serve within the deadline with its own
// error value rather than context.DeadlineExceeded, so any failure
// while the caller's context is still live counts as a timeout.
func (g *Governor) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return types.ErrRateLimitTimeout
}
