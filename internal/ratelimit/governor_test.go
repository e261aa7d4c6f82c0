package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexstalk/lexstalk/internal/config"
	"github.com/lexstalk/lexstalk/internal/types"
)

func testGovernor(t *testing.T, egressRate float64, burst int, timeout time.Duration) *Governor {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Rate.EgressRate = egressRate
	cfg.Rate.EgressBurst = burst
	cfg.Rate.GlobalRate = 1000
	cfg.Rate.GlobalBurst = 1000
	cfg.Rate.AcquireTimeout = timeout
	return NewGovernor(cfg, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAcquireWithinBurst(t *testing.T) {
	g := testGovernor(t, 2, 2, time.Second)

	start := time.Now()
	require.NoError(t, g.Acquire(context.Background(), "a"))
	require.NoError(t, g.Acquire(context.Background(), "a"))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "burst tokens should not block")
}

func TestAcquireBlocksAtRate(t *testing.T) {
	g := testGovernor(t, 10, 1, 5*time.Second)

	require.NoError(t, g.Acquire(context.Background(), "a"))
	start := time.Now()
	require.NoError(t, g.Acquire(context.Background(), "a"))
	// Second token refills at 10/s, so roughly 100ms.
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireTimeout(t *testing.T) {
	g := testGovernor(t, 0.1, 1, 100*time.Millisecond)

	require.NoError(t, g.Acquire(context.Background(), "a"))
	err := g.Acquire(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrRateLimitTimeout), "got %v", err)
}

func TestAcquireCancellation(t *testing.T) {
	g := testGovernor(t, 0.1, 1, 10*time.Second)
	require.NoError(t, g.Acquire(context.Background(), "a"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Acquire(ctx, "a") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return promptly after cancellation")
	}
}

func TestIndependentEgressBuckets(t *testing.T) {
	g := testGovernor(t, 1, 1, 200*time.Millisecond)

	require.NoError(t, g.Acquire(context.Background(), "a"))
	// Different identity has its own bucket and must not block.
	start := time.Now()
	require.NoError(t, g.Acquire(context.Background(), "b"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPenalizeDrainsBucket(t *testing.T) {
	g := testGovernor(t, 1, 2, 150*time.Millisecond)

	g.Penalize("a", 2)
	err := g.Acquire(context.Background(), "a")
	require.Error(t, err, "penalized bucket should not have tokens within the timeout")
	assert.True(t, errors.Is(err, types.ErrRateLimitTimeout))
}

func TestRateCeilingOverWindow(t *testing.T) {
	// With rate 10/s and burst 2, one second of acquisitions must not
	// exceed rate + burst.
	g := testGovernor(t, 10, 2, 50*time.Millisecond)

	var granted int
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := g.Acquire(context.Background(), "a"); err == nil {
			granted++
		}
	}
	assert.LessOrEqual(t, granted, 13, "granted %d tokens in 1s window", granted)
}
