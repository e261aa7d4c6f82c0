package gate

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexstalk/lexstalk/internal/cache"
	"github.com/lexstalk/lexstalk/internal/fetcher"
	"github.com/lexstalk/lexstalk/internal/types"
)

func pdfBody(n int) []byte {
	b := append([]byte{}, "%PDF-1.4\n"...)
	return append(b, bytes.Repeat([]byte("x"), n-len(b))...)
}

func gateCtx(url string, status int, body []byte, dur time.Duration) *Context {
	return &Context{
		Item: types.NewWorkItem(1, url),
		Result: &fetcher.Result{
			StatusCode: status,
			Body:       body,
			Duration:   dur,
		},
	}
}

func TestHTTPGate(t *testing.T) {
	g := &HTTPGate{MinBytes: 1024, MaxTime: time.Minute}

	cases := []struct {
		name     string
		status   int
		bodyLen  int
		dur      time.Duration
		wantErr  bool
		terminal bool
	}{
		{"ok", 200, 2048, time.Second, false, false},
		{"other 2xx", 206, 2048, time.Second, false, false},
		{"not found", 404, 2048, time.Second, true, true},
		{"forbidden", 403, 2048, time.Second, true, true},
		{"redirect slipped", 301, 2048, time.Second, true, true},
		{"too small", 200, 100, time.Second, true, true},
		{"too slow", 200, 2048, 2 * time.Minute, true, false},
		{"rate limited", 429, 2048, time.Second, true, false},
		{"server error", 503, 2048, time.Second, true, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := gateCtx("https://example.org/a.pdf", tc.status, bytes.Repeat([]byte("x"), tc.bodyLen), tc.dur)
			err := g.Check(c)
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			var ge *types.GateError
			require.True(t, errors.As(err, &ge), "got %v", err)
			assert.Equal(t, tc.terminal, ge.Terminal)
		})
	}
}

func TestPayloadGatePDF(t *testing.T) {
	g := &PayloadGate{MaxBytes: 1 << 20}

	t.Run("valid pdf", func(t *testing.T) {
		c := gateCtx("https://example.org/a.pdf", 200, pdfBody(2048), time.Second)
		assert.NoError(t, g.Check(c))
	})

	t.Run("missing magic", func(t *testing.T) {
		c := gateCtx("https://example.org/a.pdf", 200, []byte("<html>not a pdf</html>"), time.Second)
		err := g.Check(c)
		var ge *types.GateError
		require.True(t, errors.As(err, &ge))
		assert.True(t, ge.Terminal)
	})

	t.Run("oversized", func(t *testing.T) {
		g := &PayloadGate{MaxBytes: 1024}
		c := gateCtx("https://example.org/a.pdf", 200, pdfBody(4096), time.Second)
		err := g.Check(c)
		var ge *types.GateError
		require.True(t, errors.As(err, &ge))
		assert.True(t, ge.Terminal)
	})
}

func TestPayloadGateHTML(t *testing.T) {
	g := &PayloadGate{MaxBytes: 1 << 20}

	t.Run("valid html", func(t *testing.T) {
		c := gateCtx("https://example.org/judgment/1", 200, []byte("<html><body><h1>Judgment</h1></body></html>"), time.Second)
		assert.NoError(t, g.Check(c))
	})

	t.Run("empty body", func(t *testing.T) {
		c := gateCtx("https://example.org/judgment/1", 200, nil, time.Second)
		assert.Error(t, g.Check(c))
	})

	t.Run("binary garbage", func(t *testing.T) {
		c := gateCtx("https://example.org/judgment/1", 200, []byte{0xff, 0xfe, 0x00, 0x81, 0x82}, time.Second)
		assert.Error(t, g.Check(c))
	})
}

func TestWriteGate(t *testing.T) {
	store, err := cache.New(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)

	body := pdfBody(2048)
	staged, err := store.Stage(body)
	require.NoError(t, err)
	defer staged.Discard()

	c := gateCtx("https://example.org/a.pdf", 200, body, time.Second)
	c.Staged = staged

	g := &WriteGate{}
	assert.NoError(t, g.Check(c))

	t.Run("missing staged", func(t *testing.T) {
		c := gateCtx("https://example.org/a.pdf", 200, body, time.Second)
		assert.Error(t, g.Check(c))
	})
}

func TestChainShortCircuits(t *testing.T) {
	chain := NewChain(
		&HTTPGate{MinBytes: 1024, MaxTime: time.Minute},
		&PayloadGate{MaxBytes: 1 << 20},
	)

	// Fails gate one; gate two (which would also fail) never reports.
	c := gateCtx("https://example.org/a.pdf", 404, []byte("tiny"), time.Second)
	err := chain.Run(c)
	var ge *types.GateError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "http_response", ge.Gate)
}
