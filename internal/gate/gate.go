// Package gate implements the quality gates every fetched artifact passes
// before it may be recorded: the HTTP response gate, the payload-type
// gate, and the write-integrity gate. Hash uniqueness (gate four) is a
// property of the catalog insert and lives in the gateway.
package gate

import (
	"bytes"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/lexstalk/lexstalk/internal/cache"
	"github.com/lexstalk/lexstalk/internal/fetcher"
	"github.com/lexstalk/lexstalk/internal/types"
)

// pdfMagic is the leading byte signature of every PDF.
var pdfMagic = []byte("%PDF-")

// Context carries one artifact through the chain.
type Context struct {
	Item   *types.WorkItem
	Result *fetcher.Result

	// Staged is set before the write-integrity gate runs.
	Staged *cache.Staged
}

// Gate is one pass/fail check. A failed check returns *types.GateError.
type Gate interface {
	Name() string
	Check(c *Context) error
}

// Chain runs gates in order, short-circuiting on the first failure.
type Chain struct {
	gates []Gate
}

// NewChain builds a chain from the given gates.
func NewChain(gates ...Gate) *Chain {
	return &Chain{gates: gates}
}

// Run evaluates every gate against the context.
func (ch *Chain) Run(c *Context) error {
	for _, g := range ch.gates {
		if err := g.Check(c); err != nil {
			return err
		}
	}
	return nil
}

// HTTPGate validates the response envelope: status, minimum size, and
// response time.
type HTTPGate struct {
	MinBytes int64
	MaxTime  time.Duration
}

func (g *HTTPGate) Name() string { return "http_response" }

func (g *HTTPGate) Check(c *Context) error {
	status := c.Result.StatusCode
	switch {
	case status == http.StatusOK:
		// The expected case.
	case status >= 200 && status < 300:
		// Other 2xx count as success.
	case status == http.StatusTooManyRequests || status >= 500:
		// Normally converted to a FetchError by the transport; kept
		// here so the gate is safe to run standalone.
		return &types.GateError{Gate: g.Name(), Reason: fmt.Sprintf("status %d", status)}
	default:
		// 3xx that slipped redirect following, or any other 4xx:
		// terminal for this run.
		return &types.GateError{Gate: g.Name(), Reason: fmt.Sprintf("status %d", status), Terminal: true}
	}

	if int64(len(c.Result.Body)) < g.MinBytes {
		return &types.GateError{
			Gate:     g.Name(),
			Reason:   fmt.Sprintf("body %d bytes below minimum %d", len(c.Result.Body), g.MinBytes),
			Terminal: true,
		}
	}
	if g.MaxTime > 0 && c.Result.Duration > g.MaxTime {
		return &types.GateError{
			Gate:   g.Name(),
			Reason: fmt.Sprintf("response took %s, limit %s", c.Result.Duration, g.MaxTime),
		}
	}
	return nil
}

// PayloadGate validates the body against the expected type: PDF magic and
// size cap for PDFs, parseable UTF-8 markup for HTML landing pages.
type PayloadGate struct {
	MaxBytes int64
}

func (g *PayloadGate) Name() string { return "payload_type" }

func (g *PayloadGate) Check(c *Context) error {
	body := c.Result.Body

	if g.MaxBytes > 0 && int64(len(body)) > g.MaxBytes {
		return &types.GateError{
			Gate:     g.Name(),
			Reason:   fmt.Sprintf("payload %d bytes exceeds cap %d", len(body), g.MaxBytes),
			Terminal: true,
		}
	}

	if c.Item.ExpectsPDF() {
		if !bytes.HasPrefix(body, pdfMagic) {
			return &types.GateError{Gate: g.Name(), Reason: "missing PDF magic", Terminal: true}
		}
		return nil
	}

	if len(body) == 0 {
		return &types.GateError{Gate: g.Name(), Reason: "empty body", Terminal: true}
	}
	prefix := body
	if len(prefix) > 1024 {
		prefix = prefix[:1024]
	}
	if !utf8.Valid(trimPartialRune(prefix)) {
		return &types.GateError{Gate: g.Name(), Reason: "body prefix is not valid UTF-8", Terminal: true}
	}
	if _, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err != nil {
		return &types.GateError{Gate: g.Name(), Reason: "unparseable HTML: " + err.Error(), Terminal: true}
	}
	return nil
}

// WriteGate confirms the staged file landed intact: on-disk size equals
// the payload size. Local IO trouble is transient, so failures here are
// retryable.
type WriteGate struct{}

func (g *WriteGate) Name() string { return "write_integrity" }

func (g *WriteGate) Check(c *Context) error {
	if c.Staged == nil {
		return &types.GateError{Gate: g.Name(), Reason: "artifact was not staged"}
	}
	size, err := c.Staged.StagedSize()
	if err != nil {
		return &types.GateError{Gate: g.Name(), Reason: err.Error()}
	}
	if size != int64(len(c.Result.Body)) {
		return &types.GateError{
			Gate:   g.Name(),
			Reason: fmt.Sprintf("on-disk size %d != payload size %d", size, len(c.Result.Body)),
		}
	}
	return nil
}

// trimPartialRune drops up to three trailing bytes that may be a rune cut
// mid-sequence by the prefix window. Invalid bytes elsewhere still fail
// validation.
func trimPartialRune(p []byte) []byte {
	for i := 0; i < utf8.UTFMax-1 && len(p) > 0; i++ {
		if utf8.Valid(p) {
			return p
		}
		p = p[:len(p)-1]
	}
	return p
}
