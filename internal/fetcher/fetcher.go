package fetcher

import (
	"context"
	"net/http"
	"time"

	"github.com/lexstalk/lexstalk/internal/types"
)

// Result is the raw outcome of one fetch attempt, before any quality gate
// has looked at it.
type Result struct {
	// StatusCode is the final HTTP status (after redirects).
	StatusCode int

	// Header holds the response headers. Browser fetches have an empty set.
	Header http.Header

	// Body is the full payload.
	Body []byte

	// FinalURL is the URL after redirect following.
	FinalURL string

	// Duration is wall time from request start to body fully read.
	Duration time.Duration
}

// Fetcher is the interface both transports implement.
type Fetcher interface {
	// Fetch retrieves the artifact for a work item through the given
	// egress identity. Transport-level trouble and throttling statuses
	// (429, 5xx) surface as *types.FetchError; all other HTTP statuses
	// return a Result for the quality gates to judge.
	Fetch(ctx context.Context, item *types.WorkItem, egress Egress) (*Result, error)

	// Close releases any resources held by the fetcher.
	Close() error

	// Type returns the fetcher type identifier.
	Type() string
}
