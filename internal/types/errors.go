package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrRateLimitTimeout = errors.New("rate limit acquisition timed out")
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrUnfetchable      = errors.New("url is unfetchable")
	ErrEmptyBatch       = errors.New("no pending documents")
	ErrRunInterrupted   = errors.New("run interrupted")
	ErrDiskLow          = errors.New("free disk space below threshold")
	ErrInvalidURL       = errors.New("invalid URL")
	ErrBrowserDisabled  = errors.New("browser fetcher is not configured")
)

// FetchError wraps errors that occur while fetching an artifact.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
	Retryable  bool
	RetryAfter time.Duration // populated from Retry-After on HTTP 429
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch error for %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch error for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) IsRetryable() bool { return e.Retryable }

// IsRateLimited reports whether the remote answered with HTTP 429.
func (e *FetchError) IsRateLimited() bool { return e.StatusCode == 429 }

// GateError is a structured quality-gate rejection.
type GateError struct {
	Gate   string
	Reason string
	// Terminal marks the document as failed for this run without retry
	// (e.g. a 404 or a payload that is not a PDF).
	Terminal bool
}

func (e *GateError) Error() string {
	return fmt.Sprintf("gate %s failed: %s", e.Gate, e.Reason)
}

// CatalogError wraps catalog store failures.
type CatalogError struct {
	Op  string
	Err error
	// Transient failures (serialization, deadlock, lost connection) are
	// retried inside the gateway before surfacing.
	Transient bool
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog %s: %v", e.Op, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// CacheError wraps local artifact store failures. Local IO trouble is
// treated as transient by the worker.
type CacheError struct {
	Path string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache error at %s: %v", e.Path, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }
