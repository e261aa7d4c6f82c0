package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Verdict is the URL classifier's decision for a source URL.
type Verdict string

const (
	// VerdictDirect means an ordinary HTTP GET returns the artifact.
	VerdictDirect Verdict = "direct"

	// VerdictRendered means JavaScript must run to produce the artifact,
	// so the fetch goes through the headless browser pool.
	VerdictRendered Verdict = "rendered"

	// VerdictUnfetchable means the URL is structurally incapable of
	// yielding a document. Such URLs never reach a worker.
	VerdictUnfetchable Verdict = "unfetchable"
)

// WorkItem is one unit of collection work: a catalog document that still
// needs its artifact fetched. WorkItems are ephemeral and never persisted.
type WorkItem struct {
	// DocumentID is the catalog surrogate key.
	DocumentID int64

	// SourceURL is the remote location of the artifact or its landing page.
	SourceURL string

	// Verdict is the classifier's decision, annotated at dispatch time.
	Verdict Verdict

	// LowConfidence is set when the verdict came from the default rule
	// rather than an explicit pattern match.
	LowConfidence bool

	// Retries counts fetch attempts already made for this item in this run.
	Retries int

	// CorrelationID ties together all log lines for this item.
	CorrelationID string

	// EnqueuedAt is when the dispatcher put this item on the task channel.
	EnqueuedAt time.Time
}

// NewWorkItem creates a WorkItem with a fresh correlation id.
func NewWorkItem(documentID int64, sourceURL string) *WorkItem {
	return &WorkItem{
		DocumentID:    documentID,
		SourceURL:     sourceURL,
		CorrelationID: uuid.NewString(),
		EnqueuedAt:    time.Now(),
	}
}

// ExpectsPDF reports whether the fetched payload should be a PDF.
func (w *WorkItem) ExpectsPDF() bool {
	return strings.HasSuffix(strings.ToLower(w.SourceURL), ".pdf")
}

// OutcomeKind enumerates the terminal states of a WorkItem.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeDuplicate OutcomeKind = "duplicate"
)

// Outcome is the result a worker reports for one WorkItem. Workers return
// outcomes; they never propagate per-document errors across component
// boundaries.
type Outcome struct {
	Kind       OutcomeKind
	DocumentID int64
	Reason     string
	Artifact   *ArtifactMeta
	Attempts   int
}

// ArtifactMeta describes a fetched and validated artifact, ready to be
// recorded in the catalog.
type ArtifactMeta struct {
	// ContentHash is the lowercase hex SHA-256 of the artifact bytes.
	ContentHash string

	// ByteSize is the artifact size on disk.
	ByteSize int64

	// CachePath is the path relative to the cache root (aa/bb/<hash>.<ext>).
	CachePath string

	// StorageTier records where the artifact currently lives.
	StorageTier string

	// Ext is the file extension without the dot ("pdf" or "html").
	Ext string
}

// Storage tiers for FileStorage rows. The collector only writes local;
// the upload path promotes rows to remote or both.
const (
	TierLocal  = "local"
	TierRemote = "remote"
	TierBoth   = "both"
)

// Upload statuses for FileStorage rows.
const (
	UploadPending   = "pending"
	UploadCompleted = "completed"
	UploadFailed    = "failed"
)
