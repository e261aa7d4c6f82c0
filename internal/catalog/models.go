// Package catalog is the durable document catalog: the table of documents
// to collect, the artifact records pointing into the cache store, and the
// per-run failure log. It is the only component that talks to the database.
package catalog

import (
	"time"
)

// Document is one legal document the collector should obtain. Rows are
// seeded ahead of a run; the collector never invents documents.
type Document struct {
	ID        int64  `gorm:"primaryKey"`
	SourceURL string `gorm:"column:source_url;not null;index"`
	Title     string `gorm:"column:title"`
	Court     string `gorm:"column:court;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FileStorage is one fetched artifact. content_hash is globally unique:
// two documents can legitimately resolve to the same bytes, and the
// second insert must lose. The compound unique index keeps one row per
// (document, hash) pair so a re-fetch of unchanged content cannot pile up
// versions.
type FileStorage struct {
	ID          int64  `gorm:"primaryKey"`
	DocumentID  int64  `gorm:"column:document_id;not null;index;uniqueIndex:idx_doc_hash"`
	ContentHash string `gorm:"column:content_hash;size:64;not null;uniqueIndex;uniqueIndex:idx_doc_hash"`
	ByteSize    int64  `gorm:"column:byte_size;not null"`
	CachePath   string `gorm:"column:cache_path;not null"`
	Ext         string `gorm:"column:ext;size:8;not null"`

	// Version starts at 1 and increments each time the document's content
	// changes. Exactly one row per document has is_current_version set.
	Version          int  `gorm:"column:version;not null;default:1"`
	IsCurrentVersion bool `gorm:"column:is_current_version;not null;default:false;index"`

	StorageTier  string `gorm:"column:storage_tier;size:16;not null;default:local"`
	UploadStatus string `gorm:"column:upload_status;size:16;not null;default:pending"`

	// QualityTier is assigned by a later review pass, never by the
	// collector, so it stays nullable.
	QualityTier *string `gorm:"column:quality_tier;size:16"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FetchFailure records one terminally failed document per run, kept for
// the end-of-run report and later triage.
type FetchFailure struct {
	ID         int64  `gorm:"primaryKey"`
	DocumentID int64  `gorm:"column:document_id;not null;index"`
	SourceURL  string `gorm:"column:source_url;not null"`
	Reason     string `gorm:"column:reason;not null;index"`
	Attempts   int    `gorm:"column:attempts;not null"`
	CreatedAt  time.Time
}

// PendingDoc is the projection the dispatcher works from.
type PendingDoc struct {
	ID        int64
	SourceURL string
}

// FailureCount is one row of the end-of-run failure report.
type FailureCount struct {
	Reason string
	Count  int64
}

// Stats summarizes catalog state for the status subcommand.
type Stats struct {
	Documents int64
	Collected int64
	Pending   int64
	Failures  int64
}
