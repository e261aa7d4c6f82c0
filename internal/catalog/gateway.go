package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/lexstalk/lexstalk/internal/config"
	"github.com/lexstalk/lexstalk/internal/types"
)

const (
	writeAttempts  = 3
	writeRetryBase = 100 * time.Millisecond
)

// Gateway mediates all catalog access. Writes that hit a transient
// database condition (lock contention, serialization, deadlock) are
// retried with bounded backoff before surfacing.
type Gateway struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured database, sizes the connection pool and
// migrates the schema. The sqlite driver is pure Go; WAL mode keeps
// readers from blocking the writer.
func Open(cfg *config.CatalogConfig, poolSize int, logger *slog.Logger) (*Gateway, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown catalog driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("catalog pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(poolSize)
	sqlDB.SetMaxIdleConns(poolSize)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Document{}, &FileStorage{}, &FetchFailure{}); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}

	return &Gateway{db: db, logger: logger.With("component", "catalog")}, nil
}

// sqliteDSN appends the pragmas every connection needs.
func sqliteDSN(dsn string) string {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	if strings.Contains(dsn, "?") {
		return dsn + "&" + pragmas
	}
	return dsn + "?" + pragmas
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// pending scopes a query to documents with no current artifact, minus the
// substring exclusions the classifier exports.
func (g *Gateway) pending(ctx context.Context, exclusions []string) *gorm.DB {
	q := g.db.WithContext(ctx).Model(&Document{}).
		Where("NOT EXISTS (SELECT 1 FROM file_storages fs WHERE fs.document_id = documents.id AND fs.is_current_version)")
	for _, pat := range exclusions {
		q = q.Where("documents.source_url NOT LIKE ?", "%"+pat+"%")
	}
	return q
}

// CountPending returns how many documents still need collection.
func (g *Gateway) CountPending(ctx context.Context, exclusions []string) (int64, error) {
	var n int64
	if err := g.pending(ctx, exclusions).Count(&n).Error; err != nil {
		return 0, &types.CatalogError{Op: "count_pending", Err: err}
	}
	return n, nil
}

// FetchPendingBatch returns up to limit pending documents with id greater
// than afterID, in id order. The cursor makes batches stable even while
// earlier rows gain artifacts concurrently.
func (g *Gateway) FetchPendingBatch(ctx context.Context, afterID int64, limit int, exclusions []string) ([]PendingDoc, error) {
	var docs []PendingDoc
	err := g.pending(ctx, exclusions).
		Where("documents.id > ?", afterID).
		Order("documents.id ASC").
		Limit(limit).
		Select("documents.id", "documents.source_url").
		Find(&docs).Error
	if err != nil {
		return nil, &types.CatalogError{Op: "fetch_batch", Err: err}
	}
	return docs, nil
}

// RecordSuccess writes the artifact record for a document in one
// transaction: next version number, current-version flag flipped off the
// predecessor. A unique-index conflict on the content hash means the
// bytes are already cataloged, and the outcome degrades to duplicate.
func (g *Gateway) RecordSuccess(ctx context.Context, docID int64, meta *types.ArtifactMeta) (types.OutcomeKind, error) {
	tier := meta.StorageTier
	if tier == "" {
		tier = types.TierLocal
	}

	err := g.withRetry(ctx, "record_success", func() error {
		return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var maxVersion int
			if err := tx.Model(&FileStorage{}).
				Where("document_id = ?", docID).
				Select("COALESCE(MAX(version), 0)").
				Scan(&maxVersion).Error; err != nil {
				return err
			}

			row := FileStorage{
				DocumentID:       docID,
				ContentHash:      meta.ContentHash,
				ByteSize:         meta.ByteSize,
				CachePath:        meta.CachePath,
				Ext:              meta.Ext,
				Version:          maxVersion + 1,
				IsCurrentVersion: true,
				StorageTier:      tier,
				UploadStatus:     types.UploadPending,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}

			if err := tx.Model(&FileStorage{}).
				Where("document_id = ? AND id <> ?", docID, row.ID).
				Update("is_current_version", false).Error; err != nil {
				return err
			}

			return tx.Model(&Document{}).
				Where("id = ?", docID).
				Update("updated_at", time.Now()).Error
		})
	})

	switch {
	case err == nil:
		return types.OutcomeSucceeded, nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		g.logger.Debug("content hash already cataloged",
			"document_id", docID,
			"content_hash", meta.ContentHash,
		)
		return types.OutcomeDuplicate, nil
	default:
		return "", err
	}
}

// PathForHash returns the cache path already cataloged for a content
// hash, so duplicate commits under a different extension can be cleaned
// up.
func (g *Gateway) PathForHash(ctx context.Context, hash string) (string, error) {
	var row FileStorage
	err := g.db.WithContext(ctx).
		Select("cache_path").
		Where("content_hash = ?", hash).
		Take(&row).Error
	if err != nil {
		return "", &types.CatalogError{Op: "path_for_hash", Err: err}
	}
	return row.CachePath, nil
}

// RecordFailure logs a terminally failed document.
func (g *Gateway) RecordFailure(ctx context.Context, docID int64, sourceURL, reason string, attempts int) error {
	return g.withRetry(ctx, "record_failure", func() error {
		return g.db.WithContext(ctx).Create(&FetchFailure{
			DocumentID: docID,
			SourceURL:  sourceURL,
			Reason:     reason,
			Attempts:   attempts,
		}).Error
	})
}

// TopFailures returns the most frequent failure reasons since the given
// time, for the end-of-run report.
func (g *Gateway) TopFailures(ctx context.Context, since time.Time, limit int) ([]FailureCount, error) {
	var rows []FailureCount
	err := g.db.WithContext(ctx).Model(&FetchFailure{}).
		Where("created_at >= ?", since).
		Select("reason", "COUNT(*) AS count").
		Group("reason").
		Order("count DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, &types.CatalogError{Op: "top_failures", Err: err}
	}
	return rows, nil
}

// Summary reports catalog totals for the status subcommand.
func (g *Gateway) Summary(ctx context.Context, exclusions []string) (*Stats, error) {
	var s Stats
	db := g.db.WithContext(ctx)

	if err := db.Model(&Document{}).Count(&s.Documents).Error; err != nil {
		return nil, &types.CatalogError{Op: "summary", Err: err}
	}
	if err := db.Model(&FileStorage{}).
		Where("is_current_version").
		Distinct("document_id").
		Count(&s.Collected).Error; err != nil {
		return nil, &types.CatalogError{Op: "summary", Err: err}
	}
	if err := db.Model(&FetchFailure{}).Count(&s.Failures).Error; err != nil {
		return nil, &types.CatalogError{Op: "summary", Err: err}
	}

	pending, err := g.CountPending(ctx, exclusions)
	if err != nil {
		return nil, err
	}
	s.Pending = pending
	return &s, nil
}

// AddDocuments seeds catalog rows from source URLs, for the seed
// subcommand and tests.
func (g *Gateway) AddDocuments(ctx context.Context, urls []string) (int64, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	docs := make([]Document, len(urls))
	for i, u := range urls {
		docs[i] = Document{SourceURL: u}
	}
	res := g.db.WithContext(ctx).CreateInBatches(docs, 500)
	if res.Error != nil {
		return 0, &types.CatalogError{Op: "add_documents", Err: res.Error}
	}
	return res.RowsAffected, nil
}

// withRetry retries a write on transient database errors with bounded
// exponential backoff. Constraint violations surface immediately.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := writeRetryBase
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == writeAttempts {
			break
		}
		g.logger.Warn("catalog write retry",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &types.CatalogError{Op: op, Err: ctx.Err()}
		}
		delay *= 2
	}
	return &types.CatalogError{Op: op, Err: err, Transient: true}
}

// isTransient classifies database errors worth retrying: sqlite lock
// contention and the postgres serialization / deadlock conditions.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, gorm.ErrDuplicatedKey) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range []string{
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"deadlock detected",
		"could not serialize access",
		"connection reset",
	} {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}
