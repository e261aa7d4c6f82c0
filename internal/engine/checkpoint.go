package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"log/slog"
)

// Checkpoint is the durable progress record for a run. It lets an
// interrupted run resume from its batch cursor instead of rescanning the
// whole catalog.
type Checkpoint struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Total is the run's planned document count.
	Total int64 `json:"total"`

	// Cursor is the highest document id whose batch was fully
	// dispatched. It only matters to an interrupted run's resume; a run
	// that ends on its own rescans the catalog from the start.
	Cursor int64 `json:"last_document_id"`

	Processed  int64 `json:"processed"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Duplicates int64 `json:"duplicates"`
}

// CheckpointManager reads and writes the progress record. Exactly one
// goroutine writes checkpoints during a run.
type CheckpointManager struct {
	path   string
	logger *slog.Logger
}

// NewCheckpointManager creates a manager for the given checkpoint path.
func NewCheckpointManager(path string, logger *slog.Logger) *CheckpointManager {
	return &CheckpointManager{
		path:   path,
		logger: logger.With("component", "checkpoint"),
	}
}

// Load reads the checkpoint. A missing file means a fresh run. A corrupt
// file is archived next to itself with a timestamp suffix and the run
// starts fresh; losing a checkpoint must never lose documents, because
// the catalog's pending query is the source of truth.
func (cm *CheckpointManager) Load() (*Checkpoint, error) {
	raw, err := os.ReadFile(cm.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		archived := fmt.Sprintf("%s.corrupt-%s", cm.path, time.Now().Format("20060102T150405"))
		if renameErr := os.Rename(cm.path, archived); renameErr != nil {
			return nil, fmt.Errorf("archive corrupt checkpoint: %w", renameErr)
		}
		cm.logger.Warn("corrupt checkpoint archived, starting fresh",
			"path", cm.path,
			"archived", archived,
			"error", err,
		)
		return nil, nil
	}
	return &cp, nil
}

// Save writes the checkpoint atomically: temp file, fsync, rename.
func (cm *CheckpointManager) Save(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now()

	if err := os.MkdirAll(filepath.Dir(cm.path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp := cm.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint file: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	err = enc.Encode(cp)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write checkpoint: %w", err)
	}

	if err := os.Rename(tmp, cm.path); err != nil {
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

// Clear removes the checkpoint after a run completes cleanly.
func (cm *CheckpointManager) Clear() error {
	if err := os.Remove(cm.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
