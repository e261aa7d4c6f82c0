package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckpointManager(t *testing.T) *CheckpointManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints", "progress.json")
	return NewCheckpointManager(path, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestCheckpointRoundTrip(t *testing.T) {
	cm := testCheckpointManager(t)

	cp := &Checkpoint{
		RunID:      "run-1",
		StartedAt:  time.Now().Add(-time.Minute),
		Total:      1000,
		Cursor:     420,
		Processed:  100,
		Succeeded:  90,
		Failed:     5,
		Skipped:    3,
		Duplicates: 2,
	}
	require.NoError(t, cm.Save(cp))

	loaded, err := cm.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, int64(1000), loaded.Total)
	assert.Equal(t, int64(420), loaded.Cursor)
	assert.Equal(t, int64(100), loaded.Processed)
	assert.False(t, loaded.UpdatedAt.IsZero())

	// Field names on disk are part of the record's contract.
	raw, err := os.ReadFile(cm.path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"total": 1000`)
	assert.Contains(t, string(raw), `"last_document_id": 420`)
}

func TestCheckpointMissingMeansFresh(t *testing.T) {
	cm := testCheckpointManager(t)
	cp, err := cm.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointCorruptIsArchived(t *testing.T) {
	cm := testCheckpointManager(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(cm.path), 0o755))
	require.NoError(t, os.WriteFile(cm.path, []byte("{not json"), 0o644))

	cp, err := cm.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)

	// Original is gone, archive remains.
	_, err = os.Stat(cm.path)
	assert.True(t, os.IsNotExist(err))

	matches, err := filepath.Glob(cm.path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestCheckpointClear(t *testing.T) {
	cm := testCheckpointManager(t)
	require.NoError(t, cm.Save(&Checkpoint{RunID: "run-1"}))
	require.NoError(t, cm.Clear())
	require.NoError(t, cm.Clear()) // idempotent

	cp, err := cm.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
}
