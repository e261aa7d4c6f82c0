package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	return s
}

func TestStageAndCommit(t *testing.T) {
	s := testStore(t)
	body := []byte("%PDF-1.4 test document body")

	staged, err := s.Stage(body)
	require.NoError(t, err)

	wantHash := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(wantHash[:]), staged.Hash)
	assert.Equal(t, int64(len(body)), staged.Size)

	rel, err := staged.Commit(s, "pdf")
	require.NoError(t, err)
	assert.Equal(t, RelPath(staged.Hash, "pdf"), rel)

	abs := filepath.Join(s.Root(), rel)
	got, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	// Temp area must be empty after commit.
	entries, err := os.ReadDir(filepath.Join(s.Root(), ".tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiscardRemovesStagedFile(t *testing.T) {
	s := testStore(t)

	staged, err := s.Stage([]byte("abandoned"))
	require.NoError(t, err)
	require.NoError(t, staged.Discard())
	require.NoError(t, staged.Discard(), "discard is idempotent")

	entries, err := os.ReadDir(filepath.Join(s.Root(), ".tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCommitIdenticalContentTwice(t *testing.T) {
	s := testStore(t)
	body := []byte("identical bytes fetched for two documents")

	first, err := s.Stage(body)
	require.NoError(t, err)
	rel1, err := first.Commit(s, "pdf")
	require.NoError(t, err)

	second, err := s.Stage(body)
	require.NoError(t, err)
	rel2, err := second.Commit(s, "pdf")
	require.NoError(t, err)

	assert.Equal(t, rel1, rel2, "same content collapses to one path")
	assert.True(t, s.Exists(first.Hash, "pdf"))

	entries, err := os.ReadDir(filepath.Join(s.Root(), ".tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no residual staged files")
}

func TestRelPathSharding(t *testing.T) {
	hash := "aabbccdd" + "00112233445566778899aabbccddeeff00112233445566778899aabb"
	assert.Equal(t, filepath.Join("aa", "bb", hash+".pdf"), RelPath(hash, "pdf"))
}

func TestRemove(t *testing.T) {
	s := testStore(t)

	staged, err := s.Stage([]byte("to be removed later"))
	require.NoError(t, err)
	rel, err := staged.Commit(s, "html")
	require.NoError(t, err)

	require.NoError(t, s.Remove(rel))
	assert.False(t, s.Exists(staged.Hash, "html"))
	require.NoError(t, s.Remove(rel), "remove is idempotent")
}

func TestFreeBytes(t *testing.T) {
	s := testStore(t)
	free, err := s.FreeBytes()
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func TestUnwritableRootFails(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores permission bits")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	defer os.Chmod(dir, 0o755)

	_, err := New(filepath.Join(dir, "cache"), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	assert.Error(t, err)
}
