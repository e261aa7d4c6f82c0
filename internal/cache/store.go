// Package cache implements the content-addressed local artifact store.
// Artifacts live at <root>/<aa>/<bb>/<hash>.<ext> where aa and bb are the
// first two byte-pairs of the lowercase hex SHA-256. In-progress writes go
// to a sibling .tmp directory and reach their final path by atomic rename.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/lexstalk/lexstalk/internal/types"
)

// Store is the content-addressed artifact store rooted at a single
// directory. Concurrent writers need no locking: every write lands on a
// unique temp path first.
type Store struct {
	root   string
	tmpDir string
	logger *slog.Logger
}

// Staged is an artifact written to the temp area but not yet committed.
type Staged struct {
	// Hash is the lowercase hex SHA-256 of the staged bytes.
	Hash string

	// Size is the staged byte count.
	Size int64

	path      string
	committed bool
}

// New prepares the cache root and its .tmp work area, and probes that the
// root is writable. An unwritable root is fatal at startup.
func New(root string, logger *slog.Logger) (*Store, error) {
	tmpDir := filepath.Join(root, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	probe := filepath.Join(tmpDir, "probe-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return nil, fmt.Errorf("cache root not writable: %w", err)
	}
	os.Remove(probe)

	return &Store{
		root:   root,
		tmpDir: tmpDir,
		logger: logger.With("component", "cache"),
	}, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// Stage writes body to a unique temp file, hashing while writing, and
// fsyncs before returning. The caller must either Commit or Discard.
func (s *Store) Stage(body []byte) (*Staged, error) {
	path := filepath.Join(s.tmpDir, uuid.NewString())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, &types.CacheError{Path: path, Err: err}
	}

	hasher := sha256.New()
	n, err := io.MultiWriter(f, hasher).Write(body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, &types.CacheError{Path: path, Err: err}
	}

	return &Staged{
		Hash: hex.EncodeToString(hasher.Sum(nil)),
		Size: int64(n),
		path: path,
	}, nil
}

// Commit renames the staged file into its content-addressed location and
// returns the path relative to the root. Renaming over an existing file
// with the same hash is harmless: the bytes are identical.
func (s *Staged) Commit(store *Store, ext string) (string, error) {
	rel := RelPath(s.Hash, ext)
	abs := filepath.Join(store.root, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", &types.CacheError{Path: abs, Err: err}
	}
	if err := os.Rename(s.path, abs); err != nil {
		return "", &types.CacheError{Path: abs, Err: err}
	}
	s.committed = true

	store.logger.Debug("artifact committed", "hash", s.Hash, "size", s.Size, "path", rel)
	return rel, nil
}

// Discard removes a staged file that will not be committed. Idempotent.
func (s *Staged) Discard() error {
	if s.committed {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return &types.CacheError{Path: s.path, Err: err}
	}
	return nil
}

// Remove deletes a committed artifact by its relative path. Idempotent.
func (s *Store) Remove(relPath string) error {
	abs := filepath.Join(s.root, relPath)
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return &types.CacheError{Path: abs, Err: err}
	}
	return nil
}

// Exists reports whether an artifact with the given hash and extension is
// already present.
func (s *Store) Exists(hash, ext string) bool {
	_, err := os.Stat(filepath.Join(s.root, RelPath(hash, ext)))
	return err == nil
}

// StatSize returns the on-disk size of a staged or committed file.
func (s *Store) StatSize(relPath string) (int64, error) {
	fi, err := os.Stat(filepath.Join(s.root, relPath))
	if err != nil {
		return 0, &types.CacheError{Path: relPath, Err: err}
	}
	return fi.Size(), nil
}

// StagedSize returns the on-disk size of the staged temp file.
func (s *Staged) StagedSize() (int64, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0, &types.CacheError{Path: s.path, Err: err}
	}
	return fi.Size(), nil
}

// FreeBytes reports the free space of the filesystem holding the root.
func (s *Store) FreeBytes() (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(s.root, &st); err != nil {
		return 0, &types.CacheError{Path: s.root, Err: err}
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// RelPath builds the sharded relative path aa/bb/<hash>.<ext>.
func RelPath(hash, ext string) string {
	if len(hash) < 4 {
		return hash + "." + ext
	}
	return filepath.Join(hash[0:2], hash[2:4], hash+"."+ext)
}
