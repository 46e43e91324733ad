// Package blob stores large user payloads (textures, comments) on disk,
// addressed by the SHA-1 of their content. Broadcasts carry only the hash;
// clients fetch the bytes on demand via RequestBlob.
package blob

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"humble/internal/store"
)

// Store coordinates blob bytes on disk with metadata in sqlite.
type Store struct {
	rootDir string
	meta    *store.Store
}

// NewStore creates a blob store rooted at rootDir.
func NewStore(rootDir string, meta *store.Store) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("sqlite metadata store is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	slog.Debug("blob store initialized", "dir", rootDir)
	return &Store{rootDir: rootDir, meta: meta}, nil
}

// Hash returns the store key for a payload: lowercase hex SHA-1.
func Hash(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

// HashKey is Hash rendered as the on-disk / wire string form.
func HashKey(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// Put stores a payload and returns its hash key. Content addressing makes
// the operation idempotent: an already-present blob is left untouched.
func (s *Store) Put(data []byte) (string, error) {
	key := HashKey(data)
	finalPath := filepath.Join(s.rootDir, key)

	if _, err := os.Stat(finalPath); err == nil {
		return key, nil
	}

	tempFile, err := os.CreateTemp(s.rootDir, ".blob-write-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob file: %w", err)
	}
	tempPath := tempFile.Name()

	_, copyErr := io.Copy(tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("write blob bytes: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("close blob file: %w", closeErr)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("move blob into place: %w", err)
	}

	if err := s.meta.InsertBlobMeta(key, int64(len(data))); err != nil {
		return "", fmt.Errorf("persist blob metadata: %w", err)
	}

	slog.Info("blob stored", "hash", key, "size", len(data))
	return key, nil
}

// Get reads a blob back by its hash key.
func (s *Store) Get(key string) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("malformed blob key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(s.rootDir, key))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

// Open streams a blob; the caller closes the file.
func (s *Store) Open(key string) (*os.File, int64, error) {
	if !validKey(key) {
		return nil, 0, fmt.Errorf("malformed blob key %q", key)
	}
	size, ok, err := s.meta.BlobSize(key)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("unknown blob %s", key)
	}
	f, err := os.Open(filepath.Join(s.rootDir, key))
	if err != nil {
		slog.Error("blob file open failed", "hash", key, "err", err)
		return nil, 0, fmt.Errorf("open blob file: %w", err)
	}
	return f, size, nil
}

// Has reports whether the blob exists on disk.
func (s *Store) Has(key string) bool {
	if !validKey(key) {
		return false
	}
	_, err := os.Stat(filepath.Join(s.rootDir, key))
	return err == nil
}

// validKey rejects anything that is not a 40-char lowercase hex SHA-1, which
// also keeps path traversal out of the root directory.
func validKey(key string) bool {
	if len(key) != 40 {
		return false
	}
	for _, c := range key {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
