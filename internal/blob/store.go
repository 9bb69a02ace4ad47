// Package blob implements a content-addressed file store. Blobs are named by
// the lowercase-hex SHA-256 of their content and sharded two levels deep so no
// single directory grows unbounded.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const hashChunkSize = 1 << 20 // 1 MiB read chunks while hashing

// Store is a content-addressed blob store rooted at a single directory.
// Identical content always lands at the same path, so concurrent writers
// of the same blob converge on one file.
type Store struct {
	root string
}

// New creates the root directory if needed and returns a Store.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// PathFor returns the canonical path for a fingerprint:
// <root>/<fp[0:2]>/<fp[2:4]>/<fp>.
func (s *Store) PathFor(fingerprint string) string {
	return filepath.Join(s.root, fingerprint[:2], fingerprint[2:4], fingerprint)
}

// Fingerprint computes the lowercase-hex SHA-256 of the file at path,
// reading in fixed-size chunks so large files never load into memory.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("blob: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("blob: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Put stores the file at src under the given fingerprint and returns the
// blob path. If a blob with that fingerprint already exists the copy is
// skipped. The write goes to a temp file in the destination directory and
// is renamed into place, so readers never observe a partial blob.
func (s *Store) Put(src, fingerprint string) (string, error) {
	dst := s.PathFor(fingerprint)
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("blob: create shard dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("blob: open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+fingerprint+".*")
	if err != nil {
		return "", fmt.Errorf("blob: create temp: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: rename: %w", err)
	}
	return dst, nil
}

// Delete removes a blob file, best effort. Missing files are not an error.
func (s *Store) Delete(fingerprint string) {
	if err := os.Remove(s.PathFor(fingerprint)); err != nil && !os.IsNotExist(err) {
		slog.Warn("blob delete failed", "fingerprint", fingerprint, "error", err)
	}
}
