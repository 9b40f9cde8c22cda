// Package blob persists raw fetched content on the local filesystem so
// documents can be re-normalized later without re-fetching.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FS stores blobs under a root directory. Refs are slash-separated relative
// paths; Save writes atomically via a temp file rename.
type FS struct {
	root     string
	maxBytes int64
}

// NewFS builds a filesystem sink rooted at dir. maxBytes caps the size of a
// single blob; zero means unlimited.
func NewFS(dir string, maxBytes int64) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FS{root: dir, maxBytes: maxBytes}, nil
}

// Save writes data under ref and returns the ref it stored under.
func (s *FS) Save(ctx context.Context, ref string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("blob %s: %d bytes exceeds limit %d", ref, len(data), s.maxBytes)
	}
	path, err := s.resolve(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store blob %s: %w", ref, err)
	}
	return ref, nil
}

// Load reads the blob stored under ref.
func (s *FS) Load(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", ref, err)
	}
	return data, nil
}

// resolve maps a ref to an absolute path, rejecting escapes from the root.
func (s *FS) resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty blob ref")
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob ref %q", ref)
	}
	return filepath.Join(s.root, clean), nil
}
