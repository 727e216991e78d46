package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LocalFS stores snapshot state on the local filesystem.
type LocalFS struct {
	baseDir string
	prefix  string
}

// NewLocalFS creates a new local filesystem backend rooted at baseDir.
func NewLocalFS(baseDir, prefix string) (*LocalFS, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	return &LocalFS{
		baseDir: baseDir,
		prefix:  prefix,
	}, nil
}

func (s *LocalFS) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(Join(s.prefix, key)))
}

// ReadFile reads a file from the local filesystem.
func (s *LocalFS) ReadFile(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// WriteFile writes a file in place, creating parent directories.
func (s *LocalFS) WriteFile(ctx context.Context, key string, data []byte) error {
	path := s.path(key)

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file %s: %w", path, err)
	}
	return nil
}

// AtomicWrite writes atomically using temp file + rename.
func (s *LocalFS) AtomicWrite(ctx context.Context, key string, data []byte) error {
	path := s.path(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := TempName(path)

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		// Clean up temp file on rename failure
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}

	return nil
}

// Rename moves src to dst.
func (s *LocalFS) Rename(ctx context.Context, src, dst string) error {
	srcPath, dstPath := s.path(src), s.path(dst)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", filepath.Dir(dstPath), err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("rename %s to %s: %w", srcPath, dstPath, ErrNotExist)
		}
		return fmt.Errorf("rename %s to %s: %w", srcPath, dstPath, err)
	}
	return nil
}

// Exists checks if a file or directory exists.
func (s *LocalFS) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List returns the entries of a directory.
func (s *LocalFS) List(ctx context.Context, dir string) ([]Entry, error) {
	entries, err := os.ReadDir(s.path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		entry := Entry{Name: e.Name(), IsDir: e.IsDir()}
		if !e.IsDir() {
			info, err := e.Info()
			if err != nil {
				// Removed between ReadDir and Info.
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("stat %s/%s: %w", dir, e.Name(), err)
			}
			entry.Size = info.Size()
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes a file.
func (s *LocalFS) Remove(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// MkdirAll creates a directory and its parents.
func (s *LocalFS) MkdirAll(ctx context.Context, dir string) error {
	if err := os.MkdirAll(s.path(dir), 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// URI returns the canonical URI for the given key.
func (s *LocalFS) URI(key string) string {
	absPath, err := filepath.Abs(s.path(key))
	if err != nil {
		absPath = s.path(key)
	}
	return "file://" + absPath
}

// Close is a no-op for local storage.
func (s *LocalFS) Close() error {
	return nil
}

// Verify LocalFS implements FS.
var _ FS = (*LocalFS)(nil)
