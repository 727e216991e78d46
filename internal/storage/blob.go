package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// BlobFS stores snapshot state in a gocloud.dev bucket.
//
// Object writes only become visible when the writer is closed, so a single
// write is already atomic. Rename is emulated with copy + delete.
type BlobFS struct {
	bucket *blob.Bucket
	scheme string
	name   string
	prefix string
}

func newBlobFS(bucket *blob.Bucket, scheme, name, prefix string) *BlobFS {
	return &BlobFS{
		bucket: bucket,
		scheme: scheme,
		name:   name,
		prefix: prefix,
	}
}

// NewMemFS creates an in-memory bucket backend, used by tests and
// single-process runs.
func NewMemFS(prefix string) (*BlobFS, error) {
	return newBlobFS(memblob.OpenBucket(nil), "mem", "memory", prefix), nil
}

func (s *BlobFS) key(key string) string {
	return Join(s.prefix, key)
}

func notFound(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

// ReadFile reads an object.
func (s *BlobFS) ReadFile(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.key(key))
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("read %s: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// WriteFile writes an object.
func (s *BlobFS) WriteFile(ctx context.Context, key string, data []byte) error {
	path := s.key(key)

	w, err := s.bucket.NewWriter(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", path, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", path, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", path, err)
	}

	return nil
}

// AtomicWrite writes an object. Blob writers publish on Close.
func (s *BlobFS) AtomicWrite(ctx context.Context, key string, data []byte) error {
	return s.WriteFile(ctx, key, data)
}

// Rename copies src to dst and deletes src.
func (s *BlobFS) Rename(ctx context.Context, src, dst string) error {
	if err := s.copyObject(ctx, s.key(src), s.key(dst)); err != nil {
		if notFound(err) {
			return fmt.Errorf("rename %s to %s: %w", src, dst, ErrNotExist)
		}
		return fmt.Errorf("rename %s to %s: %w", src, dst, err)
	}
	if err := s.bucket.Delete(ctx, s.key(src)); err != nil && !notFound(err) {
		return fmt.Errorf("delete %s after copy: %w", src, err)
	}
	return nil
}

// copyObject copies an object within the bucket.
func (s *BlobFS) copyObject(ctx context.Context, srcKey, dstKey string) error {
	// Read source
	r, err := s.bucket.NewReader(ctx, srcKey, nil)
	if err != nil {
		return fmt.Errorf("open source %s: %w", srcKey, err)
	}
	defer r.Close()

	// Write to destination
	w, err := s.bucket.NewWriter(ctx, dstKey, nil)
	if err != nil {
		return fmt.Errorf("create destination %s: %w", dstKey, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("copy to %s: %w", dstKey, err)
	}

	return w.Close()
}

// Exists reports whether key is an object or a prefix with children.
func (s *BlobFS) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.bucket.Exists(ctx, s.key(key))
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	iter := s.bucket.List(&blob.ListOptions{Prefix: s.key(key) + "/"})
	_, err = iter.Next(ctx)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("list %s: %w", key, err)
	}
	return true, nil
}

// List returns the immediate children of dir.
func (s *BlobFS) List(ctx context.Context, dir string) ([]Entry, error) {
	prefix := s.key(dir)
	if prefix != "" {
		prefix += "/"
	}

	iter := s.bucket.List(&blob.ListOptions{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var out []Entry
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), "/")
		if name == "" {
			continue
		}
		out = append(out, Entry{Name: name, IsDir: obj.IsDir, Size: obj.Size})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes an object.
func (s *BlobFS) Remove(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, s.key(key)); err != nil && !notFound(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// MkdirAll is a no-op; prefixes exist as soon as an object is written below them.
func (s *BlobFS) MkdirAll(ctx context.Context, dir string) error {
	return nil
}

// URI returns the canonical URI for the given key.
func (s *BlobFS) URI(key string) string {
	return fmt.Sprintf("%s://%s/%s", s.scheme, s.name, s.key(key))
}

// Close releases the bucket connection.
func (s *BlobFS) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Verify BlobFS implements FS.
var _ FS = (*BlobFS)(nil)
