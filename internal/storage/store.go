package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotExist is returned when a key does not exist in the backend.
	ErrNotExist = errors.New("object does not exist")
)

// TempMarker separates a final object name from the random suffix of its
// in-progress copy.
const TempMarker = "__TMP_FILE__"

// Entry describes one immediate child of a listed directory.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// FS abstracts the durable storage that snapshot state lives on.
// Keys are slash separated and relative to the backend root.
type FS interface {
	// ReadFile returns the full contents of key, or ErrNotExist.
	ReadFile(ctx context.Context, key string) ([]byte, error)

	// WriteFile writes data to key, replacing any previous object.
	WriteFile(ctx context.Context, key string, data []byte) error

	// AtomicWrite writes data so readers observe either the previous
	// object or the complete new one, never a partial write.
	AtomicWrite(ctx context.Context, key string, data []byte) error

	// Rename moves src to dst, replacing dst.
	// For object stores this is copy+delete; for local filesystem it's rename.
	Rename(ctx context.Context, src, dst string) error

	// Exists reports whether key is a file or a non-empty directory.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the immediate children of dir, sorted by name.
	// A missing directory lists as empty.
	List(ctx context.Context, dir string) ([]Entry, error)

	// Remove deletes a single file. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// MkdirAll creates dir and its parents. Object stores have no
	// directories, so it is a no-op there.
	MkdirAll(ctx context.Context, dir string) error

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string // "local" | "gcs" | "s3" | "mem"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix string // path prefix within bucket or local dir
}

// NewFS creates a storage backend based on configuration.
func NewFS(cfg Config) (FS, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalFS(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return NewGCSFS(cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return NewS3FS(cfg.S3Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "mem":
		return NewMemFS(cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// TempName returns a unique in-progress name for name.
func TempName(name string) string {
	return name + TempMarker + uuid.New().String() + ".tmp"
}

// IsTemp reports whether name is an in-progress write.
func IsTemp(name string) bool {
	return strings.HasSuffix(name, ".tmp")
}

// Join joins key elements with slashes, dropping empty elements.
func Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		e = strings.Trim(e, "/")
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "/")
}
