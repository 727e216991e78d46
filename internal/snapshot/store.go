// Package snapshot implements the durable snapshot layout: the directory
// tree under a snapshot root that the dispatcher and workers share, and from
// which all coordination state is rebuilt after a restart.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/storage"
)

// Store reads and writes snapshot state on a storage backend.
type Store struct {
	fs storage.FS
}

// NewStore wraps a storage backend.
func NewStore(fs storage.FS) *Store {
	return &Store{fs: fs}
}

// FS returns the underlying storage backend.
func (s *Store) FS() storage.FS {
	return s.fs
}

// HasState reports whether anything was ever persisted for path.
func (s *Store) HasState(ctx context.Context, path string) (bool, error) {
	for _, key := range []string{StreamsPath(path), DonePath(path), ErrorPath(path), MetadataPath(path)} {
		ok, err := s.fs.Exists(ctx, key)
		if err != nil {
			return false, fmt.Errorf("check %s: %w", key, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Create initializes a snapshot root with no streams.
// It fails with an AlreadyExists error if path already holds state.
func (s *Store) Create(ctx context.Context, path string, meta *Metadata) error {
	exists, err := s.HasState(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return NewError(KindAlreadyExists, path,
			"snapshot at %s is already started or completed", path)
	}

	meta.Path = path
	if err := meta.Validate(); err != nil {
		return err
	}
	data, err := encodeMetadata(meta)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(ctx, StreamsPath(path)); err != nil {
		return err
	}
	if err := s.fs.AtomicWrite(ctx, MetadataPath(path), data); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// Discard removes the root written by Create. It only serves a start that
// failed before any stream existed.
func (s *Store) Discard(ctx context.Context, path string) error {
	if err := s.fs.Remove(ctx, MetadataPath(path)); err != nil {
		return err
	}
	return s.fs.Remove(ctx, StreamsPath(path))
}

// ReadMetadata loads the metadata written by Create.
func (s *Store) ReadMetadata(ctx context.Context, path string) (*Metadata, error) {
	data, err := s.fs.ReadFile(ctx, MetadataPath(path))
	if err != nil {
		return nil, fmt.Errorf("read metadata of %s: %w", path, err)
	}
	return decodeMetadata(data)
}

// CreateStream persists a new stream owned by worker.
func (s *Store) CreateStream(ctx context.Context, path string, stream int, worker string) error {
	if err := s.WriteOwner(ctx, path, stream, worker); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(ctx, CheckpointsPath(path, stream)); err != nil {
		return err
	}
	return s.fs.MkdirAll(ctx, SplitsPath(path, stream))
}

// WriteOwner atomically records the owner of a stream.
func (s *Store) WriteOwner(ctx context.Context, path string, stream int, worker string) error {
	if err := s.fs.AtomicWrite(ctx, OwnerPath(path, stream), []byte(worker)); err != nil {
		return fmt.Errorf("write owner of stream %d: %w", stream, err)
	}
	return nil
}

// ReadOwner returns the recorded owner of a stream, or "" if none is recorded.
func (s *Store) ReadOwner(ctx context.Context, path string, stream int) (string, error) {
	data, err := s.fs.ReadFile(ctx, OwnerPath(path, stream))
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read owner of stream %d: %w", stream, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ClaimSplit reserves split_<local>_<global> with an empty file. The owner
// later replaces it with the payload through CommitSplit.
func (s *Store) ClaimSplit(ctx context.Context, path string, stream, source, repetition int, local, global int64) error {
	key := SplitPath(path, stream, source, repetition, local, global)
	ok, err := s.fs.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if ok {
		return nil
	}
	if err := s.fs.AtomicWrite(ctx, key, nil); err != nil {
		return fmt.Errorf("claim split %s: %w", key, err)
	}
	return nil
}

// CommitSplit writes the payload of a split to a temporary file and renames
// it over the final name, so readers never observe a partial split.
func (s *Store) CommitSplit(ctx context.Context, path string, stream, source, repetition int, local, global int64, data []byte) error {
	key := SplitPath(path, stream, source, repetition, local, global)
	tmp := storage.TempName(key)

	if err := s.fs.WriteFile(ctx, tmp, data); err != nil {
		s.fs.Remove(ctx, tmp)
		return fmt.Errorf("write temp split %s: %w", tmp, err)
	}
	if err := s.fs.Rename(ctx, tmp, key); err != nil {
		s.fs.Remove(ctx, tmp)
		return fmt.Errorf("commit split %s: %w", key, err)
	}
	return nil
}

// ReadSplit returns the payload of a committed split.
func (s *Store) ReadSplit(ctx context.Context, path string, stream, source, repetition int, local, global int64) ([]byte, error) {
	return s.fs.ReadFile(ctx, SplitPath(path, stream, source, repetition, local, global))
}

// MarkStreamDone records that a stream finished all of its sources.
func (s *Store) MarkStreamDone(ctx context.Context, path string, stream int) error {
	if err := s.fs.AtomicWrite(ctx, StreamDonePath(path, stream), nil); err != nil {
		return fmt.Errorf("mark stream %d done: %w", stream, err)
	}
	return nil
}

// IsStreamDone reports whether a stream finished.
func (s *Store) IsStreamDone(ctx context.Context, path string, stream int) (bool, error) {
	return s.fs.Exists(ctx, StreamDonePath(path, stream))
}

// MarkDone writes the snapshot DONE marker. A snapshot that already failed
// stays failed.
func (s *Store) MarkDone(ctx context.Context, path string) error {
	failed, err := s.HasError(ctx, path)
	if err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("snapshot %s already has an error", path)
	}
	if err := s.fs.AtomicWrite(ctx, DonePath(path), nil); err != nil {
		return fmt.Errorf("mark %s done: %w", path, err)
	}
	return nil
}

// MarkError writes the snapshot ERROR marker with reason. A snapshot that is
// already DONE is left untouched.
func (s *Store) MarkError(ctx context.Context, path, reason string) error {
	done, err := s.IsDone(ctx, path)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	if err := s.fs.AtomicWrite(ctx, ErrorPath(path), []byte(reason)); err != nil {
		return fmt.Errorf("mark %s failed: %w", path, err)
	}
	return nil
}

// IsDone reports whether the DONE marker exists.
func (s *Store) IsDone(ctx context.Context, path string) (bool, error) {
	return s.fs.Exists(ctx, DonePath(path))
}

// HasError reports whether the ERROR marker exists.
func (s *Store) HasError(ctx context.Context, path string) (bool, error) {
	return s.fs.Exists(ctx, ErrorPath(path))
}

// ErrorReason returns the reason recorded in the ERROR marker.
func (s *Store) ErrorReason(ctx context.Context, path string) (string, error) {
	data, err := s.fs.ReadFile(ctx, ErrorPath(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
