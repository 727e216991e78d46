package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/snapshot"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/storage"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

const namePrefix = "checkpoint_"

// Checkpoint is the resumption state of one stream.
type Checkpoint struct {
	SnapshotPath string `json:"snapshot_path"`
	Stream       int    `json:"stream"`
	WorkerID     string `json:"worker_id"`

	// Seq increases with every save; it is also the file name suffix.
	Seq int64 `json:"seq"`

	// Position of the executor: every (source, repetition) pair ordered
	// before (Source, Repetition) is exhausted for this stream.
	Source     int   `json:"source"`
	Repetition int   `json:"repetition"`
	NextLocal  int64 `json:"next_local"`

	SplitsCommitted int64     `json:"splits_committed"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Latest reads the newest checkpoint of a stream.
	Latest(ctx context.Context, path string, stream int) (*Checkpoint, error)

	// Load reads a named checkpoint, as handed over on reassignment.
	Load(ctx context.Context, path string, stream int, name string) (*Checkpoint, error)

	// Save persists the checkpoint and drops older ones.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	FS      storage.FS
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}
	if cfg.FS == nil {
		return nil, fmt.Errorf("checkpoint storage required")
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &fsManager{fs: cfg.FS, enc: enc, dec: dec}, nil
}

// Name returns the file name of checkpoint seq.
func Name(seq int64) string {
	return namePrefix + strconv.FormatInt(seq, 10)
}

// ParseName returns the sequence number of a checkpoint file name.
func ParseName(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, namePrefix)
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

// LatestName picks the newest checkpoint among file names. Names that are
// not checkpoints are ignored.
func LatestName(names []string) (string, bool) {
	var (
		best    string
		bestSeq int64 = -1
	)
	for _, n := range names {
		if seq, ok := ParseName(n); ok && seq > bestSeq {
			best, bestSeq = n, seq
		}
	}
	return best, bestSeq >= 0
}

// fsManager persists zstd-compressed JSON checkpoints in the stream's
// checkpoints directory.
type fsManager struct {
	fs  storage.FS
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (m *fsManager) names(ctx context.Context, path string, stream int) ([]string, error) {
	entries, err := m.fs.List(ctx, snapshot.CheckpointsPath(path, stream))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir && !storage.IsTemp(e.Name) {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

// Latest reads the newest checkpoint.
func (m *fsManager) Latest(ctx context.Context, path string, stream int) (*Checkpoint, error) {
	names, err := m.names(ctx, path, stream)
	if err != nil {
		return nil, err
	}
	name, ok := LatestName(names)
	if !ok {
		return nil, ErrNoCheckpoint
	}
	return m.Load(ctx, path, stream, name)
}

// Load reads a checkpoint from a specific file.
func (m *fsManager) Load(ctx context.Context, path string, stream int, name string) (*Checkpoint, error) {
	key := storage.Join(snapshot.CheckpointsPath(path, stream), name)
	data, err := m.fs.ReadFile(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	raw, err := m.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	return &cp, nil
}

// Save persists the checkpoint and removes the ones it supersedes.
func (m *fsManager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := snapshot.CheckpointsPath(cp.SnapshotPath, cp.Stream)
	name := Name(cp.Seq)
	if err := m.fs.AtomicWrite(ctx, storage.Join(dir, name), m.enc.EncodeAll(data, nil)); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	names, err := m.names(ctx, cp.SnapshotPath, cp.Stream)
	if err != nil {
		return err
	}
	for _, n := range names {
		if seq, ok := ParseName(n); ok && seq < cp.Seq {
			if err := m.fs.Remove(ctx, storage.Join(dir, n)); err != nil {
				return fmt.Errorf("remove old checkpoint %s: %w", n, err)
			}
		}
	}
	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Latest(ctx context.Context, path string, stream int) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Load(ctx context.Context, path string, stream int, name string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
