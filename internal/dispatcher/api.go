// Package dispatcher coordinates snapshot streams across workers. All of
// its in-memory tables are a cache of the durable snapshot layout and are
// rebuilt from storage when the dispatcher starts.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dataset"
)

var (
	// ErrUnknownWorker is returned to a worker the dispatcher does not know,
	// or has declared lost. The worker must register again.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrNotOwner is returned when a worker acts on a stream it does not own.
	ErrNotOwner = errors.New("worker does not own stream")

	// ErrSnapshotTerminal is returned for work on a snapshot that already
	// ended in ERROR.
	ErrSnapshotTerminal = errors.New("snapshot already ended")

	// ErrUnknownSnapshot is returned for a path the dispatcher has no record of.
	ErrUnknownSnapshot = errors.New("unknown snapshot")
)

// Snapshot states reported by Status.
const (
	StateInProgress = "IN_PROGRESS"
	StateDone       = "DONE"
	StateError      = "ERROR"
)

// API is the dispatcher contract used by workers.
type API interface {
	RegisterWorker(ctx context.Context, workerID string, quota int) error
	Heartbeat(ctx context.Context, workerID string, progress []Progress) ([]Assignment, error)
	AllocateGlobalIndex(ctx context.Context, req AllocateRequest) (Allocation, error)
	ReportStreamComplete(ctx context.Context, workerID, path string, stream int) error
	ReportStreamError(ctx context.Context, workerID, path string, stream int, reason string) error
}

// Client is the dispatcher contract used by snapshot clients.
type Client interface {
	StartSnapshot(ctx context.Context, path string, spec dataset.Spec, compression string, opts StartOptions) error
	Status(ctx context.Context, path string) (Status, error)
	Wait(ctx context.Context, path string) (Status, error)
	Cancel(ctx context.Context, path, reason string) error
	Streams(ctx context.Context, path string) ([]StreamInfo, error)
}

// Assignment hands a stream to a worker.
type Assignment struct {
	Path        string          `json:"path"`
	Stream      int             `json:"stream"`
	Dataset     json.RawMessage `json:"dataset"`
	Compression string          `json:"compression"`

	// Checkpoint names the latest checkpoint of the stream, if any, so a
	// new owner can resume where the previous one stopped.
	Checkpoint string `json:"checkpoint,omitempty"`
}

// Progress is what a worker reports for one of its streams.
type Progress struct {
	Path            string `json:"path"`
	Stream          int    `json:"stream"`
	Source          int    `json:"source"`
	Repetition      int    `json:"repetition"`
	SplitsCommitted int64  `json:"splits_committed"`
	Completed       bool   `json:"completed"`
}

// AllocateRequest asks for the global index of the next split of a stream.
type AllocateRequest struct {
	WorkerID   string `json:"worker_id"`
	Path       string `json:"path"`
	Stream     int    `json:"stream"`
	Source     int    `json:"source"`
	Repetition int    `json:"repetition"`
	Local      int64  `json:"local"`
}

// Allocation answers an AllocateRequest. When EndOfRepetition is set no
// global index was allocated and the stream moves to the next repetition,
// or to the next source when EndOfSource is also set.
type Allocation struct {
	Global          int64 `json:"global"`
	EndOfRepetition bool  `json:"end_of_repetition"`
	EndOfSource     bool  `json:"end_of_source"`
}

// StartOptions tunes StartSnapshot.
type StartOptions struct {
	// Resume accepts a path that already holds an in-flight snapshot of the
	// same dataset instead of failing with AlreadyExists.
	Resume bool `json:"resume"`
}

// Status is the externally visible state of a snapshot.
type Status struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Terminal reports whether the snapshot has ended.
func (s Status) Terminal() bool {
	return s.State == StateDone || s.State == StateError
}

// StreamInfo describes one stream of a snapshot.
type StreamInfo struct {
	Index    int    `json:"index"`
	Owner    string `json:"owner"`
	Done     bool   `json:"done"`
	Orphaned bool   `json:"orphaned"`
}
