// Package catalog records snapshot lineage (which snapshots exist, which
// worker wrote which stream, and how each ended) in an external catalog.
package catalog

import (
	"context"
	"time"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/notify"
)

// Snapshot and stream states recorded in the catalog.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusError      = "ERROR"
)

type CatalogConfig struct {
	PostgresDSN string
	Namespace   string
}

type Writer interface {
	RecordSnapshot(ctx context.Context, rec SnapshotRecord) error
	RecordStream(ctx context.Context, rec StreamRecord) error
	RecordStatus(ctx context.Context, rec StatusRecord) error
	Close() error
}

type SnapshotRecord struct {
	Path            string
	NumSources      int
	Compression     string
	ProducerVersion string
	StartedAt       time.Time
}

type StreamRecord struct {
	Path       string
	Stream     int
	Worker     string
	Reassigned bool
}

// StatusRecord sets the state of a snapshot, or of one of its streams when
// Stream is non-negative.
type StatusRecord struct {
	Path   string
	Stream int
	Status string
	Reason string
}

// NewWriter returns a Postgres writer when a DSN is configured and a no-op
// writer otherwise.
func NewWriter(cfg CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{cfg: cfg}, nil
	}
	w, err := NewPostgresWriter(cfg)
	if err != nil {
		return nil, err
	}
	return w, nil
}

type noopWriter struct {
	cfg CatalogConfig
}

func (n noopWriter) RecordSnapshot(_ context.Context, _ SnapshotRecord) error { return nil }
func (n noopWriter) RecordStream(_ context.Context, _ StreamRecord) error     { return nil }
func (n noopWriter) RecordStatus(_ context.Context, _ StatusRecord) error     { return nil }
func (n noopWriter) Close() error                                             { return nil }

// Sink adapts a Writer to the lifecycle event stream.
type Sink struct {
	w Writer
}

// NewSink returns an emitter that records lifecycle events in w.
func NewSink(w Writer) *Sink {
	return &Sink{w: w}
}

// Emit translates evt into catalog writes. Events the catalog does not
// track are ignored.
func (s *Sink) Emit(ctx context.Context, evt notify.Event) error {
	switch evt.Type {
	case notify.SnapshotStarted:
		return s.w.RecordSnapshot(ctx, SnapshotRecord{
			Path:            evt.Snapshot,
			NumSources:      evt.NumSources,
			Compression:     evt.Compression,
			ProducerVersion: evt.Producer.Version,
			StartedAt:       evt.Timestamp,
		})
	case notify.StreamAssigned, notify.StreamReassigned:
		return s.w.RecordStream(ctx, StreamRecord{
			Path:       evt.Snapshot,
			Stream:     evt.Stream,
			Worker:     evt.Worker,
			Reassigned: evt.Type == notify.StreamReassigned,
		})
	case notify.StreamCompleted:
		return s.w.RecordStatus(ctx, StatusRecord{Path: evt.Snapshot, Stream: evt.Stream, Status: StatusDone})
	case notify.SnapshotDone:
		return s.w.RecordStatus(ctx, StatusRecord{Path: evt.Snapshot, Stream: -1, Status: StatusDone})
	case notify.SnapshotError:
		return s.w.RecordStatus(ctx, StatusRecord{Path: evt.Snapshot, Stream: -1, Status: StatusError, Reason: evt.Reason})
	}
	return nil
}

// Close closes the underlying writer.
func (s *Sink) Close() error {
	return s.w.Close()
}
