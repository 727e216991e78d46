package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/notify"
)

type mockWriter struct {
	mu        sync.Mutex
	snapshots []SnapshotRecord
	streams   []StreamRecord
	statuses  []StatusRecord
}

func (m *mockWriter) RecordSnapshot(_ context.Context, rec SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, rec)
	return nil
}

func (m *mockWriter) RecordStream(_ context.Context, rec StreamRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, rec)
	return nil
}

func (m *mockWriter) RecordStatus(_ context.Context, rec StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, rec)
	return nil
}

func (m *mockWriter) Close() error { return nil }

func TestSinkTranslatesEvents(t *testing.T) {
	w := &mockWriter{}
	sink := NewSink(w)
	ctx := context.Background()
	now := time.Now().UTC()

	events := []notify.Event{
		{Type: notify.SnapshotStarted, Snapshot: "snap", NumSources: 2, Compression: "ZSTD", Timestamp: now},
		{Type: notify.StreamAssigned, Snapshot: "snap", Stream: 0, Worker: "w0"},
		{Type: notify.StreamReassigned, Snapshot: "snap", Stream: 0, Worker: "w1"},
		{Type: notify.StreamCompleted, Snapshot: "snap", Stream: 0},
		{Type: notify.WorkerLost, Worker: "w0"},
		{Type: notify.SnapshotError, Snapshot: "snap", Reason: "engine failed"},
	}
	for _, evt := range events {
		if err := sink.Emit(ctx, evt); err != nil {
			t.Fatalf("Emit(%s) failed: %v", evt.Type, err)
		}
	}

	if len(w.snapshots) != 1 || w.snapshots[0].NumSources != 2 || !w.snapshots[0].StartedAt.Equal(now) {
		t.Errorf("unexpected snapshots: %+v", w.snapshots)
	}
	if len(w.streams) != 2 || w.streams[0].Reassigned || !w.streams[1].Reassigned || w.streams[1].Worker != "w1" {
		t.Errorf("unexpected streams: %+v", w.streams)
	}
	if len(w.statuses) != 2 {
		t.Fatalf("expected 2 status records, got %+v", w.statuses)
	}
	if w.statuses[0].Stream != 0 || w.statuses[0].Status != StatusDone {
		t.Errorf("unexpected stream status: %+v", w.statuses[0])
	}
	if w.statuses[1].Stream != -1 || w.statuses[1].Status != StatusError || w.statuses[1].Reason != "engine failed" {
		t.Errorf("unexpected snapshot status: %+v", w.statuses[1])
	}
}

func TestNewWriterWithoutDSN(t *testing.T) {
	w, err := NewWriter(CatalogConfig{})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if _, ok := w.(noopWriter); !ok {
		t.Errorf("expected noop writer, got %T", w)
	}
	if err := w.RecordStatus(context.Background(), StatusRecord{Path: "snap"}); err != nil {
		t.Errorf("noop RecordStatus failed: %v", err)
	}
}
