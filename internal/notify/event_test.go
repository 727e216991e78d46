package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestComputeEventHash(t *testing.T) {
	event := Event{
		Version:   EventVersion,
		Type:      StreamAssigned,
		Timestamp: time.Now(),
		Snapshot:  "gs://bucket/snap",
		Stream:    2,
		Worker:    "worker-a",
		Producer:  ProducerInfo{Name: "snapshotd", Version: "v0.1.0"},
	}

	// Compute hash with empty prev_event_hash (first in chain)
	event.SetChainHashes("")

	if event.Chain.EventHash == "" {
		t.Error("EventHash should be computed")
	}
	if len(event.Chain.EventHash) < 7 || event.Chain.EventHash[:7] != "sha256:" {
		t.Errorf("EventHash should start with 'sha256:', got: %s", event.Chain.EventHash)
	}
	if event.Chain.PrevEventHash != "" {
		t.Errorf("PrevEventHash should be empty for first in chain, got: %s", event.Chain.PrevEventHash)
	}
}

func TestHashChainDeterminism(t *testing.T) {
	createEvent := func() Event {
		return Event{
			Version:   EventVersion,
			Type:      StreamCompleted,
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Snapshot:  "snap",
			Stream:    1,
			Producer:  ProducerInfo{Name: "test"},
		}
	}

	event1 := createEvent()
	event1.SetChainHashes("prev_hash_123")

	event2 := createEvent()
	event2.SetChainHashes("prev_hash_123")

	if event1.Chain.EventHash != event2.Chain.EventHash {
		t.Errorf("Identical events should produce identical hashes.\n  Event1: %s\n  Event2: %s",
			event1.Chain.EventHash, event2.Chain.EventHash)
	}

	event3 := createEvent()
	event3.SetChainHashes("prev_hash_456")
	if event1.Chain.EventHash == event3.Chain.EventHash {
		t.Error("Different prev_hash should produce different event_hash")
	}

	event4 := createEvent()
	event4.Stream = 2
	event4.SetChainHashes("prev_hash_123")
	if event1.Chain.EventHash == event4.Chain.EventHash {
		t.Error("Different content should produce different event_hash")
	}
}

func TestChainKey(t *testing.T) {
	e := Event{Snapshot: "snap/a"}
	if e.ChainKey() != "snap/a" {
		t.Errorf("ChainKey() = %s", e.ChainKey())
	}
	w := Event{Type: WorkerLost, Worker: "w"}
	if w.ChainKey() != "workers" {
		t.Errorf("worker event ChainKey() = %s", w.ChainKey())
	}
}

func TestFileJournalChains(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir, ProducerInfo{Name: "snapshotd"})
	if err != nil {
		t.Fatalf("NewFileJournal failed: %v", err)
	}
	ctx := context.Background()

	for _, evt := range []Event{
		{Type: SnapshotStarted, Snapshot: "a"},
		{Type: SnapshotStarted, Snapshot: "b"},
		{Type: StreamAssigned, Snapshot: "a", Worker: "w0"},
		{Type: SnapshotDone, Snapshot: "a"},
	} {
		if err := j.Emit(ctx, evt); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	events, err := ReadJournal(dir)
	if err != nil {
		t.Fatalf("ReadJournal failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[2].Chain.PrevEventHash != events[0].Chain.EventHash {
		t.Error("third event should link to the first event of chain a")
	}
	if events[1].Chain.PrevEventHash != "" {
		t.Error("first event of chain b should have no predecessor")
	}
	if events[0].Producer.Name != "snapshotd" || events[0].EventID == "" {
		t.Errorf("envelope not stamped: %+v", events[0])
	}
	if err := VerifyChain(events); err != nil {
		t.Errorf("VerifyChain failed: %v", err)
	}

	events[2].Worker = "tampered"
	if err := VerifyChain(events); err == nil {
		t.Error("VerifyChain should detect tampering")
	}

	// Chain heads survive a reopen.
	j2, err := NewFileJournal(dir, ProducerInfo{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer j2.Close()
	if err := j2.Emit(ctx, Event{Type: StreamCompleted, Snapshot: "b"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	events, _ = ReadJournal(dir)
	if events[4].Chain.PrevEventHash != events[1].Chain.EventHash {
		t.Error("reopened journal should continue chain b")
	}
}

func TestBusClosesOnTerminalEvent(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	ch, cancel := bus.Subscribe("snap")
	defer cancel()
	other, cancelOther := bus.Subscribe("other")
	defer cancelOther()

	bus.Emit(ctx, Event{Type: StreamCompleted, Snapshot: "snap"})
	bus.Emit(ctx, Event{Type: SnapshotDone, Snapshot: "snap"})

	var got []string
	for evt := range ch {
		got = append(got, evt.Type)
	}
	if len(got) != 2 || got[1] != SnapshotDone {
		t.Errorf("unexpected events: %v", got)
	}

	select {
	case evt, ok := <-other:
		t.Errorf("unrelated subscriber received %+v (open=%v)", evt, ok)
	default:
	}
}

func TestBusDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	ch, cancel := bus.Subscribe("snap")
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		bus.Emit(ctx, Event{Type: StreamAssigned, Snapshot: "snap", Stream: i})
	}
	bus.Emit(ctx, Event{Type: SnapshotError, Snapshot: "snap"})

	n := 0
	for range ch {
		n++
	}
	if n != subscriberBuffer {
		t.Errorf("expected %d buffered events, got %d", subscriberBuffer, n)
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingEmitter) Close() error { return nil }

func TestMultiAndHTTPEmitter(t *testing.T) {
	var (
		mu       sync.Mutex
		received int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	httpEmitter, err := NewHTTPEmitter(Config{Enabled: true, Endpoint: srv.URL, JournalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewHTTPEmitter failed: %v", err)
	}
	rec := &recordingEmitter{}
	m := Multi{rec, httpEmitter}
	defer m.Close()

	if err := m.Emit(context.Background(), Event{Type: SnapshotStarted, Snapshot: "snap"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if received != 1 || len(rec.events) != 1 {
		t.Errorf("received=%d recorded=%d", received, len(rec.events))
	}
}

func TestNewEmitterDisabled(t *testing.T) {
	e := NewEmitter(Config{Enabled: false})
	if err := e.Emit(context.Background(), Event{Type: SnapshotDone}); err != nil {
		t.Errorf("noop Emit failed: %v", err)
	}
	if _, ok := e.(*noopEmitter); !ok {
		t.Errorf("expected noop emitter, got %T", e)
	}
}

func TestFileJournalDropsTornTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := NewFileJournal(dir, ProducerInfo{})
	if err != nil {
		t.Fatalf("NewFileJournal failed: %v", err)
	}
	if err := j.Emit(ctx, Event{Type: SnapshotStarted, Snapshot: "a"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	j.Close()

	f, err := os.OpenFile(filepath.Join(dir, JournalFile), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	f.WriteString(`{"type":"stream_assig`)
	f.Close()

	j2, err := NewFileJournal(dir, ProducerInfo{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := j2.Emit(ctx, Event{Type: SnapshotDone, Snapshot: "a"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	j2.Close()

	events, err := ReadJournal(dir)
	if err != nil {
		t.Fatalf("ReadJournal failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if err := VerifyChain(events); err != nil {
		t.Errorf("VerifyChain failed: %v", err)
	}
}

func TestGenerateEventIDOrdered(t *testing.T) {
	prev := GenerateEventID()
	for i := 0; i < 100; i++ {
		id := GenerateEventID()
		if len(id) != len("evt_")+26 {
			t.Fatalf("unexpected id %q", id)
		}
		if id <= prev {
			t.Fatalf("ids out of order: %s then %s", prev, id)
		}
		prev = id
	}
}
