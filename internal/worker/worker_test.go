package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dataset"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dispatcher"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/records"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/snapshot"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/storage"
)

func newTestFS(t *testing.T) storage.FS {
	t.Helper()
	fs, err := storage.NewMemFS("")
	if err != nil {
		t.Fatalf("NewMemFS failed: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

func newTestDispatcher(t *testing.T, fs storage.FS) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(context.Background(), dispatcher.Config{FS: fs, WorkDir: "dispatcher"})
	if err != nil {
		t.Fatalf("dispatcher.New failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testConfig(id string, fs storage.FS) Config {
	return Config{
		ID:                   id,
		MaxConcurrentStreams: 1,
		HeartbeatInterval:    5 * time.Millisecond,
		MaxRetry:             2,
		BackoffMs:            1,
		FS:                   fs,
	}
}

func newTestWorker(t *testing.T, cfg Config, api dispatcher.API) *Worker {
	t.Helper()
	w, err := New(cfg, api)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return w
}

// runWorkers starts workers in the background and stops them at cleanup.
func runWorkers(t *testing.T, workers ...*Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func waitDone(t *testing.T, d *dispatcher.Dispatcher, path string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := d.Wait(ctx, path)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if st.State != dispatcher.StateDone {
		t.Fatalf("expected DONE, got %+v", st)
	}
}

// expectedRecords is the element order a snapshot of spec must load back in.
func expectedRecords(t *testing.T, spec dataset.Spec) []records.Record {
	t.Helper()
	engine, err := dataset.New(spec)
	if err != nil {
		t.Fatalf("dataset.New failed: %v", err)
	}
	var out []records.Record
	for s := 0; s < engine.NumSources(); s++ {
		for r := 0; r < engine.Repetitions(); r++ {
			for g := int64(0); g < engine.NumSplits(s); g++ {
				rows, err := engine.ReadSplit(context.Background(), s, r, g)
				if err != nil {
					t.Fatalf("ReadSplit failed: %v", err)
				}
				out = append(out, rows...)
			}
		}
	}
	return out
}

func checkContents(t *testing.T, fs storage.FS, path string, spec dataset.Spec) {
	t.Helper()
	got, err := dataset.Load(context.Background(), snapshot.NewStore(fs), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := expectedRecords(t, spec)
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestWorkersSaveSnapshot(t *testing.T) {
	fs := newTestFS(t)
	d := newTestDispatcher(t, fs)

	w1 := newTestWorker(t, testConfig("w1", fs), d)
	w2 := newTestWorker(t, testConfig("w2", fs), d)
	runWorkers(t, w1, w2)

	spec := dataset.Spec{
		Sources: []dataset.SourceSpec{
			dataset.RangeSource(0, 7),
			dataset.ValuesSource(3, "a", "b"),
		},
	}.Repeat(2).WithSplitSize(2)

	if err := d.StartSnapshot(context.Background(), "snap", spec, "ZSTD", dispatcher.StartOptions{}); err != nil {
		t.Fatalf("StartSnapshot failed: %v", err)
	}
	waitDone(t, d, "snap")
	checkContents(t, fs, "snap", spec)

	// Streams of a finished snapshot are dropped at the next heartbeat.
	deadline := time.Now().Add(5 * time.Second)
	for w1.Running()+w2.Running() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("workers still running %d streams", w1.Running()+w2.Running())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSingleRepetitionLayout(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	d := newTestDispatcher(t, fs)
	runWorkers(t, newTestWorker(t, testConfig("w1", fs), d))

	spec := dataset.Range(0, 5).WithSplitSize(2)
	if err := d.StartSnapshot(ctx, "snap", spec, "", dispatcher.StartOptions{}); err != nil {
		t.Fatalf("StartSnapshot failed: %v", err)
	}
	waitDone(t, d, "snap")

	tree, err := snapshot.NewStore(fs).Enumerate(ctx, "snap")
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	for _, st := range tree.Streams {
		if len(st.TempSplits) != 0 {
			t.Errorf("stream %d left temporary splits: %+v", st.Index, st.TempSplits)
		}
		for _, src := range st.Sources {
			for _, rep := range src.Repetitions {
				if rep.Index != 0 {
					t.Errorf("stream %d has repetition %d for a single pass", st.Index, rep.Index)
				}
			}
		}
	}
	checkContents(t, fs, "snap", spec)
}

func TestRunStreamFillsClaimedSplits(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	d := newTestDispatcher(t, fs)

	spec := dataset.Range(0, 4).WithSplitSize(2)
	if err := d.RegisterWorker(ctx, "w1", 1); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	if err := d.StartSnapshot(ctx, "snap", spec, "", dispatcher.StartOptions{}); err != nil {
		t.Fatalf("StartSnapshot failed: %v", err)
	}
	// A previous run was allocated split 0 and died before writing it.
	if _, err := d.AllocateGlobalIndex(ctx, dispatcher.AllocateRequest{WorkerID: "w1", Path: "snap"}); err != nil {
		t.Fatalf("AllocateGlobalIndex failed: %v", err)
	}

	assignments, err := d.Heartbeat(ctx, "w1", nil)
	if err != nil || len(assignments) != 1 {
		t.Fatalf("expected one assignment, got %+v (%v)", assignments, err)
	}

	w := newTestWorker(t, testConfig("w1", fs), d)
	task := newStreamTask(assignments[0], func() {})
	if err := w.runStream(ctx, task); err != nil {
		t.Fatalf("runStream failed: %v", err)
	}
	if !task.progress().Completed {
		t.Error("task should report completion")
	}

	st, err := d.Status(ctx, "snap")
	if err != nil || st.State != dispatcher.StateDone {
		t.Fatalf("expected DONE, got %+v (%v)", st, err)
	}
	checkContents(t, fs, "snap", spec)
}

func TestCheckpointRecordsPosition(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	d := newTestDispatcher(t, fs)

	spec := dataset.Range(0, 6).WithSplitSize(2)
	if err := d.RegisterWorker(ctx, "w1", 1); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	if err := d.StartSnapshot(ctx, "snap", spec, "", dispatcher.StartOptions{}); err != nil {
		t.Fatalf("StartSnapshot failed: %v", err)
	}
	assignments, err := d.Heartbeat(ctx, "w1", nil)
	if err != nil || len(assignments) != 1 {
		t.Fatalf("expected one assignment, got %+v (%v)", assignments, err)
	}

	cfg := testConfig("w1", fs)
	cfg.CheckpointInterval = 1
	w := newTestWorker(t, cfg, d)
	if err := w.runStream(ctx, newStreamTask(assignments[0], func() {})); err != nil {
		t.Fatalf("runStream failed: %v", err)
	}

	cp, err := w.checkpoints.Latest(ctx, "snap", 0)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if cp.Source != 1 || cp.SplitsCommitted != 3 {
		t.Errorf("expected final checkpoint past source 0 with 3 splits, got %+v", cp)
	}
	tree, err := snapshot.NewStore(fs).EnumerateStream(ctx, "snap", 0)
	if err != nil {
		t.Fatalf("EnumerateStream failed: %v", err)
	}
	if len(tree.Checkpoints) != 1 || tree.Checkpoints[0] != checkpoint.Name(cp.Seq) {
		t.Errorf("expected only the latest checkpoint to remain, got %v", tree.Checkpoints)
	}
}

func TestWorkerSurvivesDispatcherRestart(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	first := newTestDispatcher(t, fs)

	spec := dataset.Range(0, 6).WithSplitSize(1)
	if err := first.RegisterWorker(ctx, "w1", 1); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	if err := first.StartSnapshot(ctx, "snap", spec, "", dispatcher.StartOptions{}); err != nil {
		t.Fatalf("StartSnapshot failed: %v", err)
	}
	for local := int64(0); local < 2; local++ {
		req := dispatcher.AllocateRequest{WorkerID: "w1", Path: "snap", Local: local}
		if _, err := first.AllocateGlobalIndex(ctx, req); err != nil {
			t.Fatalf("AllocateGlobalIndex failed: %v", err)
		}
	}

	restarted := newTestDispatcher(t, fs)
	runWorkers(t, newTestWorker(t, testConfig("w1", fs), restarted))

	waitDone(t, restarted, "snap")
	checkContents(t, fs, "snap", spec)
}

type failingEngine struct {
	dataset.Engine
	err error
}

func (e *failingEngine) ReadSplit(ctx context.Context, source, repetition int, split int64) ([]records.Record, error) {
	return nil, e.err
}

func TestDatasetFailureFailsSnapshot(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	d := newTestDispatcher(t, fs)

	if err := d.RegisterWorker(ctx, "w1", 1); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	if err := d.StartSnapshot(ctx, "snap", dataset.Range(0, 4), "", dispatcher.StartOptions{}); err != nil {
		t.Fatalf("StartSnapshot failed: %v", err)
	}
	assignments, err := d.Heartbeat(ctx, "w1", nil)
	if err != nil || len(assignments) != 1 {
		t.Fatalf("expected one assignment, got %+v (%v)", assignments, err)
	}

	cfg := testConfig("w1", fs)
	cfg.Engines = func(spec dataset.Spec) (dataset.Engine, error) {
		e, err := dataset.New(spec)
		if err != nil {
			return nil, err
		}
		return &failingEngine{Engine: e, err: errors.New("disk on fire")}, nil
	}
	w := newTestWorker(t, cfg, d)

	if err := w.runStream(ctx, newStreamTask(assignments[0], func() {})); err == nil {
		t.Fatal("expected runStream to fail")
	}

	st, err := d.Status(ctx, "snap")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.State != dispatcher.StateError {
		t.Fatalf("expected ERROR, got %+v", st)
	}
	if !errors.Is(snapshot.ParseError(st.Reason), snapshot.ErrUnrecoverableSource) {
		t.Errorf("unexpected reason: %s", st.Reason)
	}
}

// mockAPI records calls and fails the first heartbeat with ErrUnknownWorker.
type mockAPI struct {
	mu         sync.Mutex
	registers  int
	heartbeats int
}

func (m *mockAPI) RegisterWorker(ctx context.Context, workerID string, quota int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registers++
	return nil
}

func (m *mockAPI) Heartbeat(ctx context.Context, workerID string, progress []dispatcher.Progress) ([]dispatcher.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats++
	if m.heartbeats == 1 {
		return nil, fmt.Errorf("worker %s: %w", workerID, dispatcher.ErrUnknownWorker)
	}
	return nil, nil
}

func (m *mockAPI) AllocateGlobalIndex(ctx context.Context, req dispatcher.AllocateRequest) (dispatcher.Allocation, error) {
	return dispatcher.Allocation{}, errors.New("not implemented")
}

func (m *mockAPI) ReportStreamComplete(ctx context.Context, workerID, path string, stream int) error {
	return nil
}

func (m *mockAPI) ReportStreamError(ctx context.Context, workerID, path string, stream int, reason string) error {
	return nil
}

func (m *mockAPI) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registers, m.heartbeats
}

func TestWorkerRegistersAgain(t *testing.T) {
	api := &mockAPI{}
	w := newTestWorker(t, testConfig("w1", newTestFS(t)), api)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	registers, heartbeats := api.counts()
	if registers != 2 {
		t.Errorf("expected 2 registrations, got %d", registers)
	}
	if heartbeats < 2 {
		t.Errorf("expected at least 2 heartbeats, got %d", heartbeats)
	}
}

func TestRetry(t *testing.T) {
	w := newTestWorker(t, Config{ID: "w1", FS: newTestFS(t), MaxRetry: 3, BackoffMs: 1}, &mockAPI{})
	ctx := context.Background()

	calls := 0
	err := w.retry(ctx, "flaky", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("expected success on third attempt, got %v after %d calls", err, calls)
	}

	calls = 0
	err = w.retry(ctx, "owner", func() error {
		calls++
		return dispatcher.ErrNotOwner
	})
	if !errors.Is(err, dispatcher.ErrNotOwner) || calls != 1 {
		t.Errorf("permanent errors should not be retried: %v after %d calls", err, calls)
	}

	calls = 0
	err = w.retry(ctx, "broken", func() error {
		calls++
		return errors.New("still broken")
	})
	if err == nil || calls != 3 {
		t.Errorf("expected failure after 3 attempts, got %v after %d calls", err, calls)
	}
}

// switchableAPI routes worker calls to the current dispatcher. restart holds
// the write lock while the next dispatcher recovers, so the old one serves
// nothing once recovery starts.
type switchableAPI struct {
	mu      sync.RWMutex
	current *dispatcher.Dispatcher

	statsMu sync.Mutex
	maxSeen map[string]int
}

func newSwitchableAPI(d *dispatcher.Dispatcher) *switchableAPI {
	return &switchableAPI{current: d, maxSeen: make(map[string]int)}
}

func (s *switchableAPI) restart(start func() *dispatcher.Dispatcher) *dispatcher.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = start()
	return s.current
}

func (s *switchableAPI) maxAssignments(workerID string) int {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.maxSeen[workerID]
}

func (s *switchableAPI) RegisterWorker(ctx context.Context, workerID string, quota int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.RegisterWorker(ctx, workerID, quota)
}

func (s *switchableAPI) Heartbeat(ctx context.Context, workerID string, progress []dispatcher.Progress) ([]dispatcher.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assignments, err := s.current.Heartbeat(ctx, workerID, progress)
	s.statsMu.Lock()
	if len(assignments) > s.maxSeen[workerID] {
		s.maxSeen[workerID] = len(assignments)
	}
	s.statsMu.Unlock()
	return assignments, err
}

func (s *switchableAPI) AllocateGlobalIndex(ctx context.Context, req dispatcher.AllocateRequest) (dispatcher.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AllocateGlobalIndex(ctx, req)
}

func (s *switchableAPI) ReportStreamComplete(ctx context.Context, workerID, path string, stream int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.ReportStreamComplete(ctx, workerID, path, stream)
}

func (s *switchableAPI) ReportStreamError(ctx context.Context, workerID, path string, stream int, reason string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.ReportStreamError(ctx, workerID, path, stream, reason)
}

func TestManySnapshotsAcrossDispatcherRestart(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	first := newTestDispatcher(t, fs)

	spec := dataset.Range(0, 8).WithSplitSize(1)
	paths := make([]string, 10)
	for i := range paths {
		paths[i] = fmt.Sprintf("snap_%d", i)
		if err := first.StartSnapshot(ctx, paths[i], spec, "", dispatcher.StartOptions{}); err != nil {
			t.Fatalf("StartSnapshot(%s) failed: %v", paths[i], err)
		}
	}

	api := newSwitchableAPI(first)
	runWorkers(t,
		newTestWorker(t, testConfig("w1", fs), api),
		newTestWorker(t, testConfig("w2", fs), api),
	)

	// Restart once the first snapshot is through, while the rest are queued
	// or running.
	waitDone(t, first, paths[0])
	restarted := api.restart(func() *dispatcher.Dispatcher { return newTestDispatcher(t, fs) })

	for _, path := range paths {
		waitDone(t, restarted, path)
		checkContents(t, fs, path, spec)
	}

	for _, id := range []string{"w1", "w2"} {
		if n := api.maxAssignments(id); n > 1 {
			t.Errorf("worker %s was handed %d streams at once with quota 1", id, n)
		}
	}
}

func TestReconcileKeepsCompletedStream(t *testing.T) {
	w := newTestWorker(t, testConfig("w1", newTestFS(t)), &mockAPI{})
	a := dispatcher.Assignment{Path: "snap", Stream: 0}

	// The stream finished and exited, but the heartbeat that carried its
	// completion was answered with the old assignment.
	task := newStreamTask(a, func() {})
	task.markCompleted()
	close(task.done)
	key := taskKey{path: a.Path, stream: a.Stream}
	w.tasks[key] = task

	w.reconcile(context.Background(), []dispatcher.Assignment{a})
	if w.tasks[key] != task {
		t.Fatal("completed stream was started again")
	}
	if n := w.Running(); n != 0 {
		t.Errorf("expected no running streams, got %d", n)
	}
	if p := w.Progress(); len(p) != 1 || !p[0].Completed {
		t.Errorf("completion should still be reported, got %+v", p)
	}

	// Once the dispatcher drops the assignment the task is forgotten.
	w.reconcile(context.Background(), nil)
	if _, ok := w.tasks[key]; ok {
		t.Error("unassigned finished stream should be removed")
	}
}
