package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dataset"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/metrics"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/notify"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/records"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/snapshot"
)

type snapshotState struct {
	path   string
	meta   *snapshot.Metadata
	engine dataset.Engine
	state  string
	reason string

	streams    []*streamState
	nextStream int

	// next is the next unallocated global index per (source, repetition).
	next map[snapshot.SourceRepetition]int64
}

type streamState struct {
	index      int
	owner      string
	done       bool
	orphan     bool
	checkpoint string

	// allocs maps local to global split index per (source, repetition).
	allocs    map[snapshot.SourceRepetition]map[int64]int64
	nextLocal map[snapshot.SourceRepetition]int64
}

func newStreamState(index int, owner string) *streamState {
	return &streamState{
		index:     index,
		owner:     owner,
		allocs:    make(map[snapshot.SourceRepetition]map[int64]int64),
		nextLocal: make(map[snapshot.SourceRepetition]int64),
	}
}

func (s *snapshotState) stream(index int) *streamState {
	for _, st := range s.streams {
		if st.index == index {
			return st
		}
	}
	return nil
}

// exhausted reports whether every global split index has been allocated.
func (s *snapshotState) exhausted() bool {
	for src := 0; src < s.meta.NumSources; src++ {
		n := s.engine.NumSplits(src)
		for rep := 0; rep < s.meta.Repetitions; rep++ {
			if s.next[snapshot.SourceRepetition{Source: src, Repetition: rep}] < n {
				return false
			}
		}
	}
	return true
}

func (s *snapshotState) allStreamsDone() bool {
	for _, st := range s.streams {
		if !st.done {
			return false
		}
	}
	return true
}

// ownedBy returns the unfinished stream recorded as owned by workerID,
// orphaned or not.
func (s *snapshotState) ownedBy(workerID string) *streamState {
	for _, st := range s.streams {
		if st.owner == workerID && !st.done {
			return st
		}
	}
	return nil
}

func (s *snapshotState) firstOrphan() *streamState {
	for _, st := range s.streams {
		if st.orphan && !st.done {
			return st
		}
	}
	return nil
}

// StartSnapshot creates a snapshot at path and starts scheduling its
// streams. A path that already holds state fails with AlreadyExists unless
// opts.Resume is set and the path holds an in-flight snapshot of the same
// dataset.
func (d *Dispatcher) StartSnapshot(ctx context.Context, path string, spec dataset.Spec, compression string, opts StartOptions) error {
	if path == "" {
		return fmt.Errorf("snapshot path required")
	}
	comp, err := records.ParseCompression(compression)
	if err != nil {
		return err
	}
	engine, err := d.cfg.Engines(spec)
	if err != nil {
		return fmt.Errorf("build dataset: %w", err)
	}
	raw, err := spec.Normalize().Encode()
	if err != nil {
		return err
	}
	meta := &snapshot.Metadata{
		Path:          path,
		NumSources:    engine.NumSources(),
		Repetitions:   engine.Repetitions(),
		Compression:   comp,
		Dataset:       raw,
		SchemaVersion: records.SchemaVersion,
		Producer:      d.cfg.Producer,
		CreatedAt:     d.now().UTC(),
	}

	defer d.flush()
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.snapshots[path]; ok {
		if opts.Resume && existing.state == StateInProgress && existing.meta.Equal(meta) {
			return nil
		}
		return snapshot.NewError(snapshot.KindAlreadyExists, path,
			"snapshot at %s is already started or completed", path)
	}

	log := d.log.With("snapshot_path", path)

	if opts.Resume {
		hasState, err := d.store.HasState(ctx, path)
		if err != nil {
			return err
		}
		if hasState {
			return d.resume(ctx, path, meta)
		}
	}

	if err := d.store.Create(ctx, path, meta); err != nil {
		return err
	}
	if err := d.journal.add(ctx, path); err != nil {
		// Unjournaled roots are never recovered, so do not leave one behind.
		if rmErr := d.store.Discard(ctx, path); rmErr != nil {
			log.Error("failed to discard snapshot root", "error", rmErr)
		}
		return err
	}

	snap := &snapshotState{
		path:   path,
		meta:   meta,
		engine: engine,
		state:  StateInProgress,
		next:   make(map[snapshot.SourceRepetition]int64),
	}
	d.addSnapshot(snap)

	log.Info("snapshot started",
		"num_sources", meta.NumSources,
		"repetitions", meta.Repetitions,
		"compression", comp,
	)
	d.emit(notify.Event{
		Type:        notify.SnapshotStarted,
		Snapshot:    path,
		Stream:      -1,
		NumSources:  meta.NumSources,
		Compression: comp,
	})
	if m := metrics.Get(); m != nil {
		m.IncSnapshotsStarted(comp)
	}

	if snap.exhausted() {
		// Nothing to write.
		if err := d.markDone(ctx, snap); err != nil {
			return err
		}
		return nil
	}

	d.schedule(ctx)
	return nil
}

// resume adopts an in-flight snapshot found on storage.
func (d *Dispatcher) resume(ctx context.Context, path string, meta *snapshot.Metadata) error {
	existing, err := d.store.ReadMetadata(ctx, path)
	if err != nil || !existing.Equal(meta) {
		return snapshot.NewError(snapshot.KindAlreadyExists, path,
			"snapshot at %s is already started or completed", path)
	}
	snap, err := d.recoverSnapshot(ctx, path)
	if err != nil {
		return err
	}
	if snap.state != StateInProgress {
		return snapshot.NewError(snapshot.KindAlreadyExists, path,
			"snapshot at %s is already started or completed", path)
	}
	if err := d.journal.add(ctx, path); err != nil {
		return err
	}
	d.addSnapshot(snap)
	d.log.Info("snapshot resumed", "snapshot_path", path, "streams", len(snap.streams))
	d.schedule(ctx)
	return nil
}

func (d *Dispatcher) addSnapshot(snap *snapshotState) {
	d.snapshots[snap.path] = snap
	d.snapshotOrder = append(d.snapshotOrder, snap.path)
}

func (d *Dispatcher) inProgress() []*snapshotState {
	var out []*snapshotState
	for _, path := range d.snapshotOrder {
		if snap := d.snapshots[path]; snap.state == StateInProgress {
			out = append(out, snap)
		}
	}
	return out
}

// AllocateGlobalIndex assigns the global index of split req.Local of
// (req.Source, req.Repetition) in a stream. Repeating a request returns the
// same answer. The index is claimed on storage before it is returned.
func (d *Dispatcher) AllocateGlobalIndex(ctx context.Context, req AllocateRequest) (Allocation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap, st, err := d.ownedStream(req.WorkerID, req.Path, req.Stream)
	if err != nil {
		return Allocation{}, err
	}
	if req.Source < 0 || req.Source >= snap.meta.NumSources {
		return Allocation{}, fmt.Errorf("snapshot %s: source %d out of range [0, %d)", req.Path, req.Source, snap.meta.NumSources)
	}
	if req.Repetition < 0 || req.Repetition >= snap.meta.Repetitions {
		return Allocation{}, fmt.Errorf("snapshot %s: repetition %d out of range [0, %d)", req.Path, req.Repetition, snap.meta.Repetitions)
	}

	k := snapshot.SourceRepetition{Source: req.Source, Repetition: req.Repetition}
	if g, ok := st.allocs[k][req.Local]; ok {
		return Allocation{Global: g}, nil
	}
	if req.Local != st.nextLocal[k] {
		return Allocation{}, snapshot.NewError(snapshot.KindSplitOrdering, req.Path,
			"stream %d requested local split index %d of source %d repetition %d, expected %d",
			req.Stream, req.Local, req.Source, req.Repetition, st.nextLocal[k])
	}

	if snap.next[k] >= snap.engine.NumSplits(req.Source) {
		return Allocation{
			EndOfRepetition: true,
			EndOfSource:     req.Repetition == snap.meta.Repetitions-1,
		}, nil
	}

	g := snap.next[k]
	if err := d.store.ClaimSplit(ctx, req.Path, req.Stream, req.Source, req.Repetition, req.Local, g); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors("claim_split")
		}
		return Allocation{}, err
	}
	snap.next[k] = g + 1
	st.nextLocal[k] = req.Local + 1
	if st.allocs[k] == nil {
		st.allocs[k] = make(map[int64]int64)
	}
	st.allocs[k][req.Local] = g
	return Allocation{Global: g}, nil
}

// ReportStreamComplete marks a stream finished. The snapshot is marked DONE
// when its last stream completes.
func (d *Dispatcher) ReportStreamComplete(ctx context.Context, workerID, path string, stream int) error {
	defer d.flush()
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.completeStream(ctx, workerID, path, stream); err != nil {
		return err
	}
	d.schedule(ctx)
	return nil
}

func (d *Dispatcher) completeStream(ctx context.Context, workerID, path string, stream int) error {
	snap, ok := d.snapshots[path]
	if ok && snap.state == StateDone {
		return nil
	}
	snap, st, err := d.ownedStream(workerID, path, stream)
	if err != nil {
		return err
	}
	if st.done {
		return nil
	}
	if !snap.exhausted() {
		return fmt.Errorf("snapshot %s: stream %d reported complete before all splits were allocated", path, stream)
	}

	tree, err := d.store.EnumerateStream(ctx, path, stream)
	if err != nil {
		return err
	}
	for _, src := range tree.Sources {
		for _, rep := range src.Repetitions {
			for _, sp := range rep.Splits {
				if sp.Claimed() {
					return fmt.Errorf("snapshot %s: stream %d reported complete with split %s unwritten",
						path, stream, snapshot.SplitName(sp.Local, sp.Global))
				}
			}
		}
	}

	if err := d.store.MarkStreamDone(ctx, path, stream); err != nil {
		return err
	}
	st.done = true

	d.log.Info("stream completed", "snapshot_path", path, "stream_index", stream, "worker_id", workerID)
	d.emit(notify.Event{Type: notify.StreamCompleted, Snapshot: path, Stream: stream, Worker: workerID})
	if m := metrics.Get(); m != nil {
		m.IncStreamsCompleted()
	}

	if snap.allStreamsDone() {
		return d.markDone(ctx, snap)
	}
	return nil
}

// ReportStreamError fails the snapshot a stream belongs to.
func (d *Dispatcher) ReportStreamError(ctx context.Context, workerID, path string, stream int, reason string) error {
	defer d.flush()
	d.mu.Lock()
	defer d.mu.Unlock()

	snap, _, err := d.ownedStream(workerID, path, stream)
	if err != nil {
		return err
	}
	msg := snapshot.NewError(snapshot.KindUnrecoverableSource, path,
		"stream %d on worker %s: %s", stream, workerID, reason).Error()
	return d.markError(ctx, snap, msg)
}

// ownedStream resolves a stream of an in-progress snapshot and checks that
// workerID owns it.
func (d *Dispatcher) ownedStream(workerID, path string, stream int) (*snapshotState, *streamState, error) {
	snap, ok := d.snapshots[path]
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", path, ErrUnknownSnapshot)
	}
	if snap.state != StateInProgress {
		return nil, nil, fmt.Errorf("%s is %s: %w", path, snap.state, ErrSnapshotTerminal)
	}
	st := snap.stream(stream)
	if st == nil {
		return nil, nil, fmt.Errorf("%s has no stream %d: %w", path, stream, ErrNotOwner)
	}
	if st.owner != workerID || st.orphan {
		return nil, nil, fmt.Errorf("stream %d of %s is owned by %q, not %q: %w", stream, path, st.owner, workerID, ErrNotOwner)
	}
	return snap, st, nil
}

func (d *Dispatcher) markDone(ctx context.Context, snap *snapshotState) error {
	if err := d.store.MarkDone(ctx, snap.path); err != nil {
		return err
	}
	snap.state = StateDone

	d.log.Info("snapshot done", "snapshot_path", snap.path, "streams", len(snap.streams))
	d.emit(notify.Event{Type: notify.SnapshotDone, Snapshot: snap.path, Stream: -1})
	if m := metrics.Get(); m != nil {
		m.IncSnapshotsDone(snap.meta.Compression)
	}
	return nil
}

func (d *Dispatcher) markError(ctx context.Context, snap *snapshotState, reason string) error {
	if err := d.store.MarkError(ctx, snap.path, reason); err != nil {
		return err
	}
	snap.state = StateError
	snap.reason = reason

	d.log.Error("snapshot failed", "snapshot_path", snap.path, "reason", reason)
	d.emit(notify.Event{Type: notify.SnapshotError, Snapshot: snap.path, Stream: -1, Reason: reason})
	if m := metrics.Get(); m != nil {
		m.IncSnapshotsErrored(errorLabel(reason))
	}
	return nil
}

// errorLabel classifies an ERROR reason for metrics.
func errorLabel(reason string) string {
	if e := snapshot.ParseError(reason); e != nil {
		return e.Kind.String()
	}
	if strings.HasPrefix(reason, "cancelled") {
		return "cancelled"
	}
	return "other"
}

// Status reports the state of a snapshot. Snapshots the dispatcher never
// started are looked up on storage.
func (d *Dispatcher) Status(ctx context.Context, path string) (Status, error) {
	d.mu.Lock()
	snap, ok := d.snapshots[path]
	if ok {
		st := Status{State: snap.state, Reason: snap.reason}
		d.mu.Unlock()
		return st, nil
	}
	d.mu.Unlock()
	return d.statusFromStore(ctx, path)
}

func (d *Dispatcher) statusFromStore(ctx context.Context, path string) (Status, error) {
	done, err := d.store.IsDone(ctx, path)
	if err != nil {
		return Status{}, err
	}
	if done {
		return Status{State: StateDone}, nil
	}
	failed, err := d.store.HasError(ctx, path)
	if err != nil {
		return Status{}, err
	}
	if failed {
		reason, err := d.store.ErrorReason(ctx, path)
		if err != nil {
			return Status{}, err
		}
		return Status{State: StateError, Reason: reason}, nil
	}
	return Status{}, fmt.Errorf("%s: %w", path, ErrUnknownSnapshot)
}

// Wait blocks until the snapshot at path is DONE or ERROR, or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context, path string) (Status, error) {
	events, cancel := d.bus.Subscribe(path)
	defer cancel()

	for {
		st, err := d.Status(ctx, path)
		if err != nil {
			return Status{}, err
		}
		if st.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case _, ok := <-events:
			if ok {
				continue
			}
			// The bus closes subscriptions after a terminal event or on shutdown.
			if st, err := d.Status(ctx, path); err != nil || st.Terminal() {
				return st, err
			}
			return Status{}, fmt.Errorf("dispatcher closed while waiting for %s", path)
		}
	}
}

// Cancel fails an in-progress snapshot. Workers drop its streams at their
// next heartbeat.
func (d *Dispatcher) Cancel(ctx context.Context, path, reason string) error {
	defer d.flush()
	d.mu.Lock()
	defer d.mu.Unlock()

	snap, ok := d.snapshots[path]
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrUnknownSnapshot)
	}
	if snap.state != StateInProgress {
		return fmt.Errorf("%s is %s: %w", path, snap.state, ErrSnapshotTerminal)
	}
	if reason == "" {
		reason = "cancelled"
	}
	return d.markError(ctx, snap, "cancelled: "+reason)
}

// Streams lists the streams of a snapshot.
func (d *Dispatcher) Streams(ctx context.Context, path string) ([]StreamInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap, ok := d.snapshots[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrUnknownSnapshot)
	}
	out := make([]StreamInfo, 0, len(snap.streams))
	for _, st := range snap.streams {
		out = append(out, StreamInfo{Index: st.index, Owner: st.owner, Done: st.done, Orphaned: st.orphan})
	}
	return out, nil
}
