package dispatcher

import (
	"context"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/metrics"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/notify"
)

// schedule hands out streams to live workers in registration order, each up
// to its quota. Orphaned streams are offered before new ones, and a worker
// holds at most one unfinished stream per snapshot. Callers hold d.mu.
func (d *Dispatcher) schedule(ctx context.Context) {
	defer d.updateGauges()

	for _, id := range d.workerOrder {
		w := d.workers[id]
		if !w.registered || w.lost {
			continue
		}
		for d.activeCount(id) < w.quota {
			if !d.assignOne(ctx, id) {
				break
			}
		}
	}
}

// assignOne gives workerID one more stream. It reports false when there is
// nothing the worker can take.
func (d *Dispatcher) assignOne(ctx context.Context, workerID string) bool {
	snaps := d.inProgress()

	// A worker that comes back takes back its own orphans first.
	for _, snap := range snaps {
		if st := snap.ownedBy(workerID); st != nil && st.orphan {
			if d.reassign(ctx, snap, st, workerID) {
				return true
			}
		}
	}

	for _, snap := range snaps {
		if snap.ownedBy(workerID) != nil {
			continue
		}
		if st := snap.firstOrphan(); st != nil {
			if d.reassign(ctx, snap, st, workerID) {
				return true
			}
		}
	}

	for _, snap := range snaps {
		if snap.ownedBy(workerID) != nil || snap.exhausted() {
			continue
		}
		if d.createStream(ctx, snap, workerID) {
			return true
		}
	}
	return false
}

// activeCount is the number of streams workerID is currently running.
func (d *Dispatcher) activeCount(workerID string) int {
	n := 0
	for _, snap := range d.inProgress() {
		for _, st := range snap.streams {
			if st.owner == workerID && !st.done && !st.orphan {
				n++
			}
		}
	}
	return n
}

func (d *Dispatcher) createStream(ctx context.Context, snap *snapshotState, workerID string) bool {
	index := snap.nextStream
	if err := d.store.CreateStream(ctx, snap.path, index, workerID); err != nil {
		d.log.Error("failed to create stream",
			"snapshot_path", snap.path, "stream_index", index, "worker_id", workerID, "error", err)
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors("create_stream")
		}
		return false
	}
	snap.streams = append(snap.streams, newStreamState(index, workerID))
	snap.nextStream = index + 1

	d.log.Info("stream assigned", "snapshot_path", snap.path, "stream_index", index, "worker_id", workerID)
	d.emit(notify.Event{Type: notify.StreamAssigned, Snapshot: snap.path, Stream: index, Worker: workerID})
	if m := metrics.Get(); m != nil {
		m.IncStreamsAssigned()
	}
	return true
}

// reassign moves an orphaned stream to workerID. Ownership is rewritten on
// storage, and the snapshot is validated again before the new owner is told;
// a snapshot that no longer validates is failed.
func (d *Dispatcher) reassign(ctx context.Context, snap *snapshotState, st *streamState, workerID string) bool {
	log := d.log.With("snapshot_path", snap.path, "stream_index", st.index, "worker_id", workerID, "previous_owner", st.owner)

	if err := d.store.WriteOwner(ctx, snap.path, st.index, workerID); err != nil {
		log.Error("failed to rewrite stream owner", "error", err)
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors("write_owner")
		}
		return false
	}
	previous := st.owner
	st.owner = workerID
	st.orphan = false

	if err := d.revalidate(ctx, snap); err != nil {
		log.Error("snapshot failed validation on reassignment", "error", err)
		if merr := d.markError(ctx, snap, err.Error()); merr != nil {
			log.Error("failed to mark snapshot as failed", "error", merr)
		}
		return false
	}

	if name, err := d.latestCheckpoint(ctx, snap.path, st.index); err == nil {
		st.checkpoint = name
	}

	log.Info("stream reassigned")
	evtType := notify.StreamReassigned
	if previous == workerID {
		evtType = notify.StreamAssigned
	}
	d.emit(notify.Event{Type: evtType, Snapshot: snap.path, Stream: st.index, Worker: workerID})
	if m := metrics.Get(); m != nil {
		m.IncStreamsReassigned()
	}
	return true
}

func (d *Dispatcher) latestCheckpoint(ctx context.Context, path string, stream int) (string, error) {
	st, err := d.store.EnumerateStream(ctx, path, stream)
	if err != nil {
		return "", err
	}
	name, _ := checkpoint.LatestName(st.Checkpoints)
	return name, nil
}
