package dispatcher

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dataset"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/metrics"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/records"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/snapshot"
)

// recover rebuilds every snapshot in the journal. The first snapshot whose
// durable state is malformed aborts startup.
func (d *Dispatcher) recover(ctx context.Context) error {
	for _, path := range d.journal.paths {
		snap, err := d.recoverSnapshot(ctx, path)
		if err != nil {
			if m := metrics.Get(); m != nil {
				m.IncRecoveryFailures()
			}
			d.log.Error("recovery failed", "snapshot_path", path, "error", err)
			return fmt.Errorf("recover snapshot %s: %w", path, err)
		}
		d.addSnapshot(snap)

		if snap.state == StateInProgress && snap.allStreamsDone() && snap.exhausted() {
			// Crashed between the last stream DONE and the snapshot DONE.
			if err := d.markDone(ctx, snap); err != nil {
				return err
			}
		}
		d.log.Info("snapshot recovered",
			"snapshot_path", path,
			"state", snap.state,
			"streams", len(snap.streams),
		)
	}
	d.updateGauges()
	return nil
}

// recoverSnapshot reads the durable state of one snapshot and rebuilds its
// coordination tables. Stream owners become known, not yet registered,
// workers with a fresh heartbeat deadline.
func (d *Dispatcher) recoverSnapshot(ctx context.Context, path string) (*snapshotState, error) {
	meta, err := d.store.ReadMetadata(ctx, path)
	if err != nil {
		return nil, err
	}
	spec, err := dataset.DecodeSpec(meta.Dataset)
	if err != nil {
		return nil, err
	}
	engine, err := d.cfg.Engines(spec)
	if err != nil {
		return nil, fmt.Errorf("rebuild dataset: %w", err)
	}

	snap := &snapshotState{
		path:   path,
		meta:   meta,
		engine: engine,
		state:  StateInProgress,
		next:   make(map[snapshot.SourceRepetition]int64),
	}

	tree, err := d.store.Enumerate(ctx, path)
	if err != nil {
		return nil, err
	}
	switch {
	case tree.Done:
		snap.state = StateDone
		return snap, nil
	case tree.Error:
		snap.state = StateError
		if snap.reason, err = d.store.ErrorReason(ctx, path); err != nil {
			return nil, err
		}
		return snap, nil
	}

	if err := records.CheckSchemaVersion(meta.SchemaVersion); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}

	restored := mergeTempSplits(tree)
	if err := tree.Validate(meta.NumSources); err != nil {
		return nil, err
	}
	if err := d.cleanupTempSplits(ctx, tree, restored); err != nil {
		return nil, err
	}

	now := d.now()
	for _, st := range tree.Streams {
		s := newStreamState(st.Index, st.Owner)
		s.done = st.Done
		s.orphan = st.Owner == "" && !st.Done
		s.checkpoint, _ = checkpoint.LatestName(st.Checkpoints)

		for _, src := range st.Sources {
			for _, rep := range src.Repetitions {
				k := snapshot.SourceRepetition{Source: src.Index, Repetition: rep.Index}
				for _, sp := range rep.Splits {
					if s.allocs[k] == nil {
						s.allocs[k] = make(map[int64]int64)
					}
					s.allocs[k][sp.Local] = sp.Global
					if sp.Local+1 > s.nextLocal[k] {
						s.nextLocal[k] = sp.Local + 1
					}
					if sp.Global+1 > snap.next[k] {
						snap.next[k] = sp.Global + 1
					}
				}
			}
		}

		snap.streams = append(snap.streams, s)
		if st.Index+1 > snap.nextStream {
			snap.nextStream = st.Index + 1
		}

		if st.Owner != "" && !st.Done {
			if _, ok := d.workers[st.Owner]; !ok {
				d.workers[st.Owner] = &workerState{id: st.Owner, lastSeen: now}
				d.workerOrder = append(d.workerOrder, st.Owner)
			}
		}
	}
	return snap, nil
}

// mergeTempSplits adds every parseable in-progress split whose final name
// is missing to the tree as an unwritten claim, and returns those claims.
func mergeTempSplits(tree *snapshot.Tree) []restoredClaim {
	var restored []restoredClaim
	for i := range tree.Streams {
		st := &tree.Streams[i]
		for _, tmp := range st.TempSplits {
			if !tmp.Parsed || hasSplit(st, tmp) {
				continue
			}
			addSplit(st, tmp.Source, tmp.Repetition, snapshot.Split{Local: tmp.Local, Global: tmp.Global})
			restored = append(restored, restoredClaim{stream: st.Index, tmp: tmp})
		}
	}
	return restored
}

type restoredClaim struct {
	stream int
	tmp    snapshot.TempSplit
}

func hasSplit(st *snapshot.StreamTree, tmp snapshot.TempSplit) bool {
	for _, sp := range st.Splits(tmp.Source, tmp.Repetition) {
		if sp.Local == tmp.Local && sp.Global == tmp.Global {
			return true
		}
	}
	return false
}

func addSplit(st *snapshot.StreamTree, source, repetition int, sp snapshot.Split) {
	for i := range st.Sources {
		if st.Sources[i].Index != source {
			continue
		}
		for j := range st.Sources[i].Repetitions {
			rep := &st.Sources[i].Repetitions[j]
			if rep.Index == repetition {
				rep.Splits = append(rep.Splits, sp)
				return
			}
		}
	}
}

// cleanupTempSplits deletes in-progress split files and writes claims for
// the splits they stood for, so the owning stream regenerates them.
func (d *Dispatcher) cleanupTempSplits(ctx context.Context, tree *snapshot.Tree, restored []restoredClaim) error {
	var result *multierror.Error
	for _, st := range tree.Streams {
		for _, tmp := range st.TempSplits {
			if err := d.store.FS().Remove(ctx, tmp.Key); err != nil {
				result = multierror.Append(result, fmt.Errorf("remove %s: %w", tmp.Key, err))
				continue
			}
			d.log.Info("removed temporary split", "snapshot_path", tree.Path, "key", tmp.Key)
		}
	}
	for _, rc := range restored {
		if err := d.store.ClaimSplit(ctx, tree.Path, rc.stream, rc.tmp.Source, rc.tmp.Repetition, rc.tmp.Local, rc.tmp.Global); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// revalidate re-reads the durable state of a snapshot and checks its
// invariants. It runs before a stream changes owner.
func (d *Dispatcher) revalidate(ctx context.Context, snap *snapshotState) error {
	tree, err := d.store.Enumerate(ctx, snap.path)
	if err != nil {
		return err
	}
	mergeTempSplits(tree)
	return tree.Validate(snap.meta.NumSources)
}
