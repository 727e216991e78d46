package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dataset"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dispatcher"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/logging"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/metrics"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/records"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/snapshot"
)

// streamTask is one run of an assigned stream.
type streamTask struct {
	assignment dispatcher.Assignment
	cancel     context.CancelFunc
	done       chan struct{}

	mu        sync.Mutex
	pos       dispatcher.Progress
	completed bool
}

func newStreamTask(a dispatcher.Assignment, cancel context.CancelFunc) *streamTask {
	return &streamTask{
		assignment: a,
		cancel:     cancel,
		done:       make(chan struct{}),
		pos:        dispatcher.Progress{Path: a.Path, Stream: a.Stream},
	}
}

func (t *streamTask) exited() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *streamTask) progress() dispatcher.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pos
	p.Completed = t.completed
	return p
}

func (t *streamTask) update(source, repetition int, committed int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos.Source = source
	t.pos.Repetition = repetition
	t.pos.SplitsCommitted = committed
}

func (t *streamTask) markCompleted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = true
}

func (t *streamTask) isCompleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// streamRun holds the state of one execution of a stream.
type streamRun struct {
	w      *Worker
	task   *streamTask
	engine dataset.Engine
	log    *slog.Logger

	path        string
	stream      int
	compression string

	seq             int64
	committed       int64
	sinceCheckpoint int64
	lastCheckpoint  time.Time
}

// runStream produces every split of the stream. It starts at the latest
// checkpoint, first rewrites any split that was allocated but never
// written, and reports the stream complete once every (source, repetition)
// pair has ended.
func (w *Worker) runStream(ctx context.Context, t *streamTask) error {
	a := t.assignment
	log := logging.StreamLogger(logging.GenerateCorrelationID(), a.Path, a.Stream).With("worker_id", w.cfg.ID)

	spec, err := dataset.DecodeSpec(a.Dataset)
	if err != nil {
		return w.fail(ctx, a, err)
	}
	engine, err := w.cfg.Engines(spec)
	if err != nil {
		return w.fail(ctx, a, err)
	}

	r := &streamRun{
		w:              w,
		task:           t,
		engine:         engine,
		log:            log,
		path:           a.Path,
		stream:         a.Stream,
		compression:    a.Compression,
		lastCheckpoint: time.Now(),
	}

	source, repetition := 0, 0
	if cp, err := w.loadCheckpoint(ctx, a); err == nil {
		source, repetition = cp.Source, cp.Repetition
		r.seq = cp.Seq + 1
		r.committed = cp.SplitsCommitted
		log.Info("resuming from checkpoint", "checkpoint_seq", cp.Seq, "source", source, "repetition", repetition)
	} else if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		log.Warn("ignoring unreadable checkpoint", "error", err)
	}

	tree, err := r.fill(ctx)
	if err != nil {
		return r.abort(ctx, err)
	}

	for ; source < engine.NumSources(); source, repetition = source+1, 0 {
		for ; repetition < engine.Repetitions(); repetition++ {
			local := int64(len(tree.Splits(source, repetition)))
			if err := r.produce(ctx, source, repetition, local); err != nil {
				return r.abort(ctx, err)
			}
		}
	}

	// Splits can be claimed again by a dispatcher that recovered while a
	// commit was in flight, so sweep once more before finishing.
	if _, err := r.fill(ctx); err != nil {
		return r.abort(ctx, err)
	}
	r.checkpoint(ctx, engine.NumSources(), 0, 0, true)

	t.markCompleted()
	err = w.retry(ctx, "report_complete", func() error {
		return w.api.ReportStreamComplete(ctx, w.cfg.ID, a.Path, a.Stream)
	})
	if err != nil {
		return fmt.Errorf("report stream complete: %w", err)
	}
	log.Info("stream completed", "splits_committed", r.committed)
	return nil
}

func (w *Worker) loadCheckpoint(ctx context.Context, a dispatcher.Assignment) (*checkpoint.Checkpoint, error) {
	if a.Checkpoint != "" {
		return w.checkpoints.Load(ctx, a.Path, a.Stream, a.Checkpoint)
	}
	return w.checkpoints.Latest(ctx, a.Path, a.Stream)
}

// produce allocates and commits splits of (source, repetition) from local
// on until the dispatcher reports the end of the repetition.
func (r *streamRun) produce(ctx context.Context, source, repetition int, local int64) error {
	r.task.update(source, repetition, r.committed)
	for {
		var alloc dispatcher.Allocation
		err := r.w.retry(ctx, "allocate", func() error {
			var err error
			alloc, err = r.w.api.AllocateGlobalIndex(ctx, dispatcher.AllocateRequest{
				WorkerID:   r.w.cfg.ID,
				Path:       r.path,
				Stream:     r.stream,
				Source:     source,
				Repetition: repetition,
				Local:      local,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("allocate split %d of source %d repetition %d: %w", local, source, repetition, err)
		}
		if alloc.EndOfRepetition {
			r.log.Debug("repetition ended", "source", source, "repetition", repetition, "splits", local)
			return nil
		}

		if err := r.write(ctx, source, repetition, local, alloc.Global); err != nil {
			return err
		}
		local++
		r.task.update(source, repetition, r.committed)
		r.checkpoint(ctx, source, repetition, local, false)
	}
}

// fill writes every split of the stream that is claimed but empty, and
// returns the stream as found on storage.
func (r *streamRun) fill(ctx context.Context) (*snapshot.StreamTree, error) {
	tree, err := r.w.store.EnumerateStream(ctx, r.path, r.stream)
	if err != nil {
		return nil, err
	}
	for _, src := range tree.Sources {
		for _, rep := range src.Repetitions {
			for _, sp := range rep.Splits {
				if !sp.Claimed() {
					continue
				}
				r.log.Info("writing claimed split", "source", src.Index, "repetition", rep.Index, "split", snapshot.SplitName(sp.Local, sp.Global))
				if err := r.write(ctx, src.Index, rep.Index, sp.Local, sp.Global); err != nil {
					return nil, err
				}
			}
		}
	}
	return tree, nil
}

// write produces split global of (source, repetition) and commits it under
// its local index.
func (r *streamRun) write(ctx context.Context, source, repetition int, local, global int64) error {
	start := time.Now()

	var rows []records.Record
	err := r.w.retry(ctx, "read_split", func() error {
		var err error
		rows, err = r.engine.ReadSplit(ctx, source, repetition, global)
		return err
	})
	if err != nil {
		return &sourceError{err: fmt.Errorf("read split %d of source %d repetition %d: %w", global, source, repetition, err)}
	}

	data, err := records.Encode(rows, r.compression)
	if err != nil {
		return &sourceError{err: err}
	}

	err = r.w.retry(ctx, "commit_split", func() error {
		return r.w.store.CommitSplit(ctx, r.path, r.stream, source, repetition, local, global, data)
	})
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors("commit_split")
		}
		return err
	}
	r.committed++
	r.sinceCheckpoint++

	if m := metrics.Get(); m != nil {
		m.IncSplitsCommitted(r.w.cfg.ID)
		m.ObserveSplitCommitDuration(r.w.cfg.ID, time.Since(start).Seconds())
		m.ObserveSplit(r.compression, float64(len(rows)), float64(len(data)))
	}
	return nil
}

// checkpoint saves the stream position when a trigger fires, or always
// when force is set. Failures are logged; the stream can always restart
// from an older checkpoint.
func (r *streamRun) checkpoint(ctx context.Context, source, repetition int, nextLocal int64, force bool) {
	cfg := r.w.cfg
	due := force ||
		(cfg.CheckpointInterval > 0 && r.sinceCheckpoint >= cfg.CheckpointInterval) ||
		(cfg.CheckpointPeriod > 0 && time.Since(r.lastCheckpoint) >= cfg.CheckpointPeriod)
	if !due {
		return
	}

	cp := &checkpoint.Checkpoint{
		SnapshotPath:    r.path,
		Stream:          r.stream,
		WorkerID:        cfg.ID,
		Seq:             r.seq,
		Source:          source,
		Repetition:      repetition,
		NextLocal:       nextLocal,
		SplitsCommitted: r.committed,
	}
	if err := r.w.checkpoints.Save(ctx, cp); err != nil {
		r.log.Warn("failed to save checkpoint", "checkpoint_seq", r.seq, "error", err)
		return
	}
	r.seq++
	r.sinceCheckpoint = 0
	r.lastCheckpoint = time.Now()
}

// sourceError marks a failure of the dataset itself.
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

// abort ends a run. Dataset failures fail the snapshot; anything else is
// left for the next run or the next owner.
func (r *streamRun) abort(ctx context.Context, err error) error {
	var se *sourceError
	if errors.As(err, &se) && ctx.Err() == nil {
		return r.w.fail(ctx, r.task.assignment, err)
	}
	return err
}

// fail reports an unrecoverable dataset error for the stream.
func (w *Worker) fail(ctx context.Context, a dispatcher.Assignment, cause error) error {
	w.log.Error("dataset failed, failing snapshot", "snapshot_path", a.Path, "stream_index", a.Stream, "error", cause)
	err := w.retry(ctx, "report_error", func() error {
		return w.api.ReportStreamError(ctx, w.cfg.ID, a.Path, a.Stream, cause.Error())
	})
	if err != nil {
		return fmt.Errorf("report stream error: %w (cause: %v)", err, cause)
	}
	return cause
}

// retry runs fn until it succeeds, fails permanently or runs out of
// attempts, backing off exponentially between attempts.
func (w *Worker) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < w.cfg.MaxRetry; attempt++ {
		if err = fn(); err == nil || permanent(err) {
			return err
		}
		if attempt == w.cfg.MaxRetry-1 {
			break
		}

		w.log.Warn("operation failed, retrying", "operation", op, "attempt", attempt+1, "error", err)
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(op)
		}

		backoff := time.Duration(w.cfg.BackoffMs*(1<<attempt)) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, w.cfg.MaxRetry, err)
}
