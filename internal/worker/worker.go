// Package worker runs snapshot streams assigned by the dispatcher. Each
// stream produces splits of its dataset in order, asks the dispatcher for
// their global indices and commits them to the snapshot root.
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
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/snapshot"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/storage"
)

// Config configures a Worker.
type Config struct {
	ID string

	// MaxConcurrentStreams is the quota sent on registration.
	MaxConcurrentStreams int

	HeartbeatInterval time.Duration

	// A checkpoint is saved after CheckpointInterval committed splits or
	// CheckpointPeriod, whichever comes first. Zero values disable that
	// trigger; both zero disables checkpoints.
	CheckpointInterval int64
	CheckpointPeriod   time.Duration

	// MaxRetry and BackoffMs bound retries of dispatcher calls, storage
	// writes and dataset reads.
	MaxRetry  int
	BackoffMs int

	// FS is where snapshot roots live.
	FS storage.FS

	// Engines builds the dataset engine of an assignment. Defaults to dataset.New.
	Engines dataset.Factory
}

// Worker executes streams for one worker id.
type Worker struct {
	cfg         Config
	api         dispatcher.API
	store       *snapshot.Store
	checkpoints checkpoint.Manager
	log         *slog.Logger

	mu    sync.Mutex
	tasks map[taskKey]*streamTask
	wg    sync.WaitGroup
}

type taskKey struct {
	path   string
	stream int
}

// New creates a worker that talks to api.
func New(cfg Config, api dispatcher.API) (*Worker, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("worker id required")
	}
	if cfg.FS == nil {
		return nil, fmt.Errorf("worker storage required")
	}
	if cfg.MaxConcurrentStreams < 1 {
		cfg.MaxConcurrentStreams = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.MaxRetry < 1 {
		cfg.MaxRetry = 3
	}
	if cfg.BackoffMs < 1 {
		cfg.BackoffMs = 100
	}
	if cfg.Engines == nil {
		cfg.Engines = dataset.New
	}

	cps, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.CheckpointInterval > 0 || cfg.CheckpointPeriod > 0,
		FS:      cfg.FS,
	})
	if err != nil {
		return nil, fmt.Errorf("create checkpoint manager: %w", err)
	}

	return &Worker{
		cfg:         cfg,
		api:         api,
		store:       snapshot.NewStore(cfg.FS),
		checkpoints: cps,
		log:         logging.WorkerLogger(cfg.ID),
		tasks:       make(map[taskKey]*streamTask),
	}, nil
}

// Run registers with the dispatcher and heartbeats until ctx is cancelled.
// Running streams are stopped and awaited before it returns.
func (w *Worker) Run(ctx context.Context) error {
	defer w.stopAll()

	if err := w.register(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	w.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.heartbeat(ctx)
		}
	}
}

func (w *Worker) register(ctx context.Context) error {
	return w.retry(ctx, "register", func() error {
		return w.api.RegisterWorker(ctx, w.cfg.ID, w.cfg.MaxConcurrentStreams)
	})
}

// heartbeat reports progress and reconciles running streams with the
// dispatcher's assignments.
func (w *Worker) heartbeat(ctx context.Context) {
	assignments, err := w.api.Heartbeat(ctx, w.cfg.ID, w.Progress())
	if errors.Is(err, dispatcher.ErrUnknownWorker) {
		w.log.Warn("dispatcher does not know this worker, registering again")
		if err := w.register(ctx); err != nil {
			w.log.Error("re-registration failed", "error", err)
			return
		}
		assignments, err = w.api.Heartbeat(ctx, w.cfg.ID, w.Progress())
	}
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("heartbeat failed", "error", err)
		}
		return
	}
	w.reconcile(ctx, assignments)
}

// reconcile starts streams that are assigned but not running, and stops
// streams that are no longer assigned. A stream whose run ended while it is
// still assigned is started again, unless it finished: its completion rides
// on the next heartbeat and the dispatcher then drops the assignment.
func (w *Worker) reconcile(ctx context.Context, assignments []dispatcher.Assignment) {
	w.mu.Lock()
	defer w.mu.Unlock()

	assigned := make(map[taskKey]bool, len(assignments))
	for _, a := range assignments {
		key := taskKey{path: a.Path, stream: a.Stream}
		assigned[key] = true

		if t, ok := w.tasks[key]; ok && (!t.exited() || t.isCompleted()) {
			continue
		}
		w.startLocked(ctx, a)
	}

	for key, t := range w.tasks {
		if assigned[key] {
			continue
		}
		t.cancel()
		if t.exited() {
			delete(w.tasks, key)
		}
	}
}

func (w *Worker) startLocked(ctx context.Context, a dispatcher.Assignment) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := newStreamTask(a, cancel)
	w.tasks[taskKey{path: a.Path, stream: a.Stream}] = t

	w.log.Info("starting stream", "snapshot_path", a.Path, "stream_index", a.Stream, "checkpoint", a.Checkpoint)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(t.done)
		defer cancel()

		if err := w.runStream(taskCtx, t); err != nil && taskCtx.Err() == nil {
			w.log.Warn("stream stopped", "snapshot_path", a.Path, "stream_index", a.Stream, "error", err)
		}
	}()
}

func (w *Worker) stopAll() {
	w.mu.Lock()
	for _, t := range w.tasks {
		t.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Progress reports the position of every known stream.
func (w *Worker) Progress() []dispatcher.Progress {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]dispatcher.Progress, 0, len(w.tasks))
	for _, t := range w.tasks {
		out = append(out, t.progress())
	}
	return out
}

// Running returns the number of streams currently executing.
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, t := range w.tasks {
		if !t.exited() {
			n++
		}
	}
	return n
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, dispatcher.ErrNotOwner) ||
		errors.Is(err, dispatcher.ErrSnapshotTerminal) ||
		errors.Is(err, dispatcher.ErrUnknownSnapshot) ||
		errors.Is(err, dispatcher.ErrUnknownWorker) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		snapshot.KindOf(err) != snapshot.KindUnknown
}
