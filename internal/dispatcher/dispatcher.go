package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dataset"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/metrics"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/notify"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/snapshot"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/storage"
)

// Config configures a Dispatcher.
type Config struct {
	// FS holds snapshot roots and the dispatcher work dir.
	FS      storage.FS
	WorkDir string

	// WorkerTimeout is how long a worker may go without a heartbeat before
	// its streams are orphaned.
	WorkerTimeout time.Duration

	// CheckInterval is how often Run looks for lost workers.
	CheckInterval time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Engines builds the dataset engine of a snapshot. Defaults to dataset.New.
	Engines dataset.Factory

	// Events receives lifecycle events in addition to the dispatcher's own bus.
	Events notify.Emitter

	Producer snapshot.ProducerInfo
}

// Dispatcher is the single writer of coordination state. Every exported
// method takes the one mutex; events are published after it is released.
type Dispatcher struct {
	cfg     Config
	store   *snapshot.Store
	journal *journal
	bus     *notify.Bus
	events  notify.Emitter
	now     func() time.Time
	log     *slog.Logger

	mu            sync.Mutex
	workers       map[string]*workerState
	workerOrder   []string
	snapshots     map[string]*snapshotState
	snapshotOrder []string
	pending       []notify.Event
}

type workerState struct {
	id       string
	quota    int
	lastSeen time.Time

	// registered is false for owners recovered from disk until they
	// register again.
	registered bool
	lost       bool
}

// New builds a dispatcher and runs recovery over every snapshot in its
// journal. Malformed durable state aborts startup.
func New(ctx context.Context, cfg Config) (*Dispatcher, error) {
	if cfg.FS == nil {
		return nil, fmt.Errorf("dispatcher storage required")
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 30 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Engines == nil {
		cfg.Engines = dataset.New
	}

	j, err := openJournal(ctx, cfg.FS, cfg.WorkDir)
	if err != nil {
		return nil, err
	}

	bus := notify.NewBus()
	var events notify.Emitter = bus
	if cfg.Events != nil {
		events = notify.Multi{bus, cfg.Events}
	}

	d := &Dispatcher{
		cfg:       cfg,
		store:     snapshot.NewStore(cfg.FS),
		journal:   j,
		bus:       bus,
		events:    events,
		now:       cfg.Clock,
		log:       slog.With("component", "dispatcher"),
		workers:   make(map[string]*workerState),
		snapshots: make(map[string]*snapshotState),
	}

	if err := d.recover(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Run checks worker liveness until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.CheckWorkers(ctx)
		}
	}
}

// Close releases the event sinks.
func (d *Dispatcher) Close() error {
	return d.events.Close()
}

// RegisterWorker adds a worker, or refreshes one that restarted or was
// declared lost. quota bounds its concurrently active streams.
func (d *Dispatcher) RegisterWorker(ctx context.Context, workerID string, quota int) error {
	if workerID == "" {
		return fmt.Errorf("worker id required")
	}
	if quota < 1 {
		return fmt.Errorf("worker %s: quota must be at least 1, got %d", workerID, quota)
	}

	defer d.flush()
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[workerID]
	if !ok {
		w = &workerState{id: workerID}
		d.workers[workerID] = w
		d.workerOrder = append(d.workerOrder, workerID)
	}
	w.quota = quota
	w.lastSeen = d.now()
	w.registered = true
	w.lost = false

	d.log.Info("worker registered", "worker_id", workerID, "quota", quota, "active", d.activeCount(workerID))
	d.schedule(ctx)
	return nil
}

// Heartbeat records liveness, applies reported progress and returns the
// worker's current assignments.
func (d *Dispatcher) Heartbeat(ctx context.Context, workerID string, progress []Progress) ([]Assignment, error) {
	defer d.flush()
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[workerID]
	if !ok || !w.registered || w.lost {
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrUnknownWorker)
	}
	w.lastSeen = d.now()

	for _, p := range progress {
		if !p.Completed {
			continue
		}
		if err := d.completeStream(ctx, workerID, p.Path, p.Stream); err != nil {
			d.log.Warn("ignoring completion from heartbeat",
				"worker_id", workerID, "snapshot_path", p.Path, "stream_index", p.Stream, "error", err)
		}
	}

	d.schedule(ctx)
	return d.assignmentsFor(workerID), nil
}

// CheckWorkers declares workers lost whose last heartbeat is older than the
// worker timeout, orphans their streams and reschedules.
func (d *Dispatcher) CheckWorkers(ctx context.Context) {
	defer d.flush()
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	changed := false
	for _, id := range d.workerOrder {
		w := d.workers[id]
		if w.lost || now.Sub(w.lastSeen) <= d.cfg.WorkerTimeout {
			continue
		}
		w.lost = true
		changed = true

		orphaned := 0
		for _, snap := range d.inProgress() {
			for _, st := range snap.streams {
				if st.owner == id && !st.done && !st.orphan {
					st.orphan = true
					orphaned++
				}
			}
		}

		d.log.Warn("worker lost",
			"worker_id", id,
			"last_seen", w.lastSeen,
			"orphaned_streams", orphaned,
			"error", snapshot.NewError(snapshot.KindWorkerLost, "", "no heartbeat for %s", now.Sub(w.lastSeen)),
		)
		d.emit(notify.Event{Type: notify.WorkerLost, Worker: id, Stream: -1})
		if m := metrics.Get(); m != nil {
			m.IncWorkersLost()
		}
	}
	if changed {
		d.schedule(ctx)
	}
}

// assignmentsFor lists the active streams owned by workerID.
func (d *Dispatcher) assignmentsFor(workerID string) []Assignment {
	var out []Assignment
	for _, snap := range d.inProgress() {
		for _, st := range snap.streams {
			if st.owner != workerID || st.done || st.orphan {
				continue
			}
			out = append(out, Assignment{
				Path:        snap.path,
				Stream:      st.index,
				Dataset:     snap.meta.Dataset,
				Compression: snap.meta.Compression,
				Checkpoint:  st.checkpoint,
			})
		}
	}
	return out
}

// emit queues an event; it is published by flush once the lock is released.
func (d *Dispatcher) emit(evt notify.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = d.now().UTC()
	}
	if evt.Producer.Name == "" {
		evt.Producer = notify.ProducerInfo{Name: d.cfg.Producer.Name, Version: d.cfg.Producer.Version}
	}
	d.pending = append(d.pending, evt)
}

func (d *Dispatcher) flush() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, evt := range pending {
		if err := d.events.Emit(context.Background(), evt); err != nil {
			d.log.Warn("event emission failed", "type", evt.Type, "snapshot_path", evt.Snapshot, "error", err)
		}
	}
}

func (d *Dispatcher) updateGauges() {
	m := metrics.Get()
	if m == nil {
		return
	}
	live, active := 0, 0
	for _, id := range d.workerOrder {
		w := d.workers[id]
		if w.registered && !w.lost {
			live++
			active += d.activeCount(id)
		}
	}
	m.SetWorkersRegistered(float64(live))
	m.SetActiveAssignments(float64(active))
}
