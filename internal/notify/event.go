package notify

import (
	"time"
)

// EventVersion is the journal format version.
const EventVersion = "1.0"

// Event types.
const (
	SnapshotStarted  = "snapshot_started"
	StreamAssigned   = "stream_assigned"
	StreamReassigned = "stream_reassigned"
	StreamCompleted  = "stream_completed"
	SnapshotDone     = "snapshot_done"
	SnapshotError    = "snapshot_error"
	WorkerLost       = "worker_lost"
)

// Event is one snapshot lifecycle transition.
type Event struct {
	Version   string    `json:"version"`
	Type      string    `json:"type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Snapshot string `json:"snapshot,omitempty"`
	Stream   int    `json:"stream"`
	Worker   string `json:"worker,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// Set on snapshot_started.
	NumSources  int    `json:"num_sources,omitempty"`
	Compression string `json:"compression,omitempty"`

	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// ProducerInfo identifies the software that emitted the event.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ChainInfo provides hash chaining for a tamper-evident journal.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain an event belongs to. Each snapshot has its own
// chain; worker events without a snapshot share the "workers" chain.
func (e *Event) ChainKey() string {
	if e.Snapshot == "" {
		return "workers"
	}
	return e.Snapshot
}

// Terminal reports whether the event ends its snapshot.
func (e *Event) Terminal() bool {
	return e.Type == SnapshotDone || e.Type == SnapshotError
}

// SetChainHashes links the event to prevHash and computes its own hash.
func (e *Event) SetChainHashes(prevHash string) {
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}
