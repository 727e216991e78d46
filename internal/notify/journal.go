package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// JournalFile is the name of the append-only event log inside the journal dir.
const JournalFile = "events.jsonl"

// FileJournal appends hash-chained events to a local JSON lines file.
type FileJournal struct {
	mu       sync.Mutex
	heads    chainHeads
	file     *os.File
	producer ProducerInfo
	log      *slog.Logger
}

// NewFileJournal opens the journal in dir, continuing the chains already
// recorded there.
func NewFileJournal(dir string, producer ProducerInfo) (*FileJournal, error) {
	if dir == "" {
		dir = "./events"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	path := filepath.Join(dir, JournalFile)
	log := slog.With("component", "notify")

	heads, valid, err := replayHeads(path)
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if info, err := os.Stat(path); err == nil && info.Size() > valid {
		log.Warn("dropping torn journal tail", "bytes", info.Size()-valid)
		if err := os.Truncate(path, valid); err != nil {
			return nil, fmt.Errorf("truncate journal: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	return &FileJournal{
		heads:    heads,
		file:     f,
		producer: producer,
		log:      log,
	}, nil
}

// Emit links evt into its chain and appends it.
func (j *FileJournal) Emit(_ context.Context, evt Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.link(&evt)
	return j.append(evt)
}

// link stamps evt and chains it to the current head. Callers hold j.mu.
func (j *FileJournal) link(evt *Event) {
	stamp(evt, j.producer)
	evt.SetChainHashes(j.heads[evt.ChainKey()])
}

// append writes evt and advances its chain. Callers hold j.mu.
func (j *FileJournal) append(evt Event) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	j.heads.advance(&evt)
	return nil
}

// Close releases the journal file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// ReadJournal returns every event in the journal in dir.
func ReadJournal(dir string) ([]Event, error) {
	data, err := os.ReadFile(filepath.Join(dir, JournalFile))
	if err != nil {
		return nil, err
	}
	var events []Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var evt Event
		if err := dec.Decode(&evt); err != nil {
			return nil, fmt.Errorf("parse journal: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// VerifyChain checks that every event's hash matches its contents and links
// to the previous event of the same chain.
func VerifyChain(events []Event) error {
	heads := make(map[string]string)
	for i := range events {
		evt := events[i]
		key := evt.ChainKey()
		if evt.Chain.PrevEventHash != heads[key] {
			return fmt.Errorf("event %s: broken link in chain %s", evt.EventID, key)
		}
		if ComputeEventHash(&evt) != evt.Chain.EventHash {
			return fmt.Errorf("event %s: hash mismatch", evt.EventID)
		}
		heads[key] = evt.Chain.EventHash
	}
	return nil
}
