package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/storage"
)

// JournalFile is the dispatcher journal inside its work dir.
const JournalFile = "journal.json"

// journal is the list of snapshot paths the dispatcher has started. It is
// the only state the dispatcher keeps outside snapshot roots, and it only
// says where to look: everything else is read back from the roots.
type journal struct {
	fs    storage.FS
	key   string
	paths []string
}

type journalFile struct {
	Snapshots []string `json:"snapshots"`
}

func openJournal(ctx context.Context, fs storage.FS, workDir string) (*journal, error) {
	j := &journal{fs: fs, key: storage.Join(workDir, JournalFile)}
	data, err := fs.ReadFile(ctx, j.key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return j, nil
		}
		return nil, fmt.Errorf("read dispatcher journal: %w", err)
	}
	var f journalFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse dispatcher journal: %w", err)
	}
	j.paths = f.Snapshots
	return j, nil
}

func (j *journal) contains(path string) bool {
	for _, p := range j.paths {
		if p == path {
			return true
		}
	}
	return false
}

// add records path. The journal is rewritten atomically.
func (j *journal) add(ctx context.Context, path string) error {
	if j.contains(path) {
		return nil
	}
	paths := append(append([]string(nil), j.paths...), path)
	data, err := json.MarshalIndent(journalFile{Snapshots: paths}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dispatcher journal: %w", err)
	}
	if err := j.fs.AtomicWrite(ctx, j.key, data); err != nil {
		return fmt.Errorf("write dispatcher journal: %w", err)
	}
	j.paths = paths
	return nil
}
