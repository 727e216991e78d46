package dataset

import (
	"context"
	"fmt"
	"sort"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/records"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/snapshot"
)

type splitRef struct {
	stream int
	local  int64
	global int64
}

// Load reads a finished snapshot back. Elements are returned ordered by
// (source, repetition, global split index), which is the order they were
// produced in regardless of how streams interleaved.
func Load(ctx context.Context, store *snapshot.Store, path string) ([]records.Record, error) {
	done, err := store.IsDone(ctx, path)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, fmt.Errorf("snapshot %s is not done", path)
	}

	meta, err := store.ReadMetadata(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := records.CheckSchemaVersion(meta.SchemaVersion); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}
	tree, err := store.Enumerate(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := tree.Validate(meta.NumSources); err != nil {
		return nil, err
	}

	bySR := make(map[snapshot.SourceRepetition][]splitRef)
	for _, st := range tree.Streams {
		for _, src := range st.Sources {
			for _, rep := range src.Repetitions {
				k := snapshot.SourceRepetition{Source: src.Index, Repetition: rep.Index}
				for _, sp := range rep.Splits {
					if sp.Claimed() {
						return nil, fmt.Errorf("snapshot %s: split %s has no payload", path,
							snapshot.SplitPath(path, st.Index, src.Index, rep.Index, sp.Local, sp.Global))
					}
					bySR[k] = append(bySR[k], splitRef{stream: st.Index, local: sp.Local, global: sp.Global})
				}
			}
		}
	}

	keys := make([]snapshot.SourceRepetition, 0, len(bySR))
	for k := range bySR {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].Repetition < keys[j].Repetition
	})

	var out []records.Record
	for _, k := range keys {
		refs := bySR[k]
		sort.Slice(refs, func(i, j int) bool { return refs[i].global < refs[j].global })
		for _, ref := range refs {
			data, err := store.ReadSplit(ctx, path, ref.stream, k.Source, k.Repetition, ref.local, ref.global)
			if err != nil {
				return nil, err
			}
			rows, err := records.Decode(data)
			if err != nil {
				return nil, fmt.Errorf("split %d of source %d repetition %d: %w", ref.global, k.Source, k.Repetition, err)
			}
			out = append(out, rows...)
		}
	}
	return out, nil
}
