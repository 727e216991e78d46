package snapshot

import (
	"context"
	"fmt"
	"sort"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/storage"
)

// Tree is the parsed durable state of one snapshot.
type Tree struct {
	Path    string
	Done    bool
	Error   bool
	Streams []StreamTree
}

// StreamTree is the parsed state of one stream.
type StreamTree struct {
	Index       int
	Owner       string // "" when no owner_worker was recorded
	Done        bool
	Checkpoints []string
	Sources     []SourceTree
	TempSplits  []TempSplit
}

// SourceTree lists the repetitions a stream wrote for one source.
type SourceTree struct {
	Index       int
	Repetitions []RepetitionTree
}

// RepetitionTree lists the splits a stream wrote for one (source, repetition).
type RepetitionTree struct {
	Index  int
	Splits []Split
}

// Split is one split_<local>_<global> file.
type Split struct {
	Local  int64
	Global int64
	Size   int64
}

// Claimed reports whether the split is a reservation whose payload has not
// been written yet.
func (s Split) Claimed() bool {
	return s.Size == 0
}

// TempSplit is an in-progress split write left behind by a crash.
type TempSplit struct {
	Key        string
	Source     int
	Repetition int
	Local      int64
	Global     int64
	Parsed     bool
}

// Enumerate parses the full tree under path. Any malformed name aborts the
// walk with a NameParseError; nothing is skipped.
func (s *Store) Enumerate(ctx context.Context, path string) (*Tree, error) {
	tree := &Tree{Path: path}

	var err error
	if tree.Done, err = s.IsDone(ctx, path); err != nil {
		return nil, err
	}
	if tree.Error, err = s.HasError(ctx, path); err != nil {
		return nil, err
	}

	dir := StreamsPath(path)
	entries, err := s.fs.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list streams of %s: %w", path, err)
	}
	for _, e := range entries {
		index, err := ParseStreamName(e.Name, dir)
		if err != nil {
			return nil, err
		}
		st, err := s.EnumerateStream(ctx, path, index)
		if err != nil {
			return nil, err
		}
		tree.Streams = append(tree.Streams, *st)
	}
	sort.Slice(tree.Streams, func(i, j int) bool { return tree.Streams[i].Index < tree.Streams[j].Index })
	return tree, nil
}

// EnumerateStream parses a single stream directory.
func (s *Store) EnumerateStream(ctx context.Context, path string, stream int) (*StreamTree, error) {
	st := &StreamTree{Index: stream}

	var err error
	if st.Owner, err = s.ReadOwner(ctx, path, stream); err != nil {
		return nil, err
	}
	if st.Done, err = s.IsStreamDone(ctx, path, stream); err != nil {
		return nil, err
	}

	checkpoints, err := s.fs.List(ctx, CheckpointsPath(path, stream))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints of stream %d: %w", stream, err)
	}
	for _, c := range checkpoints {
		if !c.IsDir && !storage.IsTemp(c.Name) {
			st.Checkpoints = append(st.Checkpoints, c.Name)
		}
	}

	splitsDir := SplitsPath(path, stream)
	sources, err := s.fs.List(ctx, splitsDir)
	if err != nil {
		return nil, fmt.Errorf("list sources of stream %d: %w", stream, err)
	}
	for _, se := range sources {
		source, err := ParseSourceName(se.Name, splitsDir)
		if err != nil {
			return nil, err
		}
		srcTree := SourceTree{Index: source}

		sourceDir := SourcePath(path, stream, source)
		reps, err := s.fs.List(ctx, sourceDir)
		if err != nil {
			return nil, fmt.Errorf("list repetitions of %s: %w", sourceDir, err)
		}
		for _, re := range reps {
			rep, err := ParseRepetitionName(re.Name, sourceDir)
			if err != nil {
				return nil, err
			}
			repTree, temps, err := s.enumerateRepetition(ctx, path, stream, source, rep)
			if err != nil {
				return nil, err
			}
			srcTree.Repetitions = append(srcTree.Repetitions, *repTree)
			st.TempSplits = append(st.TempSplits, temps...)
		}
		sort.Slice(srcTree.Repetitions, func(i, j int) bool {
			return srcTree.Repetitions[i].Index < srcTree.Repetitions[j].Index
		})
		st.Sources = append(st.Sources, srcTree)
	}
	sort.Slice(st.Sources, func(i, j int) bool { return st.Sources[i].Index < st.Sources[j].Index })
	return st, nil
}

func (s *Store) enumerateRepetition(ctx context.Context, path string, stream, source, rep int) (*RepetitionTree, []TempSplit, error) {
	dir := RepetitionPath(path, stream, source, rep)
	files, err := s.fs.List(ctx, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("list splits of %s: %w", dir, err)
	}

	repTree := &RepetitionTree{Index: rep}
	var temps []TempSplit
	for _, f := range files {
		if storage.IsTemp(f.Name) {
			t := TempSplit{Key: storage.Join(dir, f.Name), Source: source, Repetition: rep}
			t.Local, t.Global, t.Parsed = ParseTempSplitName(f.Name)
			temps = append(temps, t)
			continue
		}
		local, global, err := ParseSplitName(f.Name, dir)
		if err != nil {
			return nil, nil, err
		}
		repTree.Splits = append(repTree.Splits, Split{Local: local, Global: global, Size: f.Size})
	}
	sort.Slice(repTree.Splits, func(i, j int) bool { return repTree.Splits[i].Local < repTree.Splits[j].Local })
	return repTree, temps, nil
}

// Splits returns the splits of (source, repetition), or nil.
func (st *StreamTree) Splits(source, repetition int) []Split {
	for _, src := range st.Sources {
		if src.Index != source {
			continue
		}
		for _, rep := range src.Repetitions {
			if rep.Index == repetition {
				return rep.Splits
			}
		}
	}
	return nil
}

// SourceRepetition identifies one pass over one source.
type SourceRepetition struct {
	Source     int
	Repetition int
}

// Validate checks the cross-entity invariants of a parsed tree against the
// declared number of sources. Checks run in a fixed order so the first
// reported conflict is deterministic.
func (t *Tree) Validate(numSources int) error {
	// Source bounds.
	for _, st := range t.Streams {
		for _, src := range st.Sources {
			if src.Index >= numSources {
				return NewError(KindStructuralConflict, t.Path,
					"Found conflict between the number of sources, %d, and the filename of %s",
					numSources, SourcePath(t.Path, st.Index, src.Index))
			}
		}
	}

	// Local indices never run ahead of global ones.
	for _, st := range t.Streams {
		for _, src := range st.Sources {
			for _, rep := range src.Repetitions {
				for _, sp := range rep.Splits {
					if sp.Local > sp.Global {
						return NewError(KindSplitOrdering, t.Path,
							"The local split index %d exceeds the global split index %d of split %s",
							sp.Local, sp.Global,
							SplitPath(t.Path, st.Index, src.Index, rep.Index, sp.Local, sp.Global))
					}
				}
			}
		}
	}

	// Local indices of one stream are dense from zero per (source, repetition).
	for _, st := range t.Streams {
		for _, src := range st.Sources {
			for _, rep := range src.Repetitions {
				for i, sp := range rep.Splits {
					if sp.Local == int64(i) {
						continue
					}
					if i > 0 && sp.Local == rep.Splits[i-1].Local {
						return NewError(KindStructuralConflict, t.Path,
							"Found duplicate local split index %d in %s",
							sp.Local, RepetitionPath(t.Path, st.Index, src.Index, rep.Index))
					}
					return NewError(KindStructuralConflict, t.Path,
						"Found missing local split index %d in %s",
						i, RepetitionPath(t.Path, st.Index, src.Index, rep.Index))
				}
			}
		}
	}

	// One active stream per worker.
	owners := make(map[string]int)
	for _, st := range t.Streams {
		if st.Done || st.Owner == "" {
			continue
		}
		if prev, ok := owners[st.Owner]; ok {
			return NewError(KindStructuralConflict, t.Path,
				"Failed to assign stream %d of snapshot %s: worker is already assigned stream %d (worker %s)",
				st.Index, t.Path, prev, st.Owner)
		}
		owners[st.Owner] = st.Index
	}

	// Global indices are unique across streams and dense per (source, repetition).
	globals := t.GlobalIndices()
	keys := make([]SourceRepetition, 0, len(globals))
	for k := range globals {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].Repetition < keys[j].Repetition
	})

	for _, k := range keys {
		seen := make(map[int64]bool)
		var maxGlobal int64 = -1
		for _, g := range globals[k] {
			if seen[g] {
				return NewError(KindStructuralConflict, t.Path,
					"Found duplicate global split index %d for source %d repetition %d in %s",
					g, k.Source, k.Repetition, t.Path)
			}
			seen[g] = true
			if g > maxGlobal {
				maxGlobal = g
			}
		}
		for g := int64(0); g <= maxGlobal; g++ {
			if !seen[g] {
				return NewError(KindStructuralConflict, t.Path,
					"Found missing global split index %d for source %d repetition %d in %s",
					g, k.Source, k.Repetition, t.Path)
			}
		}
	}
	return nil
}

// GlobalIndices collects every global split index per (source, repetition),
// across all streams, in stream order.
func (t *Tree) GlobalIndices() map[SourceRepetition][]int64 {
	out := make(map[SourceRepetition][]int64)
	for _, st := range t.Streams {
		for _, src := range st.Sources {
			for _, rep := range src.Repetitions {
				k := SourceRepetition{Source: src.Index, Repetition: rep.Index}
				for _, sp := range rep.Splits {
					out[k] = append(out[k], sp.Global)
				}
				if _, ok := out[k]; !ok {
					out[k] = nil
				}
			}
		}
	}
	return out
}
