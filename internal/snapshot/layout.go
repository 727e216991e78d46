package snapshot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/storage"
)

// Names in the durable layout. They are a stable contract between the
// dispatcher, workers and readers of finished snapshots.
const (
	DoneFile       = "DONE"
	ErrorFile      = "ERROR"
	MetadataFile   = "snapshot.metadata"
	StreamsDir     = "streams"
	OwnerFile      = "owner_worker"
	CheckpointsDir = "checkpoints"
	SplitsDir      = "splits"

	streamPrefix     = "stream"
	sourcePrefix     = "source"
	repetitionPrefix = "repetition"
	splitPrefix      = "split_"
)

// DonePath returns the snapshot completion marker.
func DonePath(root string) string { return storage.Join(root, DoneFile) }

// ErrorPath returns the snapshot failure marker.
func ErrorPath(root string) string { return storage.Join(root, ErrorFile) }

// MetadataPath returns the snapshot metadata file.
func MetadataPath(root string) string { return storage.Join(root, MetadataFile) }

// StreamsPath returns the directory holding every stream of a snapshot.
func StreamsPath(root string) string { return storage.Join(root, StreamsDir) }

// StreamPath returns the directory of one stream.
func StreamPath(root string, stream int) string {
	return storage.Join(root, StreamsDir, indexName(streamPrefix, int64(stream)))
}

// OwnerPath returns the file recording the worker that owns a stream.
func OwnerPath(root string, stream int) string {
	return storage.Join(StreamPath(root, stream), OwnerFile)
}

// StreamDonePath returns the completion marker of one stream.
func StreamDonePath(root string, stream int) string {
	return storage.Join(StreamPath(root, stream), DoneFile)
}

// CheckpointsPath returns the worker-private checkpoint directory of a stream.
func CheckpointsPath(root string, stream int) string {
	return storage.Join(StreamPath(root, stream), CheckpointsDir)
}

// SplitsPath returns the split directory of a stream.
func SplitsPath(root string, stream int) string {
	return storage.Join(StreamPath(root, stream), SplitsDir)
}

// SourcePath returns the directory of one source within a stream.
func SourcePath(root string, stream, source int) string {
	return storage.Join(SplitsPath(root, stream), indexName(sourcePrefix, int64(source)))
}

// RepetitionPath returns the directory of one repetition of a source.
func RepetitionPath(root string, stream, source, repetition int) string {
	return storage.Join(SourcePath(root, stream, source), indexName(repetitionPrefix, int64(repetition)))
}

// SplitPath returns the committed split file for (local, global).
func SplitPath(root string, stream, source, repetition int, local, global int64) string {
	return storage.Join(RepetitionPath(root, stream, source, repetition), SplitName(local, global))
}

// SplitName formats split_<local>_<global>.
func SplitName(local, global int64) string {
	return fmt.Sprintf("%s%d_%d", splitPrefix, local, global)
}

func indexName(prefix string, index int64) string {
	return prefix + "_" + strconv.FormatInt(index, 10)
}

// parseIndex parses a canonical non-negative decimal: digits only and no
// leading zeros except "0" itself.
func parseIndex(s string) (int64, bool) {
	if s == "" || len(s) > 18 {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parsePrefixed(prefix, name, dir string) (int, error) {
	rest, ok := strings.CutPrefix(name, prefix+"_")
	if ok {
		if v, ok := parseIndex(rest); ok {
			return int(v), nil
		}
	}
	return 0, NewError(KindNameParse, dir,
		"Can't parse %s directory %q in %s: expected %s_<%s_index>", prefix, name, dir, prefix, prefix)
}

// ParseStreamName parses stream_<N>.
func ParseStreamName(name, dir string) (int, error) {
	return parsePrefixed(streamPrefix, name, dir)
}

// ParseSourceName parses source_<S>.
func ParseSourceName(name, dir string) (int, error) {
	return parsePrefixed(sourcePrefix, name, dir)
}

// ParseRepetitionName parses repetition_<R>.
func ParseRepetitionName(name, dir string) (int, error) {
	return parsePrefixed(repetitionPrefix, name, dir)
}

// ParseSplitName parses split_<local>_<global>.
func ParseSplitName(name, dir string) (local, global int64, err error) {
	rest, ok := strings.CutPrefix(name, splitPrefix)
	if ok {
		parts := strings.Split(rest, "_")
		if len(parts) == 2 {
			l, okL := parseIndex(parts[0])
			g, okG := parseIndex(parts[1])
			if okL && okG {
				return l, g, nil
			}
		}
	}
	return 0, 0, NewError(KindNameParse, dir,
		"Can't parse split file %q in %s. Expected split_<local_split_index>_<global_split_index>", name, dir)
}

// ParseTempSplitName recovers (local, global) from an in-progress split
// name such as split_3_7__TMP_FILE__<uuid>.tmp.
func ParseTempSplitName(name string) (local, global int64, ok bool) {
	base, _, found := strings.Cut(name, storage.TempMarker)
	if !found {
		base = strings.TrimSuffix(name, ".tmp")
	}
	l, g, err := ParseSplitName(base, "")
	if err != nil {
		return 0, 0, false
	}
	return l, g, true
}
