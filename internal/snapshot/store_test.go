package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/storage"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := storage.NewLocalFS(dir, "")
	if err != nil {
		t.Fatalf("NewLocalFS failed: %v", err)
	}
	return NewStore(fs), dir
}

func testMetadata(numSources int) *Metadata {
	return &Metadata{
		NumSources:  numSources,
		Repetitions: 1,
		Compression: "AUTO",
		Dataset:     json.RawMessage(`{"sources":[]}`),
	}
}

func writeEmpty(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestCreateRejectsExistingState(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "snap", testMetadata(1)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "snap", MetadataFile)); err != nil {
		t.Fatalf("metadata should exist: %v", err)
	}

	err := store.Create(ctx, "snap", testMetadata(1))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
	if !strings.Contains(err.Error(), "is already started or completed") {
		t.Errorf("unexpected message: %v", err)
	}

	// A bare DONE or ERROR marker also counts as state.
	writeEmpty(t, filepath.Join(dir, "done-only", DoneFile))
	if err := store.Create(ctx, "done-only", testMetadata(1)); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected AlreadyExists for DONE-only path, got %v", err)
	}
	writeEmpty(t, filepath.Join(dir, "error-only", ErrorFile))
	if err := store.Create(ctx, "error-only", testMetadata(1)); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected AlreadyExists for ERROR-only path, got %v", err)
	}
}

func TestDiscardRemovesRoot(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "snap", testMetadata(1)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Discard(ctx, "snap"); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if ok, err := store.HasState(ctx, "snap"); err != nil || ok {
		t.Fatalf("expected no state after Discard, got %v, %v", ok, err)
	}
	if err := store.Create(ctx, "snap", testMetadata(1)); err != nil {
		t.Errorf("Create after Discard failed: %v", err)
	}
}

func TestCreateRejectsInvalidMetadata(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Create(context.Background(), "snap", testMetadata(0)); err == nil {
		t.Fatal("expected error for zero sources")
	}
}

func TestCommitSplitReplacesClaim(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "snap", testMetadata(1)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.CreateStream(ctx, "snap", 0, "worker-0"); err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "snap", "streams", "stream_0", "checkpoints")); err != nil {
		t.Errorf("checkpoints directory should exist: %v", err)
	}

	if err := store.ClaimSplit(ctx, "snap", 0, 0, 0, 0, 0); err != nil {
		t.Fatalf("ClaimSplit failed: %v", err)
	}
	st, err := store.EnumerateStream(ctx, "snap", 0)
	if err != nil {
		t.Fatalf("EnumerateStream failed: %v", err)
	}
	splits := st.Splits(0, 0)
	if len(splits) != 1 || !splits[0].Claimed() {
		t.Fatalf("expected one claimed split, got %+v", splits)
	}

	if err := store.CommitSplit(ctx, "snap", 0, 0, 0, 0, 0, []byte("payload")); err != nil {
		t.Fatalf("CommitSplit failed: %v", err)
	}
	st, err = store.EnumerateStream(ctx, "snap", 0)
	if err != nil {
		t.Fatalf("EnumerateStream failed: %v", err)
	}
	splits = st.Splits(0, 0)
	if len(splits) != 1 || splits[0].Claimed() {
		t.Fatalf("expected one committed split, got %+v", splits)
	}
	if len(st.TempSplits) != 0 {
		t.Errorf("no temp files expected, got %+v", st.TempSplits)
	}
	if st.Owner != "worker-0" {
		t.Errorf("owner = %q", st.Owner)
	}

	data, err := store.ReadSplit(ctx, "snap", 0, 0, 0, 0, 0)
	if err != nil || string(data) != "payload" {
		t.Errorf("ReadSplit = %q, %v", data, err)
	}

	// Claiming an already committed split keeps the payload.
	if err := store.ClaimSplit(ctx, "snap", 0, 0, 0, 0, 0); err != nil {
		t.Fatalf("ClaimSplit failed: %v", err)
	}
	data, _ = store.ReadSplit(ctx, "snap", 0, 0, 0, 0, 0)
	if string(data) != "payload" {
		t.Errorf("payload overwritten by claim: %q", data)
	}
}

func TestMarkers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "a", testMetadata(1)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.MarkError(ctx, "a", "source failed"); err != nil {
		t.Fatalf("MarkError failed: %v", err)
	}
	if failed, _ := store.HasError(ctx, "a"); !failed {
		t.Error("expected ERROR marker")
	}
	reason, err := store.ErrorReason(ctx, "a")
	if err != nil || reason != "source failed" {
		t.Errorf("ErrorReason = %q, %v", reason, err)
	}
	if err := store.MarkDone(ctx, "a"); err == nil {
		t.Error("MarkDone on failed snapshot should fail")
	}

	if err := store.Create(ctx, "b", testMetadata(1)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.MarkDone(ctx, "b"); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	if err := store.MarkError(ctx, "b", "late"); err != nil {
		t.Fatalf("MarkError failed: %v", err)
	}
	if failed, _ := store.HasError(ctx, "b"); failed {
		t.Error("DONE snapshot must not gain an ERROR marker")
	}
	if done, _ := store.IsDone(ctx, "b"); !done {
		t.Error("expected DONE marker")
	}
}

func TestEnumerateRejectsBadNames(t *testing.T) {
	tests := []struct {
		name string
		rel  string
		dir  bool
		want string
	}{
		{"bad stream", "streams/stream_x", true, "Can't parse"},
		{"empty stream index", "streams/stream_", true, "Can't parse"},
		{"negative stream", "streams/stream_-1", true, "Can't parse"},
		{"bad source", "streams/stream_0/splits/source_x", true, "Can't parse"},
		{"bad repetition", "streams/stream_0/splits/source_0/repetition_x", true, "Can't parse"},
		{"bad split", "streams/stream_0/splits/source_0/repetition_0/split_x_0", false, "Expected split_<local_split_index>_<global_split_index>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, dir := newTestStore(t)
			ctx := context.Background()
			if err := store.Create(ctx, "snap", testMetadata(1)); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			p := filepath.Join(dir, "snap", filepath.FromSlash(tt.rel))
			if tt.dir {
				if err := os.MkdirAll(p, 0755); err != nil {
					t.Fatalf("mkdir failed: %v", err)
				}
			} else {
				writeEmpty(t, p)
			}

			_, err := store.Enumerate(ctx, "snap")
			if !errors.Is(err, ErrNameParse) {
				t.Fatalf("expected NameParseError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestEnumerateCollectsTempSplits(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, "snap", testMetadata(1)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	repDir := filepath.Join(dir, "snap", "streams", "stream_0", "splits", "source_0", "repetition_0")
	writeEmpty(t, filepath.Join(repDir, "split_0_0"))
	writeEmpty(t, filepath.Join(repDir, "split_1_1__TMP_FILE__uuid.tmp"))

	tree, err := store.Enumerate(ctx, "snap")
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(tree.Streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(tree.Streams))
	}
	st := tree.Streams[0]
	if len(st.TempSplits) != 1 {
		t.Fatalf("expected 1 temp split, got %+v", st.TempSplits)
	}
	ts := st.TempSplits[0]
	if !ts.Parsed || ts.Local != 1 || ts.Global != 1 || ts.Source != 0 || ts.Repetition != 0 {
		t.Errorf("unexpected temp split: %+v", ts)
	}
	if len(st.Splits(0, 0)) != 1 {
		t.Errorf("temp split must not be listed as committed")
	}
}

func tree(streams ...StreamTree) *Tree {
	return &Tree{Path: "snap", Streams: streams}
}

func stream(index int, owner string, splits ...Split) StreamTree {
	return StreamTree{
		Index: index,
		Owner: owner,
		Sources: []SourceTree{{
			Index:       0,
			Repetitions: []RepetitionTree{{Index: 0, Splits: splits}},
		}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		tree       *Tree
		numSources int
		kind       error
		want       string
	}{
		{
			name:       "valid interleaved streams",
			tree:       tree(stream(0, "w0", Split{0, 0, 1}, Split{1, 2, 1}), stream(1, "w1", Split{0, 1, 1})),
			numSources: 1,
		},
		{
			name:       "source out of bounds",
			tree:       &Tree{Path: "snap", Streams: []StreamTree{{Index: 0, Owner: "w0", Sources: []SourceTree{{Index: 1}}}}},
			numSources: 1,
			kind:       ErrStructuralConflict,
			want:       "Found conflict",
		},
		{
			name:       "local exceeds global",
			tree:       tree(stream(0, "w0", Split{1, 0, 1})),
			numSources: 1,
			kind:       ErrSplitOrdering,
			want:       "The local split index 1 exceeds the global split index 0",
		},
		{
			name:       "missing global",
			tree:       tree(stream(0, "w0", Split{0, 1, 1})),
			numSources: 1,
			kind:       ErrStructuralConflict,
			want:       "Found missing global",
		},
		{
			name:       "duplicate global",
			tree:       tree(stream(0, "w0", Split{0, 1, 1}), stream(1, "w1", Split{0, 1, 1})),
			numSources: 1,
			kind:       ErrStructuralConflict,
			want:       "Found duplicate global",
		},
		{
			name:       "duplicate local",
			tree:       tree(stream(0, "w0", Split{0, 0, 1}, Split{0, 1, 1})),
			numSources: 1,
			kind:       ErrStructuralConflict,
			want:       "Found duplicate local split index 0",
		},
		{
			name:       "missing local",
			tree:       tree(stream(0, "w0", Split{0, 0, 1}, Split{2, 2, 1}), stream(1, "w1", Split{0, 1, 1})),
			numSources: 1,
			kind:       ErrStructuralConflict,
			want:       "Found missing local split index 1",
		},
		{
			name:       "duplicate worker",
			tree:       tree(stream(0, "w0", Split{0, 1, 1}), stream(1, "w0", Split{0, 1, 1})),
			numSources: 1,
			kind:       ErrStructuralConflict,
			want:       "worker is already assigned",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tree.Validate(tt.numSources)
			if tt.kind == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v, got %v", tt.kind, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestValidateIgnoresCompletedStreamOwners(t *testing.T) {
	done := stream(0, "w0", Split{0, 0, 1})
	done.Done = true
	active := stream(1, "w0", Split{0, 1, 1})
	if err := tree(done, active).Validate(1); err != nil {
		t.Fatalf("a worker may own one completed and one active stream: %v", err)
	}
}
