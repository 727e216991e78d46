package notify

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ComputeEventHash returns "sha256:<hex>" over the JSON form of evt with
// its own hash cleared.
func ComputeEventHash(evt *Event) string {
	unhashed := *evt
	unhashed.Chain.EventHash = ""
	canonical, err := json.Marshal(unhashed)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// GenerateEventID returns "evt_" followed by a lowercase ULID. IDs minted by
// one process sort in emission order.
func GenerateEventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		// Monotonic entropy overflowed within one millisecond.
		id = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)
	}
	return "evt_" + strings.ToLower(id.String())
}

// chainHeads maps a chain key to the hash of its last journaled event.
// Callers hold the journal lock.
type chainHeads map[string]string

func (h chainHeads) advance(evt *Event) {
	h[evt.ChainKey()] = evt.Chain.EventHash
}

// replayHeads rebuilds chain heads from an existing journal and returns the
// length of its complete lines. A torn final line left by a crash
// mid-append lies beyond that length.
func replayHeads(path string) (chainHeads, int64, error) {
	heads := make(chainHeads)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return heads, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var valid int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return heads, valid, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read journal: %w", err)
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, 0, fmt.Errorf("parse journal at offset %d: %w", valid, err)
		}
		heads.advance(&evt)
		valid += int64(len(line))
	}
}
