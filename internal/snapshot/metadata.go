package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is persisted at the snapshot root when the snapshot starts.
// It carries what the dispatcher needs to rebuild coordination state.
type Metadata struct {
	Path        string          `json:"path"`
	NumSources  int             `json:"num_sources"`
	Repetitions int             `json:"repetitions"`
	Compression string          `json:"compression"`
	Dataset     json.RawMessage `json:"dataset"`
	Producer    ProducerInfo    `json:"producer"`
	CreatedAt   time.Time       `json:"created_at"`

	// Version of the record schema inside split payloads.
	SchemaVersion string `json:"schema_version"`
}

// ProducerInfo describes the software that started the snapshot.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// Validate checks the fields recovery depends on.
func (m *Metadata) Validate() error {
	if m.NumSources < 1 {
		return fmt.Errorf("snapshot %s: num_sources must be positive, got %d", m.Path, m.NumSources)
	}
	if m.Repetitions < 1 {
		return fmt.Errorf("snapshot %s: repetitions must be positive, got %d", m.Path, m.Repetitions)
	}
	return nil
}

// Equal reports whether two metadata describe the same snapshot request.
// Creation time and producer are ignored.
func (m *Metadata) Equal(o *Metadata) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.Path == o.Path &&
		m.NumSources == o.NumSources &&
		m.Repetitions == o.Repetitions &&
		m.Compression == o.Compression &&
		compactJSON(m.Dataset) == compactJSON(o.Dataset)
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func encodeMetadata(m *Metadata) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &m, nil
}
