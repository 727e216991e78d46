// Package records encodes split payloads. Each split is a self-contained
// parquet file with one row per dataset element.
package records

import (
	"fmt"
	"strings"
)

// SchemaVersion returns the version of the split schema.
// Increment the major component when making breaking changes.
const SchemaVersion = "1.0.0"

// CheckSchemaVersion fails if splits written under version v cannot be
// read or appended to by this build. Only the major component matters.
func CheckSchemaVersion(v string) error {
	if schemaMajor(v) != schemaMajor(SchemaVersion) {
		return fmt.Errorf("split schema version %q is incompatible with %s", v, SchemaVersion)
	}
	return nil
}

func schemaMajor(v string) string {
	major, _, _ := strings.Cut(strings.TrimSpace(v), ".")
	return major
}

// Record is one dataset element as stored in a split.
type Record struct {
	// Position of the element in its source, within one repetition.
	Source     int32 `parquet:"source"`
	Repetition int32 `parquet:"repetition"`
	Offset     int64 `parquet:"offset"`

	// Element payload. Numeric datasets fill Value, string datasets fill Text.
	Value int64  `parquet:"value"`
	Text  string `parquet:"text"`
}

// Compression options accepted when starting a snapshot.
const (
	CompressionAuto   = "AUTO"
	CompressionNone   = "NONE"
	CompressionSnappy = "SNAPPY"
	CompressionZstd   = "ZSTD"
	CompressionGzip   = "GZIP"
)

// ParseCompression normalizes a compression option. Empty means AUTO.
func ParseCompression(s string) (string, error) {
	switch v := strings.ToUpper(strings.TrimSpace(s)); v {
	case "":
		return CompressionAuto, nil
	case CompressionAuto, CompressionNone, CompressionSnappy, CompressionZstd, CompressionGzip:
		return v, nil
	case "UNCOMPRESSED":
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}
