// Package dataset is the boundary to the dataset execution engine. The
// snapshot pipeline only needs split-granular, deterministic reads: the
// contents of split g of (source, repetition) must be the same every time
// it is requested, so a lost split can be regenerated.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/records"
)

var (
	// ErrInvalidSourceKind is returned for an unknown source kind.
	ErrInvalidSourceKind = errors.New("invalid source kind")

	// ErrSplitOutOfRange is returned when a split past the end of a source is requested.
	ErrSplitOutOfRange = errors.New("split out of range")
)

// DefaultSplitSize is the number of elements per split when a spec does not set one.
const DefaultSplitSize = 100

// Source kinds.
const (
	KindRange  = "range"
	KindValues = "values"
)

// SourceSpec describes one input dataset.
type SourceSpec struct {
	Kind string `json:"kind"`

	// range: Start, Start+Step, ... up to but excluding Stop.
	Start int64 `json:"start,omitempty"`
	Stop  int64 `json:"stop,omitempty"`
	Step  int64 `json:"step,omitempty"`

	// values: Count elements cycling through Values.
	Values []string `json:"values,omitempty"`
	Count  int64    `json:"count,omitempty"`
}

// Spec describes the dataset a snapshot saves.
type Spec struct {
	Sources     []SourceSpec `json:"sources"`
	Repetitions int          `json:"repetitions,omitempty"`
	SplitSize   int64        `json:"split_size,omitempty"`
}

// Range returns a single-source spec producing start..stop-1.
func Range(start, stop int64) Spec {
	return Spec{Sources: []SourceSpec{RangeSource(start, stop)}}
}

// RangeSource returns a source producing start..stop-1.
func RangeSource(start, stop int64) SourceSpec {
	return SourceSpec{Kind: KindRange, Start: start, Stop: stop, Step: 1}
}

// ValuesSource returns a source producing count elements cycling through values.
func ValuesSource(count int64, values ...string) SourceSpec {
	return SourceSpec{Kind: KindValues, Values: values, Count: count}
}

// Repeat returns a copy of s repeated n times.
func (s Spec) Repeat(n int) Spec {
	s.Repetitions = n
	return s
}

// WithSplitSize returns a copy of s with the given split size.
func (s Spec) WithSplitSize(n int64) Spec {
	s.SplitSize = n
	return s
}

// Normalize fills defaults.
func (s Spec) Normalize() Spec {
	if s.Repetitions < 1 {
		s.Repetitions = 1
	}
	if s.SplitSize < 1 {
		s.SplitSize = DefaultSplitSize
	}
	srcs := make([]SourceSpec, len(s.Sources))
	copy(srcs, s.Sources)
	for i := range srcs {
		if srcs[i].Kind == KindRange && srcs[i].Step == 0 {
			srcs[i].Step = 1
		}
	}
	s.Sources = srcs
	return s
}

// Validate checks the spec after normalization.
func (s Spec) Validate() error {
	if len(s.Sources) == 0 {
		return fmt.Errorf("dataset must have at least one source")
	}
	for i, src := range s.Sources {
		switch src.Kind {
		case KindRange:
			if src.Step <= 0 {
				return fmt.Errorf("source %d: step must be positive, got %d", i, src.Step)
			}
		case KindValues:
			if src.Count < 0 {
				return fmt.Errorf("source %d: count must not be negative", i)
			}
			if src.Count > 0 && len(src.Values) == 0 {
				return fmt.Errorf("source %d: values required", i)
			}
		default:
			return fmt.Errorf("source %d: %w: %q", i, ErrInvalidSourceKind, src.Kind)
		}
	}
	return nil
}

// Encode returns the JSON form stored in snapshot metadata.
func (s Spec) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal dataset spec: %w", err)
	}
	return data, nil
}

// DecodeSpec parses a spec stored in snapshot metadata.
func DecodeSpec(raw json.RawMessage) (Spec, error) {
	var s Spec
	if err := json.Unmarshal(raw, &s); err != nil {
		return Spec{}, fmt.Errorf("parse dataset spec: %w", err)
	}
	return s, nil
}

// Engine produces split contents for a dataset.
type Engine interface {
	// NumSources returns the number of sources.
	NumSources() int

	// Repetitions returns the number of passes over every source.
	Repetitions() int

	// NumSplits returns the number of splits in one repetition of source.
	NumSplits(source int) int64

	// ReadSplit returns the elements of split g of (source, repetition).
	ReadSplit(ctx context.Context, source, repetition int, split int64) ([]records.Record, error)
}

// Factory builds an Engine for a spec.
type Factory func(Spec) (Engine, error)

// New builds the built-in engine for spec.
func New(spec Spec) (Engine, error) {
	spec = spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	e := &engine{spec: spec}
	for _, src := range spec.Sources {
		e.lengths = append(e.lengths, sourceLen(src))
	}
	return e, nil
}

// engine is the deterministic in-process engine for range and values sources.
type engine struct {
	spec    Spec
	lengths []int64
}

func sourceLen(src SourceSpec) int64 {
	switch src.Kind {
	case KindRange:
		if src.Stop <= src.Start {
			return 0
		}
		return (src.Stop - src.Start + src.Step - 1) / src.Step
	case KindValues:
		return src.Count
	default:
		return 0
	}
}

func (e *engine) NumSources() int  { return len(e.spec.Sources) }
func (e *engine) Repetitions() int { return e.spec.Repetitions }

func (e *engine) NumSplits(source int) int64 {
	if source < 0 || source >= len(e.lengths) {
		return 0
	}
	n := e.lengths[source]
	return (n + e.spec.SplitSize - 1) / e.spec.SplitSize
}

func (e *engine) ReadSplit(ctx context.Context, source, repetition int, split int64) ([]records.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if source < 0 || source >= len(e.spec.Sources) {
		return nil, fmt.Errorf("source %d: %w", source, ErrSplitOutOfRange)
	}
	if repetition < 0 || repetition >= e.spec.Repetitions {
		return nil, fmt.Errorf("repetition %d of source %d: %w", repetition, source, ErrSplitOutOfRange)
	}
	if split < 0 || split >= e.NumSplits(source) {
		return nil, fmt.Errorf("split %d of source %d: %w", split, source, ErrSplitOutOfRange)
	}

	src := e.spec.Sources[source]
	first := split * e.spec.SplitSize
	last := first + e.spec.SplitSize
	if last > e.lengths[source] {
		last = e.lengths[source]
	}

	rows := make([]records.Record, 0, last-first)
	for i := first; i < last; i++ {
		r := records.Record{
			Source:     int32(source),
			Repetition: int32(repetition),
			Offset:     i,
		}
		switch src.Kind {
		case KindRange:
			r.Value = src.Start + i*src.Step
		case KindValues:
			r.Text = src.Values[i%int64(len(src.Values))]
		}
		rows = append(rows, r)
	}
	return rows, nil
}
