package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies snapshot failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNameParse means a persisted name does not match <prefix>_<integer>.
	KindNameParse
	// KindStructuralConflict means names parse but violate cross-entity invariants.
	KindStructuralConflict
	// KindSplitOrdering means a split's local index exceeds its global index.
	KindSplitOrdering
	// KindAlreadyExists means a snapshot path already holds state.
	KindAlreadyExists
	// KindUnrecoverableSource means the dataset cannot produce further elements.
	KindUnrecoverableSource
	// KindWorkerLost means a worker missed its heartbeat deadline.
	KindWorkerLost
)

func (k Kind) String() string {
	switch k {
	case KindNameParse:
		return "NameParseError"
	case KindStructuralConflict:
		return "StructuralConflict"
	case KindSplitOrdering:
		return "SplitOrderingError"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindUnrecoverableSource:
		return "UnrecoverableSourceError"
	case KindWorkerLost:
		return "WorkerLost"
	default:
		return "Unknown"
	}
}

// Error is a classified snapshot failure.
type Error struct {
	Kind Kind
	Path string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, snapshot.ErrNameParse).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNameParse           = &Error{Kind: KindNameParse}
	ErrStructuralConflict  = &Error{Kind: KindStructuralConflict}
	ErrSplitOrdering       = &Error{Kind: KindSplitOrdering}
	ErrAlreadyExists       = &Error{Kind: KindAlreadyExists}
	ErrUnrecoverableSource = &Error{Kind: KindUnrecoverableSource}
	ErrWorkerLost          = &Error{Kind: KindWorkerLost}
)

// NewError builds a classified error for path.
func NewError(kind Kind, path string, format string, args ...any) *Error {
	return &Error{Kind: kind, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ParseError rebuilds a classified error from its Error() text, as carried
// by transports that only preserve messages. It returns nil when msg does
// not start with a known kind.
func ParseError(msg string) *Error {
	for k := KindNameParse; k <= KindWorkerLost; k++ {
		name := k.String()
		if msg == name {
			return &Error{Kind: k}
		}
		if rest, ok := strings.CutPrefix(msg, name+": "); ok {
			return &Error{Kind: k, Msg: rest}
		}
	}
	return nil
}
