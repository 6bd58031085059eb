// Package quota holds the failure taxonomy shared by the engine and its
// callers. Every engine operation returns either a success payload or an
// *Error carrying one of the kinds below.
package quota

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindInternal covers unexpected storage failures; callers should not retry.
	KindInternal Kind = iota
	// KindNotFound: a referenced project, stage, pool, allocation or log does not exist.
	KindNotFound
	// KindInvalidArgument: negative quantities, empty reason, missing exclusion
	// reason, malformed date. Terminal for the request.
	KindInvalidArgument
	// KindConflict: duplicate active allocation, quota adjusted to its current value.
	KindConflict
	// KindInvalidState: operating on a disabled allocation or an already-reverted log.
	KindInvalidState
	// KindUnavailable: the store could not serialize the write in time; retryable.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindConflict:
		return "conflict"
	case KindInvalidState:
		return "invalid_state"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two taxonomy errors by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func InvalidArgumentf(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func InvalidStatef(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Msg: fmt.Sprintf(format, args...)}
}

func Unavailable(err error) error {
	return &Error{Kind: KindUnavailable, Msg: "store busy, retry", Err: err}
}

func Internal(err error) error {
	return &Error{Kind: KindInternal, Err: err}
}

// KindOf extracts the taxonomy kind, defaulting to internal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
