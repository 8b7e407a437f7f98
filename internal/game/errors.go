package game

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes errors returned by the room layer.
type ErrorKind string

const (
	// KindValidation: malformed or missing action fields. Rejected before the actor.
	KindValidation ErrorKind = "validation"
	// KindNotFound: unknown room, or unknown player for an action that needs one.
	KindNotFound ErrorKind = "not_found"
	// KindConflict: duplicate name, or joining a room that already started.
	KindConflict ErrorKind = "conflict"
	// KindState: action invalid for the current phase.
	KindState ErrorKind = "state"
	// KindBackendUnavailable: persistence unreachable. Never fails a mutation.
	KindBackendUnavailable ErrorKind = "backend_unavailable"
)

// Error is a classified room error. Validation, conflict and state errors
// never mutate room state.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a persistence failure.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindBackendUnavailable, Message: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool { return err != nil && KindOf(err) == kind }
