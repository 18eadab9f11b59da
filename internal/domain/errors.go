package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means the credential or token was rejected. Fatal, never retried.
	ErrAuth = errors.New("auth rejected")
	// ErrNetwork is a transient transport failure; the caller retries by initiating again.
	ErrNetwork = errors.New("network failure")
	// ErrTimeout is a network failure caused by an exceeded deadline.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrNetwork)
	// ErrDevice means a capture device could not be acquired.
	ErrDevice = errors.New("capture device unavailable")
	// ErrProtocol marks a malformed or out-of-range message.
	ErrProtocol = errors.New("protocol violation")
	// ErrNotFound is returned for an absent peer or track.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when an operation is not allowed in the current session state.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Error carries the failed operation together with its taxonomy kind.
// errors.Is matches both Kind and the underlying cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Kind == nil || errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func NewError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
