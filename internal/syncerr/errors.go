// Package syncerr defines the failure taxonomy shared by the backup engine,
// the sync coordinator and the remote store.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a sync failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotAuthenticated means there is no usable remote identity.
	KindNotAuthenticated
	// KindNotFound means there is no usable remote artifact. More than one
	// matching artifact is reported as not found too.
	KindNotFound
	// KindBusy means a conflicting job is already running.
	KindBusy
	// KindIOFailure covers local and network I/O errors.
	KindIOFailure
)

func (k Kind) String() string {
	switch k {
	case KindNotAuthenticated:
		return "not authenticated"
	case KindNotFound:
		return "not found"
	case KindBusy:
		return "busy"
	case KindIOFailure:
		return "io failure"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. A *Error matches the sentinel of its Kind.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("not found")
	ErrBusy             = errors.New("busy")
	ErrIOFailure        = errors.New("io failure")
)

// Error is a classified failure of operation Op.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

// New returns an *Error for op. err may be nil.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Errorf is New with a formatted underlying error.
func Errorf(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of e.Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == sentinel(e.Kind)
}

func sentinel(k Kind) error {
	switch k {
	case KindNotAuthenticated:
		return ErrNotAuthenticated
	case KindNotFound:
		return ErrNotFound
	case KindBusy:
		return ErrBusy
	case KindIOFailure:
		return ErrIOFailure
	default:
		return nil
	}
}

// KindOf returns the Kind of the first *Error in err's chain. Unclassified
// non-nil errors count as I/O failures, except context cancellation.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindUnknown
	}
	return KindIOFailure
}

// Wrap classifies err for op, keeping an existing Kind when err already
// carries one.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: KindOf(err), Err: err}
}
