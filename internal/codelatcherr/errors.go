// Package codelatcherr defines the broker's error taxonomy: a small
// set of kinds matching the categories laid out in the daemon's error
// handling design, wrapped around the usual Go error chain.
package codelatcherr

import "fmt"

// Kind classifies an error for the purpose of deciding whether it is
// fatal at startup, retryable, or safe to log-and-continue inside the
// event loop.
type Kind string

const (
	Config          Kind = "config"
	DaemonLifecycle Kind = "daemon_lifecycle"
	ChatAPI         Kind = "chat_api"
	Store           Kind = "store"
	Subprocess      Kind = "subprocess"
	Protocol        Kind = "protocol"
)

// Error is a typed, wrapped error carrying a Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a *Error tagged with kind and op, wrapping err. Returns
// nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			if ce.Kind == kind {
				return true
			}
			err = ce.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
