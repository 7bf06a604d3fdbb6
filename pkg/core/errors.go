package core

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	// ErrAuth means the session is invalid or expired server-side.
	ErrAuth = errors.New("session is not valid")
	// ErrTransport means the record store could not be reached. Retryable.
	ErrTransport = errors.New("record store unreachable")
	// ErrNotFound means the note does not exist or is not owned by the session.
	ErrNotFound = errors.New("note not found")
	// ErrValidation means the payload was malformed.
	ErrValidation = errors.New("invalid payload")
	// ErrNoSession is returned when an operation needs an active session.
	ErrNoSession = errors.New("no active session")
)

var (
	errBlockNoID  = errors.New("block has no id")
	errBlockDupID = errors.New("duplicate block id")
	errBlockKind  = errors.New("unknown block kind")
)

// OpError records the operation and note that failed along with the kind.
type OpError struct {
	Op     string
	NoteID string
	Kind   error
	Err    error
}

// NewError builds an OpError. cause may be nil.
func NewError(op, noteID string, kind, cause error) *OpError {
	return &OpError{Op: op, NoteID: noteID, Kind: kind, Err: cause}
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.NoteID != "" {
		msg += " " + e.NoteID
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind sentinel carried by err, or nil if err is not classified.
func KindOf(err error) error {
	for _, k := range []error{ErrAuth, ErrNotFound, ErrValidation, ErrTransport, ErrNoSession} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
