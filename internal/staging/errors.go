package staging

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingKey is returned by an ObjectClient when the object does not exist.
	ErrMissingKey = errors.New("object not found")
	// ErrPermanent marks client errors that retrying cannot fix.
	ErrPermanent  = errors.New("permanent staging error")
	// ErrTransient marks client errors worth retrying.
	ErrTransient  = errors.New("transient staging error")
	ErrInvalidURI = errors.New("invalid staging uri")
)

// OperationError is returned when an upload, download or existence check gives up.
type OperationError struct {
	Op       string
	URI      string
	Attempts int
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("staging %s %s failed after %d attempt(s): %v", e.Op, e.URI, e.Attempts, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
