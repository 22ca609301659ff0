package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("sync log entry not found")
	// ErrInvalidTransition means the row was not in a state that allows the
	// requested write, e.g. an outcome for a row that is no longer pending.
	ErrInvalidTransition = errors.New("invalid sync log transition")
)

// PersistenceError wraps any failure of the underlying datastore.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("sync log %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err came from the datastore.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
