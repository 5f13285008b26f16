package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on an optimistic-lock miss or a uniqueness
// violation
var ErrConflict = errors.New("conflict")

// IOError wraps a database failure. Transient errors may be retried by
// the caller; permanent ones are fatal to the calling job.
type IOError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *IOError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s io error: %v", e.Op, kind, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable store failure
func IsTransient(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr) && ioErr.Transient
}

// mapErr converts a raw database error into the store's typed errors
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraint"):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case strings.Contains(msg, "busy"),
		strings.Contains(msg, "locked"),
		strings.Contains(msg, "interrupt"),
		strings.Contains(msg, "i/o"):
		return &IOError{Op: op, Transient: true, Err: err}
	default:
		return &IOError{Op: op, Transient: false, Err: err}
	}
}
