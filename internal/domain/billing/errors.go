package billing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/ledger/internal/platform/db"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("record not found")

// ValidationError reports caller input that was rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

type NotFoundError struct {
	Resource string
	ID       uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError reports an operation refused because of the current state
// of the ledger, such as deleting an invoice that already has payments.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// PersistenceError wraps a storage failure. The unit of work it happened in
// has been rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the operation may succeed.
func (e *PersistenceError) Retryable() bool {
	return db.IsRetryable(e.Err)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// classify maps a repository error onto the domain error kinds. Errors that
// already carry a domain kind pass through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve *ValidationError
		nf *NotFoundError
		ce *ConflictError
		pe *PersistenceError
	)
	if errors.As(err, &ve) || errors.As(err, &nf) || errors.As(err, &ce) || errors.As(err, &pe) {
		return err
	}
	switch {
	case db.IsUniqueViolation(err):
		return &ConflictError{Reason: fmt.Sprintf("%s: duplicate value violates %s", op, db.ConstraintName(err))}
	case db.IsForeignKeyViolation(err):
		return &ConflictError{Reason: fmt.Sprintf("%s: row is still referenced (%s)", op, db.ConstraintName(err))}
	}
	return &PersistenceError{Op: op, Err: err}
}
