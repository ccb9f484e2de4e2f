package taskqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that a point lookup matched no task. Callers
	// treat this as normal control flow ("queue is empty"), not a bug.
	ErrNotFound = errors.New("task not found")

	// ErrTooManyRows signals that a lookup meant to match at most one
	// task matched several. The (queue, key) primary key should make
	// this impossible; when it happens it must surface to operators.
	ErrTooManyRows = errors.New("too many matching tasks")
)

// InvalidRangeError reports a filter whose bounds can never match any row.
// It is returned before any statement reaches the store.
type InvalidRangeError struct {
	Field  string
	Detail string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid %s range: %s", e.Field, e.Detail)
}
