package services

import (
	"errors"
	"fmt"
)

// Domain error taxonomy. Validation and duplicate conditions are handled
// locally and acknowledged to the upstream gateway as success to stop its
// retries; concurrency conflicts are retried a bounded number of times by
// the caller; invariant violations are never retried.
var (
	ErrValidation          = errors.New("validation failed")
	ErrDuplicate           = errors.New("transaction already processed")
	ErrStudentNotFound     = errors.New("student not found")
	ErrAlreadyResolved     = errors.New("unmatched payment already resolved or rejected")
	ErrConcurrencyConflict = errors.New("concurrent allocation in progress")
	ErrStudentOnHold       = errors.New("student is on financial hold")
)

// InvariantViolation is the should-never-happen class: obligation balance
// negative, ledger sum disagreeing with obligation/credit state. It is fatal
// for the affected student: further allocations are halted pending
// investigation, and the condition is never silently corrected.
type InvariantViolation struct {
	StudentID string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation for student %s: %s", e.StudentID, e.Detail)
}

// IsRetryable reports whether the caller may retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
