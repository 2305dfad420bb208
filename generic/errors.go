/*
errors.go - Centralized error types for the payroll engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Packages wrap these with context; callers inspect them with errors.Is
  and errors.As.

ERROR CATEGORIES:
  1. Validation errors - rejected before any mutation
  2. Persistence errors - store failure while committing a run
  3. Reversal errors - restore failed, run is kept for a retry
  4. Conflict errors - duplicate run, lock held, wrong state

USAGE:
  if errors.Is(err, generic.ErrRunNotFound) { ... }

  var perr *generic.PersistenceError
  if errors.As(err, &perr) {
      log.Printf("run %s failed at employee %s", perr.RunID, perr.EmployeeID)
  }

SEE ALSO:
  - api/handlers.go: Maps these to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidMonth        = errors.New("invalid month, expected YYYY-MM")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidInstallments = errors.New("installments must be at least 1")
	ErrEmployeeNotFound    = errors.New("employee not found")
	ErrEmployeeInactive    = errors.New("employee is not active")

	ErrAdvanceNotFound      = errors.New("advance not found")
	ErrInvalidTransition    = errors.New("invalid advance status transition")
	ErrAdvanceHasDeductions = errors.New("advance has recorded deductions")
	ErrDuplicateDeduction   = errors.New("advance already deducted by this run")

	// ErrLedgerInvariant means stored balances disagree with the deduction
	// ledger. It is never expected and always needs investigation.
	ErrLedgerInvariant = errors.New("advance ledger invariant violated")

	ErrRunNotFound   = errors.New("payroll run not found")
	ErrRunNotPending = errors.New("payroll run is not pending")
	ErrDuplicateRun  = errors.New("payroll run already exists for this month and scope")
	ErrRunLocked     = errors.New("payroll month is locked by another operation")
	ErrEntryNotFound = errors.New("payroll entry not found")

	ErrCommitNotRunning = errors.New("no commit in progress for this run")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError is returned before any mutation happens.
type ValidationError struct {
	Field string
	Value any
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %v (%v)", e.Field, e.Err, e.Value)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PersistenceError is returned when a commit fails after it started writing.
// The run is marked failed and the whole commit transaction is rolled back.
type PersistenceError struct {
	Op         string
	RunID      RunID
	EmployeeID EmployeeID
	AdvanceID  AdvanceID
	Err        error
}

func (e *PersistenceError) Error() string {
	msg := fmt.Sprintf("%s run %s", e.Op, e.RunID)
	if e.EmployeeID != "" {
		msg += fmt.Sprintf(" employee %s", e.EmployeeID)
	}
	if e.AdvanceID != "" {
		msg += fmt.Sprintf(" advance %s", e.AdvanceID)
	}
	return msg + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ReversalError is returned when restoring a run's deductions fails.
// Nothing has been committed; the run still exists and the call can be retried.
type ReversalError struct {
	RunID       RunID
	AdvanceID   AdvanceID
	DeductionID DeductionID
	Err         error
}

func (e *ReversalError) Error() string {
	msg := fmt.Sprintf("reverse run %s", e.RunID)
	if e.DeductionID != "" {
		msg += fmt.Sprintf(" deduction %s", e.DeductionID)
	}
	if e.AdvanceID != "" {
		msg += fmt.Sprintf(" advance %s", e.AdvanceID)
	}
	return msg + ": " + e.Err.Error()
}

func (e *ReversalError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, ErrInvalidMonth) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInstallments) ||
		errors.Is(err, ErrEmployeeInactive)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEmployeeNotFound) ||
		errors.Is(err, ErrAdvanceNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}

// IsConflict returns true if the request clashes with the current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateRun) ||
		errors.Is(err, ErrRunLocked) ||
		errors.Is(err, ErrRunNotPending) ||
		errors.Is(err, ErrCommitNotRunning) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAdvanceHasDeductions) ||
		errors.Is(err, ErrDuplicateDeduction)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	var rerr *ReversalError
	return errors.Is(err, ErrRunLocked) || errors.As(err, &rerr)
}
