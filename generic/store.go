/*
store.go - Persistence interfaces for the payroll engine

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  EmployeeDirectory:  Employees (external, read by the engine)
  CompensationLedger: Rewards and deductions (external, read by the engine)
  AdvanceStore:       Advances and their running balances
  DeductionStore:     Append-only installment history
  RunStore:           Payroll runs and their entries
  OutboxStore:        Run lifecycle events waiting to be published
  TxStore:            Atomic multi-table writes

ATOMICITY:
  Everything a commit or a reversal writes happens inside one WithTx call.
  If fn returns an error nothing is persisted: no payroll entry, no
  deduction entry, no balance change, no outbox event.

  The Store handed to fn is NOT a TxStore. Code that needs atomicity and
  may already be running inside a transaction uses Atomically().

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - advance/ledger.go: Uses AdvanceStore + DeductionStore
  - payroll/orchestrator.go: Uses TxStore
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// EXTERNAL COLLABORATORS (read by the engine)
// =============================================================================

type EmployeeDirectory interface {
	// GetEmployee returns ErrEmployeeNotFound when the ID is unknown.
	GetEmployee(ctx context.Context, id EmployeeID) (Employee, error)

	// ListPayableEmployees returns active employees with a positive base
	// salary, ordered by ID. A nil institution means every institution.
	ListPayableEmployees(ctx context.Context, institutionID *InstitutionID) ([]Employee, error)

	// SaveEmployee upserts an employee. Used by fixtures and directory sync.
	SaveEmployee(ctx context.Context, e Employee) error
}

type CompensationLedger interface {
	// ListCompensations returns rows dated within the inclusive period.
	ListCompensations(ctx context.Context, employeeID EmployeeID, period Period) ([]Compensation, error)

	SaveCompensation(ctx context.Context, c Compensation) error
}

// =============================================================================
// ADVANCE + DEDUCTION LEDGER
// =============================================================================

type AdvanceStore interface {
	// GetAdvance returns ErrAdvanceNotFound when the ID is unknown.
	GetAdvance(ctx context.Context, id AdvanceID) (Advance, error)

	ListAdvances(ctx context.Context, filter AdvanceFilter) ([]Advance, error)

	// ListActiveAdvances returns approved advances with a positive remaining
	// amount, ordered by ApprovedDate then ID. Transactional implementations
	// lock the returned rows until the transaction ends.
	ListActiveAdvances(ctx context.Context, employeeID EmployeeID) ([]Advance, error)

	// SaveAdvance inserts or replaces an advance.
	SaveAdvance(ctx context.Context, a Advance) error

	DeleteAdvance(ctx context.Context, id AdvanceID) error
}

type DeductionStore interface {
	// AppendDeduction returns ErrDuplicateDeduction when the advance already
	// has an entry for the same payroll run.
	AppendDeduction(ctx context.Context, d DeductionEntry) error

	ListDeductionsByRun(ctx context.Context, runID RunID) ([]DeductionEntry, error)
	ListDeductionsByAdvance(ctx context.Context, advanceID AdvanceID) ([]DeductionEntry, error)

	// DeleteDeduction removes an entry. Only the reversal of its run calls it.
	DeleteDeduction(ctx context.Context, id DeductionID) error
}

// =============================================================================
// PAYROLL RUNS
// =============================================================================

type RunStore interface {
	// CreateRun returns ErrDuplicateRun if (month, institution) is taken.
	CreateRun(ctx context.Context, run PayrollRun) error
	GetRun(ctx context.Context, id RunID) (PayrollRun, error)
	UpdateRun(ctx context.Context, run PayrollRun) error
	ListRuns(ctx context.Context, filter RunFilter) ([]PayrollRun, error)

	// DeleteRun removes the run and its entries.
	DeleteRun(ctx context.Context, id RunID) error

	SaveEntry(ctx context.Context, e PayrollEntry) error
	GetEntry(ctx context.Context, id EntryID) (PayrollEntry, error)
	ListEntries(ctx context.Context, runID RunID) ([]PayrollEntry, error)
}

// =============================================================================
// OUTBOX - Events written in the same transaction as the state they describe
// =============================================================================

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

type OutboxEvent struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	Payload       []byte
	Status        OutboxStatus
	RetryCount    int
	NextRetryAt   time.Time
	CreatedAt     time.Time
}

type OutboxStore interface {
	AppendOutbox(ctx context.Context, event OutboxEvent) error

	// ListPendingOutbox returns pending or failed events due for (re)delivery,
	// oldest first.
	ListPendingOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id string) error
	MarkOutboxFailed(ctx context.Context, id string, reason string, nextRetryAt time.Time) error
}

// =============================================================================
// STORE + TRANSACTIONAL STORE
// =============================================================================

type Store interface {
	EmployeeDirectory
	CompensationLedger
	AdvanceStore
	DeductionStore
	RunStore
	OutboxStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// MonthLocker is implemented by transactional views that can serialize the
// writers of one payroll month in the database itself. The lock is held
// until the transaction ends.
type MonthLocker interface {
	LockMonth(ctx context.Context, month Month) error
}

// LockMonth takes the database month lock when s supports one. Callers do
// it first in a transaction, before reading the rows they decide on.
func LockMonth(ctx context.Context, s Store, month Month) error {
	if ml, ok := s.(MonthLocker); ok {
		return ml.LockMonth(ctx, month)
	}
	return nil
}

// Atomically runs fn in a new transaction when s supports one, and directly
// on s when s is already a transactional view.
func Atomically(ctx context.Context, s Store, fn func(Store) error) error {
	if ts, ok := s.(TxStore); ok {
		return ts.WithTx(ctx, fn)
	}
	return fn(s)
}
