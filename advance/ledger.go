/*
ledger.go - Advance ledger: lifecycle, running balance and installment history

PURPOSE:
  Owns everything that changes an advance. An advance moves through
  pending -> approved -> paid (or pending -> rejected), and while approved
  it is repaid one installment per payroll run.

INVARIANTS (checked by Verify, exercised by the tests):
  1. RemainingAmount == Amount - PaidAmount, always
  2. Sum of DeductionAmount over the advance's entries == PaidAmount
  3. An installment never exceeds the current RemainingAmount
  4. Status == paid once an approved advance reaches RemainingAmount == 0

INSTALLMENTS:
  MonthlyInstallment(1000, 3) = 333.33 (half away from zero, two places).
  Each run takes min(installment, remaining), and the last scheduled
  installment takes whatever is left so the advance closes on schedule:

    run 1: 333.33 -> remaining 666.67
    run 2: 333.33 -> remaining 333.34
    run 3: 333.34 -> remaining   0.00 (paid)

ORDERING:
  Active advances are applied oldest approval first, ties broken by ID.
  The order only matters when a balance is close to payoff, but it must
  be deterministic.

APPLY / RESTORE:
  Apply writes one DeductionEntry and the matching balance update for each
  active advance, all inside one store transaction. Restore is its exact
  inverse for one run: balances are put back byte for byte and the run's
  entries are deleted. A failed Restore commits nothing, so retrying it
  never restores an entry twice.

MANUAL SETTLEMENT:
  MarkAsPaid records the outstanding balance as a DeductionEntry with no
  payroll run, so invariant 2 still holds for advances settled outside
  payroll.

SEE ALSO:
  - generic/store.go: AdvanceStore, DeductionStore
  - payroll/orchestrator.go: Calls Apply during commit
  - payroll/reversal.go: Calls Restore when a run is deleted
*/
package advance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store  generic.Store
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Ledger)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func NewLedger(store generic.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		now:    time.Now,
		logger: zap.L().Named("advance.ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithStore returns a ledger bound to another store, typically the view
// handed to a WithTx callback.
func (l *Ledger) WithStore(store generic.Store) *Ledger {
	c := *l
	c.store = store
	return &c
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

// MonthlyInstallment is amount / installments rounded half away from zero.
func MonthlyInstallment(amount generic.Amount, installments int) generic.Amount {
	if installments <= 1 {
		return amount
	}
	return amount.DivRound(installments)
}

// Due is what the next payroll run takes from the advance:
// min(MonthlyInstallment, RemainingAmount). Zero for anything not approved.
func Due(a generic.Advance) generic.Amount {
	if a.Status != generic.AdvanceApproved || !a.RemainingAmount.IsPositive() {
		return generic.Zero()
	}
	return MonthlyInstallment(a.Amount, a.Installments).Min(a.RemainingAmount)
}

// dueWithSchedule is Due, except the final scheduled installment absorbs
// the rounding remainder so the advance closes exactly on schedule.
func dueWithSchedule(a generic.Advance, taken int) generic.Amount {
	due := Due(a)
	if due.IsZero() {
		return due
	}
	if a.Installments > 1 && taken >= a.Installments-1 {
		return a.RemainingAmount
	}
	return due
}

// =============================================================================
// READ-ONLY QUERIES
// =============================================================================

// ActiveAdvances returns approved advances with a remaining balance, ordered
// by approval date then ID.
func (l *Ledger) ActiveAdvances(ctx context.Context, employeeID generic.EmployeeID) ([]generic.Advance, error) {
	return l.store.ListActiveAdvances(ctx, employeeID)
}

// Installment is one projected advance repayment.
type Installment struct {
	AdvanceID         generic.AdvanceID `json:"advance_id"`
	MonthlyAmount     generic.Amount    `json:"monthly_installment"`
	RemainingAmount   generic.Amount    `json:"remaining_amount"`
	Due               generic.Amount    `json:"due"`
	InstallmentNumber int               `json:"installment_number"`
	Installments      int               `json:"installments"`
}

// Projection lists what Apply would deduct right now, without writing.
func (l *Ledger) Projection(ctx context.Context, employeeID generic.EmployeeID) ([]Installment, error) {
	active, err := l.ActiveAdvances(ctx, employeeID)
	if err != nil {
		return nil, fmt.Errorf("list active advances for %s: %w", employeeID, err)
	}

	lines := make([]Installment, 0, len(active))
	for _, a := range active {
		taken, err := l.installmentsTaken(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		due := dueWithSchedule(a, taken)
		if !due.IsPositive() {
			continue
		}
		lines = append(lines, Installment{
			AdvanceID:         a.ID,
			MonthlyAmount:     MonthlyInstallment(a.Amount, a.Installments),
			RemainingAmount:   a.RemainingAmount,
			Due:               due,
			InstallmentNumber: taken + 1,
			Installments:      a.Installments,
		})
	}
	return lines, nil
}

// ProjectedMonthlyDeduction is the sum of Projection. No writes.
func (l *Ledger) ProjectedMonthlyDeduction(ctx context.Context, employeeID generic.EmployeeID) (generic.Amount, error) {
	lines, err := l.Projection(ctx, employeeID)
	if err != nil {
		return generic.Amount{}, err
	}
	total := generic.Zero()
	for _, line := range lines {
		total = total.Add(line.Due)
	}
	return total, nil
}

func (l *Ledger) installmentsTaken(ctx context.Context, id generic.AdvanceID) (int, error) {
	entries, err := l.store.ListDeductionsByAdvance(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("list deductions for advance %s: %w", id, err)
	}
	return len(entries), nil
}

// =============================================================================
// APPLY / RESTORE
// =============================================================================

type ApplyResult struct {
	TotalDeducted generic.Amount
	Entries       []generic.DeductionEntry
}

// Apply takes the due installment from every active advance of the employee
// and tags each DeductionEntry with runID. Entry writes and balance updates
// commit together or not at all.
func (l *Ledger) Apply(ctx context.Context, runID generic.RunID, employeeID generic.EmployeeID, at time.Time) (ApplyResult, error) {
	result := ApplyResult{TotalDeducted: generic.Zero()}

	err := generic.Atomically(ctx, l.store, func(s generic.Store) error {
		tx := l.WithStore(s)

		active, err := s.ListActiveAdvances(ctx, employeeID)
		if err != nil {
			return &generic.PersistenceError{Op: "list active advances", RunID: runID, EmployeeID: employeeID, Err: err}
		}

		for _, a := range active {
			taken, err := tx.installmentsTaken(ctx, a.ID)
			if err != nil {
				return &generic.PersistenceError{Op: "count installments", RunID: runID, EmployeeID: employeeID, AdvanceID: a.ID, Err: err}
			}
			due := dueWithSchedule(a, taken)
			if !due.IsPositive() {
				continue
			}

			entry, err := tx.deduct(ctx, a, due, runID, at)
			if err != nil {
				return &generic.PersistenceError{Op: "apply deduction", RunID: runID, EmployeeID: employeeID, AdvanceID: a.ID, Err: err}
			}
			result.Entries = append(result.Entries, entry)
			result.TotalDeducted = result.TotalDeducted.Add(due)
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}

	if len(result.Entries) > 0 {
		l.logger.Debug("advance deductions applied",
			zap.String("run_id", string(runID)),
			zap.String("employee_id", string(employeeID)),
			zap.Int("advances", len(result.Entries)),
			zap.String("total", result.TotalDeducted.String()),
		)
	}
	return result, nil
}

// deduct records one installment and moves the balance. Callers hold a transaction.
func (l *Ledger) deduct(ctx context.Context, a generic.Advance, amount generic.Amount, runID generic.RunID, at time.Time) (generic.DeductionEntry, error) {
	if amount.GreaterThan(a.RemainingAmount) {
		return generic.DeductionEntry{}, fmt.Errorf("%w: deduction %s exceeds remaining %s", generic.ErrLedgerInvariant, amount, a.RemainingAmount)
	}

	a.PaidAmount = a.PaidAmount.Add(amount)
	a.RemainingAmount = a.RemainingAmount.Sub(amount)
	if !a.RemainingAmount.IsPositive() {
		a.Status = generic.AdvancePaid
	}
	a.UpdatedAt = l.now().UTC()

	entry := generic.DeductionEntry{
		ID:                   generic.DeductionID(generic.NewID()),
		AdvanceID:            a.ID,
		EmployeeID:           a.EmployeeID,
		PayrollRunID:         runID,
		DeductionAmount:      amount,
		RemainingAmountAfter: a.RemainingAmount,
		DeductionDate:        at.UTC(),
	}
	if err := l.store.AppendDeduction(ctx, entry); err != nil {
		return generic.DeductionEntry{}, err
	}
	if err := l.store.SaveAdvance(ctx, a); err != nil {
		return generic.DeductionEntry{}, err
	}
	return entry, nil
}

// Restore reverses every DeductionEntry tagged with runID and deletes them.
// A paid advance goes back to approved once it has a balance again.
func (l *Ledger) Restore(ctx context.Context, runID generic.RunID) ([]generic.DeductionEntry, error) {
	if runID == "" {
		return nil, &generic.ValidationError{Field: "run_id", Err: generic.ErrRunNotFound}
	}

	var restored []generic.DeductionEntry
	err := generic.Atomically(ctx, l.store, func(s generic.Store) error {
		entries, err := s.ListDeductionsByRun(ctx, runID)
		if err != nil {
			return &generic.ReversalError{RunID: runID, Err: err}
		}

		for _, d := range entries {
			a, err := s.GetAdvance(ctx, d.AdvanceID)
			if errors.Is(err, generic.ErrAdvanceNotFound) {
				return &generic.ReversalError{RunID: runID, AdvanceID: d.AdvanceID, DeductionID: d.ID,
					Err: fmt.Errorf("%w: deduction references a missing advance", generic.ErrLedgerInvariant)}
			}
			if err != nil {
				return &generic.ReversalError{RunID: runID, AdvanceID: d.AdvanceID, DeductionID: d.ID, Err: err}
			}
			if a.PaidAmount.LessThan(d.DeductionAmount) {
				return &generic.ReversalError{RunID: runID, AdvanceID: a.ID, DeductionID: d.ID,
					Err: fmt.Errorf("%w: paid %s is below deduction %s", generic.ErrLedgerInvariant, a.PaidAmount, d.DeductionAmount)}
			}

			a.PaidAmount = a.PaidAmount.Sub(d.DeductionAmount)
			a.RemainingAmount = a.RemainingAmount.Add(d.DeductionAmount)
			if a.RemainingAmount.IsPositive() && a.Status == generic.AdvancePaid {
				a.Status = generic.AdvanceApproved
			}
			a.UpdatedAt = l.now().UTC()

			if err := s.SaveAdvance(ctx, a); err != nil {
				return &generic.ReversalError{RunID: runID, AdvanceID: a.ID, DeductionID: d.ID, Err: err}
			}
			if err := s.DeleteDeduction(ctx, d.ID); err != nil {
				return &generic.ReversalError{RunID: runID, AdvanceID: a.ID, DeductionID: d.ID, Err: err}
			}
			restored = append(restored, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(restored) > 0 {
		l.logger.Info("advance deductions restored",
			zap.String("run_id", string(runID)),
			zap.Int("entries", len(restored)),
		)
	}
	return restored, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

type RequestInput struct {
	EmployeeID   generic.EmployeeID
	Amount       generic.Amount
	Installments int
	Reason       string
	RequestDate  time.Time
}

// Request creates a pending advance after validating the employee and terms.
func (l *Ledger) Request(ctx context.Context, in RequestInput) (generic.Advance, error) {
	if !in.Amount.IsPositive() {
		return generic.Advance{}, &generic.ValidationError{Field: "amount", Value: in.Amount.String(), Err: generic.ErrInvalidAmount}
	}
	if in.Installments < 1 {
		return generic.Advance{}, &generic.ValidationError{Field: "installments", Value: in.Installments, Err: generic.ErrInvalidInstallments}
	}
	// A schedule whose installment rounds to 0.00 would never be deducted.
	if !MonthlyInstallment(in.Amount, in.Installments).IsPositive() {
		return generic.Advance{}, &generic.ValidationError{Field: "installments", Value: in.Installments,
			Err: fmt.Errorf("%w: %s over %d rounds to a zero installment", generic.ErrInvalidInstallments, in.Amount, in.Installments)}
	}

	emp, err := l.store.GetEmployee(ctx, in.EmployeeID)
	if errors.Is(err, generic.ErrEmployeeNotFound) {
		return generic.Advance{}, &generic.ValidationError{Field: "employee_id", Value: in.EmployeeID, Err: err}
	}
	if err != nil {
		return generic.Advance{}, fmt.Errorf("get employee %s: %w", in.EmployeeID, err)
	}
	if emp.Status != generic.EmployeeActive {
		return generic.Advance{}, &generic.ValidationError{Field: "employee_id", Value: in.EmployeeID, Err: generic.ErrEmployeeInactive}
	}

	now := l.now().UTC()
	requested := in.RequestDate
	if requested.IsZero() {
		requested = now
	}
	a := generic.Advance{
		ID:              generic.AdvanceID(generic.NewID()),
		EmployeeID:      in.EmployeeID,
		Amount:          in.Amount,
		Installments:    in.Installments,
		Status:          generic.AdvancePending,
		PaidAmount:      generic.Zero(),
		RemainingAmount: in.Amount,
		Reason:          in.Reason,
		RequestDate:     requested.UTC(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.store.SaveAdvance(ctx, a); err != nil {
		return generic.Advance{}, fmt.Errorf("save advance: %w", err)
	}
	return a, nil
}

// Approve makes a pending advance eligible for payroll deductions.
func (l *Ledger) Approve(ctx context.Context, id generic.AdvanceID) (generic.Advance, error) {
	return l.transition(ctx, id, generic.AdvancePending, generic.AdvanceApproved, func(a *generic.Advance, now time.Time) error {
		a.ApprovedDate = &now
		return nil
	})
}

func (l *Ledger) Reject(ctx context.Context, id generic.AdvanceID, reason string) (generic.Advance, error) {
	return l.transition(ctx, id, generic.AdvancePending, generic.AdvanceRejected, func(a *generic.Advance, _ time.Time) error {
		a.RejectionReason = reason
		return nil
	})
}

// MarkAsPaid settles the outstanding balance outside payroll.
func (l *Ledger) MarkAsPaid(ctx context.Context, id generic.AdvanceID) (generic.Advance, error) {
	var settled generic.Advance
	err := generic.Atomically(ctx, l.store, func(s generic.Store) error {
		a, err := s.GetAdvance(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != generic.AdvanceApproved {
			return fmt.Errorf("%w: %s -> %s", generic.ErrInvalidTransition, a.Status, generic.AdvancePaid)
		}

		now := l.now().UTC()
		if _, err := l.WithStore(s).deduct(ctx, a, a.RemainingAmount, "", now); err != nil {
			return fmt.Errorf("settle advance %s: %w", id, err)
		}
		settled, err = s.GetAdvance(ctx, id)
		return err
	})
	if err != nil {
		return generic.Advance{}, err
	}
	return settled, nil
}

// Delete removes an advance that was never deducted.
func (l *Ledger) Delete(ctx context.Context, id generic.AdvanceID) error {
	return generic.Atomically(ctx, l.store, func(s generic.Store) error {
		if _, err := s.GetAdvance(ctx, id); err != nil {
			return err
		}
		entries, err := s.ListDeductionsByAdvance(ctx, id)
		if err != nil {
			return fmt.Errorf("list deductions for advance %s: %w", id, err)
		}
		if len(entries) > 0 {
			return fmt.Errorf("%w: %d entries", generic.ErrAdvanceHasDeductions, len(entries))
		}
		return s.DeleteAdvance(ctx, id)
	})
}

func (l *Ledger) transition(ctx context.Context, id generic.AdvanceID, from, to generic.AdvanceStatus, mutate func(*generic.Advance, time.Time) error) (generic.Advance, error) {
	var updated generic.Advance
	err := generic.Atomically(ctx, l.store, func(s generic.Store) error {
		a, err := s.GetAdvance(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != from {
			return fmt.Errorf("%w: %s -> %s", generic.ErrInvalidTransition, a.Status, to)
		}
		now := l.now().UTC()
		if err := mutate(&a, now); err != nil {
			return err
		}
		a.Status = to
		a.UpdatedAt = now
		if err := s.SaveAdvance(ctx, a); err != nil {
			return fmt.Errorf("save advance %s: %w", id, err)
		}
		updated = a
		return nil
	})
	return updated, err
}

// =============================================================================
// AUDIT
// =============================================================================

func (l *Ledger) Get(ctx context.Context, id generic.AdvanceID) (generic.Advance, error) {
	return l.store.GetAdvance(ctx, id)
}

func (l *Ledger) List(ctx context.Context, filter generic.AdvanceFilter) ([]generic.Advance, error) {
	return l.store.ListAdvances(ctx, filter)
}

// History returns every installment recorded against the advance, oldest first.
func (l *Ledger) History(ctx context.Context, id generic.AdvanceID) ([]generic.DeductionEntry, error) {
	if _, err := l.store.GetAdvance(ctx, id); err != nil {
		return nil, err
	}
	return l.store.ListDeductionsByAdvance(ctx, id)
}

// Verify checks the balance and ledger-sum invariants of one advance.
func (l *Ledger) Verify(ctx context.Context, id generic.AdvanceID) error {
	a, err := l.store.GetAdvance(ctx, id)
	if err != nil {
		return err
	}
	if !a.Balanced() {
		return fmt.Errorf("%w: advance %s remaining %s != amount %s - paid %s",
			generic.ErrLedgerInvariant, id, a.RemainingAmount, a.Amount, a.PaidAmount)
	}
	entries, err := l.store.ListDeductionsByAdvance(ctx, id)
	if err != nil {
		return err
	}
	sum := generic.Zero()
	for _, e := range entries {
		sum = sum.Add(e.DeductionAmount)
	}
	if !sum.Equal(a.PaidAmount) {
		return fmt.Errorf("%w: advance %s deductions sum %s != paid %s",
			generic.ErrLedgerInvariant, id, sum, a.PaidAmount)
	}
	return nil
}
