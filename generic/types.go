/*
Package generic provides the core types of the payroll engine.

PURPOSE:
  This package holds the vocabulary shared by every other package: money,
  identifiers, months, the persisted payroll entities and the store
  interfaces. It contains no business rules beyond arithmetic and the
  invariants each entity carries about itself.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: a monetary value, always held at two decimal places
  - Advance: an employee cash advance with a running balance
  - DeductionEntry: an installment actually taken from an advance
  - Compensation: an ad-hoc reward or deduction (read-only input)
  - PayrollRun / PayrollEntry: the committed result of a month

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64
  2. One rounding rule: half away from zero, two places
  3. Type Safety: strong ID types so an advance ID cannot be passed as a run ID

SEE ALSO:
  - time.go: Month and calendar boundaries
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
*/
package generic

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money at cent precision
// =============================================================================

// Scale is the number of decimal places every Amount is held at.
const Scale = 2

// Amount is a monetary value in the single engine currency.
type Amount struct {
	Value decimal.Decimal
}

// NewAmount builds an Amount from a decimal, rounding to Scale.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Value: d.Round(Scale)}
}

// ParseAmount parses a decimal string such as "1200.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return NewAmount(d), nil
}

// MustParseAmount is ParseAmount for literals in fixtures and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func Zero() Amount { return NewAmount(decimal.Zero) }

func (a Amount) Add(b Amount) Amount { return NewAmount(a.Value.Add(b.Value)) }
func (a Amount) Sub(b Amount) Amount { return NewAmount(a.Value.Sub(b.Value)) }
func (a Amount) IsZero() bool { return a.Value.IsZero() }
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool { return a.Value.IsNegative() }
func (a Amount) Equal(b Amount) bool { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool { return a.Value.LessThan(b.Value) }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// DivRound divides by n and rounds half away from zero to Scale.
// It is the only division used on money.
func (a Amount) DivRound(n int) Amount {
	return NewAmount(a.Value.Div(decimal.NewFromInt(int64(n))))
}

// String renders the amount with exactly two decimals ("600.00").
func (a Amount) String() string {
	return a.Value.StringFixed(Scale)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*a = NewAmount(d)
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EmployeeID string
type InstitutionID string
type AdvanceID string
type DeductionID string
type CompensationID string
type RunID string
type EntryID string

// NewID returns a random identifier for new rows.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// EMPLOYEE - Read from the employee directory
// =============================================================================

type EmployeeStatus string

const (
	EmployeeActive   EmployeeStatus = "active"
	EmployeeInactive EmployeeStatus = "inactive"
)

type Employee struct {
	ID            EmployeeID
	Name          string
	BaseSalary    Amount
	Status        EmployeeStatus
	InstitutionID InstitutionID
}

// Payable reports whether the employee takes part in a payroll run.
func (e Employee) Payable() bool {
	return e.Status == EmployeeActive && e.BaseSalary.IsPositive()
}

// =============================================================================
// ADVANCE - Cash advance with a running balance
// =============================================================================

type AdvanceStatus string

const (
	AdvancePending  AdvanceStatus = "pending"
	AdvanceApproved AdvanceStatus = "approved"
	AdvancePaid     AdvanceStatus = "paid"
	AdvanceRejected AdvanceStatus = "rejected"
)

// Advance is an employee cash advance repaid in monthly installments.
//
// INVARIANTS:
//   - RemainingAmount == Amount - PaidAmount
//   - Status == paid exactly when an approved advance reaches RemainingAmount == 0
//   - Only approved advances are deducted by payroll
type Advance struct {
	ID              AdvanceID
	EmployeeID      EmployeeID
	Amount          Amount
	Installments    int
	Status          AdvanceStatus
	PaidAmount      Amount
	RemainingAmount Amount
	Reason          string
	RequestDate     time.Time
	ApprovedDate    *time.Time
	RejectionReason string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Balanced reports whether the running balance matches the principal.
func (a Advance) Balanced() bool {
	return a.RemainingAmount.Equal(a.Amount.Sub(a.PaidAmount))
}

// =============================================================================
// DEDUCTION ENTRY - Append-only installment history
// =============================================================================

// DeductionEntry records one installment taken from an advance.
// PayrollRunID is empty for a manual settlement.
type DeductionEntry struct {
	ID                   DeductionID
	AdvanceID            AdvanceID
	EmployeeID           EmployeeID
	PayrollRunID         RunID
	DeductionAmount      Amount
	RemainingAmountAfter Amount
	DeductionDate        time.Time
}

// =============================================================================
// COMPENSATION - Ad-hoc rewards and deductions
// =============================================================================

type CompensationType string

const (
	CompensationReward    CompensationType = "reward"
	CompensationDeduction CompensationType = "deduction"
)

type Compensation struct {
	ID         CompensationID
	EmployeeID EmployeeID
	Type       CompensationType
	Amount     Amount
	Reason     string
	Date       time.Time
}

// =============================================================================
// PAYROLL RUN / ENTRY
// =============================================================================

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// PayrollRun is one execution of payroll for a month and an optional
// institution. A nil InstitutionID covers every institution.
type PayrollRun struct {
	ID              RunID
	Month           Month
	InstitutionID   *InstitutionID
	TotalEmployees  int
	TotalGross      Amount
	TotalDeductions Amount
	TotalNet        Amount
	Status          RunStatus
	Error           string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Overlaps reports whether two runs of the same month could pay the same employee.
func (r PayrollRun) Overlaps(month Month, institutionID *InstitutionID) bool {
	if r.Month != month {
		return false
	}
	if r.InstitutionID == nil || institutionID == nil {
		return true
	}
	return *r.InstitutionID == *institutionID
}

// PayrollEntry is the immutable per-employee snapshot of a run.
type PayrollEntry struct {
	ID               EntryID
	PayrollRunID     RunID
	EmployeeID       EmployeeID
	EmployeeName     string
	BaseSalary       Amount
	Rewards          Amount
	Deductions       Amount
	AdvanceDeduction Amount
	GrossPay         Amount
	NetPay           Amount
	CreatedAt        time.Time
}

// =============================================================================
// FILTERS
// =============================================================================

type AdvanceFilter struct {
	EmployeeID *EmployeeID
	Status     *AdvanceStatus
}

type RunFilter struct {
	Month         *Month
	InstitutionID *InstitutionID
	Status        *RunStatus
}

func (f RunFilter) Matches(r PayrollRun) bool {
	if f.Month != nil && r.Month != *f.Month {
		return false
	}
	if f.InstitutionID != nil && (r.InstitutionID == nil || *r.InstitutionID != *f.InstitutionID) {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	return true
}

func (f AdvanceFilter) Matches(a Advance) bool {
	if f.EmployeeID != nil && a.EmployeeID != *f.EmployeeID {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	return true
}
