/*
calculator.go - Read-only payroll computation

PURPOSE:
  Produces the pay breakdown of an employee for a month. It never writes:
  previews call it directly, and a commit calls it on the transaction view
  before realizing advance deductions.

FORMULA:
  grossPay = baseSalary + rewards
  netPay   = grossPay - deductions - advanceDeduction

  rewards and deductions are compensation rows dated within the calendar
  month, first day to last day inclusive (28 to 31 days depending on the
  month). advanceDeduction is the ledger's projection, not a write.

PARALLELISM:
  CalculatePayroll computes employees concurrently with a bounded number
  of workers. Results keep the directory order (employee ID).

SEE ALSO:
  - advance/ledger.go: ProjectedMonthlyDeduction / Projection
  - orchestrator.go: Commit uses Calculator on the transaction view
*/
package payroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/payroll-engine/advance"
	"github.com/warp/payroll-engine/generic"
)

// DefaultConcurrency bounds the number of employees computed at once.
const DefaultConcurrency = 8

// =============================================================================
// BREAKDOWN
// =============================================================================

// Line is one itemized compensation row.
type Line struct {
	ID     generic.CompensationID   `json:"id"`
	Type   generic.CompensationType `json:"type"`
	Amount generic.Amount           `json:"amount"`
	Reason string                   `json:"reason"`
	Date   time.Time                `json:"date"`
}

// Breakdown is the computed pay of one employee for one month.
type Breakdown struct {
	EmployeeID       generic.EmployeeID    `json:"employee_id"`
	EmployeeName     string                `json:"employee_name"`
	InstitutionID    generic.InstitutionID `json:"institution_id"`
	Month            generic.Month         `json:"month"`
	BaseSalary       generic.Amount        `json:"base_salary"`
	Rewards          generic.Amount        `json:"rewards"`
	Deductions       generic.Amount        `json:"deductions"`
	AdvanceDeduction generic.Amount        `json:"advance_deduction"`
	GrossPay         generic.Amount        `json:"gross_pay"`
	NetPay           generic.Amount        `json:"net_pay"`

	RewardLines    []Line                `json:"reward_lines"`
	DeductionLines []Line                `json:"deduction_lines"`
	AdvanceLines   []advance.Installment `json:"advance_lines"`
}

// withAdvanceDeduction replaces the projected advance deduction with the
// realized one and recomputes net pay.
func (b Breakdown) withAdvanceDeduction(amount generic.Amount) Breakdown {
	b.AdvanceDeduction = amount
	b.NetPay = b.GrossPay.Sub(b.Deductions).Sub(amount)
	return b
}

// =============================================================================
// CALCULATOR
// =============================================================================

type Calculator struct {
	store       generic.Store
	ledger      *advance.Ledger
	concurrency int
	logger      *zap.Logger
}

func NewCalculator(store generic.Store, ledger *advance.Ledger, concurrency int, logger *zap.Logger) *Calculator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.L().Named("payroll.calculator")
	}
	return &Calculator{
		store:       store,
		ledger:      ledger,
		concurrency: concurrency,
		logger:      logger,
	}
}

// withStore binds the calculator to a transaction view. Transaction handles
// are not safe for concurrent use, so the bound calculator runs serially.
func (c *Calculator) withStore(s generic.Store) *Calculator {
	return &Calculator{
		store:       s,
		ledger:      c.ledger.WithStore(s),
		concurrency: 1,
		logger:      c.logger,
	}
}

// CalculateEmployeePayroll computes one employee's month.
// Unknown and inactive employees are validation errors.
func (c *Calculator) CalculateEmployeePayroll(ctx context.Context, employeeID generic.EmployeeID, month generic.Month) (Breakdown, error) {
	emp, err := c.store.GetEmployee(ctx, employeeID)
	if errors.Is(err, generic.ErrEmployeeNotFound) {
		return Breakdown{}, &generic.ValidationError{Field: "employee_id", Value: employeeID, Err: err}
	}
	if err != nil {
		return Breakdown{}, fmt.Errorf("get employee %s: %w", employeeID, err)
	}
	if emp.Status != generic.EmployeeActive {
		return Breakdown{}, &generic.ValidationError{Field: "employee_id", Value: employeeID, Err: generic.ErrEmployeeInactive}
	}
	return c.breakdown(ctx, emp, month)
}

// CalculatePayroll computes every payable employee, optionally restricted to
// one institution. Calling it never changes stored state.
func (c *Calculator) CalculatePayroll(ctx context.Context, month generic.Month, institutionID *generic.InstitutionID) ([]Breakdown, error) {
	employees, err := c.store.ListPayableEmployees(ctx, institutionID)
	if err != nil {
		return nil, fmt.Errorf("list payable employees: %w", err)
	}

	results := make([]Breakdown, len(employees))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, emp := range employees {
		g.Go(func() error {
			b, err := c.breakdown(gctx, emp, month)
			if err != nil {
				return err
			}
			results[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.logger.Debug("payroll calculated",
		zap.String("month", month.String()),
		zap.Int("employees", len(results)),
	)
	return results, nil
}

func (c *Calculator) breakdown(ctx context.Context, emp generic.Employee, month generic.Month) (Breakdown, error) {
	if err := ctx.Err(); err != nil {
		return Breakdown{}, err
	}

	comps, err := c.store.ListCompensations(ctx, emp.ID, month.Period())
	if err != nil {
		return Breakdown{}, fmt.Errorf("list compensations for %s: %w", emp.ID, err)
	}

	b := Breakdown{
		EmployeeID:     emp.ID,
		EmployeeName:   emp.Name,
		InstitutionID:  emp.InstitutionID,
		Month:          month,
		BaseSalary:     emp.BaseSalary,
		Rewards:        generic.Zero(),
		Deductions:     generic.Zero(),
		RewardLines:    []Line{},
		DeductionLines: []Line{},
	}
	for _, comp := range comps {
		line := Line{ID: comp.ID, Type: comp.Type, Amount: comp.Amount, Reason: comp.Reason, Date: comp.Date}
		switch comp.Type {
		case generic.CompensationReward:
			b.Rewards = b.Rewards.Add(comp.Amount)
			b.RewardLines = append(b.RewardLines, line)
		case generic.CompensationDeduction:
			b.Deductions = b.Deductions.Add(comp.Amount)
			b.DeductionLines = append(b.DeductionLines, line)
		}
	}

	lines, err := c.ledger.Projection(ctx, emp.ID)
	if err != nil {
		return Breakdown{}, err
	}
	b.AdvanceLines = lines
	advanceTotal := generic.Zero()
	for _, l := range lines {
		advanceTotal = advanceTotal.Add(l.Due)
	}

	b.GrossPay = b.BaseSalary.Add(b.Rewards)
	return b.withAdvanceDeduction(advanceTotal), nil
}
