/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are JSON strings with two decimals ("1200.50"). Requests accept a
  string or a number.

VALIDATION:
  Request structs carry go-playground/validator tags; handlers call
  h.bind, which decodes and validates in one step. Business rules
  (positive amount, known employee) stay in the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/payroll-engine/advance"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateRunRequest creates a run, and commits it right away when Commit is set.
type CreateRunRequest struct {
	Month         string  `json:"month" validate:"required,datetime=2006-01"`
	InstitutionID *string `json:"institution_id" validate:"omitempty,max=64"`
	Commit        bool    `json:"commit"`
}

type CreateAdvanceRequest struct {
	EmployeeID   string         `json:"employee_id" validate:"required,max=64"`
	Amount       generic.Amount `json:"amount"`
	Installments int            `json:"installments" validate:"required,min=1,max=120"`
	Reason       string         `json:"reason" validate:"max=500"`
	RequestDate  string         `json:"request_date" validate:"omitempty,datetime=2006-01-02"`
}

type RejectAdvanceRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type LoadScenarioRequest struct {
	ID string `json:"id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type RunDTO struct {
	ID              string                 `json:"id"`
	Month           string                 `json:"month"`
	InstitutionID   *generic.InstitutionID `json:"institution_id"`
	TotalEmployees  int                    `json:"total_employees"`
	TotalGross      generic.Amount         `json:"total_gross"`
	TotalDeductions generic.Amount         `json:"total_deductions"`
	TotalNet        generic.Amount         `json:"total_net"`
	Status          string                 `json:"status"`
	Error           string                 `json:"error,omitempty"`
	CreatedAt       string                 `json:"created_at"`
	CompletedAt     *string                `json:"completed_at,omitempty"`
}

type EntryDTO struct {
	ID               string         `json:"id"`
	PayrollRunID     string         `json:"payroll_run_id"`
	EmployeeID       string         `json:"employee_id"`
	EmployeeName     string         `json:"employee_name"`
	BaseSalary       generic.Amount `json:"base_salary"`
	Rewards          generic.Amount `json:"rewards"`
	Deductions       generic.Amount `json:"deductions"`
	AdvanceDeduction generic.Amount `json:"advance_deduction"`
	GrossPay         generic.Amount `json:"gross_pay"`
	NetPay           generic.Amount `json:"net_pay"`
	CreatedAt        string         `json:"created_at"`
}

type AdvanceDTO struct {
	ID                 string         `json:"id"`
	EmployeeID         string         `json:"employee_id"`
	Amount             generic.Amount `json:"amount"`
	Installments       int            `json:"installments"`
	MonthlyInstallment generic.Amount `json:"monthly_installment"`
	Status             string         `json:"status"`
	PaidAmount         generic.Amount `json:"paid_amount"`
	RemainingAmount    generic.Amount `json:"remaining_amount"`
	Reason             string         `json:"reason,omitempty"`
	RequestDate        string         `json:"request_date"`
	ApprovedDate       *string        `json:"approved_date,omitempty"`
	RejectionReason    string         `json:"rejection_reason,omitempty"`
}

type DeductionDTO struct {
	ID                   string         `json:"id"`
	AdvanceID            string         `json:"advance_id"`
	EmployeeID           string         `json:"employee_id"`
	PayrollRunID         string         `json:"payroll_run_id,omitempty"`
	DeductionAmount      generic.Amount `json:"deduction_amount"`
	RemainingAmountAfter generic.Amount `json:"remaining_amount_after"`
	DeductionDate        string         `json:"deduction_date"`
}

// PreviewResponse is the read-only computation of a month.
type PreviewResponse struct {
	Month           string              `json:"month"`
	InstitutionID   *string             `json:"institution_id,omitempty"`
	TotalEmployees  int                 `json:"total_employees"`
	TotalGross      generic.Amount      `json:"total_gross"`
	TotalDeductions generic.Amount      `json:"total_deductions"`
	TotalNet        generic.Amount      `json:"total_net"`
	Employees       []payroll.Breakdown `json:"employees"`
}

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toRunDTO(r generic.PayrollRun) RunDTO {
	return RunDTO{
		ID:              string(r.ID),
		Month:           r.Month.String(),
		InstitutionID:   r.InstitutionID,
		TotalEmployees:  r.TotalEmployees,
		TotalGross:      r.TotalGross,
		TotalDeductions: r.TotalDeductions,
		TotalNet:        r.TotalNet,
		Status:          string(r.Status),
		Error:           r.Error,
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
		CompletedAt:     formatTimePtr(r.CompletedAt),
	}
}

func toRunDTOs(runs []generic.PayrollRun) []RunDTO {
	dtos := make([]RunDTO, len(runs))
	for i, r := range runs {
		dtos[i] = toRunDTO(r)
	}
	return dtos
}

func toEntryDTO(e generic.PayrollEntry) EntryDTO {
	return EntryDTO{
		ID:               string(e.ID),
		PayrollRunID:     string(e.PayrollRunID),
		EmployeeID:       string(e.EmployeeID),
		EmployeeName:     e.EmployeeName,
		BaseSalary:       e.BaseSalary,
		Rewards:          e.Rewards,
		Deductions:       e.Deductions,
		AdvanceDeduction: e.AdvanceDeduction,
		GrossPay:         e.GrossPay,
		NetPay:           e.NetPay,
		CreatedAt:        e.CreatedAt.Format(time.RFC3339),
	}
}

func toAdvanceDTO(a generic.Advance) AdvanceDTO {
	return AdvanceDTO{
		ID:                 string(a.ID),
		EmployeeID:         string(a.EmployeeID),
		Amount:             a.Amount,
		Installments:       a.Installments,
		MonthlyInstallment: advance.MonthlyInstallment(a.Amount, a.Installments),
		Status:             string(a.Status),
		PaidAmount:         a.PaidAmount,
		RemainingAmount:    a.RemainingAmount,
		Reason:             a.Reason,
		RequestDate:        a.RequestDate.Format("2006-01-02"),
		ApprovedDate:       formatTimePtr(a.ApprovedDate),
		RejectionReason:    a.RejectionReason,
	}
}

func toDeductionDTOs(ds []generic.DeductionEntry) []DeductionDTO {
	dtos := make([]DeductionDTO, len(ds))
	for i, d := range ds {
		dtos[i] = DeductionDTO{
			ID:                   string(d.ID),
			AdvanceID:            string(d.AdvanceID),
			EmployeeID:           string(d.EmployeeID),
			PayrollRunID:         string(d.PayrollRunID),
			DeductionAmount:      d.DeductionAmount,
			RemainingAmountAfter: d.RemainingAmountAfter,
			DeductionDate:        d.DeductionDate.Format(time.RFC3339),
		}
	}
	return dtos
}

func toPreviewResponse(month generic.Month, institutionID *string, bs []payroll.Breakdown) PreviewResponse {
	resp := PreviewResponse{
		Month:           month.String(),
		InstitutionID:   institutionID,
		TotalEmployees:  len(bs),
		TotalGross:      generic.Zero(),
		TotalDeductions: generic.Zero(),
		TotalNet:        generic.Zero(),
		Employees:       bs,
	}
	if resp.Employees == nil {
		resp.Employees = []payroll.Breakdown{}
	}
	for _, b := range bs {
		resp.TotalGross = resp.TotalGross.Add(b.GrossPay)
		resp.TotalDeductions = resp.TotalDeductions.Add(b.Deductions).Add(b.AdvanceDeduction)
		resp.TotalNet = resp.TotalNet.Add(b.NetPay)
	}
	return resp
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
