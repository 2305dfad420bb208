/*
handlers.go - HTTP API handlers for the payroll engine

PURPOSE:
  Exposes the payroll engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the orchestrator and advance ledger.

ENDPOINTS:
  Payroll:
    GET    /api/payroll/preview                 Preview a month (no writes)
    GET    /api/payroll/preview/{employeeId}    Preview one employee
    POST   /api/payroll/runs                    Create (and optionally commit) a run
    GET    /api/payroll/runs                    List runs
    GET    /api/payroll/runs/{id}               Get run
    POST   /api/payroll/runs/{id}/commit        Commit a pending run
    POST   /api/payroll/runs/{id}/cancel        Cancel an in-flight commit
    DELETE /api/payroll/runs/{id}               Reverse and delete a run
    GET    /api/payroll/runs/{id}/entries       Per-employee snapshot
    GET    /api/payroll/runs/{id}/deductions    Advance installments applied
    GET    /api/payroll/entries/{id}            One entry

  Advances:
    POST   /api/advances                        Request an advance
    GET    /api/advances                        List advances
    GET    /api/advances/{id}                   Get advance
    POST   /api/advances/{id}/approve           pending -> approved
    POST   /api/advances/{id}/reject            pending -> rejected
    POST   /api/advances/{id}/mark-paid         Manual settlement
    DELETE /api/advances/{id}                   Administrative delete
    GET    /api/advances/{id}/deductions        Installment history

ERROR HANDLING:
  writeDomainError maps engine errors to HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate run, month locked, wrong state)
  - 500: Internal errors (details are logged, not returned)

SECURITY NOTE:
  No authentication or authorization. The caller is trusted.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/advance"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        generic.Store
	Orchestrator *payroll.Orchestrator
	Ledger       *advance.Ledger

	validate *validator.Validate
	logger   *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. The ledger is taken from the orchestrator
// so both share one clock and store.
func NewHandler(store generic.Store, orch *payroll.Orchestrator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.L()
	}
	return &Handler{
		Store:        store,
		Orchestrator: orch,
		Ledger:       orch.Ledger(),
		validate:     newValidator(),
		logger:       logger.Named("api"),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Report json field names in validation errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// PREVIEW
// =============================================================================

// PreviewPayroll computes every payable employee for a month without writing.
// GET /api/payroll/preview?month=YYYY-MM[&institution_id=]
func (h *Handler) PreviewPayroll(w http.ResponseWriter, r *http.Request) {
	month, ok := h.monthParam(w, r)
	if !ok {
		return
	}
	institution := optionalQuery(r, "institution_id")

	breakdowns, err := h.Orchestrator.Preview(r.Context(), month, (*generic.InstitutionID)(institution))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewResponse(month, institution, breakdowns))
}

// PreviewEmployee computes one employee's month.
// GET /api/payroll/preview/{employeeId}?month=YYYY-MM
func (h *Handler) PreviewEmployee(w http.ResponseWriter, r *http.Request) {
	month, ok := h.monthParam(w, r)
	if !ok {
		return
	}
	employeeID := generic.EmployeeID(chi.URLParam(r, "employeeId"))

	b, err := h.Orchestrator.PreviewEmployee(r.Context(), employeeID, month)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// =============================================================================
// RUNS
// =============================================================================

// CreateRun creates a pending run; with "commit": true it is committed in
// the same request.
// POST /api/payroll/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if !h.bind(w, r, &req) {
		return
	}
	month, err := generic.ParseMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
		return
	}

	var institution *generic.InstitutionID
	if req.InstitutionID != nil && *req.InstitutionID != "" {
		id := generic.InstitutionID(*req.InstitutionID)
		institution = &id
	}

	var run generic.PayrollRun
	if req.Commit {
		run, err = h.Orchestrator.CreateAndCommit(r.Context(), month, institution)
	} else {
		run, err = h.Orchestrator.CreateRun(r.Context(), month, institution)
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRunDTO(run))
}

// ListRuns returns runs, newest first.
// GET /api/payroll/runs?month=&institution_id=&status=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	var filter generic.RunFilter
	if raw := r.URL.Query().Get("month"); raw != "" {
		month, err := generic.ParseMonth(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
			return
		}
		filter.Month = &month
	}
	filter.InstitutionID = (*generic.InstitutionID)(optionalQuery(r, "institution_id"))
	if raw := optionalQuery(r, "status"); raw != nil {
		status := generic.RunStatus(*raw)
		switch status {
		case generic.RunPending, generic.RunCompleted, generic.RunFailed:
		default:
			writeError(w, http.StatusBadRequest, "Invalid status (pending, completed, failed)", nil)
			return
		}
		filter.Status = &status
	}

	runs, err := h.Orchestrator.ListRuns(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTOs(runs))
}

// GetRun returns a run.
// GET /api/payroll/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Orchestrator.GetRun(r.Context(), runIDParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// CommitRun commits a pending run.
// POST /api/payroll/runs/{id}/commit
func (h *Handler) CommitRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Orchestrator.Commit(r.Context(), runIDParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// CancelRun cancels the in-flight commit of a run.
// POST /api/payroll/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := runIDParam(r)
	if err := h.Orchestrator.Cancel(runID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": string(runID),
		"status": "cancel_requested",
	})
}

// DeleteRun reverses the run's advance deductions and removes it.
// DELETE /api/payroll/runs/{id}
func (h *Handler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.Delete(r.Context(), runIDParam(r)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListEntries returns the run's per-employee snapshot.
// GET /api/payroll/runs/{id}/entries
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Orchestrator.Entries(r.Context(), runIDParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListRunDeductions returns the advance installments the run applied.
// GET /api/payroll/runs/{id}/deductions
func (h *Handler) ListRunDeductions(w http.ResponseWriter, r *http.Request) {
	deductions, err := h.Orchestrator.Deductions(r.Context(), runIDParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeductionDTOs(deductions))
}

// GetEntry returns one payroll entry.
// GET /api/payroll/entries/{id}
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Orchestrator.GetEntry(r.Context(), generic.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// =============================================================================
// ADVANCES
// =============================================================================

// CreateAdvance records a pending advance request.
// POST /api/advances
func (h *Handler) CreateAdvance(w http.ResponseWriter, r *http.Request) {
	var req CreateAdvanceRequest
	if !h.bind(w, r, &req) {
		return
	}

	in := advance.RequestInput{
		EmployeeID:   generic.EmployeeID(req.EmployeeID),
		Amount:       req.Amount,
		Installments: req.Installments,
		Reason:       req.Reason,
	}
	if req.RequestDate != "" {
		d, err := time.Parse("2006-01-02", req.RequestDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request_date (use YYYY-MM-DD)", err)
			return
		}
		in.RequestDate = d
	}

	a, err := h.Ledger.Request(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAdvanceDTO(a))
}

// ListAdvances returns advances, optionally filtered.
// GET /api/advances?employee_id=&status=
func (h *Handler) ListAdvances(w http.ResponseWriter, r *http.Request) {
	filter := generic.AdvanceFilter{
		EmployeeID: (*generic.EmployeeID)(optionalQuery(r, "employee_id")),
		Status:     (*generic.AdvanceStatus)(optionalQuery(r, "status")),
	}
	advances, err := h.Ledger.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]AdvanceDTO, len(advances))
	for i, a := range advances {
		dtos[i] = toAdvanceDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAdvance returns one advance.
// GET /api/advances/{id}
func (h *Handler) GetAdvance(w http.ResponseWriter, r *http.Request) {
	a, err := h.Ledger.Get(r.Context(), advanceIDParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(a))
}

// ApproveAdvance moves a pending advance to approved.
// POST /api/advances/{id}/approve
func (h *Handler) ApproveAdvance(w http.ResponseWriter, r *http.Request) {
	a, err := h.Ledger.Approve(r.Context(), advanceIDParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(a))
}

// RejectAdvance moves a pending advance to rejected.
// POST /api/advances/{id}/reject
func (h *Handler) RejectAdvance(w http.ResponseWriter, r *http.Request) {
	var req RejectAdvanceRequest
	if !h.bind(w, r, &req) {
		return
	}
	a, err := h.Ledger.Reject(r.Context(), advanceIDParam(r), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(a))
}

// MarkAdvancePaid settles the remaining balance outside payroll.
// POST /api/advances/{id}/mark-paid
func (h *Handler) MarkAdvancePaid(w http.ResponseWriter, r *http.Request) {
	a, err := h.Ledger.MarkAsPaid(r.Context(), advanceIDParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(a))
}

// DeleteAdvance removes an advance that never had a deduction.
// DELETE /api/advances/{id}
func (h *Handler) DeleteAdvance(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.Delete(r.Context(), advanceIDParam(r)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAdvanceDeductions returns the installment history of an advance.
// GET /api/advances/{id}/deductions
func (h *Handler) ListAdvanceDeductions(w http.ResponseWriter, r *http.Request) {
	history, err := h.Ledger.History(r.Context(), advanceIDParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeductionDTOs(history))
}

// =============================================================================
// HELPERS
// =============================================================================

// bind decodes the JSON body into dst and validates it. On failure it
// writes a 400 and returns false.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = describeTag(fe)
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Code:    "validation_failed",
				Details: fields,
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "datetime":
		return fmt.Sprintf("must match %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return "is invalid"
	}
}

func (h *Handler) monthParam(w http.ResponseWriter, r *http.Request) (generic.Month, bool) {
	month, err := generic.ParseMonth(r.URL.Query().Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
		return generic.Month{}, false
	}
	return month, true
}

func optionalQuery(r *http.Request, key string) *string {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	return &v
}

func runIDParam(r *http.Request) generic.RunID {
	return generic.RunID(chi.URLParam(r, "id"))
}

func advanceIDParam(r *http.Request) generic.AdvanceID {
	return generic.AdvanceID(chi.URLParam(r, "id"))
}

// writeDomainError maps engine errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case generic.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case generic.IsConflict(err):
		resp := ErrorResponse{Error: "Conflict", Details: err.Error()}
		if generic.IsRetryable(err) {
			resp.Code = "retryable"
		}
		writeJSON(w, http.StatusConflict, resp)
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		var perr *generic.PersistenceError
		if errors.As(err, &perr) {
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{
				Error:   "Payroll commit failed",
				Code:    "commit_failed",
				Details: map[string]string{"run_id": string(perr.RunID), "employee_id": string(perr.EmployeeID)},
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
