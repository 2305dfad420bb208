/*
handlers_test.go - HTTP tests for the payroll and advance endpoints

Tests for:
- Preview (read-only, month validation)
- Run lifecycle: create, commit, duplicate, delete
- Advance lifecycle: request, approve, reject, mark-paid, delete
- Error mapping (400 / 404 / 409)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/generic/store"
	"github.com/warp/payroll-engine/payroll"
)

var testNow = time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)

type testServer struct {
	t       *testing.T
	store   *store.Memory
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	orch := payroll.NewOrchestrator(mem, payroll.Options{
		Logger: zap.NewNop(),
		Clock:  func() time.Time { return testNow },
	})
	h := NewHandler(mem, orch, zap.NewNop())
	return &testServer{t: t, store: mem, handler: h, router: NewRouter(h, nil)}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) employee(id, salary string) {
	s.t.Helper()
	require.NoError(s.t, s.store.SaveEmployee(context.Background(), generic.Employee{
		ID:            generic.EmployeeID(id),
		Name:          "Employee " + id,
		BaseSalary:    generic.MustParseAmount(salary),
		Status:        generic.EmployeeActive,
		InstitutionID: "inst-1",
	}))
}

func (s *testServer) approvedAdvance(employeeID, amount string, installments int) AdvanceDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/advances", map[string]any{
		"employee_id":  employeeID,
		"amount":       amount,
		"installments": installments,
		"reason":       "test",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[AdvanceDTO](s.t, rec)

	rec = s.do(http.MethodPost, "/api/advances/"+created.ID+"/approve", nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[AdvanceDTO](s.t, rec)
}

// =============================================================================
// PREVIEW
// =============================================================================

func TestPreviewPayroll(t *testing.T) {
	// GIVEN: Base 5000, reward 200, deduction 50 in January, advance due 300
	s := newTestServer(t)
	s.employee("emp-1", "5000.00")
	ctx := context.Background()
	require.NoError(t, s.store.SaveCompensation(ctx, generic.Compensation{
		ID: "c-1", EmployeeID: "emp-1", Type: generic.CompensationReward,
		Amount: generic.MustParseAmount("200"), Date: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.store.SaveCompensation(ctx, generic.Compensation{
		ID: "c-2", EmployeeID: "emp-1", Type: generic.CompensationDeduction,
		Amount: generic.MustParseAmount("50"), Date: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	}))
	s.approvedAdvance("emp-1", "900.00", 3)

	// WHEN: Previewing January twice
	first := s.do(http.MethodGet, "/api/payroll/preview?month=2025-01", nil)
	second := s.do(http.MethodGet, "/api/payroll/preview?month=2025-01", nil)

	// THEN: Totals match and nothing was written
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	resp := decode[PreviewResponse](t, first)
	assert.Equal(t, 1, resp.TotalEmployees)
	assert.Equal(t, "5200.00", resp.TotalGross.String())
	assert.Equal(t, "350.00", resp.TotalDeductions.String())
	assert.Equal(t, "4850.00", resp.TotalNet.String())
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	runs, err := s.store.ListRuns(ctx, generic.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPreviewPayroll_InvalidMonth(t *testing.T) {
	s := newTestServer(t)

	for _, month := range []string{"", "2025-13", "January"} {
		rec := s.do(http.MethodGet, "/api/payroll/preview?month="+month, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "month %q", month)
	}
}

func TestPreviewEmployee_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/payroll/preview/ghost?month=2025-01", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// RUNS
// =============================================================================

func TestCreateRun_CommitAndDuplicate(t *testing.T) {
	// GIVEN: One employee with a 1200 / 12 advance
	s := newTestServer(t)
	s.employee("emp-1", "3000.00")
	adv := s.approvedAdvance("emp-1", "1200.00", 12)
	assert.Equal(t, "100.00", adv.MonthlyInstallment.String())

	// WHEN: Creating and committing January
	rec := s.do(http.MethodPost, "/api/payroll/runs", map[string]any{"month": "2025-01", "commit": true})

	// THEN: The run is completed and the advance moved by one installment
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[RunDTO](t, rec)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 1, run.TotalEmployees)
	assert.Equal(t, "3000.00", run.TotalGross.String())
	assert.Equal(t, "100.00", run.TotalDeductions.String())
	assert.Equal(t, "2900.00", run.TotalNet.String())
	assert.NotNil(t, run.CompletedAt)

	rec = s.do(http.MethodGet, "/api/advances/"+adv.ID, nil)
	got := decode[AdvanceDTO](t, rec)
	assert.Equal(t, "100.00", got.PaidAmount.String())
	assert.Equal(t, "1100.00", got.RemainingAmount.String())

	rec = s.do(http.MethodGet, "/api/payroll/runs/"+run.ID+"/entries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]EntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "100.00", entries[0].AdvanceDeduction.String())

	rec = s.do(http.MethodGet, "/api/payroll/runs/"+run.ID+"/deductions", nil)
	deductions := decode[[]DeductionDTO](t, rec)
	require.Len(t, deductions, 1)
	assert.Equal(t, adv.ID, deductions[0].AdvanceID)

	// WHEN: Creating January again
	rec = s.do(http.MethodPost, "/api/payroll/runs", map[string]any{"month": "2025-01"})

	// THEN: Conflict
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateRun_PendingThenCommit(t *testing.T) {
	s := newTestServer(t)
	s.employee("emp-1", "2000.00")

	rec := s.do(http.MethodPost, "/api/payroll/runs", map[string]any{"month": "2025-02"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[RunDTO](t, rec)
	assert.Equal(t, "pending", run.Status)

	rec = s.do(http.MethodPost, "/api/payroll/runs/"+run.ID+"/commit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", decode[RunDTO](t, rec).Status)

	// Committing twice is a state conflict
	rec = s.do(http.MethodPost, "/api/payroll/runs/"+run.ID+"/commit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, "/api/payroll/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]RunDTO](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/payroll/runs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRun_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/payroll/runs", map[string]any{"month": "2025/01"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation_failed", resp.Code)
	assert.Contains(t, resp.Details, "month")
}

func TestDeleteRun_RestoresAdvance(t *testing.T) {
	// GIVEN: A committed run that deducted 100 from a 600 / 6 advance
	s := newTestServer(t)
	s.employee("emp-1", "3000.00")
	adv := s.approvedAdvance("emp-1", "600.00", 6)
	rec := s.do(http.MethodPost, "/api/payroll/runs", map[string]any{"month": "2025-01", "commit": true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[RunDTO](t, rec)

	// WHEN: Deleting the run
	rec = s.do(http.MethodDelete, "/api/payroll/runs/"+run.ID, nil)

	// THEN: The run is gone and the balance is back to 600
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/payroll/runs/"+run.ID, nil).Code)

	got := decode[AdvanceDTO](t, s.do(http.MethodGet, "/api/advances/"+adv.ID, nil))
	assert.Equal(t, "600.00", got.RemainingAmount.String())
	assert.Equal(t, "0.00", got.PaidAmount.String())
	assert.Equal(t, "approved", got.Status)

	// The month is free again
	rec = s.do(http.MethodPost, "/api/payroll/runs", map[string]any{"month": "2025-01"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRunNotFound(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/payroll/runs/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/payroll/runs/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/payroll/runs/missing/commit", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/payroll/entries/missing", nil).Code)
}

func TestCancelRun_NothingInFlight(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/payroll/runs/any/cancel", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// ADVANCES
// =============================================================================

func TestAdvanceLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.employee("emp-1", "3000.00")

	// Request
	rec := s.do(http.MethodPost, "/api/advances", map[string]any{
		"employee_id":  "emp-1",
		"amount":       "1000.00",
		"installments": 3,
		"request_date": "2025-01-05",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	adv := decode[AdvanceDTO](t, rec)
	assert.Equal(t, "pending", adv.Status)
	assert.Equal(t, "333.33", adv.MonthlyInstallment.String())
	assert.Equal(t, "2025-01-05", adv.RequestDate)

	// Reject needs a reason
	rec = s.do(http.MethodPost, "/api/advances/"+adv.ID+"/reject", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Mark-paid on a pending advance is a wrong transition
	rec = s.do(http.MethodPost, "/api/advances/"+adv.ID+"/mark-paid", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Approve, then settle manually
	rec = s.do(http.MethodPost, "/api/advances/"+adv.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode[AdvanceDTO](t, rec).ApprovedDate)

	rec = s.do(http.MethodPost, "/api/advances/"+adv.ID+"/mark-paid", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decode[AdvanceDTO](t, rec)
	assert.Equal(t, "paid", paid.Status)
	assert.Equal(t, "0.00", paid.RemainingAmount.String())

	// The settlement is in the history, so delete is refused
	rec = s.do(http.MethodGet, "/api/advances/"+adv.ID+"/deductions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]DeductionDTO](t, rec)
	require.Len(t, history, 1)
	assert.Empty(t, history[0].PayrollRunID)

	rec = s.do(http.MethodDelete, "/api/advances/"+adv.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRejectAndDeleteAdvance(t *testing.T) {
	s := newTestServer(t)
	s.employee("emp-1", "3000.00")

	rec := s.do(http.MethodPost, "/api/advances", map[string]any{"employee_id": "emp-1", "amount": 250, "installments": 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	adv := decode[AdvanceDTO](t, rec)

	rec = s.do(http.MethodPost, "/api/advances/"+adv.ID+"/reject", map[string]any{"reason": "budget"})
	require.Equal(t, http.StatusOK, rec.Code)
	rejected := decode[AdvanceDTO](t, rec)
	assert.Equal(t, "rejected", rejected.Status)
	assert.Equal(t, "budget", rejected.RejectionReason)

	rec = s.do(http.MethodPost, "/api/advances/"+adv.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodDelete, "/api/advances/"+adv.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/advances/"+adv.ID, nil).Code)
}

func TestCreateAdvance_Invalid(t *testing.T) {
	s := newTestServer(t)
	s.employee("emp-1", "3000.00")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing employee", map[string]any{"amount": "100", "installments": 1}},
		{"zero installments", map[string]any{"employee_id": "emp-1", "amount": "100", "installments": 0}},
		{"negative amount", map[string]any{"employee_id": "emp-1", "amount": "-5", "installments": 1}},
		{"installment rounds to zero", map[string]any{"employee_id": "emp-1", "amount": "0.50", "installments": 120}},
		{"unknown employee", map[string]any{"employee_id": "ghost", "amount": "100", "installments": 1}},
		{"bad date", map[string]any{"employee_id": "emp-1", "amount": "100", "installments": 1, "request_date": "05/01/2025"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/advances", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestListAdvances_Filter(t *testing.T) {
	s := newTestServer(t)
	s.employee("emp-1", "3000.00")
	s.employee("emp-2", "3000.00")
	s.approvedAdvance("emp-1", "300.00", 3)
	rec := s.do(http.MethodPost, "/api/advances", map[string]any{"employee_id": "emp-2", "amount": "50", "installments": 1})
	require.Equal(t, http.StatusCreated, rec.Code)

	all := decode[[]AdvanceDTO](t, s.do(http.MethodGet, "/api/advances", nil))
	assert.Len(t, all, 2)

	pending := decode[[]AdvanceDTO](t, s.do(http.MethodGet, "/api/advances?status=pending", nil))
	require.Len(t, pending, 1)
	assert.Equal(t, "emp-2", pending[0].EmployeeID)

	mine := decode[[]AdvanceDTO](t, s.do(http.MethodGet, "/api/advances?employee_id=emp-1", nil))
	require.Len(t, mine, 1)
	assert.Equal(t, "approved", mine[0].Status)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
