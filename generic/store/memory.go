// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a transactional in-memory store. WithTx holds the store lock for
// the whole transaction and restores a snapshot when fn fails.
type Memory struct {
	mu sync.Mutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type state struct {
	employees     map[generic.EmployeeID]generic.Employee
	compensations map[generic.CompensationID]generic.Compensation
	advances      map[generic.AdvanceID]generic.Advance
	deductions    map[generic.DeductionID]generic.DeductionEntry
	runs          map[generic.RunID]generic.PayrollRun
	entries       map[generic.EntryID]generic.PayrollEntry
	outbox        map[string]generic.OutboxEvent
}

func newState() *state {
	return &state{
		employees:     make(map[generic.EmployeeID]generic.Employee),
		compensations: make(map[generic.CompensationID]generic.Compensation),
		advances:      make(map[generic.AdvanceID]generic.Advance),
		deductions:    make(map[generic.DeductionID]generic.DeductionEntry),
		runs:          make(map[generic.RunID]generic.PayrollRun),
		entries:       make(map[generic.EntryID]generic.PayrollEntry),
		outbox:        make(map[string]generic.OutboxEvent),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.employees {
		c.employees[k] = v
	}
	for k, v := range s.compensations {
		c.compensations[k] = v
	}
	for k, v := range s.advances {
		c.advances[k] = v
	}
	for k, v := range s.deductions {
		c.deductions[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	return c
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// Reset drops every row.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

// =============================================================================
// STATE - Unlocked implementation, also the transactional view
// =============================================================================

func (s *state) GetEmployee(_ context.Context, id generic.EmployeeID) (generic.Employee, error) {
	e, ok := s.employees[id]
	if !ok {
		return generic.Employee{}, generic.ErrEmployeeNotFound
	}
	return e, nil
}

func (s *state) ListPayableEmployees(_ context.Context, institutionID *generic.InstitutionID) ([]generic.Employee, error) {
	var result []generic.Employee
	for _, e := range s.employees {
		if !e.Payable() {
			continue
		}
		if institutionID != nil && e.InstitutionID != *institutionID {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *state) SaveEmployee(_ context.Context, e generic.Employee) error {
	s.employees[e.ID] = e
	return nil
}

func (s *state) ListCompensations(_ context.Context, employeeID generic.EmployeeID, period generic.Period) ([]generic.Compensation, error) {
	var result []generic.Compensation
	for _, c := range s.compensations {
		if c.EmployeeID == employeeID && period.Contains(c.Date) {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *state) SaveCompensation(_ context.Context, c generic.Compensation) error {
	c.Date = generic.CalendarDate(c.Date)
	s.compensations[c.ID] = c
	return nil
}

func (s *state) GetAdvance(_ context.Context, id generic.AdvanceID) (generic.Advance, error) {
	a, ok := s.advances[id]
	if !ok {
		return generic.Advance{}, generic.ErrAdvanceNotFound
	}
	return a, nil
}

func (s *state) ListAdvances(_ context.Context, filter generic.AdvanceFilter) ([]generic.Advance, error) {
	var result []generic.Advance
	for _, a := range s.advances {
		if filter.Matches(a) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *state) ListActiveAdvances(_ context.Context, employeeID generic.EmployeeID) ([]generic.Advance, error) {
	var result []generic.Advance
	for _, a := range s.advances {
		if a.EmployeeID == employeeID && a.Status == generic.AdvanceApproved && a.RemainingAmount.IsPositive() {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		ai, aj := approvedAt(result[i]), approvedAt(result[j])
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func approvedAt(a generic.Advance) time.Time {
	if a.ApprovedDate == nil {
		return time.Time{}
	}
	return *a.ApprovedDate
}

func (s *state) SaveAdvance(_ context.Context, a generic.Advance) error {
	s.advances[a.ID] = a
	return nil
}

func (s *state) DeleteAdvance(_ context.Context, id generic.AdvanceID) error {
	if _, ok := s.advances[id]; !ok {
		return generic.ErrAdvanceNotFound
	}
	delete(s.advances, id)
	return nil
}

func (s *state) AppendDeduction(_ context.Context, d generic.DeductionEntry) error {
	if d.PayrollRunID != "" {
		for _, existing := range s.deductions {
			if existing.AdvanceID == d.AdvanceID && existing.PayrollRunID == d.PayrollRunID {
				return generic.ErrDuplicateDeduction
			}
		}
	}
	s.deductions[d.ID] = d
	return nil
}

func (s *state) ListDeductionsByRun(_ context.Context, runID generic.RunID) ([]generic.DeductionEntry, error) {
	return s.filterDeductions(func(d generic.DeductionEntry) bool { return d.PayrollRunID == runID }), nil
}

func (s *state) ListDeductionsByAdvance(_ context.Context, advanceID generic.AdvanceID) ([]generic.DeductionEntry, error) {
	return s.filterDeductions(func(d generic.DeductionEntry) bool { return d.AdvanceID == advanceID }), nil
}

func (s *state) filterDeductions(keep func(generic.DeductionEntry) bool) []generic.DeductionEntry {
	var result []generic.DeductionEntry
	for _, d := range s.deductions {
		if keep(d) {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DeductionDate.Equal(result[j].DeductionDate) {
			return result[i].DeductionDate.Before(result[j].DeductionDate)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *state) DeleteDeduction(_ context.Context, id generic.DeductionID) error {
	delete(s.deductions, id)
	return nil
}

func (s *state) CreateRun(_ context.Context, run generic.PayrollRun) error {
	for _, existing := range s.runs {
		if existing.Month == run.Month && sameInstitution(existing.InstitutionID, run.InstitutionID) {
			return generic.ErrDuplicateRun
		}
	}
	s.runs[run.ID] = run
	return nil
}

func sameInstitution(a, b *generic.InstitutionID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *state) GetRun(_ context.Context, id generic.RunID) (generic.PayrollRun, error) {
	r, ok := s.runs[id]
	if !ok {
		return generic.PayrollRun{}, generic.ErrRunNotFound
	}
	return r, nil
}

func (s *state) UpdateRun(_ context.Context, run generic.PayrollRun) error {
	if _, ok := s.runs[run.ID]; !ok {
		return generic.ErrRunNotFound
	}
	s.runs[run.ID] = run
	return nil
}

func (s *state) ListRuns(_ context.Context, filter generic.RunFilter) ([]generic.PayrollRun, error) {
	var result []generic.PayrollRun
	for _, r := range s.runs {
		if filter.Matches(r) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *state) DeleteRun(_ context.Context, id generic.RunID) error {
	if _, ok := s.runs[id]; !ok {
		return generic.ErrRunNotFound
	}
	for entryID, e := range s.entries {
		if e.PayrollRunID == id {
			delete(s.entries, entryID)
		}
	}
	delete(s.runs, id)
	return nil
}

func (s *state) SaveEntry(_ context.Context, e generic.PayrollEntry) error {
	if _, ok := s.runs[e.PayrollRunID]; !ok {
		return generic.ErrRunNotFound
	}
	s.entries[e.ID] = e
	return nil
}

func (s *state) GetEntry(_ context.Context, id generic.EntryID) (generic.PayrollEntry, error) {
	e, ok := s.entries[id]
	if !ok {
		return generic.PayrollEntry{}, generic.ErrEntryNotFound
	}
	return e, nil
}

func (s *state) ListEntries(_ context.Context, runID generic.RunID) ([]generic.PayrollEntry, error) {
	var result []generic.PayrollEntry
	for _, e := range s.entries {
		if e.PayrollRunID == runID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EmployeeID < result[j].EmployeeID })
	return result, nil
}

func (s *state) AppendOutbox(_ context.Context, event generic.OutboxEvent) error {
	s.outbox[event.ID] = event
	return nil
}

func (s *state) ListPendingOutbox(_ context.Context, now time.Time, limit int) ([]generic.OutboxEvent, error) {
	var result []generic.OutboxEvent
	for _, e := range s.outbox {
		if e.Status == generic.OutboxSent {
			continue
		}
		if !e.NextRetryAt.IsZero() && e.NextRetryAt.After(now) {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *state) MarkOutboxSent(_ context.Context, id string) error {
	e, ok := s.outbox[id]
	if !ok {
		return nil
	}
	e.Status = generic.OutboxSent
	s.outbox[id] = e
	return nil
}

func (s *state) MarkOutboxFailed(_ context.Context, id string, _ string, nextRetryAt time.Time) error {
	e, ok := s.outbox[id]
	if !ok {
		return nil
	}
	e.Status = generic.OutboxFailed
	e.RetryCount++
	e.NextRetryAt = nextRetryAt
	s.outbox[id] = e
	return nil
}

// =============================================================================
// LOCKED WRAPPERS (generic.Store on *Memory)
// =============================================================================

func (m *Memory) GetEmployee(ctx context.Context, id generic.EmployeeID) (generic.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetEmployee(ctx, id)
}

func (m *Memory) ListPayableEmployees(ctx context.Context, institutionID *generic.InstitutionID) ([]generic.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListPayableEmployees(ctx, institutionID)
}

func (m *Memory) SaveEmployee(ctx context.Context, e generic.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveEmployee(ctx, e)
}

func (m *Memory) ListCompensations(ctx context.Context, employeeID generic.EmployeeID, period generic.Period) ([]generic.Compensation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListCompensations(ctx, employeeID, period)
}

func (m *Memory) SaveCompensation(ctx context.Context, c generic.Compensation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveCompensation(ctx, c)
}

func (m *Memory) GetAdvance(ctx context.Context, id generic.AdvanceID) (generic.Advance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetAdvance(ctx, id)
}

func (m *Memory) ListAdvances(ctx context.Context, filter generic.AdvanceFilter) ([]generic.Advance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListAdvances(ctx, filter)
}

func (m *Memory) ListActiveAdvances(ctx context.Context, employeeID generic.EmployeeID) ([]generic.Advance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListActiveAdvances(ctx, employeeID)
}

func (m *Memory) SaveAdvance(ctx context.Context, a generic.Advance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveAdvance(ctx, a)
}

func (m *Memory) DeleteAdvance(ctx context.Context, id generic.AdvanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteAdvance(ctx, id)
}

func (m *Memory) AppendDeduction(ctx context.Context, d generic.DeductionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendDeduction(ctx, d)
}

func (m *Memory) ListDeductionsByRun(ctx context.Context, runID generic.RunID) ([]generic.DeductionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListDeductionsByRun(ctx, runID)
}

func (m *Memory) ListDeductionsByAdvance(ctx context.Context, advanceID generic.AdvanceID) ([]generic.DeductionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListDeductionsByAdvance(ctx, advanceID)
}

func (m *Memory) DeleteDeduction(ctx context.Context, id generic.DeductionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteDeduction(ctx, id)
}

func (m *Memory) CreateRun(ctx context.Context, run generic.PayrollRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateRun(ctx, run)
}

func (m *Memory) GetRun(ctx context.Context, id generic.RunID) (generic.PayrollRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetRun(ctx, id)
}

func (m *Memory) UpdateRun(ctx context.Context, run generic.PayrollRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateRun(ctx, run)
}

func (m *Memory) ListRuns(ctx context.Context, filter generic.RunFilter) ([]generic.PayrollRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListRuns(ctx, filter)
}

func (m *Memory) DeleteRun(ctx context.Context, id generic.RunID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteRun(ctx, id)
}

func (m *Memory) SaveEntry(ctx context.Context, e generic.PayrollEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveEntry(ctx, e)
}

func (m *Memory) GetEntry(ctx context.Context, id generic.EntryID) (generic.PayrollEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetEntry(ctx, id)
}

func (m *Memory) ListEntries(ctx context.Context, runID generic.RunID) ([]generic.PayrollEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListEntries(ctx, runID)
}

func (m *Memory) AppendOutbox(ctx context.Context, event generic.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendOutbox(ctx, event)
}

func (m *Memory) ListPendingOutbox(ctx context.Context, now time.Time, limit int) ([]generic.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListPendingOutbox(ctx, now, limit)
}

func (m *Memory) MarkOutboxSent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.MarkOutboxSent(ctx, id)
}

func (m *Memory) MarkOutboxFailed(ctx context.Context, id string, reason string, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.MarkOutboxFailed(ctx, id, reason, nextRetryAt)
}
