package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/advance"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/generic/store"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlite"
)

var testNow = time.Date(2025, time.March, 31, 17, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedEmployee(t *testing.T, s *sqlite.Store, id, institution, salary string) {
	t.Helper()
	require.NoError(t, s.SaveEmployee(context.Background(), generic.Employee{
		ID:            generic.EmployeeID(id),
		Name:          "Employee " + id,
		BaseSalary:    generic.MustParseAmount(salary),
		Status:        generic.EmployeeActive,
		InstitutionID: generic.InstitutionID(institution),
	}))
}

func newRun(month string, institution *generic.InstitutionID) generic.PayrollRun {
	return generic.PayrollRun{
		ID:              generic.RunID(generic.NewID()),
		Month:           generic.MustParseMonth(month),
		InstitutionID:   institution,
		TotalGross:      generic.Zero(),
		TotalDeductions: generic.Zero(),
		TotalNet:        generic.Zero(),
		Status:          generic.RunPending,
		CreatedAt:       testNow,
	}
}

func TestEmployees_PayableFilter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedEmployee(t, s, "e2", "inst-a", "1000")
	seedEmployee(t, s, "e1", "inst-b", "2000")
	seedEmployee(t, s, "e3", "inst-a", "0")
	require.NoError(t, s.SaveEmployee(ctx, generic.Employee{
		ID: "e4", Name: "Gone", BaseSalary: generic.MustParseAmount("900"),
		Status: generic.EmployeeInactive, InstitutionID: "inst-a",
	}))

	all, err := s.ListPayableEmployees(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, generic.EmployeeID("e1"), all[0].ID)
	assert.Equal(t, "2000.00", all[0].BaseSalary.String())

	inst := generic.InstitutionID("inst-a")
	scoped, err := s.ListPayableEmployees(ctx, &inst)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, generic.EmployeeID("e2"), scoped[0].ID)

	_, err = s.GetEmployee(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrEmployeeNotFound)
}

func TestCompensations_CalendarBounds(t *testing.T) {
	// GIVEN: Compensations on Feb 28, Feb 29 and Mar 1 2024
	// WHEN: Listing February 2024
	// THEN: Only the two February rows come back, in date order

	s := newStore(t)
	ctx := context.Background()
	seedEmployee(t, s, "e1", "", "1000")

	for id, d := range map[string]time.Time{
		"c1": time.Date(2024, time.February, 29, 23, 30, 0, 0, time.UTC),
		"c2": time.Date(2024, time.February, 28, 9, 0, 0, 0, time.UTC),
		"c3": time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
	} {
		require.NoError(t, s.SaveCompensation(ctx, generic.Compensation{
			ID: generic.CompensationID(id), EmployeeID: "e1", Type: generic.CompensationReward,
			Amount: generic.MustParseAmount("10"), Date: d,
		}))
	}

	rows, err := s.ListCompensations(ctx, "e1", generic.MustParseMonth("2024-02").Period())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, generic.CompensationID("c2"), rows[0].ID)
	assert.Equal(t, generic.CompensationID("c1"), rows[1].ID)
}

func TestCompensations_NonUTCDatesKeepTheirCalendarDay(t *testing.T) {
	// GIVEN: A reward entered at 21:00 on Feb 29 in UTC-5 and one entered at
	//        03:00 on Mar 1 in UTC+14
	// WHEN: Both the SQLite and the memory store list February and March
	// THEN: Each reward is filed under the day it shows, identically

	est := time.FixedZone("UTC-5", -5*60*60)
	kiribati := time.FixedZone("UTC+14", 14*60*60)
	comps := []generic.Compensation{
		{ID: "late-feb", EmployeeID: "e1", Type: generic.CompensationReward,
			Amount: generic.MustParseAmount("10"), Date: time.Date(2024, time.February, 29, 21, 0, 0, 0, est)},
		{ID: "early-mar", EmployeeID: "e1", Type: generic.CompensationReward,
			Amount: generic.MustParseAmount("20"), Date: time.Date(2024, time.March, 1, 3, 0, 0, 0, kiribati)},
	}

	lite := newStore(t)
	mem := store.NewMemory()
	ctx := context.Background()
	seedEmployee(t, lite, "e1", "", "1000")

	for name, s := range map[string]generic.Store{"sqlite": lite, "memory": mem} {
		t.Run(name, func(t *testing.T) {
			for _, c := range comps {
				require.NoError(t, s.SaveCompensation(ctx, c))
			}

			feb, err := s.ListCompensations(ctx, "e1", generic.MustParseMonth("2024-02").Period())
			require.NoError(t, err)
			require.Len(t, feb, 1)
			assert.Equal(t, generic.CompensationID("late-feb"), feb[0].ID)
			assert.Equal(t, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), feb[0].Date.UTC())

			mar, err := s.ListCompensations(ctx, "e1", generic.MustParseMonth("2024-03").Period())
			require.NoError(t, err)
			require.Len(t, mar, 1)
			assert.Equal(t, generic.CompensationID("early-mar"), mar[0].ID)
		})
	}
}

func TestRuns_DuplicateMonthAndInstitution(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("2025-03", nil)))
	err := s.CreateRun(ctx, newRun("2025-03", nil))
	assert.ErrorIs(t, err, generic.ErrDuplicateRun)

	inst := generic.InstitutionID("inst-a")
	require.NoError(t, s.CreateRun(ctx, newRun("2025-03", &inst)))
	err = s.CreateRun(ctx, newRun("2025-03", &inst))
	assert.ErrorIs(t, err, generic.ErrDuplicateRun)

	require.NoError(t, s.CreateRun(ctx, newRun("2025-04", &inst)))

	runs, err := s.ListRuns(ctx, generic.RunFilter{InstitutionID: &inst})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestDeductions_OnePerAdvanceAndRun(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedEmployee(t, s, "e1", "", "1000")

	approved := testNow.Add(-48 * time.Hour)
	require.NoError(t, s.SaveAdvance(ctx, generic.Advance{
		ID: "adv-1", EmployeeID: "e1", Amount: generic.MustParseAmount("300"), Installments: 3,
		Status: generic.AdvanceApproved, PaidAmount: generic.Zero(), RemainingAmount: generic.MustParseAmount("300"),
		RequestDate: approved, ApprovedDate: &approved, CreatedAt: approved, UpdatedAt: approved,
	}))
	run := newRun("2025-03", nil)
	require.NoError(t, s.CreateRun(ctx, run))

	entry := generic.DeductionEntry{
		ID: "d1", AdvanceID: "adv-1", EmployeeID: "e1", PayrollRunID: run.ID,
		DeductionAmount: generic.MustParseAmount("100"), RemainingAmountAfter: generic.MustParseAmount("200"),
		DeductionDate: testNow,
	}
	require.NoError(t, s.AppendDeduction(ctx, entry))

	entry.ID = "d2"
	assert.ErrorIs(t, s.AppendDeduction(ctx, entry), generic.ErrDuplicateDeduction)

	// Manual settlements carry no run and never collide
	for _, id := range []generic.DeductionID{"m1", "m2"} {
		require.NoError(t, s.AppendDeduction(ctx, generic.DeductionEntry{
			ID: id, AdvanceID: "adv-1", EmployeeID: "e1",
			DeductionAmount: generic.MustParseAmount("1"), RemainingAmountAfter: generic.MustParseAmount("199"),
			DeductionDate: testNow,
		}))
	}

	byAdvance, err := s.ListDeductionsByAdvance(ctx, "adv-1")
	require.NoError(t, err)
	assert.Len(t, byAdvance, 3)

	// A run cannot be deleted while its deductions still exist
	assert.ErrorIs(t, s.DeleteRun(ctx, run.ID), generic.ErrLedgerInvariant)
}

func TestActiveAdvances_Ordering(t *testing.T) {
	// GIVEN: Three approved advances, two approved at the same instant
	// WHEN: Listing active advances
	// THEN: Order is approvedDate then ID; settled ones are excluded

	s := newStore(t)
	ctx := context.Background()
	seedEmployee(t, s, "e1", "", "1000")

	early := testNow.Add(-72 * time.Hour)
	late := testNow.Add(-24 * time.Hour)
	save := func(id generic.AdvanceID, approvedAt time.Time, remaining string) {
		require.NoError(t, s.SaveAdvance(ctx, generic.Advance{
			ID: id, EmployeeID: "e1", Amount: generic.MustParseAmount("100"), Installments: 1,
			Status: generic.AdvanceApproved, PaidAmount: generic.MustParseAmount("100").Sub(generic.MustParseAmount(remaining)),
			RemainingAmount: generic.MustParseAmount(remaining), RequestDate: approvedAt,
			ApprovedDate: &approvedAt, CreatedAt: approvedAt, UpdatedAt: approvedAt,
		}))
	}
	save("adv-c", late, "100")
	save("adv-b", early, "100")
	save("adv-a", early, "100")
	save("adv-z", early, "0")

	active, err := s.ListActiveAdvances(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, []generic.AdvanceID{"adv-a", "adv-b", "adv-c"},
		[]generic.AdvanceID{active[0].ID, active[1].ID, active[2].ID})
	require.NotNil(t, active[0].ApprovedDate)
	assert.True(t, active[0].ApprovedDate.Equal(early))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	run := newRun("2025-03", nil)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx generic.Store) error {
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, generic.ErrRunNotFound)

	_, isTx := interface{}(s).(generic.TxStore)
	assert.True(t, isTx)
	require.NoError(t, s.WithTx(ctx, func(tx generic.Store) error {
		_, nested := tx.(generic.TxStore)
		assert.False(t, nested)
		return nil
	}))
}

func TestDeleteRun_CascadesEntries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	run := newRun("2025-03", nil)
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.SaveEntry(ctx, generic.PayrollEntry{
		ID: "entry-1", PayrollRunID: run.ID, EmployeeID: "e1", EmployeeName: "One",
		BaseSalary: generic.MustParseAmount("1000"), Rewards: generic.Zero(), Deductions: generic.Zero(),
		AdvanceDeduction: generic.Zero(), GrossPay: generic.MustParseAmount("1000"),
		NetPay: generic.MustParseAmount("1000"), CreatedAt: testNow,
	}))

	require.NoError(t, s.DeleteRun(ctx, run.ID))

	_, err := s.GetEntry(ctx, "entry-1")
	assert.ErrorIs(t, err, generic.ErrEntryNotFound)
	assert.ErrorIs(t, s.DeleteRun(ctx, run.ID), generic.ErrRunNotFound)

	err = s.SaveEntry(ctx, generic.PayrollEntry{ID: "orphan", PayrollRunID: "nope", CreatedAt: testNow})
	assert.ErrorIs(t, err, generic.ErrRunNotFound)
}

func TestOutbox_PendingAndRetry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendOutbox(ctx, generic.OutboxEvent{
		ID: "evt-1", AggregateType: "payroll_run", AggregateID: "run-1", EventType: "payroll.run.completed",
		Topic: "payroll.runs", Payload: []byte(`{"run_id":"run-1"}`), CreatedAt: testNow,
	}))

	pending, err := s.ListPendingOutbox(ctx, testNow, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, generic.OutboxPending, pending[0].Status)
	assert.JSONEq(t, `{"run_id":"run-1"}`, string(pending[0].Payload))

	require.NoError(t, s.MarkOutboxFailed(ctx, "evt-1", "broker down", testNow.Add(time.Minute)))
	pending, err = s.ListPendingOutbox(ctx, testNow, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = s.ListPendingOutbox(ctx, testNow.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)

	require.NoError(t, s.MarkOutboxSent(ctx, "evt-1"))
	pending, err = s.ListPendingOutbox(ctx, testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReset_ClearsEverything(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedEmployee(t, s, "e1", "", "1000")
	require.NoError(t, s.CreateRun(ctx, newRun("2025-03", nil)))

	require.NoError(t, s.Reset(ctx))

	emps, err := s.ListPayableEmployees(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, emps)
	runs, err := s.ListRuns(ctx, generic.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestCommitDeleteRoundTrip(t *testing.T) {
	// GIVEN: An employee with a 1000 advance over 3 installments
	// WHEN: March is committed, then the run is deleted
	// THEN: The commit deducts 333.33 and the delete restores the advance exactly

	s := newStore(t)
	ctx := context.Background()
	clock := func() time.Time { return testNow }
	ledger := advance.NewLedger(s, advance.WithClock(clock), advance.WithLogger(zap.NewNop()))
	orch := payroll.NewOrchestrator(s, payroll.Options{Ledger: ledger, Logger: zap.NewNop(), Clock: clock})

	seedEmployee(t, s, "e1", "", "5000")
	require.NoError(t, s.SaveCompensation(ctx, generic.Compensation{
		ID: "c1", EmployeeID: "e1", Type: generic.CompensationReward,
		Amount: generic.MustParseAmount("200"), Date: time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
	}))
	adv, err := ledger.Request(ctx, advance.RequestInput{
		EmployeeID: "e1", Amount: generic.MustParseAmount("1000"), Installments: 3,
	})
	require.NoError(t, err)
	adv, err = ledger.Approve(ctx, adv.ID)
	require.NoError(t, err)

	run, err := orch.CreateAndCommit(ctx, generic.MustParseMonth("2025-03"), nil)
	require.NoError(t, err)
	assert.Equal(t, generic.RunCompleted, run.Status)
	assert.Equal(t, "5200.00", run.TotalGross.String())
	assert.Equal(t, "333.33", run.TotalDeductions.String())
	assert.Equal(t, "4866.67", run.TotalNet.String())

	after, err := ledger.Get(ctx, adv.ID)
	require.NoError(t, err)
	assert.Equal(t, "666.67", after.RemainingAmount.String())

	entries, err := orch.Entries(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "333.33", entries[0].AdvanceDeduction.String())

	require.NoError(t, orch.Delete(ctx, run.ID))

	restored, err := ledger.Get(ctx, adv.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", restored.PaidAmount.String())
	assert.Equal(t, "1000.00", restored.RemainingAmount.String())
	assert.Equal(t, generic.AdvanceApproved, restored.Status)

	history, err := ledger.History(ctx, adv.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = orch.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, generic.ErrRunNotFound)

	events, err := s.ListPendingOutbox(ctx, testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.ElementsMatch(t,
		[]string{payroll.EventRunCompleted, payroll.EventRunDeleted},
		[]string{events[0].EventType, events[1].EventType})
}
