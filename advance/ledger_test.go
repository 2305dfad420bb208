package advance_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/advance"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/generic/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*advance.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ledger := advance.NewLedger(mem, advance.WithClock(func() time.Time { return testNow }))
	require.NoError(t, mem.SaveEmployee(context.Background(), generic.Employee{
		ID:            "emp-1",
		Name:          "Alice",
		BaseSalary:    generic.MustParseAmount("5000"),
		Status:        generic.EmployeeActive,
		InstitutionID: "inst-a",
	}))
	return ledger, mem
}

func approvedAdvance(t *testing.T, ledger *advance.Ledger, amount string, installments int) generic.Advance {
	t.Helper()
	ctx := context.Background()
	a, err := ledger.Request(ctx, advance.RequestInput{
		EmployeeID:   "emp-1",
		Amount:       generic.MustParseAmount(amount),
		Installments: installments,
		Reason:       "test",
	})
	require.NoError(t, err)
	a, err = ledger.Approve(ctx, a.ID)
	require.NoError(t, err)
	return a
}

func runID(i int) generic.RunID {
	return generic.RunID(fmt.Sprintf("run-%02d", i))
}

// =============================================================================
// INSTALLMENT ARITHMETIC
// =============================================================================

func TestMonthlyInstallment(t *testing.T) {
	tests := []struct {
		amount       string
		installments int
		want         string
	}{
		{"1200", 12, "100.00"},
		{"1000", 3, "333.33"},
		{"200", 3, "66.67"},
		{"0.05", 2, "0.03"},
		{"500", 1, "500.00"},
	}
	for _, tt := range tests {
		t.Run(tt.amount+"/"+fmt.Sprint(tt.installments), func(t *testing.T) {
			got := advance.MonthlyInstallment(generic.MustParseAmount(tt.amount), tt.installments)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestLedger_TwelveInstallments_PaysOffOnTwelfth(t *testing.T) {
	// GIVEN: An approved advance of 1200 over 12 installments
	// WHEN: Twelve runs apply it
	// THEN: Each takes 100.00 and the 12th leaves 0.00 with status paid

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	a := approvedAdvance(t, ledger, "1200", 12)

	for i := 1; i <= 12; i++ {
		res, err := ledger.Apply(ctx, runID(i), "emp-1", testNow)
		require.NoError(t, err)
		assert.Equal(t, "100.00", res.TotalDeducted.String(), "run %d", i)

		got, err := ledger.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, got.RemainingAmount.IsNegative())
		require.NoError(t, ledger.Verify(ctx, a.ID))

		if i < 12 {
			assert.Equal(t, generic.AdvanceApproved, got.Status, "run %d", i)
		} else {
			assert.Equal(t, "0.00", got.RemainingAmount.String())
			assert.Equal(t, "1200.00", got.PaidAmount.String())
			assert.Equal(t, generic.AdvancePaid, got.Status)
		}
	}

	// A 13th run finds nothing to deduct
	res, err := ledger.Apply(ctx, runID(13), "emp-1", testNow)
	require.NoError(t, err)
	assert.True(t, res.TotalDeducted.IsZero())
	assert.Empty(t, res.Entries)
}

func TestLedger_ThreeInstallments_LastAbsorbsRounding(t *testing.T) {
	// GIVEN: An approved advance of 1000 over 3 installments (333.33 each)
	// WHEN: Three runs apply it
	// THEN: Deductions are 333.33, 333.33, 333.34 and the advance is paid

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	a := approvedAdvance(t, ledger, "1000", 3)

	var got []string
	for i := 1; i <= 3; i++ {
		res, err := ledger.Apply(ctx, runID(i), "emp-1", testNow)
		require.NoError(t, err)
		got = append(got, res.TotalDeducted.String())
	}
	assert.Equal(t, []string{"333.33", "333.33", "333.34"}, got)

	final, err := ledger.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", final.RemainingAmount.String())
	assert.Equal(t, generic.AdvancePaid, final.Status)
	require.NoError(t, ledger.Verify(ctx, a.ID))
}

func TestLedger_Restore_PutsBalanceBack(t *testing.T) {
	// GIVEN: An advance with 500 remaining and a 100 installment
	// WHEN: A run deducts 100 and is then restored
	// THEN: Remaining goes 500 -> 400 -> 500 and paid returns to its prior value

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	a := approvedAdvance(t, ledger, "1000", 10)

	for i := 1; i <= 5; i++ {
		_, err := ledger.Apply(ctx, runID(i), "emp-1", testNow)
		require.NoError(t, err)
	}
	before, err := ledger.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "500.00", before.RemainingAmount.String())

	_, err = ledger.Apply(ctx, runID(6), "emp-1", testNow)
	require.NoError(t, err)
	mid, _ := ledger.Get(ctx, a.ID)
	assert.Equal(t, "400.00", mid.RemainingAmount.String())

	restored, err := ledger.Restore(ctx, runID(6))
	require.NoError(t, err)
	assert.Len(t, restored, 1)

	after, err := ledger.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, before.RemainingAmount.String(), after.RemainingAmount.String())
	assert.Equal(t, before.PaidAmount.String(), after.PaidAmount.String())
	assert.Equal(t, before.Status, after.Status)
	require.NoError(t, ledger.Verify(ctx, a.ID))
}

func TestLedger_Restore_PaidReturnsToApproved(t *testing.T) {
	// GIVEN: An advance with 100 remaining and a 100 installment
	// WHEN: The run that paid it off is restored
	// THEN: Remaining is 100 again and status is approved

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	a := approvedAdvance(t, ledger, "200", 2)

	_, err := ledger.Apply(ctx, runID(1), "emp-1", testNow)
	require.NoError(t, err)
	_, err = ledger.Apply(ctx, runID(2), "emp-1", testNow)
	require.NoError(t, err)

	paid, _ := ledger.Get(ctx, a.ID)
	require.Equal(t, generic.AdvancePaid, paid.Status)

	_, err = ledger.Restore(ctx, runID(2))
	require.NoError(t, err)

	got, err := ledger.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.AdvanceApproved, got.Status)
	assert.Equal(t, "100.00", got.RemainingAmount.String())
	assert.Equal(t, "100.00", got.PaidAmount.String())
}

func TestLedger_Restore_Twice_IsNoop(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	a := approvedAdvance(t, ledger, "600", 6)

	_, err := ledger.Apply(ctx, runID(1), "emp-1", testNow)
	require.NoError(t, err)

	_, err = ledger.Restore(ctx, runID(1))
	require.NoError(t, err)
	restored, err := ledger.Restore(ctx, runID(1))
	require.NoError(t, err)
	assert.Empty(t, restored)

	got, _ := ledger.Get(ctx, a.ID)
	assert.Equal(t, "600.00", got.RemainingAmount.String())
	assert.Equal(t, "0.00", got.PaidAmount.String())
}

func TestLedger_Restore_MissingAdvance_ReversalError(t *testing.T) {
	// GIVEN: A deduction entry whose advance no longer exists
	// WHEN: Its run is restored
	// THEN: A ReversalError wrapping ErrLedgerInvariant, and nothing is deleted

	ledger, mem := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, mem.AppendDeduction(ctx, generic.DeductionEntry{
		ID:              "ded-orphan",
		AdvanceID:       "adv-gone",
		EmployeeID:      "emp-1",
		PayrollRunID:    runID(1),
		DeductionAmount: generic.MustParseAmount("10"),
		DeductionDate:   testNow,
	}))

	_, err := ledger.Restore(ctx, runID(1))
	var rerr *generic.ReversalError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, generic.ErrLedgerInvariant)
	assert.Equal(t, generic.AdvanceID("adv-gone"), rerr.AdvanceID)
	assert.True(t, generic.IsRetryable(err))

	entries, err := mem.ListDeductionsByRun(ctx, runID(1))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// =============================================================================
// ORDERING + PROJECTION
// =============================================================================

func TestLedger_ActiveAdvances_OrderedByApproval(t *testing.T) {
	// GIVEN: Two advances approved at different times, requested in reverse order
	// WHEN: Listing active advances
	// THEN: The older approval comes first

	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SaveEmployee(ctx, generic.Employee{ID: "emp-1", Status: generic.EmployeeActive, BaseSalary: generic.MustParseAmount("1000")}))

	clock := testNow
	ledger := advance.NewLedger(mem, advance.WithClock(func() time.Time { return clock }))

	late, err := ledger.Request(ctx, advance.RequestInput{EmployeeID: "emp-1", Amount: generic.MustParseAmount("300"), Installments: 3})
	require.NoError(t, err)
	early, err := ledger.Request(ctx, advance.RequestInput{EmployeeID: "emp-1", Amount: generic.MustParseAmount("100"), Installments: 1})
	require.NoError(t, err)

	_, err = ledger.Approve(ctx, early.ID)
	require.NoError(t, err)
	clock = clock.Add(time.Hour)
	_, err = ledger.Approve(ctx, late.ID)
	require.NoError(t, err)

	active, err := ledger.ActiveAdvances(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, early.ID, active[0].ID)
	assert.Equal(t, late.ID, active[1].ID)

	res, err := ledger.Apply(ctx, runID(1), "emp-1", testNow)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, early.ID, res.Entries[0].AdvanceID)
	assert.Equal(t, "200.00", res.TotalDeducted.String())
}

func TestLedger_Projection_DoesNotWrite(t *testing.T) {
	// GIVEN: An approved advance
	// WHEN: Projecting the monthly deduction several times
	// THEN: Same result each time and no balance or history change

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	a := approvedAdvance(t, ledger, "900", 3)

	for i := 0; i < 3; i++ {
		total, err := ledger.ProjectedMonthlyDeduction(ctx, "emp-1")
		require.NoError(t, err)
		assert.Equal(t, "300.00", total.String())
	}

	got, _ := ledger.Get(ctx, a.ID)
	assert.Equal(t, "900.00", got.RemainingAmount.String())
	history, err := ledger.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestLedger_PendingAdvance_NotDeducted(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Request(ctx, advance.RequestInput{EmployeeID: "emp-1", Amount: generic.MustParseAmount("500"), Installments: 5})
	require.NoError(t, err)

	res, err := ledger.Apply(ctx, runID(1), "emp-1", testNow)
	require.NoError(t, err)
	assert.True(t, res.TotalDeducted.IsZero())
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestLedger_Request_Validation(t *testing.T) {
	ledger, mem := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveEmployee(ctx, generic.Employee{ID: "emp-gone", Status: generic.EmployeeInactive}))

	_, err := ledger.Request(ctx, advance.RequestInput{EmployeeID: "emp-1", Amount: generic.Zero(), Installments: 1})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	_, err = ledger.Request(ctx, advance.RequestInput{EmployeeID: "emp-1", Amount: generic.MustParseAmount("10"), Installments: 0})
	assert.ErrorIs(t, err, generic.ErrInvalidInstallments)

	// 1.00 over 300 months would be 0.00 per run and never close
	_, err = ledger.Request(ctx, advance.RequestInput{EmployeeID: "emp-1", Amount: generic.MustParseAmount("1.00"), Installments: 300})
	assert.ErrorIs(t, err, generic.ErrInvalidInstallments)
	assert.True(t, generic.IsClientError(err))

	// 1.00 over 200 rounds up to 0.01 and is accepted
	_, err = ledger.Request(ctx, advance.RequestInput{EmployeeID: "emp-1", Amount: generic.MustParseAmount("1.00"), Installments: 200})
	assert.NoError(t, err)

	_, err = ledger.Request(ctx, advance.RequestInput{EmployeeID: "nobody", Amount: generic.MustParseAmount("10"), Installments: 1})
	assert.ErrorIs(t, err, generic.ErrEmployeeNotFound)
	assert.True(t, generic.IsClientError(err))

	_, err = ledger.Request(ctx, advance.RequestInput{EmployeeID: "emp-gone", Amount: generic.MustParseAmount("10"), Installments: 1})
	assert.ErrorIs(t, err, generic.ErrEmployeeInactive)
}

func TestLedger_Transitions(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	a, err := ledger.Request(ctx, advance.RequestInput{EmployeeID: "emp-1", Amount: generic.MustParseAmount("300"), Installments: 3})
	require.NoError(t, err)

	rejected, err := ledger.Reject(ctx, a.ID, "budget")
	require.NoError(t, err)
	assert.Equal(t, generic.AdvanceRejected, rejected.Status)
	assert.Equal(t, "budget", rejected.RejectionReason)

	_, err = ledger.Approve(ctx, a.ID)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	_, err = ledger.MarkAsPaid(ctx, a.ID)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	_, err = ledger.Approve(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrAdvanceNotFound)
}

func TestLedger_MarkAsPaid_RecordsSettlement(t *testing.T) {
	// GIVEN: An approved advance with one payroll installment taken
	// WHEN: The rest is settled manually
	// THEN: Status is paid and the history still sums to the paid amount

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	a := approvedAdvance(t, ledger, "1000", 4)

	_, err := ledger.Apply(ctx, runID(1), "emp-1", testNow.AddDate(0, 0, -10))
	require.NoError(t, err)

	paid, err := ledger.MarkAsPaid(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.AdvancePaid, paid.Status)
	assert.Equal(t, "1000.00", paid.PaidAmount.String())
	assert.Equal(t, "0.00", paid.RemainingAmount.String())
	require.NoError(t, ledger.Verify(ctx, a.ID))

	history, err := ledger.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, generic.RunID(""), history[1].PayrollRunID)
	assert.Equal(t, "750.00", history[1].DeductionAmount.String())
}

func TestLedger_Delete(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	fresh := approvedAdvance(t, ledger, "100", 1)
	require.NoError(t, ledger.Delete(ctx, fresh.ID))
	_, err := ledger.Get(ctx, fresh.ID)
	assert.ErrorIs(t, err, generic.ErrAdvanceNotFound)

	used := approvedAdvance(t, ledger, "100", 2)
	_, err = ledger.Apply(ctx, runID(1), "emp-1", testNow)
	require.NoError(t, err)

	err = ledger.Delete(ctx, used.ID)
	assert.ErrorIs(t, err, generic.ErrAdvanceHasDeductions)
	assert.True(t, generic.IsConflict(err))
}
