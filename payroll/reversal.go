package payroll

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/payroll-engine/advance"
	"github.com/warp/payroll-engine/generic"
)

// Reversal undoes a committed run's advance deductions. It runs on the
// transaction view of Orchestrator.Delete, so the run row is only removed
// in the same transaction after every balance is restored.
type Reversal struct {
	ledger *advance.Ledger
	logger *zap.Logger
}

func NewReversal(ledger *advance.Ledger, logger *zap.Logger) *Reversal {
	if logger == nil {
		logger = zap.L().Named("payroll.reversal")
	}
	return &Reversal{ledger: ledger, logger: logger}
}

type ReversalResult struct {
	Entries       int
	TotalRestored generic.Amount
}

// Reverse restores every deduction of runID on s. Any failure is a
// *generic.ReversalError and leaves the caller's transaction to roll back.
func (r *Reversal) Reverse(ctx context.Context, s generic.Store, runID generic.RunID) (ReversalResult, error) {
	restored, err := r.ledger.WithStore(s).Restore(ctx, runID)
	if err != nil {
		return ReversalResult{}, err
	}

	left, err := s.ListDeductionsByRun(ctx, runID)
	if err != nil {
		return ReversalResult{}, &generic.ReversalError{RunID: runID, Err: err}
	}
	if len(left) > 0 {
		return ReversalResult{}, &generic.ReversalError{RunID: runID, DeductionID: left[0].ID, AdvanceID: left[0].AdvanceID, Err: generic.ErrLedgerInvariant}
	}

	result := ReversalResult{Entries: len(restored), TotalRestored: generic.Zero()}
	for _, d := range restored {
		result.TotalRestored = result.TotalRestored.Add(d.DeductionAmount)
	}

	r.logger.Info("run reversed",
		zap.String("run_id", string(runID)),
		zap.Int("entries", result.Entries),
		zap.String("total_restored", result.TotalRestored.String()),
	)
	return result, nil
}
