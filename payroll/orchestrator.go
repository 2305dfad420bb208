/*
orchestrator.go - Payroll run lifecycle: create, commit, cancel, delete

PURPOSE:
  Drives a payroll run from creation to its committed, immutable result,
  and back out again when the run is deleted.

STATE MACHINE:
  pending --commit ok--> completed
  pending --any error--> failed

  completed and failed are terminal. A failed run is deleted and
  recreated, never resumed.

COMMIT:
  1. Take the month lock (fails fast with ErrRunLocked)
  2. Open ONE store transaction, take the store's month lock in it and
     re-read the run; anything but pending is ErrRunNotPending
  3. For each payable employee (ordered by ID):
       breakdown -> Ledger.Apply -> PayrollEntry with the realized
       advance deduction -> accumulate totals
  4. Mark the run completed, write a payroll.run.completed outbox event
  5. Commit the transaction

  On any error the transaction rolls back, so no entry, no deduction and
  no balance change survives. The run is then marked failed in a separate
  write and the caller gets a *generic.PersistenceError. That write only
  touches a run that is still pending.

  totalDeductions = sum(compensation deductions + advance deduction), so
  totalGross - totalDeductions == totalNet.

DELETE:
  Reversal.Reverse and the run deletion share one transaction. Either every
  balance is restored and the run is gone, or nothing changed and the
  delete can be retried.

MONTH LOCKS:
  The application lock (lock.Locker) is per process unless Redis backs
  it. Every run transaction also starts with generic.LockMonth, which the
  PostgreSQL store maps to an advisory lock, so instances sharing one
  database serialize there before reading what they decide on.

CANCEL / TIMEOUT:
  Commit runs under a context bounded by CommitTimeout. Cancel(runID)
  cancels it; the transaction rolls back and the run ends up failed.

SEE ALSO:
  - calculator.go: Read-only breakdowns
  - reversal.go: Inverse of commit
  - advance/ledger.go: Apply / Restore
  - lock/lock.go: Per-month lock
*/
package payroll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/payroll-engine/advance"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/lock"
)

const (
	DefaultCommitTimeout = 5 * time.Minute
	DefaultProgressEvery = 100

	failWriteTimeout = 10 * time.Second
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Options struct {
	Ledger        *advance.Ledger
	Locker        lock.Locker
	Logger        *zap.Logger
	Clock         func() time.Time
	CommitTimeout time.Duration
	ProgressEvery int
	Concurrency   int
	EventTopic    string
}

type Orchestrator struct {
	store    generic.TxStore
	ledger   *advance.Ledger
	calc     *Calculator
	reversal *Reversal
	locker   lock.Locker
	logger   *zap.Logger
	now      func() time.Time

	commitTimeout time.Duration
	progressEvery int
	eventTopic    string

	mu       sync.Mutex
	inflight map[generic.RunID]context.CancelFunc
}

func NewOrchestrator(store generic.TxStore, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Ledger == nil {
		opts.Ledger = advance.NewLedger(store,
			advance.WithClock(opts.Clock),
			advance.WithLogger(opts.Logger.Named("advance.ledger")),
		)
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = DefaultCommitTimeout
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	if opts.EventTopic == "" {
		opts.EventTopic = DefaultEventTopic
	}

	return &Orchestrator{
		store:         store,
		ledger:        opts.Ledger,
		calc:          NewCalculator(store, opts.Ledger, opts.Concurrency, opts.Logger.Named("payroll.calculator")),
		reversal:      NewReversal(opts.Ledger, opts.Logger.Named("payroll.reversal")),
		locker:        opts.Locker,
		logger:        opts.Logger.Named("payroll.orchestrator"),
		now:           opts.Clock,
		commitTimeout: opts.CommitTimeout,
		progressEvery: opts.ProgressEvery,
		eventTopic:    opts.EventTopic,
		inflight:      make(map[generic.RunID]context.CancelFunc),
	}
}

func (o *Orchestrator) Ledger() *advance.Ledger { return o.ledger }

// =============================================================================
// PREVIEW
// =============================================================================

// Preview computes the month without writing anything.
func (o *Orchestrator) Preview(ctx context.Context, month generic.Month, institutionID *generic.InstitutionID) ([]Breakdown, error) {
	if month.IsZero() {
		return nil, &generic.ValidationError{Field: "month", Err: generic.ErrInvalidMonth}
	}
	return o.calc.CalculatePayroll(ctx, month, institutionID)
}

func (o *Orchestrator) PreviewEmployee(ctx context.Context, employeeID generic.EmployeeID, month generic.Month) (Breakdown, error) {
	if month.IsZero() {
		return Breakdown{}, &generic.ValidationError{Field: "month", Err: generic.ErrInvalidMonth}
	}
	return o.calc.CalculateEmployeePayroll(ctx, employeeID, month)
}

// =============================================================================
// CREATE
// =============================================================================

// CreateRun registers a pending run with zero totals. A run whose scope
// overlaps an existing run of the same month is refused: an "all
// institutions" run overlaps every run of its month.
func (o *Orchestrator) CreateRun(ctx context.Context, month generic.Month, institutionID *generic.InstitutionID) (generic.PayrollRun, error) {
	if month.IsZero() {
		return generic.PayrollRun{}, &generic.ValidationError{Field: "month", Err: generic.ErrInvalidMonth}
	}
	if institutionID != nil && *institutionID == "" {
		institutionID = nil
	}

	release, err := o.acquire(ctx, month)
	if err != nil {
		return generic.PayrollRun{}, err
	}
	defer o.release(release)

	run := generic.PayrollRun{
		ID:              generic.RunID(generic.NewID()),
		Month:           month,
		InstitutionID:   institutionID,
		TotalGross:      generic.Zero(),
		TotalDeductions: generic.Zero(),
		TotalNet:        generic.Zero(),
		Status:          generic.RunPending,
		CreatedAt:       o.now().UTC(),
	}

	err = o.store.WithTx(ctx, func(s generic.Store) error {
		if err := generic.LockMonth(ctx, s, month); err != nil {
			return err
		}
		existing, err := s.ListRuns(ctx, generic.RunFilter{Month: &month})
		if err != nil {
			return err
		}
		for _, r := range existing {
			if r.Overlaps(month, institutionID) {
				return fmt.Errorf("%w: run %s", generic.ErrDuplicateRun, r.ID)
			}
		}
		return s.CreateRun(ctx, run)
	})
	if err != nil {
		return generic.PayrollRun{}, err
	}

	o.logger.Info("run created",
		zap.String("run_id", string(run.ID)),
		zap.String("month", month.String()),
		zap.Stringp("institution_id", (*string)(institutionID)),
	)
	return run, nil
}

// =============================================================================
// COMMIT
// =============================================================================

// Commit computes and persists the run. See the file header for guarantees.
func (o *Orchestrator) Commit(ctx context.Context, runID generic.RunID) (generic.PayrollRun, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return generic.PayrollRun{}, err
	}
	if run.Status != generic.RunPending {
		return generic.PayrollRun{}, fmt.Errorf("%w: run %s is %s", generic.ErrRunNotPending, runID, run.Status)
	}

	release, err := o.acquire(ctx, run.Month)
	if err != nil {
		return generic.PayrollRun{}, err
	}
	defer o.release(release)

	cctx, cancel := context.WithTimeout(ctx, o.commitTimeout)
	defer cancel()
	o.track(runID, cancel)
	defer o.untrack(runID)

	log := o.logger.With(zap.String("run_id", string(runID)), zap.String("month", run.Month.String()))
	log.Info("commit started")
	started := time.Now()

	var committed generic.PayrollRun
	err = o.store.WithTx(cctx, func(s generic.Store) error {
		if err := generic.LockMonth(cctx, s, run.Month); err != nil {
			return err
		}
		current, err := s.GetRun(cctx, runID)
		if err != nil {
			return err
		}
		if current.Status != generic.RunPending {
			return fmt.Errorf("%w: run %s is %s", generic.ErrRunNotPending, runID, current.Status)
		}
		committed, err = o.commitRun(cctx, s, current, log)
		return err
	})
	if err != nil {
		if errors.Is(err, generic.ErrRunNotPending) || errors.Is(err, generic.ErrRunNotFound) {
			return generic.PayrollRun{}, err
		}
		return generic.PayrollRun{}, o.fail(ctx, run, err, log)
	}

	log.Info("commit completed",
		zap.Int("employees", committed.TotalEmployees),
		zap.String("total_gross", committed.TotalGross.String()),
		zap.String("total_deductions", committed.TotalDeductions.String()),
		zap.String("total_net", committed.TotalNet.String()),
		zap.Duration("elapsed", time.Since(started)),
	)
	return committed, nil
}

// CreateAndCommit is CreateRun followed by Commit.
func (o *Orchestrator) CreateAndCommit(ctx context.Context, month generic.Month, institutionID *generic.InstitutionID) (generic.PayrollRun, error) {
	run, err := o.CreateRun(ctx, month, institutionID)
	if err != nil {
		return generic.PayrollRun{}, err
	}
	return o.Commit(ctx, run.ID)
}

func (o *Orchestrator) commitRun(ctx context.Context, s generic.Store, run generic.PayrollRun, log *zap.Logger) (generic.PayrollRun, error) {
	calc := o.calc.withStore(s)
	ledger := o.ledger.WithStore(s)

	employees, err := s.ListPayableEmployees(ctx, run.InstitutionID)
	if err != nil {
		return run, &generic.PersistenceError{Op: "list employees", RunID: run.ID, Err: err}
	}

	at := o.now().UTC()
	gross, deductions, net := generic.Zero(), generic.Zero(), generic.Zero()

	for i, emp := range employees {
		if err := ctx.Err(); err != nil {
			return run, &generic.PersistenceError{Op: "commit", RunID: run.ID, EmployeeID: emp.ID, Err: err}
		}

		b, err := calc.breakdown(ctx, emp, run.Month)
		if err != nil {
			return run, &generic.PersistenceError{Op: "calculate", RunID: run.ID, EmployeeID: emp.ID, Err: err}
		}

		applied, err := ledger.Apply(ctx, run.ID, emp.ID, at)
		if err != nil {
			return run, err
		}
		b = b.withAdvanceDeduction(applied.TotalDeducted)

		entry := generic.PayrollEntry{
			ID:               generic.EntryID(generic.NewID()),
			PayrollRunID:     run.ID,
			EmployeeID:       emp.ID,
			EmployeeName:     emp.Name,
			BaseSalary:       b.BaseSalary,
			Rewards:          b.Rewards,
			Deductions:       b.Deductions,
			AdvanceDeduction: b.AdvanceDeduction,
			GrossPay:         b.GrossPay,
			NetPay:           b.NetPay,
			CreatedAt:        at,
		}
		if err := s.SaveEntry(ctx, entry); err != nil {
			return run, &generic.PersistenceError{Op: "save entry", RunID: run.ID, EmployeeID: emp.ID, Err: err}
		}

		gross = gross.Add(b.GrossPay)
		deductions = deductions.Add(b.Deductions).Add(b.AdvanceDeduction)
		net = net.Add(b.NetPay)

		if (i+1)%o.progressEvery == 0 {
			log.Info("commit progress", zap.Int("processed", i+1), zap.Int("total", len(employees)))
		}
	}

	run.TotalEmployees = len(employees)
	run.TotalGross = gross
	run.TotalDeductions = deductions
	run.TotalNet = net
	run.Status = generic.RunCompleted
	run.Error = ""
	run.CompletedAt = &at

	if err := s.UpdateRun(ctx, run); err != nil {
		return run, &generic.PersistenceError{Op: "complete run", RunID: run.ID, Err: err}
	}
	if err := o.appendEvent(ctx, s, EventRunCompleted, run, at); err != nil {
		return run, &generic.PersistenceError{Op: "append outbox", RunID: run.ID, Err: err}
	}
	return run, nil
}

// fail records the failure outside the rolled-back transaction. The write
// is detached from ctx so a cancelled commit still records its outcome.
// A run that another writer has already completed, failed or deleted is
// left alone.
func (o *Orchestrator) fail(ctx context.Context, run generic.PayrollRun, cause error, log *zap.Logger) error {
	var perr *generic.PersistenceError
	if !errors.As(cause, &perr) {
		perr = &generic.PersistenceError{Op: "commit", RunID: run.ID, Err: cause}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	at := o.now().UTC()
	werr := o.store.WithTx(wctx, func(s generic.Store) error {
		if err := generic.LockMonth(wctx, s, run.Month); err != nil {
			return err
		}
		current, err := s.GetRun(wctx, run.ID)
		if err != nil {
			return err
		}
		if current.Status != generic.RunPending {
			log.Warn("run already settled, not marking failed", zap.String("status", string(current.Status)))
			return nil
		}
		current.Status = generic.RunFailed
		current.Error = perr.Error()
		current.CompletedAt = &at
		if err := s.UpdateRun(wctx, current); err != nil {
			return err
		}
		return o.appendEvent(wctx, s, EventRunFailed, current, at)
	})
	if werr != nil {
		log.Error("mark run failed", zap.Error(werr))
	}

	log.Error("commit failed",
		zap.String("employee_id", string(perr.EmployeeID)),
		zap.String("advance_id", string(perr.AdvanceID)),
		zap.Error(cause),
	)
	return perr
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel stops an in-flight commit of runID. The commit rolls back and the
// run is marked failed; delete it to start over.
func (o *Orchestrator) Cancel(runID generic.RunID) error {
	o.mu.Lock()
	cancel, ok := o.inflight[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: run %s", generic.ErrCommitNotRunning, runID)
	}
	cancel()
	o.logger.Warn("commit cancel requested", zap.String("run_id", string(runID)))
	return nil
}

func (o *Orchestrator) track(runID generic.RunID, cancel context.CancelFunc) {
	o.mu.Lock()
	o.inflight[runID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(runID generic.RunID) {
	o.mu.Lock()
	delete(o.inflight, runID)
	o.mu.Unlock()
}

// =============================================================================
// DELETE
// =============================================================================

// Delete reverses the run's deductions and removes the run with its
// entries. Safe on any completed or failed run.
func (o *Orchestrator) Delete(ctx context.Context, runID generic.RunID) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	release, err := o.acquire(ctx, run.Month)
	if err != nil {
		return err
	}
	defer o.release(release)

	var result ReversalResult
	err = o.store.WithTx(ctx, func(s generic.Store) error {
		if err := generic.LockMonth(ctx, s, run.Month); err != nil {
			return err
		}
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		res, rerr := o.reversal.Reverse(ctx, s, runID)
		if rerr != nil {
			return rerr
		}
		result = res
		if err := s.DeleteRun(ctx, runID); err != nil {
			return &generic.ReversalError{RunID: runID, Err: err}
		}
		if err := o.appendEvent(ctx, s, EventRunDeleted, run, o.now().UTC()); err != nil {
			return &generic.ReversalError{RunID: runID, Err: err}
		}
		return nil
	})
	if err != nil {
		o.logger.Error("delete run failed", zap.String("run_id", string(runID)), zap.Error(err))
		return err
	}

	o.logger.Info("run deleted",
		zap.String("run_id", string(runID)),
		zap.Int("deductions_restored", result.Entries),
		zap.String("total_restored", result.TotalRestored.String()),
	)
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (o *Orchestrator) GetRun(ctx context.Context, runID generic.RunID) (generic.PayrollRun, error) {
	return o.store.GetRun(ctx, runID)
}

func (o *Orchestrator) ListRuns(ctx context.Context, filter generic.RunFilter) ([]generic.PayrollRun, error) {
	return o.store.ListRuns(ctx, filter)
}

func (o *Orchestrator) Entries(ctx context.Context, runID generic.RunID) ([]generic.PayrollEntry, error) {
	if _, err := o.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return o.store.ListEntries(ctx, runID)
}

func (o *Orchestrator) GetEntry(ctx context.Context, id generic.EntryID) (generic.PayrollEntry, error) {
	return o.store.GetEntry(ctx, id)
}

// Deductions returns the advance installments a run applied.
func (o *Orchestrator) Deductions(ctx context.Context, runID generic.RunID) ([]generic.DeductionEntry, error) {
	if _, err := o.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return o.store.ListDeductionsByRun(ctx, runID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (o *Orchestrator) acquire(ctx context.Context, month generic.Month) (lock.Release, error) {
	release, err := o.locker.Acquire(ctx, lock.MonthKey(month.String()))
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, fmt.Errorf("%w: %s", generic.ErrRunLocked, month)
	}
	if err != nil {
		return nil, fmt.Errorf("lock month %s: %w", month, err)
	}
	return release, nil
}

func (o *Orchestrator) release(release lock.Release) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := release(ctx); err != nil {
		o.logger.Warn("release month lock", zap.Error(err))
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, s generic.Store, eventType string, run generic.PayrollRun, at time.Time) error {
	event, err := newRunEvent(eventType, o.eventTopic, run, at)
	if err != nil {
		return err
	}
	return s.AppendOutbox(ctx, event)
}
