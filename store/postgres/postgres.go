/*
Package postgres provides a PostgreSQL implementation of generic.TxStore.

PURPOSE:
  Production store. Same tables and constraints as store/sqlite, with
  NUMERIC(14,2) money and TIMESTAMPTZ times.

LOCKING INSIDE A TRANSACTION:
  - ListActiveAdvances uses SELECT ... FOR UPDATE, so two transactions
    cannot deduct the same advance concurrently.
  - The transaction view implements generic.MonthLocker with
    pg_advisory_xact_lock(hashtext('payroll:month:' || month)), released
    at commit or rollback. The orchestrator takes it first in every run
    transaction, before the overlap check or the status re-read, so it
    holds when several engine instances share one database without Redis.
  - Run writes (CreateRun, UpdateRun, DeleteRun) take the same lock again;
    advisory locks are re-entrant within a transaction.

MONEY:
  Amounts are bound as decimal strings and read back with ::text, so no
  float conversion ever happens.

SEE ALSO:
  - generic/store.go: Interface definitions
  - store/sqlite/sqlite.go: SQLite implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/generic"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Store struct {
	*queries
	pool   *pgxpool.Pool
	logger *zap.Logger
}

type queries struct {
	q    Querier
	inTx bool
}

// New connects to dsn, checks the connection and applies the schema.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.L()
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 25
	config.MinConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{queries: &queries{q: pool}, pool: pool, logger: logger.Named("store.postgres")}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_salary NUMERIC(14,2) NOT NULL,
		status TEXT NOT NULL,
		institution_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_employees_institution ON employees(institution_id, status);

	CREATE TABLE IF NOT EXISTS compensations (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		type TEXT NOT NULL CHECK (type IN ('reward', 'deduction')),
		amount NUMERIC(14,2) NOT NULL,
		reason TEXT,
		date TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_compensations_employee_date ON compensations(employee_id, date);

	CREATE TABLE IF NOT EXISTS advances (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		amount NUMERIC(14,2) NOT NULL,
		installments INTEGER NOT NULL CHECK (installments >= 1),
		status TEXT NOT NULL,
		paid_amount NUMERIC(14,2) NOT NULL,
		remaining_amount NUMERIC(14,2) NOT NULL,
		reason TEXT,
		request_date TIMESTAMPTZ NOT NULL,
		approved_date TIMESTAMPTZ,
		rejection_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (remaining_amount = amount - paid_amount)
	);
	CREATE INDEX IF NOT EXISTS idx_advances_employee_status
		ON advances(employee_id, status, approved_date, id);

	CREATE TABLE IF NOT EXISTS payroll_runs (
		id TEXT PRIMARY KEY,
		month CHAR(7) NOT NULL,
		institution_id TEXT,
		total_employees INTEGER NOT NULL DEFAULT 0,
		total_gross NUMERIC(14,2) NOT NULL,
		total_deductions NUMERIC(14,2) NOT NULL,
		total_net NUMERIC(14,2) NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_month_institution
		ON payroll_runs(month, COALESCE(institution_id, ''));

	CREATE TABLE IF NOT EXISTS payroll_entries (
		id TEXT PRIMARY KEY,
		payroll_run_id TEXT NOT NULL REFERENCES payroll_runs(id) ON DELETE CASCADE,
		employee_id TEXT NOT NULL,
		employee_name TEXT NOT NULL,
		base_salary NUMERIC(14,2) NOT NULL,
		rewards NUMERIC(14,2) NOT NULL,
		deductions NUMERIC(14,2) NOT NULL,
		advance_deduction NUMERIC(14,2) NOT NULL,
		gross_pay NUMERIC(14,2) NOT NULL,
		net_pay NUMERIC(14,2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (payroll_run_id, employee_id)
	);

	CREATE TABLE IF NOT EXISTS advance_deductions (
		id TEXT PRIMARY KEY,
		advance_id TEXT NOT NULL REFERENCES advances(id),
		employee_id TEXT NOT NULL,
		payroll_run_id TEXT REFERENCES payroll_runs(id),
		deduction_amount NUMERIC(14,2) NOT NULL,
		remaining_amount_after NUMERIC(14,2) NOT NULL,
		deduction_date TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_deductions_advance_run
		ON advance_deductions(advance_id, payroll_run_id);
	CREATE INDEX IF NOT EXISTS idx_deductions_run ON advance_deductions(payroll_run_id);

	CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		next_retry_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_events(status, created_at);
	`)
	return err
}

// Reset truncates every table. Used when loading demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		TRUNCATE outbox_events, advance_deductions, payroll_entries, payroll_runs,
			advances, compensations, employees`)
	return err
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes fn inside a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				s.logger.Error("rollback during panic recovery", zap.Error(rbErr))
			}
			panic(p)
		}
	}()

	if err := fn(&txStore{queries: &queries{q: tx, inTx: true}}); err != nil {
		// ctx may already be cancelled; the rollback must still reach the server.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return fmt.Errorf("rollback error: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	*queries
}

// LockMonth serializes run writers of month across every engine instance
// sharing the database. Only the transaction view implements it.
func (s *txStore) LockMonth(ctx context.Context, month generic.Month) error {
	return s.lockMonth(ctx, month.String())
}

func (s *queries) lockMonth(ctx context.Context, month string) error {
	if !s.inTx {
		return nil
	}
	_, err := s.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "payroll:month:"+month)
	return err
}

// =============================================================================
// EMPLOYEE DIRECTORY
// =============================================================================

const employeeColumns = `id, name, base_salary::text, status, institution_id`

func (s *queries) GetEmployee(ctx context.Context, id generic.EmployeeID) (generic.Employee, error) {
	e, err := scanEmployee(s.q.QueryRow(ctx, `SELECT `+employeeColumns+` FROM employees WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Employee{}, generic.ErrEmployeeNotFound
	}
	return e, err
}

func (s *queries) ListPayableEmployees(ctx context.Context, institutionID *generic.InstitutionID) ([]generic.Employee, error) {
	query := `SELECT ` + employeeColumns + ` FROM employees WHERE status = $1 AND base_salary > 0`
	args := []interface{}{string(generic.EmployeeActive)}
	if institutionID != nil {
		query += ` AND institution_id = $2`
		args = append(args, string(*institutionID))
	}
	query += ` ORDER BY id`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *queries) SaveEmployee(ctx context.Context, e generic.Employee) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO employees (id, name, base_salary, status, institution_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			base_salary = EXCLUDED.base_salary,
			status = EXCLUDED.status,
			institution_id = EXCLUDED.institution_id`,
		string(e.ID), e.Name, e.BaseSalary.String(), string(e.Status), string(e.InstitutionID),
	)
	return err
}

func scanEmployee(row pgx.Row) (generic.Employee, error) {
	var e generic.Employee
	var id, salary, status, institution string
	if err := row.Scan(&id, &e.Name, &salary, &status, &institution); err != nil {
		return generic.Employee{}, err
	}
	e.ID = generic.EmployeeID(id)
	e.Status = generic.EmployeeStatus(status)
	e.InstitutionID = generic.InstitutionID(institution)
	var err error
	e.BaseSalary, err = generic.ParseAmount(salary)
	return e, err
}

// =============================================================================
// COMPENSATION LEDGER
// =============================================================================

func (s *queries) ListCompensations(ctx context.Context, employeeID generic.EmployeeID, period generic.Period) ([]generic.Compensation, error) {
	from := generic.CalendarDate(period.Start)
	to := generic.CalendarDate(period.End).AddDate(0, 0, 1)

	rows, err := s.q.Query(ctx, `
		SELECT id, employee_id, type, amount::text, COALESCE(reason, ''), date
		FROM compensations
		WHERE employee_id = $1 AND date >= $2 AND date < $3
		ORDER BY date, id`,
		string(employeeID), from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.Compensation
	for rows.Next() {
		var c generic.Compensation
		var id, emp, typ, amount string
		if err := rows.Scan(&id, &emp, &typ, &amount, &c.Reason, &c.Date); err != nil {
			return nil, err
		}
		c.ID = generic.CompensationID(id)
		c.EmployeeID = generic.EmployeeID(emp)
		c.Type = generic.CompensationType(typ)
		c.Date = c.Date.UTC()
		if c.Amount, err = generic.ParseAmount(amount); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *queries) SaveCompensation(ctx context.Context, c generic.Compensation) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO compensations (id, employee_id, type, amount, reason, date)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			amount = EXCLUDED.amount,
			reason = EXCLUDED.reason,
			date = EXCLUDED.date`,
		string(c.ID), string(c.EmployeeID), string(c.Type), c.Amount.String(), c.Reason, generic.CalendarDate(c.Date),
	)
	return err
}

// =============================================================================
// ADVANCES
// =============================================================================

const advanceColumns = `id, employee_id, amount::text, installments, status, paid_amount::text,
	remaining_amount::text, COALESCE(reason, ''), request_date, approved_date,
	COALESCE(rejection_reason, ''), created_at, updated_at`

func (s *queries) GetAdvance(ctx context.Context, id generic.AdvanceID) (generic.Advance, error) {
	a, err := scanAdvance(s.q.QueryRow(ctx, `SELECT `+advanceColumns+` FROM advances WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Advance{}, generic.ErrAdvanceNotFound
	}
	return a, err
}

func (s *queries) ListAdvances(ctx context.Context, filter generic.AdvanceFilter) ([]generic.Advance, error) {
	query := `SELECT ` + advanceColumns + ` FROM advances WHERE 1=1`
	var args []interface{}
	if filter.EmployeeID != nil {
		args = append(args, string(*filter.EmployeeID))
		query += fmt.Sprintf(` AND employee_id = $%d`, len(args))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at, id`
	return s.queryAdvances(ctx, query, args...)
}

// ListActiveAdvances locks the returned rows when called inside WithTx.
func (s *queries) ListActiveAdvances(ctx context.Context, employeeID generic.EmployeeID) ([]generic.Advance, error) {
	query := `
		SELECT ` + advanceColumns + ` FROM advances
		WHERE employee_id = $1 AND status = $2 AND remaining_amount > 0
		ORDER BY approved_date, id`
	if s.inTx {
		query += ` FOR UPDATE`
	}
	return s.queryAdvances(ctx, query, string(employeeID), string(generic.AdvanceApproved))
}

func (s *queries) queryAdvances(ctx context.Context, query string, args ...interface{}) ([]generic.Advance, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.Advance
	for rows.Next() {
		a, err := scanAdvance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *queries) SaveAdvance(ctx context.Context, a generic.Advance) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO advances (
			id, employee_id, amount, installments, status, paid_amount, remaining_amount,
			reason, request_date, approved_date, rejection_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, NULLIF($11, ''), $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			amount = EXCLUDED.amount,
			installments = EXCLUDED.installments,
			status = EXCLUDED.status,
			paid_amount = EXCLUDED.paid_amount,
			remaining_amount = EXCLUDED.remaining_amount,
			reason = EXCLUDED.reason,
			approved_date = EXCLUDED.approved_date,
			rejection_reason = EXCLUDED.rejection_reason,
			updated_at = EXCLUDED.updated_at`,
		string(a.ID), string(a.EmployeeID), a.Amount.String(), a.Installments, string(a.Status),
		a.PaidAmount.String(), a.RemainingAmount.String(), a.Reason, a.RequestDate, a.ApprovedDate,
		a.RejectionReason, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *queries) DeleteAdvance(ctx context.Context, id generic.AdvanceID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM advances WHERE id = $1`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrAdvanceNotFound
	}
	return nil
}

func scanAdvance(row pgx.Row) (generic.Advance, error) {
	var a generic.Advance
	var id, emp, amount, status, paid, remaining string
	if err := row.Scan(&id, &emp, &amount, &a.Installments, &status, &paid, &remaining,
		&a.Reason, &a.RequestDate, &a.ApprovedDate, &a.RejectionReason, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return generic.Advance{}, err
	}
	a.ID = generic.AdvanceID(id)
	a.EmployeeID = generic.EmployeeID(emp)
	a.Status = generic.AdvanceStatus(status)
	a.RequestDate = a.RequestDate.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if a.ApprovedDate != nil {
		t := a.ApprovedDate.UTC()
		a.ApprovedDate = &t
	}

	var err error
	if a.Amount, err = generic.ParseAmount(amount); err != nil {
		return generic.Advance{}, err
	}
	if a.PaidAmount, err = generic.ParseAmount(paid); err != nil {
		return generic.Advance{}, err
	}
	if a.RemainingAmount, err = generic.ParseAmount(remaining); err != nil {
		return generic.Advance{}, err
	}
	return a, nil
}

// =============================================================================
// DEDUCTION LEDGER
// =============================================================================

func (s *queries) AppendDeduction(ctx context.Context, d generic.DeductionEntry) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO advance_deductions (
			id, advance_id, employee_id, payroll_run_id,
			deduction_amount, remaining_amount_after, deduction_date
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		string(d.ID), string(d.AdvanceID), string(d.EmployeeID), string(d.PayrollRunID),
		d.DeductionAmount.String(), d.RemainingAmountAfter.String(), d.DeductionDate,
	)
	if pgCode(err) == uniqueViolation {
		return fmt.Errorf("%w: advance %s run %s", generic.ErrDuplicateDeduction, d.AdvanceID, d.PayrollRunID)
	}
	return err
}

func (s *queries) ListDeductionsByRun(ctx context.Context, runID generic.RunID) ([]generic.DeductionEntry, error) {
	return s.queryDeductions(ctx, `WHERE payroll_run_id = $1`, string(runID))
}

func (s *queries) ListDeductionsByAdvance(ctx context.Context, advanceID generic.AdvanceID) ([]generic.DeductionEntry, error) {
	return s.queryDeductions(ctx, `WHERE advance_id = $1`, string(advanceID))
}

func (s *queries) queryDeductions(ctx context.Context, where string, args ...interface{}) ([]generic.DeductionEntry, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, advance_id, employee_id, COALESCE(payroll_run_id, ''),
			deduction_amount::text, remaining_amount_after::text, deduction_date
		FROM advance_deductions `+where+`
		ORDER BY deduction_date, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.DeductionEntry
	for rows.Next() {
		var d generic.DeductionEntry
		var id, adv, emp, run, amount, after string
		if err := rows.Scan(&id, &adv, &emp, &run, &amount, &after, &d.DeductionDate); err != nil {
			return nil, err
		}
		d.ID = generic.DeductionID(id)
		d.AdvanceID = generic.AdvanceID(adv)
		d.EmployeeID = generic.EmployeeID(emp)
		d.PayrollRunID = generic.RunID(run)
		d.DeductionDate = d.DeductionDate.UTC()
		if d.DeductionAmount, err = generic.ParseAmount(amount); err != nil {
			return nil, err
		}
		if d.RemainingAmountAfter, err = generic.ParseAmount(after); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *queries) DeleteDeduction(ctx context.Context, id generic.DeductionID) error {
	_, err := s.q.Exec(ctx, `DELETE FROM advance_deductions WHERE id = $1`, string(id))
	return err
}

// =============================================================================
// PAYROLL RUNS
// =============================================================================

const runColumns = `id, month, institution_id, total_employees, total_gross::text,
	total_deductions::text, total_net::text, status, COALESCE(error, ''), created_at, completed_at`

func (s *queries) CreateRun(ctx context.Context, run generic.PayrollRun) error {
	if err := s.lockMonth(ctx, run.Month.String()); err != nil {
		return err
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO payroll_runs (
			id, month, institution_id, total_employees, total_gross, total_deductions,
			total_net, status, error, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)`,
		string(run.ID), run.Month.String(), (*string)(run.InstitutionID), run.TotalEmployees,
		run.TotalGross.String(), run.TotalDeductions.String(), run.TotalNet.String(),
		string(run.Status), run.Error, run.CreatedAt, run.CompletedAt,
	)
	if pgCode(err) == uniqueViolation {
		return fmt.Errorf("%w: %s", generic.ErrDuplicateRun, run.Month)
	}
	return err
}

func (s *queries) GetRun(ctx context.Context, id generic.RunID) (generic.PayrollRun, error) {
	r, err := scanRun(s.q.QueryRow(ctx, `SELECT `+runColumns+` FROM payroll_runs WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.PayrollRun{}, generic.ErrRunNotFound
	}
	return r, err
}

func (s *queries) UpdateRun(ctx context.Context, run generic.PayrollRun) error {
	if err := s.lockMonth(ctx, run.Month.String()); err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE payroll_runs SET
			total_employees = $2, total_gross = $3, total_deductions = $4, total_net = $5,
			status = $6, error = NULLIF($7, ''), completed_at = $8
		WHERE id = $1`,
		string(run.ID), run.TotalEmployees, run.TotalGross.String(), run.TotalDeductions.String(),
		run.TotalNet.String(), string(run.Status), run.Error, run.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrRunNotFound
	}
	return nil
}

func (s *queries) ListRuns(ctx context.Context, filter generic.RunFilter) ([]generic.PayrollRun, error) {
	query := `SELECT ` + runColumns + ` FROM payroll_runs WHERE 1=1`
	var args []interface{}
	if filter.Month != nil {
		args = append(args, filter.Month.String())
		query += fmt.Sprintf(` AND month = $%d`, len(args))
	}
	if filter.InstitutionID != nil {
		args = append(args, string(*filter.InstitutionID))
		query += fmt.Sprintf(` AND institution_id = $%d`, len(args))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.PayrollRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *queries) DeleteRun(ctx context.Context, id generic.RunID) error {
	if s.inTx {
		var month string
		err := s.q.QueryRow(ctx, `SELECT month FROM payroll_runs WHERE id = $1`, string(id)).Scan(&month)
		if errors.Is(err, pgx.ErrNoRows) {
			return generic.ErrRunNotFound
		}
		if err != nil {
			return err
		}
		if err := s.lockMonth(ctx, month); err != nil {
			return err
		}
	}

	tag, err := s.q.Exec(ctx, `DELETE FROM payroll_runs WHERE id = $1`, string(id))
	if err != nil {
		if pgCode(err) == foreignKeyViolation {
			return fmt.Errorf("%w: run %s still has advance deductions", generic.ErrLedgerInvariant, id)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrRunNotFound
	}
	return nil
}

func scanRun(row pgx.Row) (generic.PayrollRun, error) {
	var r generic.PayrollRun
	var id, month, gross, deductions, net, status string
	var institution *string
	if err := row.Scan(&id, &month, &institution, &r.TotalEmployees, &gross, &deductions,
		&net, &status, &r.Error, &r.CreatedAt, &r.CompletedAt); err != nil {
		return generic.PayrollRun{}, err
	}
	r.ID = generic.RunID(id)
	r.Status = generic.RunStatus(status)
	r.InstitutionID = (*generic.InstitutionID)(institution)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		r.CompletedAt = &t
	}

	var err error
	if r.Month, err = generic.ParseMonth(month); err != nil {
		return generic.PayrollRun{}, err
	}
	if r.TotalGross, err = generic.ParseAmount(gross); err != nil {
		return generic.PayrollRun{}, err
	}
	if r.TotalDeductions, err = generic.ParseAmount(deductions); err != nil {
		return generic.PayrollRun{}, err
	}
	if r.TotalNet, err = generic.ParseAmount(net); err != nil {
		return generic.PayrollRun{}, err
	}
	return r, nil
}

// =============================================================================
// PAYROLL ENTRIES
// =============================================================================

const entryColumns = `id, payroll_run_id, employee_id, employee_name, base_salary::text, rewards::text,
	deductions::text, advance_deduction::text, gross_pay::text, net_pay::text, created_at`

func (s *queries) SaveEntry(ctx context.Context, e generic.PayrollEntry) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO payroll_entries (
			id, payroll_run_id, employee_id, employee_name, base_salary, rewards,
			deductions, advance_deduction, gross_pay, net_pay, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(e.ID), string(e.PayrollRunID), string(e.EmployeeID), e.EmployeeName,
		e.BaseSalary.String(), e.Rewards.String(), e.Deductions.String(), e.AdvanceDeduction.String(),
		e.GrossPay.String(), e.NetPay.String(), e.CreatedAt,
	)
	if pgCode(err) == foreignKeyViolation {
		return generic.ErrRunNotFound
	}
	return err
}

func (s *queries) GetEntry(ctx context.Context, id generic.EntryID) (generic.PayrollEntry, error) {
	e, err := scanEntry(s.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM payroll_entries WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.PayrollEntry{}, generic.ErrEntryNotFound
	}
	return e, err
}

func (s *queries) ListEntries(ctx context.Context, runID generic.RunID) ([]generic.PayrollEntry, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+entryColumns+` FROM payroll_entries
		WHERE payroll_run_id = $1
		ORDER BY employee_id`, string(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.PayrollEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanEntry(row pgx.Row) (generic.PayrollEntry, error) {
	var e generic.PayrollEntry
	var id, run, emp string
	var amounts [6]string
	if err := row.Scan(&id, &run, &emp, &e.EmployeeName, &amounts[0], &amounts[1], &amounts[2],
		&amounts[3], &amounts[4], &amounts[5], &e.CreatedAt); err != nil {
		return generic.PayrollEntry{}, err
	}
	e.ID = generic.EntryID(id)
	e.PayrollRunID = generic.RunID(run)
	e.EmployeeID = generic.EmployeeID(emp)
	e.CreatedAt = e.CreatedAt.UTC()

	targets := []*generic.Amount{&e.BaseSalary, &e.Rewards, &e.Deductions, &e.AdvanceDeduction, &e.GrossPay, &e.NetPay}
	for i, raw := range amounts {
		a, err := generic.ParseAmount(raw)
		if err != nil {
			return generic.PayrollEntry{}, err
		}
		*targets[i] = a
	}
	return e, nil
}

// =============================================================================
// OUTBOX
// =============================================================================

func (s *queries) AppendOutbox(ctx context.Context, event generic.OutboxEvent) error {
	status := event.Status
	if status == "" {
		status = generic.OutboxPending
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO outbox_events (
			id, aggregate_type, aggregate_id, event_type, topic, payload, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType, event.Topic,
		string(event.Payload), string(status), event.CreatedAt,
	)
	return err
}

func (s *queries) ListPendingOutbox(ctx context.Context, now time.Time, limit int) ([]generic.OutboxEvent, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, topic, payload::text,
			status, retry_count, next_retry_at, created_at
		FROM outbox_events
		WHERE status IN ($1, $2)
			AND (next_retry_at IS NULL OR next_retry_at <= $3)
		ORDER BY created_at, id
		LIMIT $4`,
		string(generic.OutboxPending), string(generic.OutboxFailed), now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.OutboxEvent
	for rows.Next() {
		var e generic.OutboxEvent
		var payload, status string
		var next *time.Time
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Topic,
			&payload, &status, &e.RetryCount, &next, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		e.Status = generic.OutboxStatus(status)
		if next != nil {
			e.NextRetryAt = next.UTC()
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *queries) MarkOutboxSent(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE outbox_events SET status = $2, error_message = NULL WHERE id = $1`,
		id, string(generic.OutboxSent),
	)
	return err
}

func (s *queries) MarkOutboxFailed(ctx context.Context, id string, reason string, nextRetryAt time.Time) error {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	_, err := s.q.Exec(ctx, `
		UPDATE outbox_events SET
			status = $2,
			retry_count = retry_count + 1,
			error_message = $3,
			next_retry_at = $4
		WHERE id = $1`,
		id, string(generic.OutboxFailed), reason, nextRetryAt,
	)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
