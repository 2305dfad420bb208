/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.TxStore using SQLite. This is the default store for
  local runs and tests; store/postgres is the production equivalent.

KEY TABLES:
  employees:          Employee directory mirror (read by the engine)
  compensations:      Ad-hoc rewards and deductions (read by the engine)
  advances:           Advances with their running balance
  advance_deductions: Append-only installment history
  payroll_runs:       One row per run
  payroll_entries:    Per-employee snapshot, cascades with its run
  outbox_events:      Run lifecycle events waiting for the relay

CONSTRAINTS:
  - idx_runs_month_institution: one run per (month, institution); a NULL
    institution ("all") is indexed as ''
  - idx_deductions_advance_run: one deduction per (advance, run)
  - advance_deductions.payroll_run_id references payroll_runs without
    cascade, so a run cannot be deleted while it still has deductions.
    Reversal must restore them first.

MONEY + TIME:
  Amounts are stored as fixed two-decimal TEXT ("1200.00"). Times are UTC
  TEXT in a fixed-width layout so string order is time order.

CONCURRENCY:
  One open connection; WithTx additionally serializes writers with a
  mutex. A transaction view must only be used inside its WithTx callback.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for crash recovery.

USAGE:
  store, err := sqlite.New("./data/payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/payroll-engine/generic"
)

// timeLayout is RFC3339 with fixed nanoseconds, so TEXT order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements generic.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

// queries holds every statement. Store runs them on the pool, txStore on
// an open transaction.
type queries struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every :memory: connection is its own database, and SQLite has a
	// single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_salary TEXT NOT NULL,
		status TEXT NOT NULL,
		institution_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_employees_institution
		ON employees(institution_id, status);

	CREATE TABLE IF NOT EXISTS compensations (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		type TEXT NOT NULL CHECK (type IN ('reward', 'deduction')),
		amount TEXT NOT NULL,
		reason TEXT,
		date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_compensations_employee_date
		ON compensations(employee_id, date);

	CREATE TABLE IF NOT EXISTS advances (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		amount TEXT NOT NULL,
		installments INTEGER NOT NULL CHECK (installments >= 1),
		status TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		remaining_amount TEXT NOT NULL,
		reason TEXT,
		request_date TEXT NOT NULL,
		approved_date TEXT,
		rejection_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_advances_employee_status
		ON advances(employee_id, status, approved_date, id);

	CREATE TABLE IF NOT EXISTS payroll_runs (
		id TEXT PRIMARY KEY,
		month TEXT NOT NULL,
		institution_id TEXT,
		total_employees INTEGER NOT NULL DEFAULT 0,
		total_gross TEXT NOT NULL,
		total_deductions TEXT NOT NULL,
		total_net TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	-- One run per (month, institution); NULL institution means all
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_month_institution
		ON payroll_runs(month, COALESCE(institution_id, ''));

	CREATE TABLE IF NOT EXISTS payroll_entries (
		id TEXT PRIMARY KEY,
		payroll_run_id TEXT NOT NULL REFERENCES payroll_runs(id) ON DELETE CASCADE,
		employee_id TEXT NOT NULL,
		employee_name TEXT NOT NULL,
		base_salary TEXT NOT NULL,
		rewards TEXT NOT NULL,
		deductions TEXT NOT NULL,
		advance_deduction TEXT NOT NULL,
		gross_pay TEXT NOT NULL,
		net_pay TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(payroll_run_id, employee_id)
	);

	-- NULL payroll_run_id is a manual settlement
	CREATE TABLE IF NOT EXISTS advance_deductions (
		id TEXT PRIMARY KEY,
		advance_id TEXT NOT NULL REFERENCES advances(id),
		employee_id TEXT NOT NULL,
		payroll_run_id TEXT REFERENCES payroll_runs(id),
		deduction_amount TEXT NOT NULL,
		remaining_amount_after TEXT NOT NULL,
		deduction_date TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_deductions_advance_run
		ON advance_deductions(advance_id, payroll_run_id);
	CREATE INDEX IF NOT EXISTS idx_deductions_run
		ON advance_deductions(payroll_run_id);

	CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		next_retry_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status
		ON outbox_events(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all rows. Used when loading demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(st generic.Store) error {
		tx := st.(*txStore)
		for _, table := range []string{
			"outbox_events", "advance_deductions", "payroll_entries", "payroll_runs",
			"advances", "compensations", "employees",
		} {
			if _, err := tx.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: &queries{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore is the view handed to WithTx callbacks. It has no WithTx of its
// own, so generic.Atomically runs nested work directly on it.
type txStore struct {
	*queries
}

// =============================================================================
// EMPLOYEE DIRECTORY
// =============================================================================

func (s *queries) GetEmployee(ctx context.Context, id generic.EmployeeID) (generic.Employee, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, name, base_salary, status, institution_id
		FROM employees WHERE id = ?`, string(id))
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Employee{}, generic.ErrEmployeeNotFound
	}
	return e, err
}

func (s *queries) ListPayableEmployees(ctx context.Context, institutionID *generic.InstitutionID) ([]generic.Employee, error) {
	query := `
		SELECT id, name, base_salary, status, institution_id
		FROM employees
		WHERE status = ? AND CAST(base_salary AS REAL) > 0`
	args := []any{string(generic.EmployeeActive)}
	if institutionID != nil {
		query += ` AND institution_id = ?`
		args = append(args, string(*institutionID))
	}
	query += ` ORDER BY id`

	rows, err := s.q.QueryContext(ctx, query, args...)
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
		if e.Payable() {
			result = append(result, e)
		}
	}
	return result, rows.Err()
}

func (s *queries) SaveEmployee(ctx context.Context, e generic.Employee) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO employees (id, name, base_salary, status, institution_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			base_salary = excluded.base_salary,
			status = excluded.status,
			institution_id = excluded.institution_id`,
		string(e.ID), e.Name, e.BaseSalary.String(), string(e.Status), string(e.InstitutionID),
	)
	return err
}

func scanEmployee(row scanner) (generic.Employee, error) {
	var e generic.Employee
	var id, salary, status, institution string
	if err := row.Scan(&id, &e.Name, &salary, &status, &institution); err != nil {
		return generic.Employee{}, err
	}
	e.ID = generic.EmployeeID(id)
	e.Status = generic.EmployeeStatus(status)
	e.InstitutionID = generic.InstitutionID(institution)
	var err error
	if e.BaseSalary, err = generic.ParseAmount(salary); err != nil {
		return generic.Employee{}, fmt.Errorf("employee %s base_salary: %w", id, err)
	}
	return e, nil
}

// =============================================================================
// COMPENSATION LEDGER
// =============================================================================

func (s *queries) ListCompensations(ctx context.Context, employeeID generic.EmployeeID, period generic.Period) ([]generic.Compensation, error) {
	from := generic.CalendarDate(period.Start)
	to := generic.CalendarDate(period.End).AddDate(0, 0, 1)

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, employee_id, type, amount, reason, date
		FROM compensations
		WHERE employee_id = ? AND date >= ? AND date < ?
		ORDER BY date, id`,
		string(employeeID), formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.Compensation
	for rows.Next() {
		var c generic.Compensation
		var id, emp, typ, amount, date string
		var reason sql.NullString
		if err := rows.Scan(&id, &emp, &typ, &amount, &reason, &date); err != nil {
			return nil, err
		}
		c.ID = generic.CompensationID(id)
		c.EmployeeID = generic.EmployeeID(emp)
		c.Type = generic.CompensationType(typ)
		c.Reason = reason.String
		if c.Amount, err = generic.ParseAmount(amount); err != nil {
			return nil, err
		}
		if c.Date, err = parseTime(date); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *queries) SaveCompensation(ctx context.Context, c generic.Compensation) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO compensations (id, employee_id, type, amount, reason, date)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			amount = excluded.amount,
			reason = excluded.reason,
			date = excluded.date`,
		string(c.ID), string(c.EmployeeID), string(c.Type), c.Amount.String(), nullString(c.Reason), formatTime(generic.CalendarDate(c.Date)),
	)
	return err
}

// =============================================================================
// ADVANCES
// =============================================================================

const advanceColumns = `id, employee_id, amount, installments, status, paid_amount, remaining_amount,
	reason, request_date, approved_date, rejection_reason, created_at, updated_at`

func (s *queries) GetAdvance(ctx context.Context, id generic.AdvanceID) (generic.Advance, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+advanceColumns+` FROM advances WHERE id = ?`, string(id))
	a, err := scanAdvance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Advance{}, generic.ErrAdvanceNotFound
	}
	return a, err
}

func (s *queries) ListAdvances(ctx context.Context, filter generic.AdvanceFilter) ([]generic.Advance, error) {
	query := `SELECT ` + advanceColumns + ` FROM advances WHERE 1=1`
	var args []any
	if filter.EmployeeID != nil {
		query += ` AND employee_id = ?`
		args = append(args, string(*filter.EmployeeID))
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at, id`
	return s.queryAdvances(ctx, query, args...)
}

// ListActiveAdvances relies on the surrounding transaction for isolation;
// SQLite has a single writer.
func (s *queries) ListActiveAdvances(ctx context.Context, employeeID generic.EmployeeID) ([]generic.Advance, error) {
	advances, err := s.queryAdvances(ctx, `
		SELECT `+advanceColumns+` FROM advances
		WHERE employee_id = ? AND status = ?
		ORDER BY approved_date, id`,
		string(employeeID), string(generic.AdvanceApproved),
	)
	if err != nil {
		return nil, err
	}
	active := advances[:0]
	for _, a := range advances {
		if a.RemainingAmount.IsPositive() {
			active = append(active, a)
		}
	}
	return active, nil
}

func (s *queries) queryAdvances(ctx context.Context, query string, args ...any) ([]generic.Advance, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
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
	var approved sql.NullString
	if a.ApprovedDate != nil {
		approved = sql.NullString{String: formatTime(*a.ApprovedDate), Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO advances (`+advanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			installments = excluded.installments,
			status = excluded.status,
			paid_amount = excluded.paid_amount,
			remaining_amount = excluded.remaining_amount,
			reason = excluded.reason,
			approved_date = excluded.approved_date,
			rejection_reason = excluded.rejection_reason,
			updated_at = excluded.updated_at`,
		string(a.ID), string(a.EmployeeID), a.Amount.String(), a.Installments, string(a.Status),
		a.PaidAmount.String(), a.RemainingAmount.String(), nullString(a.Reason),
		formatTime(a.RequestDate), approved, nullString(a.RejectionReason),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	return err
}

func (s *queries) DeleteAdvance(ctx context.Context, id generic.AdvanceID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM advances WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrAdvanceNotFound
	}
	return nil
}

func scanAdvance(row scanner) (generic.Advance, error) {
	var a generic.Advance
	var id, emp, amount, status, paid, remaining, requested, created, updated string
	var reason, approved, rejection sql.NullString
	if err := row.Scan(&id, &emp, &amount, &a.Installments, &status, &paid, &remaining,
		&reason, &requested, &approved, &rejection, &created, &updated); err != nil {
		return generic.Advance{}, err
	}
	a.ID = generic.AdvanceID(id)
	a.EmployeeID = generic.EmployeeID(emp)
	a.Status = generic.AdvanceStatus(status)
	a.Reason = reason.String
	a.RejectionReason = rejection.String

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
	if a.RequestDate, err = parseTime(requested); err != nil {
		return generic.Advance{}, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return generic.Advance{}, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return generic.Advance{}, err
	}
	if approved.Valid {
		t, err := parseTime(approved.String)
		if err != nil {
			return generic.Advance{}, err
		}
		a.ApprovedDate = &t
	}
	return a, nil
}

// =============================================================================
// DEDUCTION LEDGER
// =============================================================================

func (s *queries) AppendDeduction(ctx context.Context, d generic.DeductionEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO advance_deductions (
			id, advance_id, employee_id, payroll_run_id,
			deduction_amount, remaining_amount_after, deduction_date
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(d.ID), string(d.AdvanceID), string(d.EmployeeID), nullString(string(d.PayrollRunID)),
		d.DeductionAmount.String(), d.RemainingAmountAfter.String(), formatTime(d.DeductionDate),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: advance %s run %s", generic.ErrDuplicateDeduction, d.AdvanceID, d.PayrollRunID)
	}
	return err
}

func (s *queries) ListDeductionsByRun(ctx context.Context, runID generic.RunID) ([]generic.DeductionEntry, error) {
	return s.queryDeductions(ctx, `WHERE payroll_run_id = ?`, string(runID))
}

func (s *queries) ListDeductionsByAdvance(ctx context.Context, advanceID generic.AdvanceID) ([]generic.DeductionEntry, error) {
	return s.queryDeductions(ctx, `WHERE advance_id = ?`, string(advanceID))
}

func (s *queries) queryDeductions(ctx context.Context, where string, args ...any) ([]generic.DeductionEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, advance_id, employee_id, payroll_run_id,
			deduction_amount, remaining_amount_after, deduction_date
		FROM advance_deductions `+where+`
		ORDER BY deduction_date, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.DeductionEntry
	for rows.Next() {
		var d generic.DeductionEntry
		var id, adv, emp, amount, after, date string
		var run sql.NullString
		if err := rows.Scan(&id, &adv, &emp, &run, &amount, &after, &date); err != nil {
			return nil, err
		}
		d.ID = generic.DeductionID(id)
		d.AdvanceID = generic.AdvanceID(adv)
		d.EmployeeID = generic.EmployeeID(emp)
		d.PayrollRunID = generic.RunID(run.String)
		if d.DeductionAmount, err = generic.ParseAmount(amount); err != nil {
			return nil, err
		}
		if d.RemainingAmountAfter, err = generic.ParseAmount(after); err != nil {
			return nil, err
		}
		if d.DeductionDate, err = parseTime(date); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *queries) DeleteDeduction(ctx context.Context, id generic.DeductionID) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM advance_deductions WHERE id = ?`, string(id))
	return err
}

// =============================================================================
// PAYROLL RUNS
// =============================================================================

const runColumns = `id, month, institution_id, total_employees, total_gross, total_deductions,
	total_net, status, error, created_at, completed_at`

func (s *queries) CreateRun(ctx context.Context, run generic.PayrollRun) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payroll_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runArgs(run)...,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", generic.ErrDuplicateRun, run.Month)
	}
	return err
}

func (s *queries) GetRun(ctx context.Context, id generic.RunID) (generic.PayrollRun, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM payroll_runs WHERE id = ?`, string(id))
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.PayrollRun{}, generic.ErrRunNotFound
	}
	return r, err
}

func (s *queries) UpdateRun(ctx context.Context, run generic.PayrollRun) error {
	var completed sql.NullString
	if run.CompletedAt != nil {
		completed = sql.NullString{String: formatTime(*run.CompletedAt), Valid: true}
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE payroll_runs SET
			total_employees = ?, total_gross = ?, total_deductions = ?, total_net = ?,
			status = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		run.TotalEmployees, run.TotalGross.String(), run.TotalDeductions.String(), run.TotalNet.String(),
		string(run.Status), nullString(run.Error), completed, string(run.ID),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrRunNotFound
	}
	return nil
}

func (s *queries) ListRuns(ctx context.Context, filter generic.RunFilter) ([]generic.PayrollRun, error) {
	query := `SELECT ` + runColumns + ` FROM payroll_runs WHERE 1=1`
	var args []any
	if filter.Month != nil {
		query += ` AND month = ?`
		args = append(args, filter.Month.String())
	}
	if filter.InstitutionID != nil {
		query += ` AND institution_id = ?`
		args = append(args, string(*filter.InstitutionID))
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.q.QueryContext(ctx, query, args...)
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

// DeleteRun returns ErrLedgerInvariant while deductions still reference
// the run.
func (s *queries) DeleteRun(ctx context.Context, id generic.RunID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM payroll_runs WHERE id = ?`, string(id))
	if isForeignKeyError(err) {
		return fmt.Errorf("%w: run %s still has advance deductions", generic.ErrLedgerInvariant, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrRunNotFound
	}
	return nil
}

func runArgs(run generic.PayrollRun) []any {
	var institution, completed sql.NullString
	if run.InstitutionID != nil {
		institution = sql.NullString{String: string(*run.InstitutionID), Valid: true}
	}
	if run.CompletedAt != nil {
		completed = sql.NullString{String: formatTime(*run.CompletedAt), Valid: true}
	}
	return []any{
		string(run.ID), run.Month.String(), institution, run.TotalEmployees,
		run.TotalGross.String(), run.TotalDeductions.String(), run.TotalNet.String(),
		string(run.Status), nullString(run.Error), formatTime(run.CreatedAt), completed,
	}
}

func scanRun(row scanner) (generic.PayrollRun, error) {
	var r generic.PayrollRun
	var id, month, gross, deductions, net, status, created string
	var institution, errText, completed sql.NullString
	if err := row.Scan(&id, &month, &institution, &r.TotalEmployees, &gross, &deductions,
		&net, &status, &errText, &created, &completed); err != nil {
		return generic.PayrollRun{}, err
	}
	r.ID = generic.RunID(id)
	r.Status = generic.RunStatus(status)
	r.Error = errText.String
	if institution.Valid {
		inst := generic.InstitutionID(institution.String)
		r.InstitutionID = &inst
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
	if r.CreatedAt, err = parseTime(created); err != nil {
		return generic.PayrollRun{}, err
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return generic.PayrollRun{}, err
		}
		r.CompletedAt = &t
	}
	return r, nil
}

// =============================================================================
// PAYROLL ENTRIES
// =============================================================================

const entryColumns = `id, payroll_run_id, employee_id, employee_name, base_salary, rewards,
	deductions, advance_deduction, gross_pay, net_pay, created_at`

func (s *queries) SaveEntry(ctx context.Context, e generic.PayrollEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payroll_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), string(e.PayrollRunID), string(e.EmployeeID), e.EmployeeName,
		e.BaseSalary.String(), e.Rewards.String(), e.Deductions.String(), e.AdvanceDeduction.String(),
		e.GrossPay.String(), e.NetPay.String(), formatTime(e.CreatedAt),
	)
	if isForeignKeyError(err) {
		return generic.ErrRunNotFound
	}
	return err
}

func (s *queries) GetEntry(ctx context.Context, id generic.EntryID) (generic.PayrollEntry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM payroll_entries WHERE id = ?`, string(id))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.PayrollEntry{}, generic.ErrEntryNotFound
	}
	return e, err
}

func (s *queries) ListEntries(ctx context.Context, runID generic.RunID) ([]generic.PayrollEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM payroll_entries
		WHERE payroll_run_id = ?
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

func scanEntry(row scanner) (generic.PayrollEntry, error) {
	var e generic.PayrollEntry
	var id, run, emp, created string
	var amounts [6]string
	if err := row.Scan(&id, &run, &emp, &e.EmployeeName, &amounts[0], &amounts[1], &amounts[2],
		&amounts[3], &amounts[4], &amounts[5], &created); err != nil {
		return generic.PayrollEntry{}, err
	}
	e.ID = generic.EntryID(id)
	e.PayrollRunID = generic.RunID(run)
	e.EmployeeID = generic.EmployeeID(emp)

	targets := []*generic.Amount{&e.BaseSalary, &e.Rewards, &e.Deductions, &e.AdvanceDeduction, &e.GrossPay, &e.NetPay}
	for i, raw := range amounts {
		a, err := generic.ParseAmount(raw)
		if err != nil {
			return generic.PayrollEntry{}, err
		}
		*targets[i] = a
	}
	var err error
	if e.CreatedAt, err = parseTime(created); err != nil {
		return generic.PayrollEntry{}, err
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
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO outbox_events (
			id, aggregate_type, aggregate_id, event_type, topic, payload, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType, event.Topic,
		event.Payload, string(status), formatTime(event.CreatedAt),
	)
	return err
}

func (s *queries) ListPendingOutbox(ctx context.Context, now time.Time, limit int) ([]generic.OutboxEvent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, topic, payload,
			status, retry_count, next_retry_at, created_at
		FROM outbox_events
		WHERE status IN (?, ?)
			AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at, id
		LIMIT ?`,
		string(generic.OutboxPending), string(generic.OutboxFailed), formatTime(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []generic.OutboxEvent
	for rows.Next() {
		var e generic.OutboxEvent
		var status, created string
		var next sql.NullString
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Topic,
			&e.Payload, &status, &e.RetryCount, &next, &created); err != nil {
			return nil, err
		}
		e.Status = generic.OutboxStatus(status)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if next.Valid {
			if e.NextRetryAt, err = parseTime(next.String); err != nil {
				return nil, err
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *queries) MarkOutboxSent(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE outbox_events SET status = ?, error_message = NULL WHERE id = ?`,
		string(generic.OutboxSent), id,
	)
	return err
}

func (s *queries) MarkOutboxFailed(ctx context.Context, id string, reason string, nextRetryAt time.Time) error {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE outbox_events SET
			status = ?,
			retry_count = retry_count + 1,
			error_message = ?,
			next_retry_at = ?
		WHERE id = ?`,
		string(generic.OutboxFailed), reason, formatTime(nextRetryAt), id,
	)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
