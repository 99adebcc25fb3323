package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mcclellann/loanrecon/pkg/models"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db   *sql.DB
	q    querier
	inTx bool
	log  *zap.Logger
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string, log *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// A single writer keeps SQLite from returning SQLITE_BUSY under the batch worker pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := newWithDB(db, log)
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	s.log.Info("database connection established and schema initialized", zap.String("dsn", dataSourceName))
	return s, nil
}

func newWithDB(db *sql.DB, log *zap.Logger) *SQLiteStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &SQLiteStore{db: db, q: db, log: log.Named("store")}
}

// initSchema creates the database tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		borrower_id INTEGER NOT NULL,
		principal TEXT NOT NULL,
		installment_count INTEGER NOT NULL,
		periodic_amount TEXT NOT NULL,
		nominal_annual_rate TEXT NOT NULL DEFAULT '0',
		payment_frequency TEXT NOT NULL,
		base_date DATETIME NOT NULL,
		state TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		paid_installments INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_borrower ON loans(borrower_id);

	CREATE TABLE IF NOT EXISTS installments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		loan_id INTEGER NOT NULL,
		sequence_number INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		scheduled_amount TEXT NOT NULL,
		principal_component TEXT NOT NULL,
		interest_component TEXT NOT NULL,
		starting_balance TEXT NOT NULL,
		ending_balance TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		state TEXT NOT NULL,
		linked_payment_id INTEGER,
		FOREIGN KEY(loan_id) REFERENCES loans(id),
		UNIQUE(loan_id, sequence_number)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_reference TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		paid_at DATETIME NOT NULL,
		borrower_id INTEGER NOT NULL,
		loan_id INTEGER,
		installment_sequence INTEGER,
		reconciliation_status TEXT NOT NULL,
		reconciled_at DATETIME,
		allocated_amount TEXT NOT NULL DEFAULT '0',
		document_number TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_payments_document ON payments(document_number, reconciliation_status);

	CREATE TABLE IF NOT EXISTS allocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_id INTEGER NOT NULL,
		installment_id INTEGER NOT NULL,
		loan_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(payment_id) REFERENCES payments(id),
		UNIQUE(payment_id, installment_id)
	);

	CREATE TABLE IF NOT EXISTS reconciliation_audits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_id INTEGER NOT NULL,
		old_document_number TEXT NOT NULL,
		new_document_number TEXT NOT NULL,
		borrower_id INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		operator TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		FOREIGN KEY(payment_id) REFERENCES payments(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WithTx runs fn in a database transaction. Nested calls join the outer transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Storage) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteStore{db: s.db, q: tx, inTx: true, log: s.log}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const loanColumns = `id, borrower_id, principal, installment_count, periodic_amount, nominal_annual_rate, payment_frequency, base_date, state, paid_amount, paid_installments, created_at, updated_at`

// CreateLoan inserts a new loan and assigns its id.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO loans (borrower_id, principal, installment_count, periodic_amount, nominal_annual_rate, payment_frequency, base_date, state, paid_amount, paid_installments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.BorrowerID, loan.Principal, loan.InstallmentCount, loan.PeriodicAmount, loan.NominalAnnualRate, loan.PaymentFrequency, loan.BaseDate, loan.State, loan.PaidAmount, loan.PaidInstallments, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	if loan.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read loan id: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id int64) (*models.Loan, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFoundf("get loan", "loan %d not found", id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan updates an existing loan in the database.
func (s *SQLiteStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE loans SET borrower_id = ?, principal = ?, installment_count = ?, periodic_amount = ?, nominal_annual_rate = ?, payment_frequency = ?, base_date = ?, state = ?, paid_amount = ?, paid_installments = ?, updated_at = ? WHERE id = ?`,
		loan.BorrowerID, loan.Principal, loan.InstallmentCount, loan.PeriodicAmount, loan.NominalAnnualRate, loan.PaymentFrequency, loan.BaseDate, loan.State, loan.PaidAmount, loan.PaidInstallments, loan.UpdatedAt, loan.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return expectOneRow(result, "update loan", "loan %d not found", loan.ID)
}

// ListLoans pages through loans in id order.
func (s *SQLiteStore) ListLoans(ctx context.Context, f LoanFilter) ([]*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id > ?`
	args := []any{f.AfterID}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, f.State)
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryLoans(ctx, query, args...)
}

// ListLoansByBorrower returns every loan of the borrower.
func (s *SQLiteStore) ListLoansByBorrower(ctx context.Context, borrowerID int64) ([]*models.Loan, error) {
	return s.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans WHERE borrower_id = ? ORDER BY id ASC`, borrowerID)
}

func (s *SQLiteStore) queryLoans(ctx context.Context, query string, args ...any) ([]*models.Loan, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

func scanLoan(row scanner) (*models.Loan, error) {
	var loan models.Loan
	err := row.Scan(&loan.ID, &loan.BorrowerID, &loan.Principal, &loan.InstallmentCount, &loan.PeriodicAmount, &loan.NominalAnnualRate, &loan.PaymentFrequency, &loan.BaseDate, &loan.State, &loan.PaidAmount, &loan.PaidInstallments, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

const installmentColumns = `id, loan_id, sequence_number, due_date, scheduled_amount, principal_component, interest_component, starting_balance, ending_balance, paid_amount, state, linked_payment_id`

// ReplaceInstallments swaps the loan's full schedule in one transaction.
func (s *SQLiteStore) ReplaceInstallments(ctx context.Context, loanID int64, installments []models.Installment) error {
	return s.WithTx(ctx, func(tx Storage) error {
		t := tx.(*SQLiteStore)
		if _, err := t.q.ExecContext(ctx, `DELETE FROM installments WHERE loan_id = ?`, loanID); err != nil {
			return fmt.Errorf("failed to delete installments of loan %d: %w", loanID, err)
		}
		for i := range installments {
			inst := &installments[i]
			inst.LoanID = loanID
			res, err := t.q.ExecContext(ctx,
				`INSERT INTO installments (loan_id, sequence_number, due_date, scheduled_amount, principal_component, interest_component, starting_balance, ending_balance, paid_amount, state, linked_payment_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				loanID, inst.SequenceNumber, inst.DueDate, inst.ScheduledAmount, inst.PrincipalComponent, inst.InterestComponent, inst.StartingBalance, inst.EndingBalance, inst.PaidAmount, inst.State, inst.LinkedPaymentID,
			)
			if err != nil {
				return fmt.Errorf("failed to insert installment %d of loan %d: %w", inst.SequenceNumber, loanID, err)
			}
			if inst.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to read installment id: %w", err)
			}
		}
		return nil
	})
}

// GetInstallment retrieves an installment by its ID.
func (s *SQLiteStore) GetInstallment(ctx context.Context, id int64) (*models.Installment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+installmentColumns+` FROM installments WHERE id = ?`, id)
	inst, err := scanInstallment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFoundf("get installment", "installment %d not found", id)
		}
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}
	return inst, nil
}

// ListInstallments returns the loan's schedule ordered by sequence number.
func (s *SQLiteStore) ListInstallments(ctx context.Context, loanID int64) ([]*models.Installment, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+installmentColumns+` FROM installments WHERE loan_id = ? ORDER BY sequence_number ASC`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list installments for loan %d: %w", loanID, err)
	}
	defer rows.Close()

	var out []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan installments: %w", err)
	}
	return out, nil
}

// SaveInstallment writes the mutable allocation fields of an installment.
func (s *SQLiteStore) SaveInstallment(ctx context.Context, inst *models.Installment) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE installments SET paid_amount = ?, state = ?, linked_payment_id = ? WHERE id = ?`,
		inst.PaidAmount, inst.State, inst.LinkedPaymentID, inst.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save installment: %w", err)
	}
	return expectOneRow(result, "save installment", "installment %d not found", inst.ID)
}

func scanInstallment(row scanner) (*models.Installment, error) {
	var inst models.Installment
	var linked sql.NullInt64
	err := row.Scan(&inst.ID, &inst.LoanID, &inst.SequenceNumber, &inst.DueDate, &inst.ScheduledAmount, &inst.PrincipalComponent, &inst.InterestComponent, &inst.StartingBalance, &inst.EndingBalance, &inst.PaidAmount, &inst.State, &linked)
	if err != nil {
		return nil, err
	}
	if linked.Valid {
		inst.LinkedPaymentID = &linked.Int64
	}
	return &inst, nil
}

const paymentColumns = `id, external_reference, amount, paid_at, borrower_id, loan_id, installment_sequence, reconciliation_status, reconciled_at, allocated_amount, document_number`

// CreatePayment inserts a new payment and assigns its id.
func (s *SQLiteStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO payments (external_reference, amount, paid_at, borrower_id, loan_id, installment_sequence, reconciliation_status, reconciled_at, allocated_amount, document_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ExternalReference, p.Amount, p.PaidAt, p.BorrowerID, p.LoanID, p.InstallmentSequence, p.ReconciliationStatus, p.ReconciledAt, p.AllocatedAmount, p.DocumentNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read payment id: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by its ID.
func (s *SQLiteStore) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFoundf("get payment", "payment %d not found", id)
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// ListPayments pages through payments in id order. The open filter compares
// decimals in Go, so rows are fetched in chunks until the limit is met.
func (s *SQLiteStore) ListPayments(ctx context.Context, f PaymentFilter) ([]*models.Payment, error) {
	chunk := f.Limit
	if chunk <= 0 || chunk < 100 {
		chunk = 100
	}
	var out []*models.Payment
	cursor := f.AfterID
	for {
		query := `SELECT ` + paymentColumns + ` FROM payments WHERE id > ?`
		args := []any{cursor}
		if f.BorrowerID != 0 {
			query += ` AND borrower_id = ?`
			args = append(args, f.BorrowerID)
		}
		query += ` ORDER BY id ASC LIMIT ?`
		args = append(args, chunk)

		page, err := s.queryPayments(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for _, p := range page {
			cursor = p.ID
			if f.OnlyOpen && !p.Available().IsPositive() {
				continue
			}
			out = append(out, p)
			if f.Limit > 0 && len(out) == f.Limit {
				return out, nil
			}
		}
		if len(page) < chunk {
			return out, nil
		}
	}
}

// FindPaymentByDocument looks up a payment by exact document number and status.
func (s *SQLiteStore) FindPaymentByDocument(ctx context.Context, documentNumber string, status models.ReconciliationStatus) (*models.Payment, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE document_number = ? AND reconciliation_status = ? ORDER BY id ASC LIMIT 1`,
		documentNumber, status)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFoundf("find payment", "no %s payment with document %q", status, documentNumber)
		}
		return nil, fmt.Errorf("failed to find payment by document: %w", err)
	}
	return p, nil
}

// SavePayment writes every mutable field of a payment.
func (s *SQLiteStore) SavePayment(ctx context.Context, p *models.Payment) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE payments SET borrower_id = ?, loan_id = ?, installment_sequence = ?, reconciliation_status = ?, reconciled_at = ?, allocated_amount = ?, document_number = ? WHERE id = ?`,
		p.BorrowerID, p.LoanID, p.InstallmentSequence, p.ReconciliationStatus, p.ReconciledAt, p.AllocatedAmount, p.DocumentNumber, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return expectOneRow(result, "save payment", "payment %d not found", p.ID)
}

// CountPayments returns the total and reconciled payment counts.
func (s *SQLiteStore) CountPayments(ctx context.Context) (int, int, error) {
	var total, reconciled int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN reconciliation_status = ? THEN 1 ELSE 0 END), 0) FROM payments`,
		models.Reconciled,
	).Scan(&total, &reconciled)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count payments: %w", err)
	}
	return total, reconciled, nil
}

func (s *SQLiteStore) queryPayments(ctx context.Context, query string, args ...any) ([]*models.Payment, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return out, nil
}

func scanPayment(row scanner) (*models.Payment, error) {
	var p models.Payment
	var loanID, seq sql.NullInt64
	var reconciledAt sql.NullTime
	err := row.Scan(&p.ID, &p.ExternalReference, &p.Amount, &p.PaidAt, &p.BorrowerID, &loanID, &seq, &p.ReconciliationStatus, &reconciledAt, &p.AllocatedAmount, &p.DocumentNumber)
	if err != nil {
		return nil, err
	}
	if loanID.Valid {
		p.LoanID = &loanID.Int64
	}
	if seq.Valid {
		n := int(seq.Int64)
		p.InstallmentSequence = &n
	}
	if reconciledAt.Valid {
		p.ReconciledAt = &reconciledAt.Time
	}
	return &p, nil
}

// CreateAllocation appends an allocation record.
func (s *SQLiteStore) CreateAllocation(ctx context.Context, a *models.Allocation) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO allocations (payment_id, installment_id, loan_id, amount, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.PaymentID, a.InstallmentID, a.LoanID, a.Amount, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Consistencyf("create allocation", "payment %d already allocated to installment %d", a.PaymentID, a.InstallmentID)
		}
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read allocation id: %w", err)
	}
	return nil
}

// AllocationExists reports whether the payment was already applied to the installment.
func (s *SQLiteStore) AllocationExists(ctx context.Context, paymentID, installmentID int64) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM allocations WHERE payment_id = ? AND installment_id = ?`, paymentID, installmentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check allocation: %w", err)
	}
	return n > 0, nil
}

// ListAllocations returns the allocations of a payment in creation order.
func (s *SQLiteStore) ListAllocations(ctx context.Context, paymentID int64) ([]*models.Allocation, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, payment_id, installment_id, loan_id, amount, created_at FROM allocations WHERE payment_id = ? ORDER BY id ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations for payment %d: %w", paymentID, err)
	}
	defer rows.Close()

	var out []*models.Allocation
	for rows.Next() {
		var a models.Allocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InstallmentID, &a.LoanID, &a.Amount, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation row: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// AppendReconciliationAudit inserts an audit record and assigns its id.
func (s *SQLiteStore) AppendReconciliationAudit(ctx context.Context, a *models.ReconciliationAudit) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO reconciliation_audits (payment_id, old_document_number, new_document_number, borrower_id, note, operator, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.PaymentID, a.OldDocumentNumber, a.NewDocumentNumber, a.BorrowerID, a.Note, a.Operator, a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append reconciliation audit: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read audit id: %w", err)
	}
	return nil
}

// ListReconciliationAudits returns the audit trail of a payment, oldest first.
func (s *SQLiteStore) ListReconciliationAudits(ctx context.Context, paymentID int64) ([]*models.ReconciliationAudit, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, payment_id, old_document_number, new_document_number, borrower_id, note, operator, timestamp FROM reconciliation_audits WHERE payment_id = ? ORDER BY id ASC`,
		paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audits for payment %d: %w", paymentID, err)
	}
	defer rows.Close()

	var out []*models.ReconciliationAudit
	for rows.Next() {
		var a models.ReconciliationAudit
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.OldDocumentNumber, &a.NewDocumentNumber, &a.BorrowerID, &a.Note, &a.Operator, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

func expectOneRow(result sql.Result, op, format string, args ...any) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.NotFoundf(op, format, args...)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
