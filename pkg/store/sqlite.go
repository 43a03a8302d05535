package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/propview/mortgage-engine/pkg/errs"
	"github.com/propview/mortgage-engine/pkg/models"
	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
// Decimal columns are stored as TEXT so no precision is lost.
type SQLiteStore struct {
	db *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx so the write helpers can be
// reused inside the explicit transactions.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
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

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS properties (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS mortgages (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		lender TEXT NOT NULL,
		original_loan_amount TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		term_years INTEGER NOT NULL,
		mortgage_type TEXT NOT NULL,
		product_type TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		end_date DATETIME NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		current_balance TEXT NOT NULL,
		principal_paid_to_date TEXT NOT NULL DEFAULT '0',
		interest_paid_to_date TEXT NOT NULL DEFAULT '0',
		monthly_payment TEXT NOT NULL,
		linked_to_mortgage_id TEXT,
		notes TEXT NOT NULL DEFAULT '',
		flagged INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mortgage_property ON mortgages(property_id, sequence_number);
	CREATE INDEX IF NOT EXISTS idx_mortgage_user ON mortgages(user_id);
	CREATE INDEX IF NOT EXISTS idx_mortgage_active ON mortgages(is_active);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		mortgage_id TEXT NOT NULL,
		payment_number INTEGER,
		payment_type TEXT NOT NULL,
		source TEXT NOT NULL,
		due_date DATETIME NOT NULL,
		actual_payment_date DATETIME,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT,
		status TEXT NOT NULL,
		topup_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY(mortgage_id) REFERENCES mortgages(id)
	);
	CREATE INDEX IF NOT EXISTS idx_payment_mortgage ON payments(mortgage_id, due_date);
	CREATE INDEX IF NOT EXISTS idx_payment_status ON payments(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_scheduled_unique
		ON payments(mortgage_id, due_date)
		WHERE payment_type = 'SCHEDULED' AND source = 'SYSTEM_GENERATED';
	`
	_, err := s.db.Exec(schema)
	return err
}

const mortgageColumns = `id, property_id, user_id, sequence_number, lender, original_loan_amount,
	interest_rate, term_years, mortgage_type, product_type, start_date, end_date, is_active,
	current_balance, principal_paid_to_date, interest_paid_to_date, monthly_payment,
	linked_to_mortgage_id, notes, flagged, created_at, updated_at`

// CreateMortgage inserts a new mortgage.
func (s *SQLiteStore) CreateMortgage(m *models.Mortgage) error {
	return insertMortgage(s.db, m)
}

func insertMortgage(e execer, m *models.Mortgage) error {
	var linked any
	if m.LinkedToMortgageID != nil {
		linked = m.LinkedToMortgageID.String()
	}
	_, err := e.Exec(
		`INSERT INTO mortgages (`+mortgageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.PropertyID.String(), m.UserID.String(), m.SequenceNumber, m.Lender,
		m.OriginalLoanAmount, m.InterestRate, m.TermYears, string(m.MortgageType),
		string(m.ProductType), m.StartDate, m.EndDate, m.IsActive, m.CurrentBalance,
		m.PrincipalPaidToDate, m.InterestPaidToDate, m.MonthlyPayment, linked, m.Notes,
		m.Flagged, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create mortgage: %w", err)
	}
	return nil
}

// GetMortgage retrieves a mortgage by its ID.
func (s *SQLiteStore) GetMortgage(id uuid.UUID) (*models.Mortgage, error) {
	row := s.db.QueryRow(`SELECT `+mortgageColumns+` FROM mortgages WHERE id = ?`, id.String())
	return scanMortgage(row)
}

// GetMortgageForUser retrieves a mortgage only if it belongs to the given
// user. A mortgage owned by someone else looks exactly like a missing one.
func (s *SQLiteStore) GetMortgageForUser(id, userID uuid.UUID) (*models.Mortgage, error) {
	row := s.db.QueryRow(
		`SELECT `+mortgageColumns+` FROM mortgages WHERE id = ? AND user_id = ?`,
		id.String(), userID.String(),
	)
	return scanMortgage(row)
}

// UpdateMortgage writes a mortgage's mutable state back to the database.
func (s *SQLiteStore) UpdateMortgage(m *models.Mortgage) error {
	return updateMortgage(s.db, m)
}

func updateMortgage(e execer, m *models.Mortgage) error {
	result, err := e.Exec(
		`UPDATE mortgages SET interest_rate = ?, is_active = ?, current_balance = ?,
		principal_paid_to_date = ?, interest_paid_to_date = ?, monthly_payment = ?,
		notes = ?, flagged = ?, updated_at = ? WHERE id = ?`,
		m.InterestRate, m.IsActive, m.CurrentBalance, m.PrincipalPaidToDate,
		m.InterestPaidToDate, m.MonthlyPayment, m.Notes, m.Flagged, m.UpdatedAt,
		m.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update mortgage: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.ErrMortgageNotFound
	}
	return nil
}

// MortgagesByProperty returns a property's full financing history, oldest
// chain entry first.
func (s *SQLiteStore) MortgagesByProperty(propertyID uuid.UUID) ([]*models.Mortgage, error) {
	return s.queryMortgages(
		`SELECT `+mortgageColumns+` FROM mortgages WHERE property_id = ? ORDER BY sequence_number`,
		propertyID.String(),
	)
}

// ActiveMortgagesByProperty returns the active mortgages for a property.
func (s *SQLiteStore) ActiveMortgagesByProperty(propertyID uuid.UUID) ([]*models.Mortgage, error) {
	return s.queryMortgages(
		`SELECT `+mortgageColumns+` FROM mortgages WHERE property_id = ? AND is_active = 1 ORDER BY sequence_number`,
		propertyID.String(),
	)
}

// MortgagesByUser returns all mortgages owned by a user, newest first.
func (s *SQLiteStore) MortgagesByUser(userID uuid.UUID) ([]*models.Mortgage, error) {
	return s.queryMortgages(
		`SELECT `+mortgageColumns+` FROM mortgages WHERE user_id = ? ORDER BY created_at DESC`,
		userID.String(),
	)
}

// ActiveMortgagesInTerm returns every active mortgage whose term covers the
// given date. This is the population the daily batch jobs walk.
func (s *SQLiteStore) ActiveMortgagesInTerm(date time.Time) ([]*models.Mortgage, error) {
	d := models.Day(date)
	return s.queryMortgages(
		`SELECT `+mortgageColumns+` FROM mortgages
		WHERE is_active = 1 AND start_date <= ? AND end_date >= ?`,
		d, d,
	)
}

// NextSequenceNumber returns the next chain position for a property: one past
// the highest existing sequence number, or 1 for a first mortgage.
func (s *SQLiteStore) NextSequenceNumber(propertyID uuid.UUID) (int, error) {
	var next int
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM mortgages WHERE property_id = ?`,
		propertyID.String(),
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next sequence number: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) queryMortgages(query string, args ...any) ([]*models.Mortgage, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mortgages: %w", err)
	}
	defer rows.Close()

	var mortgages []*models.Mortgage
	for rows.Next() {
		m, err := scanMortgage(rows)
		if err != nil {
			return nil, err
		}
		mortgages = append(mortgages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during mortgage rows iteration: %w", err)
	}
	return mortgages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMortgage(row rowScanner) (*models.Mortgage, error) {
	var m models.Mortgage
	var idStr, propertyStr, userStr, mortgageType, productType string
	var linked sql.NullString
	err := row.Scan(
		&idStr, &propertyStr, &userStr, &m.SequenceNumber, &m.Lender, &m.OriginalLoanAmount,
		&m.InterestRate, &m.TermYears, &mortgageType, &productType, &m.StartDate, &m.EndDate,
		&m.IsActive, &m.CurrentBalance, &m.PrincipalPaidToDate, &m.InterestPaidToDate,
		&m.MonthlyPayment, &linked, &m.Notes, &m.Flagged, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.ErrMortgageNotFound
		}
		return nil, fmt.Errorf("failed to scan mortgage row: %w", err)
	}
	m.ID = uuid.MustParse(idStr)
	m.PropertyID = uuid.MustParse(propertyStr)
	m.UserID = uuid.MustParse(userStr)
	m.MortgageType = models.MortgageType(mortgageType)
	m.ProductType = models.ProductType(productType)
	if linked.Valid {
		linkedID := uuid.MustParse(linked.String)
		m.LinkedToMortgageID = &linkedID
	}
	return &m, nil
}

const paymentColumns = `id, mortgage_id, payment_number, payment_type, source, due_date,
	actual_payment_date, principal, interest, total_amount, balance_before, balance_after,
	status, topup_reason, created_at`

// CreatePayment appends a payment row.
func (s *SQLiteStore) CreatePayment(p *models.Payment) error {
	return insertPayment(s.db, p)
}

func insertPayment(e execer, p *models.Payment) error {
	var number any
	if p.PaymentNumber != nil {
		number = *p.PaymentNumber
	}
	var actualDate any
	if p.ActualPaymentDate != nil {
		actualDate = *p.ActualPaymentDate
	}
	_, err := e.Exec(
		`INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.MortgageID.String(), number, string(p.PaymentType), string(p.Source),
		models.Day(p.DueDate), actualDate, p.Principal, p.Interest, p.TotalAmount,
		p.BalanceBefore, p.BalanceAfter, string(p.Status), p.TopupReason, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by its ID.
func (s *SQLiteStore) GetPayment(id uuid.UUID) (*models.Payment, error) {
	row := s.db.QueryRow(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id.String())
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrPaymentNotFound
	}
	return p, err
}

// UpdatePayment writes a payment's lifecycle fields back to the database.
func (s *SQLiteStore) UpdatePayment(p *models.Payment) error {
	return updatePayment(s.db, p)
}

func updatePayment(e execer, p *models.Payment) error {
	var actualDate any
	if p.ActualPaymentDate != nil {
		actualDate = *p.ActualPaymentDate
	}
	result, err := e.Exec(
		`UPDATE payments SET status = ?, actual_payment_date = ?, balance_after = ? WHERE id = ?`,
		string(p.Status), actualDate, p.BalanceAfter, p.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.ErrPaymentNotFound
	}
	return nil
}

// PaymentsByMortgage returns a mortgage's full payment history, most recent
// due date first.
func (s *SQLiteStore) PaymentsByMortgage(mortgageID uuid.UUID) ([]*models.Payment, error) {
	return s.queryPayments(
		`SELECT `+paymentColumns+` FROM payments WHERE mortgage_id = ? ORDER BY due_date DESC, created_at DESC`,
		mortgageID.String(),
	)
}

// TopUpPaymentsByMortgage returns only the extra payments against a mortgage.
func (s *SQLiteStore) TopUpPaymentsByMortgage(mortgageID uuid.UUID) ([]*models.Payment, error) {
	return s.queryPayments(
		`SELECT `+paymentColumns+` FROM payments WHERE mortgage_id = ? AND payment_type = 'TOPUP'
		ORDER BY actual_payment_date DESC`,
		mortgageID.String(),
	)
}

// MaxPaymentNumber returns the highest assigned payment number for a
// mortgage, or 0 when no scheduled payments exist yet.
func (s *SQLiteStore) MaxPaymentNumber(mortgageID uuid.UUID) (int, error) {
	var max int
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(payment_number), 0) FROM payments WHERE mortgage_id = ?`,
		mortgageID.String(),
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to find max payment number: %w", err)
	}
	return max, nil
}

// ScheduledPaymentExists reports whether a scheduled payment already covers
// the given due date for the mortgage.
func (s *SQLiteStore) ScheduledPaymentExists(mortgageID uuid.UUID, dueDate time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM payments
		WHERE mortgage_id = ? AND due_date = ? AND payment_type = 'SCHEDULED')`,
		mortgageID.String(), models.Day(dueDate),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check scheduled payment existence: %w", err)
	}
	return exists, nil
}

// OverdueScheduledPayments returns every payment still in SCHEDULED status
// with a due date on or before asOf.
func (s *SQLiteStore) OverdueScheduledPayments(asOf time.Time) ([]*models.Payment, error) {
	return s.queryPayments(
		`SELECT `+paymentColumns+` FROM payments WHERE status = 'SCHEDULED' AND due_date <= ?`,
		models.Day(asOf),
	)
}

// SumPaidPrincipal totals the principal of settled payments. Decimals are
// stored as TEXT, so the sum happens here rather than in SQL to keep exact
// precision.
func (s *SQLiteStore) SumPaidPrincipal(mortgageID uuid.UUID) (decimal.Decimal, error) {
	return s.sumPaidColumn(mortgageID, "principal")
}

// SumPaidInterest totals the interest of settled payments.
func (s *SQLiteStore) SumPaidInterest(mortgageID uuid.UUID) (decimal.Decimal, error) {
	return s.sumPaidColumn(mortgageID, "interest")
}

func (s *SQLiteStore) sumPaidColumn(mortgageID uuid.UUID, column string) (decimal.Decimal, error) {
	rows, err := s.db.Query(
		`SELECT `+column+` FROM payments WHERE mortgage_id = ? AND status = 'PAID'`,
		mortgageID.String(),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum paid %s: %w", column, err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan %s: %w", column, err)
		}
		total = total.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("error during %s rows iteration: %w", column, err)
	}
	return total, nil
}

func (s *SQLiteStore) queryPayments(query string, args ...any) ([]*models.Payment, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during payment rows iteration: %w", err)
	}
	return payments, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var idStr, mortgageStr, paymentType, source, status string
	var number sql.NullInt64
	var actualDate sql.NullTime
	err := row.Scan(
		&idStr, &mortgageStr, &number, &paymentType, &source, &p.DueDate, &actualDate,
		&p.Principal, &p.Interest, &p.TotalAmount, &p.BalanceBefore, &p.BalanceAfter,
		&status, &p.TopupReason, &p.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan payment row: %w", err)
	}
	p.ID = uuid.MustParse(idStr)
	p.MortgageID = uuid.MustParse(mortgageStr)
	p.PaymentType = models.PaymentType(paymentType)
	p.Source = models.PaymentSource(source)
	p.Status = models.PaymentStatus(status)
	if number.Valid {
		n := int(number.Int64)
		p.PaymentNumber = &n
	}
	if actualDate.Valid {
		d := actualDate.Time
		p.ActualPaymentDate = &d
	}
	return &p, nil
}

// ApplyPayment inserts a settled payment and updates the mortgage's running
// totals in one transaction; either both land or neither does.
func (s *SQLiteStore) ApplyPayment(m *models.Mortgage, p *models.Payment) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := insertPayment(tx, p); err != nil {
			return err
		}
		return updateMortgage(tx, m)
	})
}

// SettlePayment flips an existing scheduled payment to its settled form and
// applies the ledger effect in one transaction.
func (s *SQLiteStore) SettlePayment(m *models.Mortgage, p *models.Payment) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := updatePayment(tx, p); err != nil {
			return err
		}
		return updateMortgage(tx, m)
	})
}

// SwapActiveMortgage deactivates the old mortgage and inserts its successor
// atomically, so the property never holds zero or two active mortgages.
func (s *SQLiteStore) SwapActiveMortgage(old, successor *models.Mortgage) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := updateMortgage(tx, old); err != nil {
			return err
		}
		return insertMortgage(tx, successor)
	})
}

func (s *SQLiteStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// RegisterProperty records a (property, owner) pair for the creation-time
// ownership check.
func (s *SQLiteStore) RegisterProperty(propertyID, userID uuid.UUID) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO properties (id, user_id, created_at) VALUES (?, ?, ?)`,
		propertyID.String(), userID.String(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to register property: %w", err)
	}
	return nil
}

// PropertyExists reports whether the property is known and owned by the user.
func (s *SQLiteStore) PropertyExists(propertyID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM properties WHERE id = ? AND user_id = ?)`,
		propertyID.String(), userID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check property ownership: %w", err)
	}
	return exists, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
