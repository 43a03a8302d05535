package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MortgageType string

const (
	MortgageTypeRepayment    MortgageType = "REPAYMENT"
	MortgageTypeInterestOnly MortgageType = "INTEREST_ONLY"
)

type ProductType string

const (
	ProductTypeFixed            ProductType = "FIXED"
	ProductTypeVariable         ProductType = "VARIABLE"
	ProductTypeTracker          ProductType = "TRACKER"
	ProductTypeOffset           ProductType = "OFFSET"
	ProductTypeStandardVariable ProductType = "STANDARD_VARIABLE"
)

type PaymentType string

const (
	PaymentTypeScheduled PaymentType = "SCHEDULED"
	PaymentTypeTopUp     PaymentType = "TOPUP"
)

type PaymentSource string

const (
	PaymentSourceSystemGenerated PaymentSource = "SYSTEM_GENERATED"
	PaymentSourceUserInitiated   PaymentSource = "USER_INITIATED"
)

type PaymentStatus string

const (
	PaymentStatusScheduled PaymentStatus = "SCHEDULED"
	PaymentStatusPaid      PaymentStatus = "PAID"
	PaymentStatusMissed    PaymentStatus = "MISSED"
	// OverPaid is part of the status vocabulary but is never assigned by the
	// recorder; amounts outside the scheduled band are classified as top-ups.
	PaymentStatusOverPaid PaymentStatus = "OVERPAID"
)

// Mortgage is one financing instrument against one property. Terms are fixed at
// creation; the running totals move only through payment application.
type Mortgage struct {
	ID                  uuid.UUID       `json:"id"`
	PropertyID          uuid.UUID       `json:"property_id"`
	UserID              uuid.UUID       `json:"user_id"`
	SequenceNumber      int             `json:"sequence_number"` // 1-based position in the property's remortgage chain
	Lender              string          `json:"lender"`
	OriginalLoanAmount  decimal.Decimal `json:"original_loan_amount"`
	InterestRate        decimal.Decimal `json:"interest_rate"` // annual percentage, e.g. 4.5 for 4.5%
	TermYears           int             `json:"term_years"`
	MortgageType        MortgageType    `json:"mortgage_type"`
	ProductType         ProductType     `json:"product_type"`
	StartDate           time.Time       `json:"start_date"`
	EndDate             time.Time       `json:"end_date"`
	IsActive            bool            `json:"is_active"`
	CurrentBalance      decimal.Decimal `json:"current_balance"`
	PrincipalPaidToDate decimal.Decimal `json:"principal_paid_to_date"`
	InterestPaidToDate  decimal.Decimal `json:"interest_paid_to_date"`
	MonthlyPayment      decimal.Decimal `json:"monthly_payment"`
	LinkedToMortgageID  *uuid.UUID      `json:"linked_to_mortgage_id,omitempty"` // predecessor in the remortgage chain
	Notes               string          `json:"notes,omitempty"`
	Flagged             bool            `json:"flagged"` // set by reconciliation; excludes the mortgage from batch processing
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// IsRemortgaged reports whether this mortgage replaced an earlier one.
func (m *Mortgage) IsRemortgaged() bool {
	return m.LinkedToMortgageID != nil
}

// InTerm reports whether date falls inside [StartDate, EndDate].
func (m *Mortgage) InTerm(date time.Time) bool {
	d := Day(date)
	return !d.Before(Day(m.StartDate)) && !d.After(Day(m.EndDate))
}

// PaymentNumberForDate returns the 1-based installment number covering date,
// or 0 for dates before the start of the term.
func (m *Mortgage) PaymentNumberForDate(date time.Time) int {
	if Day(date).Before(Day(m.StartDate)) {
		return 0
	}
	return monthsBetween(m.StartDate, date) + 1
}

// PaymentDueOn reports whether date is a monthly anniversary of the start
// date. The due day is clamped to the last day of shorter months, so a
// mortgage started on the 31st falls due on the 30th (or 28th/29th) when the
// month runs short.
func (m *Mortgage) PaymentDueOn(date time.Time) bool {
	d := Day(date)
	if d.Before(Day(m.StartDate)) {
		return false
	}
	due := m.StartDate.Day()
	if last := lastDayOfMonth(d); due > last {
		due = last
	}
	return d.Day() == due
}

func monthsBetween(from, to time.Time) int {
	f, t := Day(from), Day(to)
	months := (t.Year()-f.Year())*12 + int(t.Month()) - int(f.Month())
	if t.Day() < f.Day() {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

func lastDayOfMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
}

// Day truncates a timestamp to a UTC calendar date. All due-date arithmetic in
// the engine works on these normalized values.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Payment is one append-only ledger entry against a mortgage. The only fields
// that change after insert are the status and the settlement columns filled in
// when a scheduled entry is paid.
type Payment struct {
	ID                uuid.UUID           `json:"id"`
	MortgageID        uuid.UUID           `json:"mortgage_id"`
	PaymentNumber     *int                `json:"payment_number,omitempty"` // sequential for scheduled payments, nil for top-ups
	PaymentType       PaymentType         `json:"payment_type"`
	Source            PaymentSource       `json:"source"`
	DueDate           time.Time           `json:"due_date"`
	ActualPaymentDate *time.Time          `json:"actual_payment_date,omitempty"`
	Principal         decimal.Decimal     `json:"principal"`
	Interest          decimal.Decimal     `json:"interest"`
	TotalAmount       decimal.Decimal     `json:"total_amount"`
	BalanceBefore     decimal.Decimal     `json:"balance_before"`
	BalanceAfter      decimal.NullDecimal `json:"balance_after"` // unset until settled
	Status            PaymentStatus       `json:"status"`
	TopupReason       string              `json:"topup_reason,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

func (p *Payment) IsScheduled() bool {
	return p.PaymentType == PaymentTypeScheduled
}

func (p *Payment) IsTopUp() bool {
	return p.PaymentType == PaymentTypeTopUp
}

func (p *Payment) IsPaid() bool {
	return p.Status == PaymentStatusPaid
}

// IsOverdue reports whether the payment is still awaiting settlement past its
// due date.
func (p *Payment) IsOverdue(asOf time.Time) bool {
	return p.Status == PaymentStatusScheduled && Day(p.DueDate).Before(Day(asOf))
}
