// Package ledger is the authoritative mortgage accounting engine: it owns
// mortgage terms and running totals, classifies and records payments, drives
// the daily batch passes, and manages remortgage chains. All balance movement
// funnels through the atomic units of work on the Storage interface.
package ledger

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/propview/mortgage-engine/pkg/calc"
	"github.com/propview/mortgage-engine/pkg/errs"
	"github.com/propview/mortgage-engine/pkg/metrics"
	"github.com/propview/mortgage-engine/pkg/models"
	"github.com/propview/mortgage-engine/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxInterestRate = 30
	minTermYears    = 1
	maxTermYears    = 40
)

var (
	// A payment within ±5% of the fixed installment counts as scheduled;
	// real-world amounts drift by small fee adjustments, so exact matching
	// would misclassify nearly everything.
	scheduledTolerance = decimal.NewFromFloat(0.05)

	// Reconciliation tolerance: one cent of rounding drift at the last step.
	reconcileTolerance = decimal.NewFromFloat(0.01)
)

// Ledger handles the business logic for mortgages and payments.
type Ledger struct {
	storage store.Storage
	log     *zap.Logger
	locks   sync.Map // mortgage id -> *sync.Mutex
}

// New creates a Ledger over the given Storage implementation.
func New(s store.Storage, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{storage: s, log: log}
}

// lockMortgage serializes payment application per mortgage. Operations
// against different mortgages proceed in parallel; two writers against the
// same mortgage must not interleave their read-compute-write sequence.
func (l *Ledger) lockMortgage(id uuid.UUID) func() {
	v, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateMortgageInput carries the immutable terms for a new mortgage.
type CreateMortgageInput struct {
	Lender             string
	OriginalLoanAmount decimal.Decimal
	InterestRate       decimal.Decimal
	TermYears          int
	MortgageType       models.MortgageType
	ProductType        models.ProductType
	StartDate          time.Time
	Notes              string
}

func (in *CreateMortgageInput) validate() error {
	if in.Lender == "" {
		return errs.NewValidationError("INVALID_LENDER", "lender name is required")
	}
	if !in.OriginalLoanAmount.IsPositive() {
		return errs.NewValidationError("INVALID_PRINCIPAL", "loan amount must be positive")
	}
	if in.InterestRate.IsNegative() || in.InterestRate.GreaterThan(decimal.NewFromInt(maxInterestRate)) {
		return errs.NewValidationError("INVALID_RATE", "interest rate must be between 0 and 30")
	}
	if in.TermYears < minTermYears || in.TermYears > maxTermYears {
		return errs.NewValidationError("INVALID_TERM", "term must be between 1 and 40 years")
	}
	switch in.MortgageType {
	case models.MortgageTypeRepayment, models.MortgageTypeInterestOnly:
	default:
		return errs.NewValidationError("INVALID_MORTGAGE_TYPE", "unknown mortgage type")
	}
	switch in.ProductType {
	case models.ProductTypeFixed, models.ProductTypeVariable, models.ProductTypeTracker,
		models.ProductTypeOffset, models.ProductTypeStandardVariable:
	default:
		return errs.NewValidationError("INVALID_PRODUCT_TYPE", "unknown product type")
	}
	if in.StartDate.IsZero() {
		return errs.NewValidationError("INVALID_START_DATE", "start date is required")
	}
	return nil
}

// CreateMortgage validates the terms, fixes the monthly payment via the
// amortization calculator, assigns the next chain sequence number for the
// property and persists the mortgage with its opening balance.
func (l *Ledger) CreateMortgage(userID, propertyID uuid.UUID, in CreateMortgageInput) (*models.Mortgage, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	owned, err := l.storage.PropertyExists(propertyID, userID)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, errs.ErrPropertyNotFound
	}

	monthlyPayment, err := calc.MonthlyPayment(in.OriginalLoanAmount, in.InterestRate, in.TermYears)
	if err != nil {
		return nil, err
	}

	sequenceNumber, err := l.storage.NextSequenceNumber(propertyID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	start := models.Day(in.StartDate)
	mortgage := &models.Mortgage{
		ID:                  uuid.New(),
		PropertyID:          propertyID,
		UserID:              userID,
		SequenceNumber:      sequenceNumber,
		Lender:              in.Lender,
		OriginalLoanAmount:  in.OriginalLoanAmount,
		InterestRate:        in.InterestRate,
		TermYears:           in.TermYears,
		MortgageType:        in.MortgageType,
		ProductType:         in.ProductType,
		StartDate:           start,
		EndDate:             start.AddDate(in.TermYears, 0, 0),
		IsActive:            true,
		CurrentBalance:      in.OriginalLoanAmount,
		PrincipalPaidToDate: decimal.Zero,
		InterestPaidToDate:  decimal.Zero,
		MonthlyPayment:      monthlyPayment,
		Notes:               in.Notes,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := l.storage.CreateMortgage(mortgage); err != nil {
		return nil, err
	}

	l.log.Info("mortgage created",
		zap.String("mortgage_id", mortgage.ID.String()),
		zap.String("property_id", propertyID.String()),
		zap.Int("sequence_number", sequenceNumber),
		zap.String("monthly_payment", monthlyPayment.StringFixed(2)))
	return mortgage, nil
}

// GetMortgage retrieves a mortgage scoped to its owner.
func (l *Ledger) GetMortgage(userID, mortgageID uuid.UUID) (*models.Mortgage, error) {
	return l.storage.GetMortgageForUser(mortgageID, userID)
}

// MortgagesForProperty returns the financing history for a property the user
// owns, ordered by chain sequence.
func (l *Ledger) MortgagesForProperty(userID, propertyID uuid.UUID) ([]*models.Mortgage, error) {
	owned, err := l.storage.PropertyExists(propertyID, userID)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, errs.ErrPropertyNotFound
	}
	return l.storage.MortgagesByProperty(propertyID)
}

// ActiveMortgagesForProperty returns only the active entries of the chain.
func (l *Ledger) ActiveMortgagesForProperty(userID, propertyID uuid.UUID) ([]*models.Mortgage, error) {
	owned, err := l.storage.PropertyExists(propertyID, userID)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, errs.ErrPropertyNotFound
	}
	return l.storage.ActiveMortgagesByProperty(propertyID)
}

// MortgagesForUser returns every mortgage the user owns, newest first.
func (l *Ledger) MortgagesForUser(userID uuid.UUID) ([]*models.Mortgage, error) {
	return l.storage.MortgagesByUser(userID)
}

// RecordPayment classifies a user-initiated payment, computes its
// principal/interest split against the current balance and applies it to the
// ledger atomically with the payment record.
func (l *Ledger) RecordPayment(userID, mortgageID uuid.UUID, amount decimal.Decimal, paymentDate time.Time, topupReason string) (*models.Payment, error) {
	if !amount.IsPositive() {
		return nil, errs.NewValidationError("INVALID_AMOUNT", "payment amount must be positive")
	}

	unlock := l.lockMortgage(mortgageID)
	defer unlock()

	mortgage, err := l.storage.GetMortgageForUser(mortgageID, userID)
	if err != nil {
		return nil, err
	}
	if !mortgage.IsActive {
		return nil, errs.ErrMortgageInactive
	}

	paymentType := classifyPayment(amount, mortgage.MonthlyPayment, topupReason)

	var principal, interest decimal.Decimal
	if paymentType == models.PaymentTypeTopUp {
		// A top-up pays down balance only; it never settles interest.
		principal = amount
		interest = decimal.Zero
	} else {
		monthlyInterest, err := calc.MonthlyInterest(mortgage.CurrentBalance, mortgage.InterestRate)
		if err != nil {
			return nil, err
		}
		interest = decimal.Min(monthlyInterest, amount)
		principal = decimal.Max(amount.Sub(interest), decimal.Zero)
	}

	balanceBefore := mortgage.CurrentBalance
	newBalance := calc.RemainingBalance(balanceBefore, principal)

	var paymentNumber *int
	if paymentType == models.PaymentTypeScheduled {
		maxNumber, err := l.storage.MaxPaymentNumber(mortgageID)
		if err != nil {
			return nil, err
		}
		next := maxNumber + 1
		paymentNumber = &next
	}

	day := models.Day(paymentDate)
	payment := &models.Payment{
		ID:                uuid.New(),
		MortgageID:        mortgageID,
		PaymentNumber:     paymentNumber,
		PaymentType:       paymentType,
		Source:            models.PaymentSourceUserInitiated,
		DueDate:           day,
		ActualPaymentDate: &day,
		Principal:         principal,
		Interest:          interest,
		TotalAmount:       amount,
		BalanceBefore:     balanceBefore,
		BalanceAfter:      decimal.NewNullDecimal(newBalance),
		Status:            models.PaymentStatusPaid,
		TopupReason:       topupReason,
		CreatedAt:         time.Now().UTC(),
	}

	mortgage.CurrentBalance = newBalance
	mortgage.PrincipalPaidToDate = mortgage.PrincipalPaidToDate.Add(principal)
	mortgage.InterestPaidToDate = mortgage.InterestPaidToDate.Add(interest)
	mortgage.UpdatedAt = time.Now().UTC()

	if err := l.storage.ApplyPayment(mortgage, payment); err != nil {
		return nil, err
	}

	metrics.PaymentRecorded(string(paymentType))
	l.log.Info("payment recorded",
		zap.String("mortgage_id", mortgageID.String()),
		zap.String("payment_type", string(paymentType)),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("principal", principal.StringFixed(2)),
		zap.String("interest", interest.StringFixed(2)),
		zap.String("new_balance", newBalance.StringFixed(2)))
	return payment, nil
}

// classifyPayment decides scheduled vs top-up. An explicit non-blank reason
// forces top-up; otherwise the amount must land within the ±5% band around
// the fixed installment to count as scheduled.
func classifyPayment(amount, expected decimal.Decimal, topupReason string) models.PaymentType {
	if strings.TrimSpace(topupReason) != "" {
		return models.PaymentTypeTopUp
	}
	tolerance := expected.Mul(scheduledTolerance)
	lower := expected.Sub(tolerance)
	upper := expected.Add(tolerance)
	if amount.GreaterThanOrEqual(lower) && amount.LessThanOrEqual(upper) {
		return models.PaymentTypeScheduled
	}
	return models.PaymentTypeTopUp
}

// GenerateScheduledPayment materializes the due installment for a mortgage.
// It is idempotent: if a scheduled payment already covers the due date it
// returns nil without error. The ledger itself is not touched at generation
// time; balances move only at settlement, because an unpaid installment must
// not reduce the owed balance.
func (l *Ledger) GenerateScheduledPayment(mortgage *models.Mortgage, dueDate time.Time) (*models.Payment, error) {
	unlock := l.lockMortgage(mortgage.ID)
	defer unlock()

	// The caller's snapshot may predate the lock; re-read so the split is
	// computed on the balance as it stands now.
	mortgage, err := l.storage.GetMortgage(mortgage.ID)
	if err != nil {
		return nil, err
	}

	exists, err := l.storage.ScheduledPaymentExists(mortgage.ID, dueDate)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	monthlyInterest, err := calc.MonthlyInterest(mortgage.CurrentBalance, mortgage.InterestRate)
	if err != nil {
		return nil, err
	}
	principal := calc.PrincipalPortion(mortgage.MonthlyPayment, monthlyInterest)

	maxNumber, err := l.storage.MaxPaymentNumber(mortgage.ID)
	if err != nil {
		return nil, err
	}
	next := maxNumber + 1

	payment := &models.Payment{
		ID:            uuid.New(),
		MortgageID:    mortgage.ID,
		PaymentNumber: &next,
		PaymentType:   models.PaymentTypeScheduled,
		Source:        models.PaymentSourceSystemGenerated,
		DueDate:       models.Day(dueDate),
		Principal:     principal,
		Interest:      monthlyInterest,
		TotalAmount:   mortgage.MonthlyPayment,
		BalanceBefore: mortgage.CurrentBalance,
		Status:        models.PaymentStatusScheduled,
		CreatedAt:     time.Now().UTC(),
	}

	if err := l.storage.CreatePayment(payment); err != nil {
		return nil, err
	}
	metrics.PaymentGenerated()
	return payment, nil
}

// MarkPaymentAsPaid settles a generated scheduled payment: the payment gets
// its actual date, settled balance and PAID status, and the mortgage's
// running totals move by the payment's split, all in one transaction. The
// mortgage must belong to userID. Settling anything other than a
// SCHEDULED-status payment is a no-op.
func (l *Ledger) MarkPaymentAsPaid(userID, paymentID uuid.UUID, actualPaymentDate time.Time) error {
	payment, err := l.storage.GetPayment(paymentID)
	if err != nil {
		return err
	}

	unlock := l.lockMortgage(payment.MortgageID)
	defer unlock()

	// Re-read under the lock: a concurrent settlement can win the window
	// between the first read and the lock, and the split must never apply
	// twice.
	payment, err = l.storage.GetPayment(paymentID)
	if err != nil {
		return err
	}
	if payment.Status != models.PaymentStatusScheduled {
		return nil
	}

	mortgage, err := l.storage.GetMortgageForUser(payment.MortgageID, userID)
	if err != nil {
		return err
	}

	day := models.Day(actualPaymentDate)
	payment.Status = models.PaymentStatusPaid
	payment.ActualPaymentDate = &day
	payment.BalanceAfter = decimal.NewNullDecimal(calc.RemainingBalance(payment.BalanceBefore, payment.Principal))

	mortgage.CurrentBalance = calc.RemainingBalance(mortgage.CurrentBalance, payment.Principal)
	mortgage.PrincipalPaidToDate = mortgage.PrincipalPaidToDate.Add(payment.Principal)
	mortgage.InterestPaidToDate = mortgage.InterestPaidToDate.Add(payment.Interest)
	mortgage.UpdatedAt = time.Now().UTC()

	if err := l.storage.SettlePayment(mortgage, payment); err != nil {
		return err
	}
	metrics.PaymentSettled()
	l.log.Info("scheduled payment settled",
		zap.String("payment_id", paymentID.String()),
		zap.String("mortgage_id", mortgage.ID.String()),
		zap.String("new_balance", mortgage.CurrentBalance.StringFixed(2)))
	return nil
}

// MarkOverduePayments flips every scheduled payment due on or before asOf to
// MISSED. Balances are untouched: a missed installment is a flag for
// downstream reporting, and any catch-up money arrives as a fresh entry.
func (l *Ledger) MarkOverduePayments(asOf time.Time) (int, error) {
	overdue, err := l.storage.OverdueScheduledPayments(asOf)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, payment := range overdue {
		payment.Status = models.PaymentStatusMissed
		if err := l.storage.UpdatePayment(payment); err != nil {
			l.log.Error("failed to mark payment as missed",
				zap.String("payment_id", payment.ID.String()), zap.Error(err))
			continue
		}
		metrics.PaymentMarkedMissed()
		count++
	}
	return count, nil
}

// RemortgageInput carries the successor's terms. When ReleaseEquity is set
// the equity release amount is folded into the new loan principal, so the new
// balance may exceed the payoff of the old mortgage.
type RemortgageInput struct {
	Lender              string
	NewLoanAmount       decimal.Decimal
	InterestRate        decimal.Decimal
	TermYears           int
	MortgageType        models.MortgageType
	ProductType         models.ProductType
	StartDate           time.Time
	Notes               string
	ReleaseEquity       bool
	EquityReleaseAmount decimal.Decimal
}

// Remortgage closes out an existing mortgage and opens its successor in one
// transaction: the old entry is deactivated and the new one activated with
// the next sequence number and a backward link. Partial failure leaves the
// chain with exactly one active mortgage, never zero or two.
func (l *Ledger) Remortgage(userID, mortgageID uuid.UUID, in RemortgageInput) (*models.Mortgage, error) {
	loanAmount := in.NewLoanAmount
	if in.ReleaseEquity && in.EquityReleaseAmount.IsPositive() {
		loanAmount = loanAmount.Add(in.EquityReleaseAmount)
	}
	terms := CreateMortgageInput{
		Lender:             in.Lender,
		OriginalLoanAmount: loanAmount,
		InterestRate:       in.InterestRate,
		TermYears:          in.TermYears,
		MortgageType:       in.MortgageType,
		ProductType:        in.ProductType,
		StartDate:          in.StartDate,
		Notes:              in.Notes,
	}
	if err := terms.validate(); err != nil {
		return nil, err
	}

	unlock := l.lockMortgage(mortgageID)
	defer unlock()

	existing, err := l.storage.GetMortgageForUser(mortgageID, userID)
	if err != nil {
		return nil, err
	}
	if !existing.IsActive {
		return nil, errs.ErrMortgageInactive
	}

	monthlyPayment, err := calc.MonthlyPayment(loanAmount, in.InterestRate, in.TermYears)
	if err != nil {
		return nil, err
	}

	sequenceNumber, err := l.storage.NextSequenceNumber(existing.PropertyID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	start := models.Day(in.StartDate)
	linked := existing.ID
	successor := &models.Mortgage{
		ID:                  uuid.New(),
		PropertyID:          existing.PropertyID,
		UserID:              userID,
		SequenceNumber:      sequenceNumber,
		Lender:              in.Lender,
		OriginalLoanAmount:  loanAmount,
		InterestRate:        in.InterestRate,
		TermYears:           in.TermYears,
		MortgageType:        in.MortgageType,
		ProductType:         in.ProductType,
		StartDate:           start,
		EndDate:             start.AddDate(in.TermYears, 0, 0),
		IsActive:            true,
		CurrentBalance:      loanAmount,
		PrincipalPaidToDate: decimal.Zero,
		InterestPaidToDate:  decimal.Zero,
		MonthlyPayment:      monthlyPayment,
		LinkedToMortgageID:  &linked,
		Notes:               in.Notes,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	existing.IsActive = false
	existing.UpdatedAt = now

	if err := l.storage.SwapActiveMortgage(existing, successor); err != nil {
		return nil, err
	}

	l.log.Info("remortgage completed",
		zap.String("old_mortgage_id", existing.ID.String()),
		zap.String("new_mortgage_id", successor.ID.String()),
		zap.Int("sequence_number", sequenceNumber))
	return successor, nil
}

// UpdateInterestRate changes the rate prospectively. The fixed monthly
// payment is deliberately NOT recomputed, matching long-standing behavior:
// the amortization trajectory drifts from a true recalculated schedule, so
// the change is logged loudly rather than silently corrected.
func (l *Ledger) UpdateInterestRate(userID, mortgageID uuid.UUID, newRate decimal.Decimal) (*models.Mortgage, error) {
	if newRate.IsNegative() || newRate.GreaterThan(decimal.NewFromInt(maxInterestRate)) {
		return nil, errs.NewValidationError("INVALID_RATE", "interest rate must be between 0 and 30")
	}

	unlock := l.lockMortgage(mortgageID)
	defer unlock()

	mortgage, err := l.storage.GetMortgageForUser(mortgageID, userID)
	if err != nil {
		return nil, err
	}

	l.log.Warn("interest rate changed without monthly payment recalculation; amortization trajectory will diverge",
		zap.String("mortgage_id", mortgageID.String()),
		zap.String("old_rate", mortgage.InterestRate.String()),
		zap.String("new_rate", newRate.String()))

	mortgage.InterestRate = newRate
	mortgage.UpdatedAt = time.Now().UTC()
	if err := l.storage.UpdateMortgage(mortgage); err != nil {
		return nil, err
	}
	return mortgage, nil
}

// Payments returns a mortgage's payment history, owner-scoped.
func (l *Ledger) Payments(userID, mortgageID uuid.UUID) ([]*models.Payment, error) {
	if _, err := l.storage.GetMortgageForUser(mortgageID, userID); err != nil {
		return nil, err
	}
	return l.storage.PaymentsByMortgage(mortgageID)
}

// TopUpPayments returns only the extra payments, owner-scoped.
func (l *Ledger) TopUpPayments(userID, mortgageID uuid.UUID) ([]*models.Payment, error) {
	if _, err := l.storage.GetMortgageForUser(mortgageID, userID); err != nil {
		return nil, err
	}
	return l.storage.TopUpPaymentsByMortgage(mortgageID)
}

// PaymentSummary aggregates a mortgage's repayment progress. Values are raw
// decimals and counts; formatting belongs to the presentation layer.
type PaymentSummary struct {
	MortgageID        uuid.UUID       `json:"mortgage_id"`
	CurrentBalance    decimal.Decimal `json:"current_balance"`
	PrincipalPaid     decimal.Decimal `json:"principal_paid"`
	InterestPaid      decimal.Decimal `json:"interest_paid"`
	PercentageRepaid  float64         `json:"percentage_repaid"`
	PaymentsMade      int             `json:"payments_made"`
	RemainingPayments int             `json:"remaining_payments"`
	TotalInterest     decimal.Decimal `json:"total_interest"` // projected over the full schedule
}

// Summary computes the repayment progress for a mortgage the user owns.
func (l *Ledger) Summary(userID, mortgageID uuid.UUID) (*PaymentSummary, error) {
	mortgage, err := l.storage.GetMortgageForUser(mortgageID, userID)
	if err != nil {
		return nil, err
	}

	paymentsMade, err := l.storage.MaxPaymentNumber(mortgageID)
	if err != nil {
		return nil, err
	}

	totalPayments := mortgage.TermYears * 12
	totalInterest, err := calc.TotalInterest(mortgage.MonthlyPayment, totalPayments, mortgage.OriginalLoanAmount)
	if err != nil {
		return nil, err
	}

	return &PaymentSummary{
		MortgageID:        mortgage.ID,
		CurrentBalance:    mortgage.CurrentBalance,
		PrincipalPaid:     mortgage.PrincipalPaidToDate,
		InterestPaid:      mortgage.InterestPaidToDate,
		PercentageRepaid:  calc.PercentageRepaid(mortgage.OriginalLoanAmount, mortgage.PrincipalPaidToDate),
		PaymentsMade:      paymentsMade,
		RemainingPayments: calc.RemainingPayments(totalPayments, paymentsMade),
		TotalInterest:     totalInterest,
	}, nil
}
