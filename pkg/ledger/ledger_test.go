package ledger

import (
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/propview/mortgage-engine/pkg/errs"
	"github.com/propview/mortgage-engine/pkg/models"
	"github.com/propview/mortgage-engine/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// fakeStore is an in-memory Storage for engine tests. Single-goroutine use
// only; the ledger's own locks are exercised separately.
type fakeStore struct {
	mortgages  map[uuid.UUID]*models.Mortgage
	payments   map[uuid.UUID]*models.Payment
	properties map[uuid.UUID]uuid.UUID // property id -> owner

	failCreatePayment bool
	onGetPayment      func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mortgages:  make(map[uuid.UUID]*models.Mortgage),
		payments:   make(map[uuid.UUID]*models.Payment),
		properties: make(map[uuid.UUID]uuid.UUID),
	}
}

func (f *fakeStore) CreateMortgage(m *models.Mortgage) error {
	clone := *m
	f.mortgages[m.ID] = &clone
	return nil
}

func (f *fakeStore) GetMortgage(id uuid.UUID) (*models.Mortgage, error) {
	m, ok := f.mortgages[id]
	if !ok {
		return nil, errs.ErrMortgageNotFound
	}
	clone := *m
	return &clone, nil
}

func (f *fakeStore) GetMortgageForUser(id, userID uuid.UUID) (*models.Mortgage, error) {
	m, ok := f.mortgages[id]
	if !ok || m.UserID != userID {
		return nil, errs.ErrMortgageNotFound
	}
	clone := *m
	return &clone, nil
}

func (f *fakeStore) UpdateMortgage(m *models.Mortgage) error {
	if _, ok := f.mortgages[m.ID]; !ok {
		return errs.ErrMortgageNotFound
	}
	clone := *m
	f.mortgages[m.ID] = &clone
	return nil
}

func (f *fakeStore) MortgagesByProperty(propertyID uuid.UUID) ([]*models.Mortgage, error) {
	var out []*models.Mortgage
	for _, m := range f.mortgages {
		if m.PropertyID == propertyID {
			clone := *m
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (f *fakeStore) ActiveMortgagesByProperty(propertyID uuid.UUID) ([]*models.Mortgage, error) {
	all, _ := f.MortgagesByProperty(propertyID)
	var out []*models.Mortgage
	for _, m := range all {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) MortgagesByUser(userID uuid.UUID) ([]*models.Mortgage, error) {
	var out []*models.Mortgage
	for _, m := range f.mortgages {
		if m.UserID == userID {
			clone := *m
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeStore) ActiveMortgagesInTerm(date time.Time) ([]*models.Mortgage, error) {
	var out []*models.Mortgage
	for _, m := range f.mortgages {
		if m.IsActive && m.InTerm(date) {
			clone := *m
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeStore) NextSequenceNumber(propertyID uuid.UUID) (int, error) {
	max := 0
	for _, m := range f.mortgages {
		if m.PropertyID == propertyID && m.SequenceNumber > max {
			max = m.SequenceNumber
		}
	}
	return max + 1, nil
}

func (f *fakeStore) CreatePayment(p *models.Payment) error {
	if f.failCreatePayment {
		return errs.NewInternalError("storage unavailable")
	}
	clone := *p
	f.payments[p.ID] = &clone
	return nil
}

func (f *fakeStore) GetPayment(id uuid.UUID) (*models.Payment, error) {
	if f.onGetPayment != nil {
		f.onGetPayment()
	}
	p, ok := f.payments[id]
	if !ok {
		return nil, errs.ErrPaymentNotFound
	}
	clone := *p
	return &clone, nil
}

func (f *fakeStore) UpdatePayment(p *models.Payment) error {
	if _, ok := f.payments[p.ID]; !ok {
		return errs.ErrPaymentNotFound
	}
	clone := *p
	f.payments[p.ID] = &clone
	return nil
}

func (f *fakeStore) PaymentsByMortgage(mortgageID uuid.UUID) ([]*models.Payment, error) {
	var out []*models.Payment
	for _, p := range f.payments {
		if p.MortgageID == mortgageID {
			clone := *p
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (f *fakeStore) TopUpPaymentsByMortgage(mortgageID uuid.UUID) ([]*models.Payment, error) {
	all, _ := f.PaymentsByMortgage(mortgageID)
	var out []*models.Payment
	for _, p := range all {
		if p.IsTopUp() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) MaxPaymentNumber(mortgageID uuid.UUID) (int, error) {
	max := 0
	for _, p := range f.payments {
		if p.MortgageID == mortgageID && p.PaymentNumber != nil && *p.PaymentNumber > max {
			max = *p.PaymentNumber
		}
	}
	return max, nil
}

func (f *fakeStore) ScheduledPaymentExists(mortgageID uuid.UUID, dueDate time.Time) (bool, error) {
	day := models.Day(dueDate)
	for _, p := range f.payments {
		if p.MortgageID == mortgageID && p.IsScheduled() && p.DueDate.Equal(day) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) OverdueScheduledPayments(asOf time.Time) ([]*models.Payment, error) {
	day := models.Day(asOf)
	var out []*models.Payment
	for _, p := range f.payments {
		if p.Status == models.PaymentStatusScheduled && !p.DueDate.After(day) {
			clone := *p
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeStore) SumPaidPrincipal(mortgageID uuid.UUID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range f.payments {
		if p.MortgageID == mortgageID && p.IsPaid() {
			sum = sum.Add(p.Principal)
		}
	}
	return sum, nil
}

func (f *fakeStore) SumPaidInterest(mortgageID uuid.UUID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range f.payments {
		if p.MortgageID == mortgageID && p.IsPaid() {
			sum = sum.Add(p.Interest)
		}
	}
	return sum, nil
}

func (f *fakeStore) ApplyPayment(m *models.Mortgage, p *models.Payment) error {
	if err := f.CreatePayment(p); err != nil {
		return err
	}
	return f.UpdateMortgage(m)
}

func (f *fakeStore) SettlePayment(m *models.Mortgage, p *models.Payment) error {
	if err := f.UpdatePayment(p); err != nil {
		return err
	}
	return f.UpdateMortgage(m)
}

func (f *fakeStore) SwapActiveMortgage(old, successor *models.Mortgage) error {
	if err := f.UpdateMortgage(old); err != nil {
		return err
	}
	return f.CreateMortgage(successor)
}

func (f *fakeStore) RegisterProperty(propertyID, userID uuid.UUID) error {
	f.properties[propertyID] = userID
	return nil
}

func (f *fakeStore) PropertyExists(propertyID, userID uuid.UUID) (bool, error) {
	owner, ok := f.properties[propertyID]
	return ok && owner == userID, nil
}

func (f *fakeStore) Close() error { return nil }

// testHarness wires a ledger over a fake store with one registered property.
func testHarness(t *testing.T) (*Ledger, *fakeStore, uuid.UUID, uuid.UUID) {
	t.Helper()
	store := newFakeStore()
	userID := uuid.New()
	propertyID := uuid.New()
	require.NoError(t, store.RegisterProperty(propertyID, userID))
	return New(store, nil), store, userID, propertyID
}

func standardTerms() CreateMortgageInput {
	return CreateMortgageInput{
		Lender:             "First National",
		OriginalLoanAmount: d("360000"),
		InterestRate:       d("4.5"),
		TermYears:          25,
		MortgageType:       models.MortgageTypeRepayment,
		ProductType:        models.ProductTypeFixed,
		StartDate:          date(2024, time.January, 15),
	}
}

func TestCreateMortgage(t *testing.T) {
	l, _, userID, propertyID := testHarness(t)

	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	assert.Equal(t, 1, m.SequenceNumber)
	assert.True(t, m.IsActive)
	assert.Equal(t, "2001.00", m.MonthlyPayment.StringFixed(2))
	assert.Equal(t, "360000.00", m.CurrentBalance.StringFixed(2))
	assert.True(t, m.PrincipalPaidToDate.IsZero())
	assert.True(t, m.InterestPaidToDate.IsZero())
	assert.Equal(t, date(2049, time.January, 15), m.EndDate)
	assert.Nil(t, m.LinkedToMortgageID)
}

func TestCreateMortgageSequenceNumbers(t *testing.T) {
	l, _, userID, propertyID := testHarness(t)

	first, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)
	second, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	assert.Equal(t, 1, first.SequenceNumber)
	assert.Equal(t, 2, second.SequenceNumber)
}

func TestCreateMortgageUnknownProperty(t *testing.T) {
	l, _, userID, _ := testHarness(t)

	_, err := l.CreateMortgage(userID, uuid.New(), standardTerms())
	assert.ErrorIs(t, err, errs.ErrPropertyNotFound)
}

func TestCreateMortgageValidation(t *testing.T) {
	l, _, userID, propertyID := testHarness(t)

	tests := []struct {
		name   string
		mutate func(*CreateMortgageInput)
	}{
		{"missing lender", func(in *CreateMortgageInput) { in.Lender = "" }},
		{"zero principal", func(in *CreateMortgageInput) { in.OriginalLoanAmount = decimal.Zero }},
		{"negative rate", func(in *CreateMortgageInput) { in.InterestRate = d("-1") }},
		{"rate above cap", func(in *CreateMortgageInput) { in.InterestRate = d("30.01") }},
		{"term too short", func(in *CreateMortgageInput) { in.TermYears = 0 }},
		{"term too long", func(in *CreateMortgageInput) { in.TermYears = 41 }},
		{"bad mortgage type", func(in *CreateMortgageInput) { in.MortgageType = "BALLOON" }},
		{"bad product type", func(in *CreateMortgageInput) { in.ProductType = "TEASER" }},
		{"zero start date", func(in *CreateMortgageInput) { in.StartDate = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := standardTerms()
			tt.mutate(&in)
			_, err := l.CreateMortgage(userID, propertyID, in)
			assert.True(t, errs.IsType(err, errs.ErrorTypeValidation), "expected validation error, got %v", err)
		})
	}
}

func TestClassifyPayment(t *testing.T) {
	expected := d("2001.00")

	tests := []struct {
		name   string
		amount string
		reason string
		want   models.PaymentType
	}{
		{"exact installment", "2001.00", "", models.PaymentTypeScheduled},
		{"within band low", "1950.00", "", models.PaymentTypeScheduled},
		{"within band high", "2050.00", "", models.PaymentTypeScheduled},
		{"lower band edge", "1900.95", "", models.PaymentTypeScheduled},
		{"upper band edge", "2101.05", "", models.PaymentTypeScheduled},
		{"below band", "1900.94", "", models.PaymentTypeTopUp},
		{"above band", "2101.06", "", models.PaymentTypeTopUp},
		{"large lump sum", "5000.00", "", models.PaymentTypeTopUp},
		{"reason forces topup", "2001.00", "inheritance", models.PaymentTypeTopUp},
		{"blank reason falls through to band", "2001.00", "   ", models.PaymentTypeScheduled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyPayment(d(tt.amount), expected, tt.reason)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecordScheduledPayment(t *testing.T) {
	l, store, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	p, err := l.RecordPayment(userID, m.ID, d("2001.00"), date(2024, time.February, 15), "")
	require.NoError(t, err)

	assert.Equal(t, models.PaymentTypeScheduled, p.PaymentType)
	assert.Equal(t, models.PaymentSourceUserInitiated, p.Source)
	assert.Equal(t, models.PaymentStatusPaid, p.Status)
	require.NotNil(t, p.PaymentNumber)
	assert.Equal(t, 1, *p.PaymentNumber)

	// 360000 at 4.5% accrues 1350.00 for the month; the rest pays principal.
	assert.Equal(t, "1350.00", p.Interest.StringFixed(2))
	assert.Equal(t, "651.00", p.Principal.StringFixed(2))
	assert.Equal(t, "360000.00", p.BalanceBefore.StringFixed(2))
	require.True(t, p.BalanceAfter.Valid)
	assert.Equal(t, "359349.00", p.BalanceAfter.Decimal.StringFixed(2))

	updated, err := store.GetMortgage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "359349.00", updated.CurrentBalance.StringFixed(2))
	assert.Equal(t, "651.00", updated.PrincipalPaidToDate.StringFixed(2))
	assert.Equal(t, "1350.00", updated.InterestPaidToDate.StringFixed(2))

	// Balance always equals original minus principal paid.
	assert.Equal(t,
		updated.OriginalLoanAmount.Sub(updated.PrincipalPaidToDate).StringFixed(2),
		updated.CurrentBalance.StringFixed(2))
}

func TestRecordTopUpPayment(t *testing.T) {
	l, store, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	p, err := l.RecordPayment(userID, m.ID, d("5000.00"), date(2024, time.February, 20), "")
	require.NoError(t, err)

	// A top-up is all principal, no interest, and carries no payment number.
	assert.Equal(t, models.PaymentTypeTopUp, p.PaymentType)
	assert.Nil(t, p.PaymentNumber)
	assert.Equal(t, "5000.00", p.Principal.StringFixed(2))
	assert.True(t, p.Interest.IsZero())

	updated, err := store.GetMortgage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "355000.00", updated.CurrentBalance.StringFixed(2))
	assert.True(t, updated.InterestPaidToDate.IsZero())
}

func TestRecordPaymentInterestCappedAtAmount(t *testing.T) {
	l, _, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	// 1910.00 sits inside the scheduled band but above the month's accrued
	// interest of 1350.00: the split covers interest first, remainder to
	// principal, and the two always sum to the amount.
	p, err := l.RecordPayment(userID, m.ID, d("1910.00"), date(2024, time.February, 15), "")
	require.NoError(t, err)

	assert.Equal(t, models.PaymentTypeScheduled, p.PaymentType)
	assert.Equal(t, "1350.00", p.Interest.StringFixed(2))
	assert.Equal(t, "560.00", p.Principal.StringFixed(2))
	assert.Equal(t, p.TotalAmount.StringFixed(2), p.Principal.Add(p.Interest).StringFixed(2))
}

func TestRecordPaymentOnInactiveMortgage(t *testing.T) {
	l, store, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	stored, err := store.GetMortgage(m.ID)
	require.NoError(t, err)
	stored.IsActive = false
	require.NoError(t, store.UpdateMortgage(stored))

	_, err = l.RecordPayment(userID, m.ID, d("2001.00"), date(2024, time.February, 15), "")
	assert.ErrorIs(t, err, errs.ErrMortgageInactive)
}

func TestRecordPaymentValidation(t *testing.T) {
	l, _, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	_, err = l.RecordPayment(userID, m.ID, decimal.Zero, date(2024, time.February, 15), "")
	assert.True(t, errs.IsType(err, errs.ErrorTypeValidation))

	_, err = l.RecordPayment(userID, m.ID, d("-100"), date(2024, time.February, 15), "")
	assert.True(t, errs.IsType(err, errs.ErrorTypeValidation))
}

func TestRecordPaymentWrongUser(t *testing.T) {
	l, _, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	_, err = l.RecordPayment(uuid.New(), m.ID, d("2001.00"), date(2024, time.February, 15), "")
	assert.ErrorIs(t, err, errs.ErrMortgageNotFound)
}

func TestGenerateScheduledPaymentIdempotent(t *testing.T) {
	l, store, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	due := date(2024, time.February, 15)
	first, err := l.GenerateScheduledPayment(m, due)
	require.NoError(t, err)
	require.NotNil(t, first)

	assert.Equal(t, models.PaymentTypeScheduled, first.PaymentType)
	assert.Equal(t, models.PaymentSourceSystemGenerated, first.Source)
	assert.Equal(t, models.PaymentStatusScheduled, first.Status)
	assert.Equal(t, "1350.00", first.Interest.StringFixed(2))
	assert.Equal(t, "651.00", first.Principal.StringFixed(2))
	assert.Equal(t, "2001.00", first.TotalAmount.StringFixed(2))
	assert.False(t, first.BalanceAfter.Valid)

	// Generation never moves the ledger.
	stored, err := store.GetMortgage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "360000.00", stored.CurrentBalance.StringFixed(2))

	second, err := l.GenerateScheduledPayment(m, due)
	require.NoError(t, err)
	assert.Nil(t, second)

	payments, err := store.PaymentsByMortgage(m.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestMarkPaymentAsPaid(t *testing.T) {
	l, store, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	generated, err := l.GenerateScheduledPayment(m, date(2024, time.February, 15))
	require.NoError(t, err)
	require.NotNil(t, generated)

	require.NoError(t, l.MarkPaymentAsPaid(userID, generated.ID, date(2024, time.February, 16)))

	settled, err := store.GetPayment(generated.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, settled.Status)
	require.NotNil(t, settled.ActualPaymentDate)
	assert.Equal(t, date(2024, time.February, 16), *settled.ActualPaymentDate)
	require.True(t, settled.BalanceAfter.Valid)
	assert.Equal(t, "359349.00", settled.BalanceAfter.Decimal.StringFixed(2))

	updated, err := store.GetMortgage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "359349.00", updated.CurrentBalance.StringFixed(2))
	assert.Equal(t, "651.00", updated.PrincipalPaidToDate.StringFixed(2))
	assert.Equal(t, "1350.00", updated.InterestPaidToDate.StringFixed(2))
}

func TestMarkPaymentAsPaidIsNoOpWhenSettled(t *testing.T) {
	l, store, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	generated, err := l.GenerateScheduledPayment(m, date(2024, time.February, 15))
	require.NoError(t, err)
	require.NoError(t, l.MarkPaymentAsPaid(userID, generated.ID, date(2024, time.February, 16)))

	// Settling again must not double-apply the split.
	require.NoError(t, l.MarkPaymentAsPaid(userID, generated.ID, date(2024, time.February, 17)))

	updated, err := store.GetMortgage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "651.00", updated.PrincipalPaidToDate.StringFixed(2))
}

// Two settlements of the same payment racing past the initial status read
// must apply the split exactly once. The store hook runs a full competing
// settlement inside the window between the first read and the lock.
func TestMarkPaymentAsPaidInterleavedSettlement(t *testing.T) {
	l, store, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	generated, err := l.GenerateScheduledPayment(m, date(2024, time.February, 15))
	require.NoError(t, err)
	require.NotNil(t, generated)

	intruded := false
	store.onGetPayment = func() {
		if intruded {
			return
		}
		intruded = true
		require.NoError(t, l.MarkPaymentAsPaid(userID, generated.ID, date(2024, time.February, 16)))
	}

	require.NoError(t, l.MarkPaymentAsPaid(userID, generated.ID, date(2024, time.February, 16)))

	updated, err := store.GetMortgage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "651.00", updated.PrincipalPaidToDate.StringFixed(2))
	assert.Equal(t, "359349.00", updated.CurrentBalance.StringFixed(2))
}

func TestMarkPaymentAsPaidWrongUser(t *testing.T) {
	l, store, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	generated, err := l.GenerateScheduledPayment(m, date(2024, time.February, 15))
	require.NoError(t, err)
	require.NotNil(t, generated)

	err = l.MarkPaymentAsPaid(uuid.New(), generated.ID, date(2024, time.February, 16))
	assert.ErrorIs(t, err, errs.ErrMortgageNotFound)

	// Nothing moved.
	pending, err := store.GetPayment(generated.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusScheduled, pending.Status)

	untouched, err := store.GetMortgage(m.ID)
	require.NoError(t, err)
	assert.True(t, untouched.PrincipalPaidToDate.IsZero())
}

// Generation over a stale batch snapshot must compute the split on the
// balance as persisted, not as captured before a concurrent payment landed.
func TestGenerateScheduledPaymentRereadsBalance(t *testing.T) {
	l, _, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	// Pay down 5000 after the snapshot in m was taken.
	_, err = l.RecordPayment(userID, m.ID, d("5000.00"), date(2024, time.February, 10), "lump sum")
	require.NoError(t, err)

	payment, err := l.GenerateScheduledPayment(m, date(2024, time.February, 15))
	require.NoError(t, err)
	require.NotNil(t, payment)

	// 355000 at 4.5% accrues 1331.25, not the 1350.00 of the stale 360000.
	assert.Equal(t, "1331.25", payment.Interest.StringFixed(2))
	assert.Equal(t, "669.75", payment.Principal.StringFixed(2))
	assert.Equal(t, "355000.00", payment.BalanceBefore.StringFixed(2))
}

func TestMarkOverduePayments(t *testing.T) {
	l, store, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	past, err := l.GenerateScheduledPayment(m, date(2024, time.February, 15))
	require.NoError(t, err)
	future, err := l.GenerateScheduledPayment(m, date(2024, time.March, 15))
	require.NoError(t, err)

	marked, err := l.MarkOverduePayments(date(2024, time.February, 20))
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	missed, err := store.GetPayment(past.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusMissed, missed.Status)

	pending, err := store.GetPayment(future.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusScheduled, pending.Status)

	// Marking missed never moves the balance.
	updated, err := store.GetMortgage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "360000.00", updated.CurrentBalance.StringFixed(2))
}

func TestRemortgage(t *testing.T) {
	l, store, userID, propertyID := testHarness(t)
	existing, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	successor, err := l.Remortgage(userID, existing.ID, RemortgageInput{
		Lender:        "Second Street Building Society",
		NewLoanAmount: d("340000"),
		InterestRate:  d("3.9"),
		TermYears:     20,
		MortgageType:  models.MortgageTypeRepayment,
		ProductType:   models.ProductTypeFixed,
		StartDate:     date(2026, time.June, 1),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, successor.SequenceNumber)
	require.NotNil(t, successor.LinkedToMortgageID)
	assert.Equal(t, existing.ID, *successor.LinkedToMortgageID)
	assert.True(t, successor.IsRemortgaged())
	assert.Equal(t, "340000.00", successor.CurrentBalance.StringFixed(2))

	old, err := store.GetMortgage(existing.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	// Exactly one active mortgage per property after the swap.
	active, err := store.ActiveMortgagesByProperty(propertyID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, successor.ID, active[0].ID)
}

func TestRemortgageWithEquityRelease(t *testing.T) {
	l, _, userID, propertyID := testHarness(t)
	existing, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	successor, err := l.Remortgage(userID, existing.ID, RemortgageInput{
		Lender:              "Second Street Building Society",
		NewLoanAmount:       d("340000"),
		InterestRate:        d("3.9"),
		TermYears:           20,
		MortgageType:        models.MortgageTypeRepayment,
		ProductType:         models.ProductTypeFixed,
		StartDate:           date(2026, time.June, 1),
		ReleaseEquity:       true,
		EquityReleaseAmount: d("25000"),
	})
	require.NoError(t, err)

	assert.Equal(t, "365000.00", successor.OriginalLoanAmount.StringFixed(2))
	assert.Equal(t, "365000.00", successor.CurrentBalance.StringFixed(2))
}

func TestRemortgageInactiveMortgage(t *testing.T) {
	l, _, userID, propertyID := testHarness(t)
	existing, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	input := RemortgageInput{
		Lender:        "Second Street Building Society",
		NewLoanAmount: d("340000"),
		InterestRate:  d("3.9"),
		TermYears:     20,
		MortgageType:  models.MortgageTypeRepayment,
		ProductType:   models.ProductTypeFixed,
		StartDate:     date(2026, time.June, 1),
	}
	_, err = l.Remortgage(userID, existing.ID, input)
	require.NoError(t, err)

	// The old mortgage is now inactive; remortgaging it again must fail.
	_, err = l.Remortgage(userID, existing.ID, input)
	assert.ErrorIs(t, err, errs.ErrMortgageInactive)
}

func TestUpdateInterestRateKeepsMonthlyPayment(t *testing.T) {
	l, _, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	updated, err := l.UpdateInterestRate(userID, m.ID, d("5.25"))
	require.NoError(t, err)

	assert.Equal(t, "5.25", updated.InterestRate.String())
	assert.Equal(t, "2001.00", updated.MonthlyPayment.StringFixed(2))

	_, err = l.UpdateInterestRate(userID, m.ID, d("31"))
	assert.True(t, errs.IsType(err, errs.ErrorTypeValidation))
}

func TestPaymentNumbersStaySequential(t *testing.T) {
	l, _, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	first, err := l.RecordPayment(userID, m.ID, d("2001.00"), date(2024, time.February, 15), "")
	require.NoError(t, err)

	// A top-up in between takes no number.
	_, err = l.RecordPayment(userID, m.ID, d("10000.00"), date(2024, time.February, 20), "lump sum")
	require.NoError(t, err)

	second, err := l.RecordPayment(userID, m.ID, d("2001.00"), date(2024, time.March, 15), "")
	require.NoError(t, err)

	require.NotNil(t, first.PaymentNumber)
	require.NotNil(t, second.PaymentNumber)
	assert.Equal(t, 1, *first.PaymentNumber)
	assert.Equal(t, 2, *second.PaymentNumber)
}

// The everyday flow against the real store: the generator materializes the
// installment at 02:00 and the user pays in-band the same day. The uniqueness
// guard covers only generator-created rows, so recording must succeed.
func TestRecordPaymentOnGeneratedDueDate(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	l := New(s, nil)
	userID, propertyID := uuid.New(), uuid.New()
	require.NoError(t, s.RegisterProperty(propertyID, userID))

	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	due := date(2024, time.February, 15)
	generated, err := l.GenerateScheduledPayment(m, due)
	require.NoError(t, err)
	require.NotNil(t, generated)

	p, err := l.RecordPayment(userID, m.ID, d("2001.00"), due, "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentTypeScheduled, p.PaymentType)
	assert.Equal(t, models.PaymentStatusPaid, p.Status)

	history, err := s.PaymentsByMortgage(m.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// The generator itself stays idempotent.
	again, err := l.GenerateScheduledPayment(m, due)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestSummary(t *testing.T) {
	l, _, userID, propertyID := testHarness(t)
	m, err := l.CreateMortgage(userID, propertyID, standardTerms())
	require.NoError(t, err)

	_, err = l.RecordPayment(userID, m.ID, d("2001.00"), date(2024, time.February, 15), "")
	require.NoError(t, err)

	summary, err := l.Summary(userID, m.ID)
	require.NoError(t, err)

	assert.Equal(t, m.ID, summary.MortgageID)
	assert.Equal(t, "359349.00", summary.CurrentBalance.StringFixed(2))
	assert.Equal(t, "651.00", summary.PrincipalPaid.StringFixed(2))
	assert.Equal(t, "1350.00", summary.InterestPaid.StringFixed(2))
	assert.Equal(t, 1, summary.PaymentsMade)
	assert.Equal(t, 299, summary.RemainingPayments)
	assert.Greater(t, summary.PercentageRepaid, 0.0)
}
