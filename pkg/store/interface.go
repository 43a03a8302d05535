package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/propview/mortgage-engine/pkg/models"
	"github.com/shopspring/decimal"
)

// Storage defines the persistence operations for mortgages and their
// payments. The engine depends only on this interface, never on a concrete
// backend.
//
// The three multi-write methods (ApplyPayment, SettlePayment,
// SwapActiveMortgage) are the units of work that must be atomic: a payment
// row must never exist without its ledger effect and a remortgage must never
// leave a property with zero or two active mortgages.
type Storage interface {
	CreateMortgage(m *models.Mortgage) error
	GetMortgage(id uuid.UUID) (*models.Mortgage, error)
	GetMortgageForUser(id, userID uuid.UUID) (*models.Mortgage, error)
	UpdateMortgage(m *models.Mortgage) error
	MortgagesByProperty(propertyID uuid.UUID) ([]*models.Mortgage, error)
	ActiveMortgagesByProperty(propertyID uuid.UUID) ([]*models.Mortgage, error)
	MortgagesByUser(userID uuid.UUID) ([]*models.Mortgage, error)
	ActiveMortgagesInTerm(date time.Time) ([]*models.Mortgage, error)
	NextSequenceNumber(propertyID uuid.UUID) (int, error)

	CreatePayment(p *models.Payment) error
	GetPayment(id uuid.UUID) (*models.Payment, error)
	UpdatePayment(p *models.Payment) error
	PaymentsByMortgage(mortgageID uuid.UUID) ([]*models.Payment, error)
	TopUpPaymentsByMortgage(mortgageID uuid.UUID) ([]*models.Payment, error)
	MaxPaymentNumber(mortgageID uuid.UUID) (int, error)
	ScheduledPaymentExists(mortgageID uuid.UUID, dueDate time.Time) (bool, error)
	OverdueScheduledPayments(asOf time.Time) ([]*models.Payment, error)
	SumPaidPrincipal(mortgageID uuid.UUID) (decimal.Decimal, error)
	SumPaidInterest(mortgageID uuid.UUID) (decimal.Decimal, error)

	// ApplyPayment inserts a settled payment and writes the mortgage's moved
	// balances in one transaction.
	ApplyPayment(m *models.Mortgage, p *models.Payment) error
	// SettlePayment updates an existing scheduled payment to its settled form
	// and writes the mortgage's moved balances in one transaction.
	SettlePayment(m *models.Mortgage, p *models.Payment) error
	// SwapActiveMortgage deactivates the old mortgage and inserts its
	// successor in one transaction.
	SwapActiveMortgage(old, successor *models.Mortgage) error

	// Property ownership backing for the creation-time existence check.
	RegisterProperty(propertyID, userID uuid.UUID) error
	PropertyExists(propertyID, userID uuid.UUID) (bool, error)

	Close() error
}
