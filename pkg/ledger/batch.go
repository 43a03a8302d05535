package ledger

import (
	"time"

	"github.com/propview/mortgage-engine/pkg/errs"
	"github.com/propview/mortgage-engine/pkg/metrics"
	"github.com/propview/mortgage-engine/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GenerateDuePayments walks every active mortgage whose term covers the
// given date and materializes the scheduled installment for mortgages whose
// monthly due day falls on it. One mortgage failing never aborts the pass:
// the error is logged and the rest of the population continues. Re-running
// for the same date is a no-op thanks to the uniqueness short-circuit in
// GenerateScheduledPayment.
func (l *Ledger) GenerateDuePayments(date time.Time) (generated int, err error) {
	mortgages, err := l.storage.ActiveMortgagesInTerm(date)
	if err != nil {
		return 0, err
	}

	for _, mortgage := range mortgages {
		if mortgage.Flagged {
			l.log.Warn("skipping flagged mortgage in payment generation",
				zap.String("mortgage_id", mortgage.ID.String()))
			continue
		}
		if !mortgage.PaymentDueOn(date) {
			continue
		}
		payment, err := l.GenerateScheduledPayment(mortgage, date)
		if err != nil {
			metrics.BatchItemFailed("generate")
			l.log.Error("failed to generate scheduled payment",
				zap.String("mortgage_id", mortgage.ID.String()), zap.Error(err))
			continue
		}
		if payment != nil {
			generated++
			l.log.Debug("generated scheduled payment",
				zap.String("mortgage_id", mortgage.ID.String()),
				zap.Intp("payment_number", payment.PaymentNumber))
		}
	}

	l.log.Info("scheduled payment generation complete",
		zap.Int("mortgages", len(mortgages)), zap.Int("generated", generated))
	return generated, nil
}

// ReconcileAll verifies the ledger invariant for every active mortgage:
// currentBalance must equal originalLoanAmount minus principalPaidToDate
// within a cent, and the paid-principal sum over the payment history must
// agree with the running total. Mortgages that fail are flagged and excluded
// from batch processing until cleared; balances are never adjusted here.
func (l *Ledger) ReconcileAll(asOf time.Time) (flagged int, err error) {
	mortgages, err := l.storage.ActiveMortgagesInTerm(asOf)
	if err != nil {
		return 0, err
	}

	for _, mortgage := range mortgages {
		if err := l.reconcileMortgage(mortgage); err != nil {
			flagged++
			metrics.MortgageFlagged()
			l.log.Error("mortgage failed reconciliation",
				zap.String("mortgage_id", mortgage.ID.String()), zap.Error(err))
		}
	}

	l.log.Info("reconciliation complete",
		zap.Int("mortgages", len(mortgages)), zap.Int("flagged", flagged))
	return flagged, nil
}

func (l *Ledger) reconcileMortgage(mortgage *models.Mortgage) error {
	unlock := l.lockMortgage(mortgage.ID)
	defer unlock()

	// The expected balance floors at zero: a final overshooting payment books
	// its full amount as principal while the balance stops at zero.
	expected := mortgage.OriginalLoanAmount.Sub(mortgage.PrincipalPaidToDate)
	if expected.IsNegative() {
		expected = decimal.Zero
	}
	drift := mortgage.CurrentBalance.Sub(expected).Abs()

	paidPrincipal, err := l.storage.SumPaidPrincipal(mortgage.ID)
	if err != nil {
		return err
	}
	historyDrift := paidPrincipal.Sub(mortgage.PrincipalPaidToDate).Abs()

	if drift.LessThanOrEqual(reconcileTolerance) && historyDrift.LessThanOrEqual(reconcileTolerance) {
		return nil
	}

	mortgage.Flagged = true
	mortgage.UpdatedAt = time.Now().UTC()
	if updateErr := l.storage.UpdateMortgage(mortgage); updateErr != nil {
		return updateErr
	}
	return errs.ErrLedgerInconsistent
}
