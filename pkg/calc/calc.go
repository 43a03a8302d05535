// Package calc implements the amortization arithmetic for repayment
// mortgages. Everything here is pure: no state, no I/O, decimal in, decimal
// out. Intermediate arithmetic carries ten fractional digits; results round
// half-up to two decimals at the steps noted on each function, and callers
// depend on that policy staying put.
package calc

import (
	"github.com/propview/mortgage-engine/pkg/errs"
	"github.com/shopspring/decimal"
)

const (
	internalScale = 10
	displayScale  = 2
)

var (
	monthsPerYearTimesHundred = decimal.NewFromInt(1200)
	hundred                   = decimal.NewFromInt(100)
)

// MonthlyPayment computes the fixed installment for a repayment mortgage:
//
//	M = P * r(1+r)^n / ((1+r)^n - 1)
//
// with r the decimal monthly rate and n the number of monthly installments.
// A zero rate degenerates to P/n. The result is rounded to two decimals.
func MonthlyPayment(principal, annualRate decimal.Decimal, termYears int) (decimal.Decimal, error) {
	if !principal.IsPositive() {
		return decimal.Zero, errs.NewValidationError("INVALID_PRINCIPAL", "principal must be positive")
	}
	if annualRate.IsNegative() {
		return decimal.Zero, errs.NewValidationError("INVALID_RATE", "interest rate cannot be negative")
	}
	if termYears < 1 {
		return decimal.Zero, errs.NewValidationError("INVALID_TERM", "term must be at least one year")
	}

	monthlyRate := MonthlyRate(annualRate)
	numberOfPayments := int64(termYears) * 12

	if monthlyRate.IsZero() {
		return principal.DivRound(decimal.NewFromInt(numberOfPayments), displayScale), nil
	}

	onePlusR := monthlyRate.Add(decimal.NewFromInt(1))
	onePlusRToN := power(onePlusR, numberOfPayments)

	numerator := monthlyRate.Mul(onePlusRToN)
	denominator := onePlusRToN.Sub(decimal.NewFromInt(1))

	return principal.
		Mul(numerator).
		DivRound(denominator, internalScale).
		Round(displayScale), nil
}

// MonthlyInterest is the interest accrued on a balance for one month,
// rounded to two decimals.
func MonthlyInterest(balance, annualRate decimal.Decimal) (decimal.Decimal, error) {
	if balance.IsNegative() {
		return decimal.Zero, errs.NewValidationError("INVALID_BALANCE", "balance cannot be negative")
	}
	if annualRate.IsNegative() {
		return decimal.Zero, errs.NewValidationError("INVALID_RATE", "interest rate cannot be negative")
	}
	return balance.Mul(MonthlyRate(annualRate)).Round(displayScale), nil
}

// PrincipalPortion is the part of an installment that pays down the balance.
// No negative-result floor is applied here; the recorder decides what a
// shortfall means.
func PrincipalPortion(monthlyPayment, monthlyInterest decimal.Decimal) decimal.Decimal {
	return monthlyPayment.Sub(monthlyInterest).Round(displayScale)
}

// RemainingBalance is the balance after a principal repayment, floored at
// zero. Overshoot beyond the balance is absorbed silently; classifying it is
// a policy decision that lives above this layer.
func RemainingBalance(previousBalance, principalPaid decimal.Decimal) decimal.Decimal {
	remaining := previousBalance.Sub(principalPaid)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return remaining.Round(displayScale)
}

// MonthlyRate converts an annual percentage rate to a decimal monthly rate at
// ten fractional digits (4.5 -> 0.00375).
func MonthlyRate(annualRate decimal.Decimal) decimal.Decimal {
	return annualRate.DivRound(monthsPerYearTimesHundred, internalScale)
}

// PercentageRepaid returns how much of the original amount has been repaid,
// as a percentage. A zero original amount yields zero rather than an error so
// brand-new mortgages report cleanly.
func PercentageRepaid(originalAmount, amountRepaid decimal.Decimal) float64 {
	if originalAmount.IsZero() {
		return 0
	}
	return amountRepaid.DivRound(originalAmount, 4).Mul(hundred).InexactFloat64()
}

// TotalInterest is the interest paid over the whole schedule: the sum of all
// installments less the original principal, rounded to two decimals.
func TotalInterest(monthlyPayment decimal.Decimal, numberOfPayments int, originalPrincipal decimal.Decimal) (decimal.Decimal, error) {
	if numberOfPayments < 0 {
		return decimal.Zero, errs.NewValidationError("INVALID_PAYMENT_COUNT", "number of payments cannot be negative")
	}
	totalPaid := monthlyPayment.Mul(decimal.NewFromInt(int64(numberOfPayments)))
	return totalPaid.Sub(originalPrincipal).Round(displayScale), nil
}

// RemainingPayments counts the installments left on a schedule, floored at
// zero.
func RemainingPayments(originalPayments, paymentsCompleted int) int {
	if remaining := originalPayments - paymentsCompleted; remaining > 0 {
		return remaining
	}
	return 0
}

// power raises base to a non-negative integer exponent, re-rounding to the
// internal scale after every multiplication. The per-step rounding is part of
// the arithmetic contract: the published amortization figures were produced
// this way, so a mathematically tighter pow would change settled numbers.
func power(base decimal.Decimal, exponent int64) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for i := int64(0); i < exponent; i++ {
		result = result.Mul(base).Round(internalScale)
	}
	return result
}
