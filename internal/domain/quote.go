package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const percentageMultiplier = 100

var (
	// DefaultMinGrossINR is the smallest sell the payout desk accepts.
	DefaultMinGrossINR = decimal.NewFromInt(500)
	// DefaultCommissionPercent is taken from the gross INR value of every sell.
	DefaultCommissionPercent = decimal.NewFromInt(10)
)

// Quote is the INR breakdown of selling Amount of Token at INRPerUnit.
type Quote struct {
	Token         Asset
	Amount        decimal.Decimal
	INRPerUnit    decimal.Decimal
	INRGross      int64
	CommissionINR int64
	INRNet        int64

	grossExact decimal.Decimal
}

// NewQuote computes gross, commission and net INR values.
// Gross is rounded to whole rupees, commission is commissionPercent of the
// rounded gross (rounded half away from zero) and net never goes below zero.
func NewQuote(token Asset, amount, inrPerUnit, commissionPercent decimal.Decimal) Quote {
	grossExact := amount.Mul(inrPerUnit)
	gross := grossExact.Round(0)
	commission := gross.Mul(commissionPercent).Div(decimal.NewFromInt(percentageMultiplier)).Round(0)
	net := decimal.Max(decimal.Zero, gross.Sub(commission))

	return Quote{
		Token:         token,
		Amount:        amount,
		INRPerUnit:    inrPerUnit,
		INRGross:      gross.IntPart(),
		CommissionINR: commission.IntPart(),
		INRNet:        net.IntPart(),
		grossExact:    grossExact,
	}
}

// MeetsMinimum reports whether the unrounded gross value reaches min.
func (q Quote) MeetsMinimum(min decimal.Decimal) bool {
	return q.grossExact.GreaterThanOrEqual(min)
}

// Validate checks the quote against the sell rules.
func (q Quote) Validate(min decimal.Decimal) error {
	if !q.Amount.IsPositive() {
		return errors.Wrap(ErrValidation, "amount must be greater than zero")
	}
	if !q.INRPerUnit.IsPositive() {
		return errors.Wrapf(ErrValidation, "price for %s is unknown", q.Token)
	}
	if !q.MeetsMinimum(min) {
		return errors.Wrapf(ErrValidation, "minimum sell value is ₹%s", min.String())
	}
	return nil
}
