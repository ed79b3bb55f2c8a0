// Package proration computes mid-cycle charges and credits. All math is
// exact decimal; results round half-up to 2 decimal places at the
// boundary, so callers persist and present what was computed here.
package proration

import (
	"time"

	"github.com/shopspring/decimal"
)

const hoursPerDay = 24 * time.Hour

// DaysRemaining returns the whole days between now and end, rounding a
// partial day up and flooring at zero once end has passed.
func DaysRemaining(end, now time.Time) int {
	if !end.After(now) {
		return 0
	}
	d := end.Sub(now)
	days := int(d / hoursPerDay)
	if d%hoursPerDay > 0 {
		days++
	}
	return days
}

// Credit is the unused value of the current cycle: the remaining
// fraction of the cycle multiplied by what was paid for it.
func Credit(pricePaid decimal.Decimal, daysRemaining, cycleDays int) decimal.Decimal {
	if daysRemaining <= 0 || cycleDays <= 0 {
		return decimal.Zero
	}
	if daysRemaining > cycleDays {
		daysRemaining = cycleDays
	}
	return pricePaid.
		Mul(decimal.NewFromInt(int64(daysRemaining))).
		Div(decimal.NewFromInt(int64(cycleDays))).
		Round(2)
}

// AmountToPay nets the new cost against the credit, never below zero
func AmountToPay(newCost, credit decimal.Decimal) decimal.Decimal {
	due := newCost.Sub(credit).Round(2)
	if due.Sign() < 0 {
		return decimal.Zero.Round(2)
	}
	return due
}

// BranchAddition is the prorated charge for one branch joining
// mid-cycle: it pays the branch rate for the days left in the current
// cycle and then expires with the main location.
func BranchAddition(branchPrice decimal.Decimal, daysRemaining, cycleDays int) decimal.Decimal {
	return Credit(branchPrice, daysRemaining, cycleDays)
}

// UpgradeQuote is the full proration picture for a cycle upgrade
type UpgradeQuote struct {
	DaysRemaining int
	Credit        decimal.Decimal
	NewCost       decimal.Decimal
	AmountToPay   decimal.Decimal
}

// QuoteUpgrade prices an upgrade: credit for the unused part of the
// current cycle against the cost of the new one. A zero AmountToPay
// means the credit fully covers the upgrade.
func QuoteUpgrade(pricePaid, newCost decimal.Decimal, end, now time.Time, cycleDays int) UpgradeQuote {
	days := DaysRemaining(end, now)
	credit := Credit(pricePaid, days, cycleDays)
	return UpgradeQuote{
		DaysRemaining: days,
		Credit:        credit,
		NewCost:       newCost,
		AmountToPay:   AmountToPay(newCost, credit),
	}
}
