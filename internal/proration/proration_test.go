package proration

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDaysRemaining(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		end  time.Time
		want int
	}{
		{"ten exact days", now.Add(10 * 24 * time.Hour), 10},
		{"partial day rounds up", now.Add(10*24*time.Hour + 3*time.Hour), 11},
		{"one hour left", now.Add(time.Hour), 1},
		{"expired", now.Add(-time.Hour), 0},
		{"expires this instant", now, 0},
	}

	for _, tc := range cases {
		if got := DaysRemaining(tc.end, now); got != tc.want {
			t.Errorf("%s: DaysRemaining = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestCreditMonthlyTenOfThirty(t *testing.T) {
	// 10 of 30 days left on a 2000 KES monthly plan.
	credit := Credit(dec("2000"), 10, 30)
	if !credit.Equal(dec("666.67")) {
		t.Errorf("credit = %s, want 666.67", credit)
	}
}

func TestCreditEdges(t *testing.T) {
	if got := Credit(dec("2000"), 0, 30); !got.IsZero() {
		t.Errorf("zero days remaining: credit = %s, want 0", got)
	}
	if got := Credit(dec("2000"), 10, 0); !got.IsZero() {
		t.Errorf("zero cycle days: credit = %s, want 0", got)
	}
	// Clock skew can put daysRemaining past the cycle length; credit
	// caps at the full price paid.
	if got := Credit(dec("2000"), 45, 30); !got.Equal(dec("2000")) {
		t.Errorf("overlong remaining: credit = %s, want 2000", got)
	}
	if got := Credit(dec("2000"), 30, 30); !got.Equal(dec("2000")) {
		t.Errorf("full cycle remaining: credit = %s, want 2000", got)
	}
}

func TestCreditMonotonicInDaysRemaining(t *testing.T) {
	prev := dec("999999")
	for days := 30; days >= 0; days-- {
		credit := Credit(dec("5400"), days, 90)
		if credit.GreaterThan(prev) {
			t.Fatalf("credit increased as days fell: %s at %d days, was %s", credit, days, prev)
		}
		prev = credit
	}
}

func TestAmountToPay(t *testing.T) {
	if got := AmountToPay(dec("5400"), dec("666.67")); !got.Equal(dec("4733.33")) {
		t.Errorf("amount = %s, want 4733.33", got)
	}
	// Credit exceeding the new cost clamps at zero, never a refund.
	if got := AmountToPay(dec("100"), dec("666.67")); !got.IsZero() {
		t.Errorf("amount = %s, want 0", got)
	}
	if got := AmountToPay(dec("5400"), decimal.Zero); !got.Equal(dec("5400")) {
		t.Errorf("amount with no credit = %s, want 5400", got)
	}
}

func TestQuoteUpgradeMonthlyToQuarterly(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(10 * 24 * time.Hour)

	q := QuoteUpgrade(dec("2000"), dec("5400"), end, now, 30)

	if q.DaysRemaining != 10 {
		t.Errorf("days remaining = %d, want 10", q.DaysRemaining)
	}
	if !q.Credit.Equal(dec("666.67")) {
		t.Errorf("credit = %s, want 666.67", q.Credit)
	}
	if !q.AmountToPay.Equal(dec("4733.33")) {
		t.Errorf("amount to pay = %s, want 4733.33", q.AmountToPay)
	}
}

func TestQuoteUpgradeCreditCovers(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(300 * 24 * time.Hour)

	// Most of an annual cycle left, downpriced set: credit swallows it.
	q := QuoteUpgrade(dec("18360"), dec("5000"), end, now, 365)
	if !q.AmountToPay.IsZero() {
		t.Errorf("amount to pay = %s, want 0", q.AmountToPay)
	}
	if q.Credit.LessThanOrEqual(dec("5000")) {
		t.Errorf("credit = %s, expected above new cost", q.Credit)
	}
}

func TestBranchAdditionProration(t *testing.T) {
	// Branch rate 1600 on a monthly cycle, half the cycle left.
	if got := BranchAddition(dec("1600"), 15, 30); !got.Equal(dec("800")) {
		t.Errorf("charge = %s, want 800", got)
	}
	// 10 of 90 days on quarterly branch rate 4320.
	if got := BranchAddition(dec("4320"), 10, 90); !got.Equal(dec("480")) {
		t.Errorf("charge = %s, want 480", got)
	}
	if got := BranchAddition(dec("1600"), 0, 30); !got.IsZero() {
		t.Errorf("charge = %s, want 0 for expired cycle", got)
	}
}
