// Package pricing holds the subscription plan table and the per-branch
// pricing rules. Prices are exact decimals in KES; the table can be
// overridden at runtime from an operator-supplied file (see watcher.go).
package pricing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Cycle identifies a billing cycle
type Cycle string

const (
	CycleMonthly    Cycle = "monthly"
	CycleQuarterly  Cycle = "quarterly"
	CycleSemiAnnual Cycle = "semi_annual"
	CycleAnnual     Cycle = "annual"
)

// cycleOrder defines the upgrade ordering; a cycle can only be upgraded
// to one with a higher rank.
var cycleOrder = map[Cycle]int{
	CycleMonthly:    1,
	CycleQuarterly:  2,
	CycleSemiAnnual: 3,
	CycleAnnual:     4,
}

// Valid reports whether c names a known billing cycle
func (c Cycle) Valid() bool {
	_, ok := cycleOrder[c]
	return ok
}

// LongerThan reports whether c is a strictly longer cycle than other
func (c Cycle) LongerThan(other Cycle) bool {
	return cycleOrder[c] > cycleOrder[other]
}

// branchDiscount is the flat multiplier for every non-main branch,
// every cycle.
var branchDiscount = decimal.RequireFromString("0.8")

// Plan is one row of the pricing table
type Plan struct {
	Cycle        Cycle           `json:"billing_cycle"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price_kes"`
	DurationDays int             `json:"duration_days"`
	Months       int             `json:"months"`
}

// Duration returns the subscription length the plan buys
func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// MonthlyPrice is the effective per-month price of the plan
func (p Plan) MonthlyPrice() decimal.Decimal {
	return p.Price.DivRound(decimal.NewFromInt(int64(p.Months)), 2)
}

// BranchPrice is the discounted price a non-main branch pays for this plan
func (p Plan) BranchPrice() decimal.Decimal {
	return p.Price.Mul(branchDiscount)
}

func defaultPlans() map[Cycle]Plan {
	return map[Cycle]Plan{
		CycleMonthly:    {Cycle: CycleMonthly, Name: "Monthly", Price: decimal.NewFromInt(2000), DurationDays: 30, Months: 1},
		CycleQuarterly:  {Cycle: CycleQuarterly, Name: "Quarterly", Price: decimal.NewFromInt(5400), DurationDays: 90, Months: 3},
		CycleSemiAnnual: {Cycle: CycleSemiAnnual, Name: "Semi-Annual", Price: decimal.NewFromInt(9720), DurationDays: 180, Months: 6},
		CycleAnnual:     {Cycle: CycleAnnual, Name: "Annual", Price: decimal.NewFromInt(18360), DurationDays: 365, Months: 12},
	}
}

// Table is the live pricing table. Reads vastly outnumber override
// writes, so it is guarded by an RWMutex.
type Table struct {
	mu    sync.RWMutex
	plans map[Cycle]Plan
}

// NewTable returns a table loaded with the default plans
func NewTable() *Table {
	return &Table{plans: defaultPlans()}
}

// Plan looks up the plan for a cycle
func (t *Table) Plan(cycle Cycle) (Plan, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.plans[cycle]
	return p, ok
}

// Plans returns all plans in upgrade order
func (t *Table) Plans() []Plan {
	t.mu.RLock()
	defer t.mu.RUnlock()

	plans := make([]Plan, 0, len(t.plans))
	for _, p := range t.plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool {
		return cycleOrder[plans[i].Cycle] < cycleOrder[plans[j].Cycle]
	})
	return plans
}

// Savings is what the plan saves versus paying month by month
func (t *Table) Savings(cycle Cycle) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.plans[cycle]
	if !ok {
		return decimal.Zero
	}
	monthly := t.plans[CycleMonthly]
	return monthly.Price.Mul(decimal.NewFromInt(int64(p.Months))).Sub(p.Price)
}

// SetPrice replaces the main-location price for a cycle. Durations and
// the branch discount are fixed; only prices are operator-tunable.
func (t *Table) SetPrice(cycle Cycle, price decimal.Decimal) error {
	if !cycle.Valid() {
		return fmt.Errorf("unknown billing cycle %q", cycle)
	}
	if price.Sign() <= 0 {
		return fmt.Errorf("price for %s must be positive, got %s", cycle, price)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.plans[cycle]
	p.Price = price
	t.plans[cycle] = p
	return nil
}

// Selectable is the slice of branch state pricing needs: identity,
// main-location flag, and whether the branch already holds a paid
// subscription.
type Selectable struct {
	ID     string
	IsMain bool
	IsPaid bool
}

// ComputeTotal prices a subscription selection. Already-paid branches
// are never re-charged; the main location pays full price and every
// other branch the discounted rate.
func (t *Table) ComputeTotal(cycle Cycle, selection []Selectable) (decimal.Decimal, error) {
	plan, ok := t.Plan(cycle)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown billing cycle %q", cycle)
	}

	total := decimal.Zero
	for _, b := range selection {
		if b.IsPaid {
			continue
		}
		if b.IsMain {
			total = total.Add(plan.Price)
		} else {
			total = total.Add(plan.BranchPrice())
		}
	}
	return total, nil
}

// UpgradeSetCost prices a branch set at the given cycle's rates with
// paid status ignored. Used when an upgrade re-buys the currently-paid
// set on a longer cycle.
func (t *Table) UpgradeSetCost(cycle Cycle, set []Selectable) (decimal.Decimal, error) {
	plan, ok := t.Plan(cycle)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown billing cycle %q", cycle)
	}

	total := decimal.Zero
	for _, b := range set {
		if b.IsMain {
			total = total.Add(plan.Price)
		} else {
			total = total.Add(plan.BranchPrice())
		}
	}
	return total, nil
}
