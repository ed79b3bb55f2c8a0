package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDefaultPlans(t *testing.T) {
	table := NewTable()

	cases := []struct {
		cycle Cycle
		price string
		days  int
	}{
		{CycleMonthly, "2000", 30},
		{CycleQuarterly, "5400", 90},
		{CycleSemiAnnual, "9720", 180},
		{CycleAnnual, "18360", 365},
	}

	for _, tc := range cases {
		plan, ok := table.Plan(tc.cycle)
		if !ok {
			t.Fatalf("missing plan for %s", tc.cycle)
		}
		if !plan.Price.Equal(dec(tc.price)) {
			t.Errorf("%s price = %s, want %s", tc.cycle, plan.Price, tc.price)
		}
		if plan.DurationDays != tc.days {
			t.Errorf("%s duration = %d days, want %d", tc.cycle, plan.DurationDays, tc.days)
		}
	}

	if _, ok := table.Plan(Cycle("weekly")); ok {
		t.Error("expected no plan for unknown cycle")
	}
}

func TestBranchPrice(t *testing.T) {
	table := NewTable()
	for _, plan := range table.Plans() {
		want := plan.Price.Mul(dec("0.8"))
		if !plan.BranchPrice().Equal(want) {
			t.Errorf("%s branch price = %s, want %s", plan.Cycle, plan.BranchPrice(), want)
		}
	}

	monthly, _ := table.Plan(CycleMonthly)
	if !monthly.BranchPrice().Equal(dec("1600")) {
		t.Errorf("monthly branch price = %s, want 1600", monthly.BranchPrice())
	}
}

func TestComputeTotalMainPlusOneBranch(t *testing.T) {
	table := NewTable()

	// Main plus two branches, all unpaid; main and one branch selected.
	selection := []Selectable{
		{ID: "b-main", IsMain: true},
		{ID: "b-two"},
	}

	total, err := table.ComputeTotal(CycleMonthly, selection)
	if err != nil {
		t.Fatalf("ComputeTotal: %v", err)
	}
	if !total.Equal(dec("3600")) {
		t.Errorf("total = %s, want 3600", total)
	}
}

func TestComputeTotalSkipsPaidBranches(t *testing.T) {
	table := NewTable()

	selection := []Selectable{
		{ID: "b-main", IsMain: true},
		{ID: "b-two", IsPaid: true},
		{ID: "b-three"},
	}

	total, err := table.ComputeTotal(CycleMonthly, selection)
	if err != nil {
		t.Fatalf("ComputeTotal: %v", err)
	}
	// Paid branch contributes nothing: 2000 + 0 + 1600.
	if !total.Equal(dec("3600")) {
		t.Errorf("total = %s, want 3600", total)
	}

	allPaid := []Selectable{
		{ID: "b-main", IsMain: true, IsPaid: true},
		{ID: "b-two", IsPaid: true},
	}
	total, err = table.ComputeTotal(CycleMonthly, allPaid)
	if err != nil {
		t.Fatalf("ComputeTotal: %v", err)
	}
	if !total.IsZero() {
		t.Errorf("total for fully paid selection = %s, want 0", total)
	}
}

func TestComputeTotalProperty(t *testing.T) {
	table := NewTable()
	plan, _ := table.Plan(CycleQuarterly)

	// total = mainPrice + 0.8*mainPrice*extraBranches for unpaid selections.
	for extra := 0; extra <= 5; extra++ {
		selection := []Selectable{{ID: "b-main", IsMain: true}}
		for i := 0; i < extra; i++ {
			selection = append(selection, Selectable{ID: "b-extra"})
		}

		total, err := table.ComputeTotal(CycleQuarterly, selection)
		if err != nil {
			t.Fatalf("ComputeTotal: %v", err)
		}
		want := plan.Price.Add(plan.BranchPrice().Mul(decimal.NewFromInt(int64(extra))))
		if !total.Equal(want) {
			t.Errorf("extra=%d total = %s, want %s", extra, total, want)
		}
	}
}

func TestComputeTotalUnknownCycle(t *testing.T) {
	table := NewTable()
	if _, err := table.ComputeTotal(Cycle("biennial"), nil); err == nil {
		t.Fatal("expected error for unknown cycle")
	}
}

func TestUpgradeSetCostIgnoresPaid(t *testing.T) {
	table := NewTable()

	set := []Selectable{
		{ID: "b-main", IsMain: true, IsPaid: true},
		{ID: "b-two", IsPaid: true},
	}

	cost, err := table.UpgradeSetCost(CycleQuarterly, set)
	if err != nil {
		t.Fatalf("UpgradeSetCost: %v", err)
	}
	if !cost.Equal(dec("9720")) {
		t.Errorf("upgrade set cost = %s, want 9720 (5400 + 4320)", cost)
	}
}

func TestCycleOrdering(t *testing.T) {
	if !CycleQuarterly.LongerThan(CycleMonthly) {
		t.Error("quarterly should rank above monthly")
	}
	if CycleMonthly.LongerThan(CycleAnnual) {
		t.Error("monthly should not rank above annual")
	}
	if CycleAnnual.LongerThan(CycleAnnual) {
		t.Error("a cycle should not rank above itself")
	}
	if Cycle("weekly").Valid() {
		t.Error("weekly should not be a valid cycle")
	}
}

func TestSavingsAndMonthlyPrice(t *testing.T) {
	table := NewTable()

	cases := []struct {
		cycle   Cycle
		savings string
		monthly string
	}{
		{CycleMonthly, "0", "2000"},
		{CycleQuarterly, "600", "1800"},
		{CycleSemiAnnual, "2280", "1620"},
		{CycleAnnual, "5640", "1530"},
	}

	for _, tc := range cases {
		if got := table.Savings(tc.cycle); !got.Equal(dec(tc.savings)) {
			t.Errorf("%s savings = %s, want %s", tc.cycle, got, tc.savings)
		}
		plan, _ := table.Plan(tc.cycle)
		if got := plan.MonthlyPrice(); !got.Equal(dec(tc.monthly)) {
			t.Errorf("%s monthly price = %s, want %s", tc.cycle, got, tc.monthly)
		}
	}
}

func TestSetPrice(t *testing.T) {
	table := NewTable()

	if err := table.SetPrice(CycleMonthly, dec("2500")); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	plan, _ := table.Plan(CycleMonthly)
	if !plan.Price.Equal(dec("2500")) {
		t.Errorf("price after override = %s, want 2500", plan.Price)
	}
	if plan.DurationDays != 30 {
		t.Errorf("duration changed by override: %d", plan.DurationDays)
	}

	if err := table.SetPrice(Cycle("weekly"), dec("100")); err == nil {
		t.Error("expected error for unknown cycle")
	}
	if err := table.SetPrice(CycleMonthly, dec("0")); err == nil {
		t.Error("expected error for non-positive price")
	}
	if err := table.SetPrice(CycleMonthly, dec("-5")); err == nil {
		t.Error("expected error for negative price")
	}
}

func TestOverridesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.json")

	table := NewTable()
	ow, err := NewOverridesWatcher(table, path)
	if err != nil {
		t.Fatalf("NewOverridesWatcher: %v", err)
	}
	defer ow.Stop()

	// Missing file is fine; defaults stay.
	ow.reload()
	plan, _ := table.Plan(CycleMonthly)
	if !plan.Price.Equal(dec("2000")) {
		t.Fatalf("price changed without overrides file: %s", plan.Price)
	}

	if err := os.WriteFile(path, []byte(`{"monthly": "2200", "quarterly": 6000}`), 0o644); err != nil {
		t.Fatalf("write overrides: %v", err)
	}
	ow.reload()

	plan, _ = table.Plan(CycleMonthly)
	if !plan.Price.Equal(dec("2200")) {
		t.Errorf("monthly after reload = %s, want 2200", plan.Price)
	}
	plan, _ = table.Plan(CycleQuarterly)
	if !plan.Price.Equal(dec("6000")) {
		t.Errorf("quarterly after reload = %s, want 6000", plan.Price)
	}

	// Corrupt file keeps current prices.
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("write overrides: %v", err)
	}
	ow.reload()
	plan, _ = table.Plan(CycleMonthly)
	if !plan.Price.Equal(dec("2200")) {
		t.Errorf("monthly after corrupt reload = %s, want 2200", plan.Price)
	}
}
