package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestTransaction(t *testing.T, s *Store, tenantID string, branchIDs []string, amount string) *Transaction {
	t.Helper()
	txn := &Transaction{
		ID:           NewTransactionID(),
		TenantID:     tenantID,
		Reference:    NewReference(),
		Amount:       decimal.RequireFromString(amount),
		BillingCycle: "monthly",
		Purpose:      PurposeSubscribe,
		BranchIDs:    branchIDs,
	}
	if err := s.CreateTransaction(txn); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	return txn
}

func TestTransactionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s, "roundtrip")
	main := newTestBranch(t, s, tenant.ID, true)
	extra := newTestBranch(t, s, tenant.ID, false)

	txn := newTestTransaction(t, s, tenant.ID, []string{main.ID, extra.ID}, "3600")

	got, err := s.GetTransactionByReference(txn.Reference)
	if err != nil {
		t.Fatalf("GetTransactionByReference: %v", err)
	}
	if got == nil {
		t.Fatal("transaction not found after create")
	}
	if got.Status != TransactionPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if !got.Amount.Equal(decimal.RequireFromString("3600")) {
		t.Errorf("amount = %s, want 3600", got.Amount)
	}
	if got.Currency != "KES" {
		t.Errorf("currency = %q, want KES", got.Currency)
	}
	if len(got.BranchIDs) != 2 || got.BranchIDs[0] != main.ID || got.BranchIDs[1] != extra.ID {
		t.Errorf("branch ids = %v", got.BranchIDs)
	}
	if got.PaidSnapshot != nil {
		t.Errorf("paid snapshot = %v, want nil", got.PaidSnapshot)
	}

	missing, err := s.GetTransactionByReference("ref_NOSUCH")
	if err != nil {
		t.Fatalf("GetTransactionByReference missing: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown reference")
	}
}

func TestResolveTransactionWinnerAppliesEffects(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s, "winner")
	main := newTestBranch(t, s, tenant.ID, true)
	extra := newTestBranch(t, s, tenant.ID, false)

	txn := newTestTransaction(t, s, tenant.ID, []string{main.ID, extra.ID}, "3600")

	paidAt := time.Now().UTC().Truncate(time.Second)
	end := paidAt.Add(30 * 24 * time.Hour)
	committed, won, err := s.ResolveTransaction(txn.Reference, Resolution{
		Status:         TransactionSuccess,
		GatewayMessage: "Approved",
		PaymentDate:    &paidAt,
	}, &CommitEffects{
		TenantID:     tenant.ID,
		BranchIDs:    []string{main.ID, extra.ID},
		StartDate:    paidAt,
		EndDate:      end,
		BillingCycle: "monthly",
		PlanName:     "Monthly",
	})
	if err != nil {
		t.Fatalf("ResolveTransaction: %v", err)
	}
	if !won {
		t.Fatal("expected to win the swap on a pending transaction")
	}
	if committed.Status != TransactionSuccess || committed.GatewayMessage != "Approved" {
		t.Errorf("committed = %+v", committed)
	}
	if committed.PaymentDate == nil || !committed.PaymentDate.Equal(paidAt) {
		t.Errorf("payment date = %v, want %v", committed.PaymentDate, paidAt)
	}

	for _, id := range []string{main.ID, extra.ID} {
		b, err := s.GetBranch(id)
		if err != nil {
			t.Fatalf("GetBranch: %v", err)
		}
		if !b.Subscription.IsPaid {
			t.Errorf("branch %s not marked paid", id)
		}
		if b.Subscription.SubscriptionEndDate == nil || !b.Subscription.SubscriptionEndDate.Equal(end) {
			t.Errorf("branch %s end = %v, want %v", id, b.Subscription.SubscriptionEndDate, end)
		}
	}

	updated, err := s.GetTenant(tenant.ID)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if updated.BillingCycle != "monthly" || updated.SubscriptionPlan != "Monthly" {
		t.Errorf("tenant cycle = %q plan = %q", updated.BillingCycle, updated.SubscriptionPlan)
	}
	if updated.LastPaymentDate == nil {
		t.Error("last payment date not recorded")
	}
}

func TestResolveTransactionLoserGetsWinnerRow(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s, "loser")
	main := newTestBranch(t, s, tenant.ID, true)

	txn := newTestTransaction(t, s, tenant.ID, []string{main.ID}, "2000")

	paidAt := time.Now().UTC().Truncate(time.Second)
	if _, won, err := s.ResolveTransaction(txn.Reference, Resolution{
		Status:      TransactionSuccess,
		PaymentDate: &paidAt,
	}, nil); err != nil || !won {
		t.Fatalf("first resolve: won=%v err=%v", won, err)
	}

	// A second verifier reporting a contradictory outcome must not
	// overwrite the committed row; it gets the winner's result back.
	committed, won, err := s.ResolveTransaction(txn.Reference, Resolution{
		Status:         TransactionFailed,
		GatewayMessage: "Declined",
	}, nil)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if won {
		t.Error("second resolve must lose the swap")
	}
	if committed == nil || committed.Status != TransactionSuccess {
		t.Errorf("loser saw %+v, want the committed success", committed)
	}
}

func TestResolveTransactionUnknownReference(t *testing.T) {
	s := newTestStore(t)

	committed, won, err := s.ResolveTransaction("ref_NOSUCH", Resolution{Status: TransactionFailed}, nil)
	if err != nil {
		t.Fatalf("ResolveTransaction: %v", err)
	}
	if won || committed != nil {
		t.Errorf("unknown reference resolved: won=%v committed=%+v", won, committed)
	}
}

func TestResolveTransactionRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.ResolveTransaction("ref_X", Resolution{Status: TransactionPending}, nil); err == nil {
		t.Error("expected error for non-terminal resolution status")
	}
}

func TestResolveTransactionConcurrent(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s, "race")
	main := newTestBranch(t, s, tenant.ID, true)

	txn := newTestTransaction(t, s, tenant.ID, []string{main.ID}, "2000")

	const verifiers = 8
	var wg sync.WaitGroup
	results := make([]*Transaction, verifiers)
	wins := make([]bool, verifiers)
	errs := make([]error, verifiers)

	for i := 0; i < verifiers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paidAt := time.Now().UTC()
			results[i], wins[i], errs[i] = s.ResolveTransaction(txn.Reference, Resolution{
				Status:         TransactionSuccess,
				GatewayMessage: fmt.Sprintf("verifier %d", i),
				PaymentDate:    &paidAt,
			}, nil)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < verifiers; i++ {
		if errs[i] != nil {
			t.Fatalf("verifier %d: %v", i, errs[i])
		}
		if wins[i] {
			winners++
		}
		if results[i] == nil || results[i].Status != TransactionSuccess {
			t.Errorf("verifier %d saw %+v", i, results[i])
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestResolveTransactionSnapshotGuard(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s, "snapshot")
	main := newTestBranch(t, s, tenant.ID, true)
	extra := newTestBranch(t, s, tenant.ID, false)

	// Upgrade was quoted while only the main branch was paid.
	future := time.Now().UTC().Add(20 * 24 * time.Hour)
	main.Subscription.IsPaid = true
	main.Subscription.SubscriptionEndDate = &future
	if err := s.UpdateBranch(main); err != nil {
		t.Fatalf("UpdateBranch: %v", err)
	}

	txn := newTestTransaction(t, s, tenant.ID, []string{main.ID}, "4733.33")

	// Another payment lands in the meantime and marks a second branch paid.
	extra.Subscription.IsPaid = true
	extra.Subscription.SubscriptionEndDate = &future
	if err := s.UpdateBranch(extra); err != nil {
		t.Fatalf("UpdateBranch: %v", err)
	}

	paidAt := time.Now().UTC()
	end := paidAt.Add(90 * 24 * time.Hour)
	_, _, err := s.ResolveTransaction(txn.Reference, Resolution{
		Status:      TransactionSuccess,
		PaymentDate: &paidAt,
	}, &CommitEffects{
		TenantID:        tenant.ID,
		BranchIDs:       []string{main.ID},
		StartDate:       paidAt,
		EndDate:         end,
		BillingCycle:    "quarterly",
		PlanName:        "Quarterly",
		ExpectedPaidIDs: []string{main.ID},
	})
	if !errors.Is(err, ErrSnapshotChanged) {
		t.Fatalf("err = %v, want ErrSnapshotChanged", err)
	}

	// The guard aborts before the swap commits, so the transaction is
	// still pending and a re-quoted resolve can succeed later.
	got, err := s.GetTransactionByReference(txn.Reference)
	if err != nil {
		t.Fatalf("GetTransactionByReference: %v", err)
	}
	if got.Status != TransactionPending {
		t.Errorf("status = %q, want pending after aborted resolve", got.Status)
	}

	_, won, err := s.ResolveTransaction(txn.Reference, Resolution{
		Status:      TransactionSuccess,
		PaymentDate: &paidAt,
	}, &CommitEffects{
		TenantID:        tenant.ID,
		BranchIDs:       []string{main.ID},
		StartDate:       paidAt,
		EndDate:         end,
		BillingCycle:    "quarterly",
		PlanName:        "Quarterly",
		ExpectedPaidIDs: []string{main.ID, extra.ID},
	})
	if err != nil || !won {
		t.Fatalf("re-quoted resolve: won=%v err=%v", won, err)
	}
}

func TestResolveTransactionInheritsMainEndDate(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s, "inherit")
	main := newTestBranch(t, s, tenant.ID, true)
	extra := newTestBranch(t, s, tenant.ID, false)

	mainEnd := time.Now().UTC().Add(12 * 24 * time.Hour).Truncate(time.Second)
	main.Subscription.IsPaid = true
	main.Subscription.SubscriptionEndDate = &mainEnd
	if err := s.UpdateBranch(main); err != nil {
		t.Fatalf("UpdateBranch: %v", err)
	}

	txn := newTestTransaction(t, s, tenant.ID, []string{extra.ID}, "640")

	paidAt := time.Now().UTC()
	committed, won, err := s.ResolveTransaction(txn.Reference, Resolution{
		Status:      TransactionSuccess,
		PaymentDate: &paidAt,
	}, &CommitEffects{
		TenantID:           tenant.ID,
		BranchIDs:          []string{extra.ID},
		StartDate:          paidAt,
		BillingCycle:       "monthly",
		PlanName:           "Monthly",
		InheritMainEndDate: true,
	})
	if err != nil || !won {
		t.Fatalf("resolve: won=%v err=%v", won, err)
	}
	if committed.Status != TransactionSuccess {
		t.Errorf("status = %q, want success", committed.Status)
	}

	b, err := s.GetBranch(extra.ID)
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if !b.Subscription.IsPaid {
		t.Error("added branch not marked paid")
	}
	if b.Subscription.SubscriptionEndDate == nil || !b.Subscription.SubscriptionEndDate.Equal(mainEnd) {
		t.Errorf("branch end = %v, want the main end %v", b.Subscription.SubscriptionEndDate, mainEnd)
	}
}

func TestResolveTransactionAbortsWhenMainLapsed(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s, "lapsedmain")
	main := newTestBranch(t, s, tenant.ID, true)
	extra := newTestBranch(t, s, tenant.ID, false)

	// The main subscription ran out after the checkout opened.
	past := time.Now().UTC().Add(-time.Hour)
	main.Subscription.IsPaid = true
	main.Subscription.SubscriptionEndDate = &past
	if err := s.UpdateBranch(main); err != nil {
		t.Fatalf("UpdateBranch: %v", err)
	}

	txn := newTestTransaction(t, s, tenant.ID, []string{extra.ID}, "640")

	paidAt := time.Now().UTC()
	_, _, err := s.ResolveTransaction(txn.Reference, Resolution{
		Status:      TransactionSuccess,
		PaymentDate: &paidAt,
	}, &CommitEffects{
		TenantID:           tenant.ID,
		BranchIDs:          []string{extra.ID},
		StartDate:          paidAt,
		BillingCycle:       "monthly",
		PlanName:           "Monthly",
		InheritMainEndDate: true,
	})
	if !errors.Is(err, ErrMainLapsed) {
		t.Fatalf("err = %v, want ErrMainLapsed", err)
	}

	got, err := s.GetTransactionByReference(txn.Reference)
	if err != nil {
		t.Fatalf("GetTransactionByReference: %v", err)
	}
	if got.Status != TransactionPending {
		t.Errorf("status = %q, want pending after aborted resolve", got.Status)
	}
	b, err := s.GetBranch(extra.ID)
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if b.Subscription.IsPaid {
		t.Error("added branch marked paid despite aborted resolve")
	}
}

func TestResolveTransactionUnknownBranchRollsBack(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s, "badbranch")
	main := newTestBranch(t, s, tenant.ID, true)

	txn := newTestTransaction(t, s, tenant.ID, []string{main.ID}, "2000")

	paidAt := time.Now().UTC()
	_, _, err := s.ResolveTransaction(txn.Reference, Resolution{
		Status:      TransactionSuccess,
		PaymentDate: &paidAt,
	}, &CommitEffects{
		TenantID:  tenant.ID,
		BranchIDs: []string{"b-NOSUCH"},
		StartDate: paidAt,
		EndDate:   paidAt.Add(30 * 24 * time.Hour),
	})
	if err == nil {
		t.Fatal("expected error committing unknown branch")
	}

	got, err := s.GetTransactionByReference(txn.Reference)
	if err != nil {
		t.Fatalf("GetTransactionByReference: %v", err)
	}
	if got.Status != TransactionPending {
		t.Errorf("status = %q, want pending after rollback", got.Status)
	}
}

func TestListPendingOlderThan(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s, "sweep")
	main := newTestBranch(t, s, tenant.ID, true)

	now := time.Now().UTC()

	stale := &Transaction{
		ID:        NewTransactionID(),
		TenantID:  tenant.ID,
		Reference: NewReference(),
		Amount:    decimal.RequireFromString("2000"),
		Purpose:   PurposeSubscribe,
		BranchIDs: []string{main.ID},
		CreatedAt: now.Add(-48 * time.Hour),
	}
	if err := s.CreateTransaction(stale); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	newTestTransaction(t, s, tenant.ID, []string{main.ID}, "2000")

	got, err := s.ListPendingOlderThan(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("ListPendingOlderThan: %v", err)
	}
	if len(got) != 1 || got[0].Reference != stale.Reference {
		t.Fatalf("got %d pending, want only the stale one", len(got))
	}

	// Sweeping it to failed removes it from the next pass.
	_, won, err := s.ResolveTransaction(stale.Reference, Resolution{
		Status:         TransactionFailed,
		GatewayMessage: "abandoned",
	}, nil)
	if err != nil || !won {
		t.Fatalf("sweep resolve: won=%v err=%v", won, err)
	}
	got, err = s.ListPendingOlderThan(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("ListPendingOlderThan: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("swept transaction still listed: %v", got)
	}

	counts, err := s.CountTransactionsByStatus()
	if err != nil {
		t.Fatalf("CountTransactionsByStatus: %v", err)
	}
	if counts[TransactionFailed] != 1 || counts[TransactionPending] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestAdminUsers(t *testing.T) {
	s := newTestStore(t)

	id, err := GenerateAdminID()
	if err != nil {
		t.Fatalf("GenerateAdminID: %v", err)
	}
	admin := &AdminUser{ID: id, Email: "ops@dukahq.com", PasswordHash: "$2a$10$fake"}
	if err := s.CreateAdmin(admin); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}

	if err := s.CreateAdmin(&AdminUser{ID: "u_DUP", Email: "ops@dukahq.com", PasswordHash: "x"}); err == nil {
		t.Error("expected unique violation on admin email")
	}

	got, err := s.GetAdminByEmail("ops@dukahq.com")
	if err != nil {
		t.Fatalf("GetAdminByEmail: %v", err)
	}
	if got == nil || got.ID != admin.ID {
		t.Fatal("admin not found by email")
	}

	if err := s.UpdateAdminPassword(admin.ID, "$2a$10$new"); err != nil {
		t.Fatalf("UpdateAdminPassword: %v", err)
	}
	got, _ = s.GetAdmin(admin.ID)
	if got.PasswordHash != "$2a$10$new" {
		t.Error("password hash not updated")
	}

	n, err := s.CountAdmins()
	if err != nil || n != 1 {
		t.Fatalf("CountAdmins = %d err=%v, want 1", n, err)
	}

	admins, err := s.ListAdmins()
	if err != nil || len(admins) != 1 {
		t.Fatalf("ListAdmins = %v err=%v", admins, err)
	}

	if err := s.DeleteAdmin(admin.ID); err != nil {
		t.Fatalf("DeleteAdmin: %v", err)
	}
	if err := s.DeleteAdmin(admin.ID); err == nil {
		t.Error("expected error deleting missing admin")
	}
}
