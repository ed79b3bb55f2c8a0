package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	billingerrors "github.com/dukahq/billing/internal/errors"
	"github.com/dukahq/billing/internal/entitlement"
	"github.com/dukahq/billing/internal/gateway"
	"github.com/dukahq/billing/internal/metrics"
	"github.com/dukahq/billing/internal/pricing"
	"github.com/dukahq/billing/internal/proration"
	"github.com/dukahq/billing/internal/registry"
	"github.com/dukahq/billing/internal/wspush"
)

// Checkout is the response to a payment-initializing operation: where
// to send the customer and what they will pay.
type Checkout struct {
	Reference        string          `json:"reference"`
	AuthorizationURL string          `json:"authorization_url"`
	AccessCode       string          `json:"access_code,omitempty"`
	AmountKES        decimal.Decimal `json:"amount_kes"`
}

// InitializeSubscription opens a checkout for the selected branches on
// the given cycle. The selection must include the main location;
// already-paid branches are never re-charged.
func (s *Service) InitializeSubscription(ctx context.Context, tenantID string, cycle pricing.Cycle, branchIDs []string) (*Checkout, error) {
	const op = "initialize subscription"
	if !cycle.Valid() {
		return nil, billingerrors.Validationf(op, "unknown billing cycle %q", cycle)
	}

	tenant, branches, err := s.store.TenantSnapshot(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, billingerrors.NotFoundf(op, tenantID, "tenant not found")
	}

	selection, err := selectBranches(op, branches, branchIDs)
	if err != nil {
		return nil, err
	}
	if mainOf(selection) == nil {
		return nil, billingerrors.Validationf(op, "selection must include the main location")
	}

	total, err := s.pricing.ComputeTotal(cycle, selectablesOf(selection))
	if err != nil {
		return nil, billingerrors.Validationf(op, "%v", err)
	}
	if total.Sign() <= 0 {
		return nil, billingerrors.Validationf(op, "selected branches are already paid")
	}
	total = total.Round(2)

	reference := registry.NewReference()
	init, err := s.gatewayInitialize(ctx, gateway.InitializeRequest{
		Reference:   reference,
		Email:       tenant.OwnerEmail,
		Amount:      total,
		Currency:    tenant.Currency,
		CallbackURL: s.callbackURL,
		Metadata: map[string]string{
			"tenant_id": tenant.ID,
			"purpose":   string(registry.PurposeSubscribe),
		},
	})
	if err != nil {
		return nil, err
	}

	txn := &registry.Transaction{
		ID:           registry.NewTransactionID(),
		TenantID:     tenant.ID,
		Reference:    reference,
		Amount:       total,
		Currency:     tenant.Currency,
		BillingCycle: string(cycle),
		Purpose:      registry.PurposeSubscribe,
		BranchIDs:    branchIDsOf(selection),
	}
	if err := s.store.CreateTransaction(txn); err != nil {
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues(string(txn.Purpose), string(registry.TransactionPending)).Inc()

	log.Info().
		Str("tenant_id", tenant.ID).
		Str("reference", reference).
		Str("billing_cycle", string(cycle)).
		Str("amount_kes", total.String()).
		Int("branches", len(selection)).
		Msg("Subscription checkout initialized")
	return &Checkout{
		Reference:        reference,
		AuthorizationURL: init.RedirectURL,
		AccessCode:       init.AccessCode,
		AmountKES:        total,
	}, nil
}

// AddBranches opens one consolidated checkout for every selected unpaid
// branch: each pays the prorated branch rate for the days left in the
// current cycle and expires with the main location.
func (s *Service) AddBranches(ctx context.Context, tenantID string, branchIDs []string) (*Checkout, error) {
	const op = "add branches"
	tenant, branches, err := s.store.TenantSnapshot(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, billingerrors.NotFoundf(op, tenantID, "tenant not found")
	}

	now := time.Now().UTC()
	main := mainOf(branches)
	if main == nil || !main.Subscription.IsPaid ||
		main.Subscription.SubscriptionEndDate == nil || !main.Subscription.SubscriptionEndDate.After(now) {
		return nil, billingerrors.Validationf(op, "no active subscription; subscribe first")
	}
	plan, ok := s.pricing.Plan(pricing.Cycle(tenant.BillingCycle))
	if !ok {
		return nil, billingerrors.Conflictf(op, tenantID, "tenant carries unknown billing cycle %q", tenant.BillingCycle)
	}

	selection, err := selectBranches(op, branches, branchIDs)
	if err != nil {
		return nil, err
	}
	unpaid := make([]*registry.Branch, 0, len(selection))
	for _, b := range selection {
		if !b.Subscription.IsPaid {
			unpaid = append(unpaid, b)
		}
	}
	if len(unpaid) == 0 {
		return nil, billingerrors.Validationf(op, "selected branches are already paid")
	}

	days := proration.DaysRemaining(*main.Subscription.SubscriptionEndDate, now)
	perBranch := proration.BranchAddition(plan.BranchPrice(), days, plan.DurationDays)
	total := perBranch.Mul(decimal.NewFromInt(int64(len(unpaid))))

	reference := registry.NewReference()
	init, err := s.gatewayInitialize(ctx, gateway.InitializeRequest{
		Reference:   reference,
		Email:       tenant.OwnerEmail,
		Amount:      total,
		Currency:    tenant.Currency,
		CallbackURL: s.callbackURL,
		Metadata: map[string]string{
			"tenant_id": tenant.ID,
			"purpose":   string(registry.PurposeAddBranches),
		},
	})
	if err != nil {
		return nil, err
	}

	txn := &registry.Transaction{
		ID:           registry.NewTransactionID(),
		TenantID:     tenant.ID,
		Reference:    reference,
		Amount:       total,
		Currency:     tenant.Currency,
		BillingCycle: tenant.BillingCycle,
		Purpose:      registry.PurposeAddBranches,
		BranchIDs:    branchIDsOf(unpaid),
	}
	if err := s.store.CreateTransaction(txn); err != nil {
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues(string(txn.Purpose), string(registry.TransactionPending)).Inc()

	log.Info().
		Str("tenant_id", tenant.ID).
		Str("reference", reference).
		Str("amount_kes", total.String()).
		Int("branches", len(unpaid)).
		Int("days_remaining", days).
		Msg("Branch addition checkout initialized")
	return &Checkout{
		Reference:        reference,
		AuthorizationURL: init.RedirectURL,
		AccessCode:       init.AccessCode,
		AmountKES:        total,
	}, nil
}

// VerifyOutcome pairs the committed transaction with the refreshed
// subscription aggregate.
type VerifyOutcome struct {
	Transaction  *registry.Transaction `json:"transaction"`
	Subscription *SubscriptionStatus   `json:"subscription"`
}

// VerifyTransaction drives a pending transaction to its terminal state.
// The local row is the source of truth: replays return the committed
// result, concurrent verifiers converge on one winner, and a gateway
// verdict that contradicts a committed row surfaces as a conflict.
func (s *Service) VerifyTransaction(ctx context.Context, reference string) (*VerifyOutcome, error) {
	const op = "verify transaction"
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.VerifyDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	txn, err := s.store.GetTransactionByReference(reference)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		outcome = "not_found"
		return nil, billingerrors.NotFoundf(op, reference, "unknown transaction reference")
	}

	if txn.Status != registry.TransactionPending {
		// Already terminal. Re-check the gateway's verdict so a late
		// contradiction is surfaced, but never overwrite the committed row.
		vr, err := s.gatewayVerify(ctx, reference)
		if err != nil {
			log.Warn().Err(err).Str("reference", reference).Msg("Gateway re-verify failed; returning committed result")
		} else if conflictsWith(txn.Status, vr.Status) {
			outcome = "conflict"
			log.Error().
				Str("reference", reference).
				Str("local_status", string(txn.Status)).
				Str("gateway_status", string(vr.Status)).
				Msg("Gateway verdict contradicts committed transaction")
			return nil, billingerrors.Conflictf(op, reference, "gateway reports %s but transaction is %s", vr.Status, txn.Status)
		}
		outcome = string(txn.Status)
		return s.verifyOutcome(txn)
	}

	vr, err := s.gatewayVerify(ctx, reference)
	if err != nil {
		return nil, err
	}

	switch vr.Status {
	case gateway.StatusPending:
		outcome = "pending"
		return s.verifyOutcome(txn)

	case gateway.StatusFailed:
		committed, won, err := s.store.ResolveTransaction(reference, registry.Resolution{
			Status:         registry.TransactionFailed,
			GatewayMessage: vr.Message,
			PaymentDate:    vr.PaidAt,
		}, nil)
		if err != nil {
			return nil, err
		}
		if won {
			metrics.TransactionsTotal.WithLabelValues(string(txn.Purpose), string(registry.TransactionFailed)).Inc()
			log.Info().Str("reference", reference).Str("tenant_id", txn.TenantID).Str("message", vr.Message).Msg("Transaction failed")
		} else if conflictsWith(committed.Status, vr.Status) {
			// Lost the race to a verifier that committed the opposite verdict.
			outcome = "conflict"
			log.Error().
				Str("reference", reference).
				Str("local_status", string(committed.Status)).
				Str("gateway_status", string(vr.Status)).
				Msg("Gateway verdict contradicts committed transaction")
			return nil, billingerrors.Conflictf(op, reference, "gateway reports %s but transaction is %s", vr.Status, committed.Status)
		}
		outcome = string(committed.Status)
		return s.verifyOutcome(committed)

	case gateway.StatusSuccess:
		if !vr.Amount.IsZero() && !vr.Amount.Equal(txn.Amount) {
			outcome = "conflict"
			return nil, billingerrors.Conflictf(op, reference, "gateway settled %s but %s was due", vr.Amount, txn.Amount)
		}
		effects, err := s.commitEffects(txn)
		if err != nil {
			return nil, err
		}
		committed, won, err := s.store.ResolveTransaction(reference, registry.Resolution{
			Status:         registry.TransactionSuccess,
			GatewayMessage: vr.Message,
			PaymentDate:    paidAtOrNow(vr.PaidAt),
		}, effects)
		if err != nil {
			if errors.Is(err, registry.ErrSnapshotChanged) {
				outcome = "concurrency"
				return nil, billingerrors.Concurrencyf(op, "paid branch set changed since the upgrade preview; preview again")
			}
			if errors.Is(err, registry.ErrMainLapsed) {
				outcome = "conflict"
				return nil, billingerrors.Conflictf(op, reference, "main subscription lapsed before the branch addition settled")
			}
			return nil, err
		}
		if won {
			metrics.TransactionsTotal.WithLabelValues(string(txn.Purpose), string(registry.TransactionSuccess)).Inc()
			s.push(txn.TenantID, wspush.EventSubscriptionUpdated, map[string]string{
				"tenant_id": txn.TenantID,
				"reference": reference,
			})
			log.Info().
				Str("reference", reference).
				Str("tenant_id", txn.TenantID).
				Str("purpose", string(txn.Purpose)).
				Time("end_date", effects.EndDate).
				Msg("Transaction committed")
		} else if conflictsWith(committed.Status, vr.Status) {
			// Lost the race to a resolver that committed the opposite
			// verdict (an abandon sweep can fail the row mid-verify).
			outcome = "conflict"
			log.Error().
				Str("reference", reference).
				Str("local_status", string(committed.Status)).
				Str("gateway_status", string(vr.Status)).
				Msg("Gateway verdict contradicts committed transaction")
			return nil, billingerrors.Conflictf(op, reference, "gateway reports %s but transaction is %s", vr.Status, committed.Status)
		}
		outcome = string(committed.Status)
		return s.verifyOutcome(committed)
	}
	return nil, billingerrors.WrapGateway(op, fmt.Errorf("unexpected gateway status %q", vr.Status))
}

// commitEffects computes the subscription mutations a successful
// settlement applies, by purpose.
func (s *Service) commitEffects(txn *registry.Transaction) (*registry.CommitEffects, error) {
	const op = "verify transaction"
	now := time.Now().UTC()
	plan, ok := s.pricing.Plan(pricing.Cycle(txn.BillingCycle))
	if !ok {
		return nil, billingerrors.Conflictf(op, txn.Reference, "transaction carries unknown billing cycle %q", txn.BillingCycle)
	}

	effects := &registry.CommitEffects{
		TenantID:     txn.TenantID,
		BranchIDs:    txn.BranchIDs,
		StartDate:    now,
		BillingCycle: string(plan.Cycle),
		PlanName:     plan.Name,
	}

	switch txn.Purpose {
	case registry.PurposeSubscribe:
		effects.EndDate = now.Add(plan.Duration())
	case registry.PurposeUpgrade:
		effects.EndDate = now.Add(plan.Duration())
		effects.ExpectedPaidIDs = txn.PaidSnapshot
	case registry.PurposeAddBranches:
		// Added branches expire with the main location; the end date is
		// resolved inside the settlement transaction.
		effects.InheritMainEndDate = true
	default:
		return nil, billingerrors.Conflictf(op, txn.Reference, "unknown transaction purpose %q", txn.Purpose)
	}
	return effects, nil
}

func (s *Service) verifyOutcome(txn *registry.Transaction) (*VerifyOutcome, error) {
	status, err := s.SubscriptionStatus(txn.TenantID)
	if err != nil {
		return nil, err
	}
	return &VerifyOutcome{Transaction: txn, Subscription: status}, nil
}

// CancelResult carries the updated branch and, for the main location, a
// non-cascading warning.
type CancelResult struct {
	Branch  BranchStatus `json:"branch"`
	Warning string       `json:"warning,omitempty"`
}

// CancelBranch turns auto-renew off for a paid branch. Access runs to
// the end of the period; cancelling the main location never cascades to
// its siblings.
func (s *Service) CancelBranch(tenantID, branchID string) (*CancelResult, error) {
	const op = "cancel branch"
	branch, err := s.tenantBranch(op, tenantID, branchID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	current := entitlement.Derive(branchState(branch), nil, now)
	if !entitlement.CanTransition(current, entitlement.StatusCancelled) {
		return nil, billingerrors.Validationf(op, "subscription is %s, not active", current)
	}

	branch.Subscription.IsCancelled = true
	branch.Subscription.CancelledAt = &now
	if err := s.store.UpdateBranch(branch); err != nil {
		return nil, err
	}

	res := &CancelResult{Branch: branchStatusOf(branch)}
	if branch.IsMain {
		res.Warning = "Auto-renew is off for the main location. Branch subscriptions are unaffected; unpaid branches lose access when the current period ends."
	}
	s.push(tenantID, wspush.EventSubscriptionUpdated, map[string]string{"tenant_id": tenantID})
	log.Info().
		Str("tenant_id", tenantID).
		Str("branch_id", branchID).
		Bool("is_main", branch.IsMain).
		Msg("Subscription cancelled")
	return res, nil
}

// ReactivateBranch restores auto-renew on a cancelled branch while its
// paid period is still running. No payment is taken.
func (s *Service) ReactivateBranch(tenantID, branchID string) (*BranchStatus, error) {
	const op = "reactivate branch"
	branch, err := s.tenantBranch(op, tenantID, branchID)
	if err != nil {
		return nil, err
	}
	if !branch.Subscription.IsCancelled {
		return nil, billingerrors.Validationf(op, "subscription is not cancelled")
	}

	now := time.Now().UTC()
	if !branch.Subscription.IsPaid ||
		branch.Subscription.SubscriptionEndDate == nil || !branch.Subscription.SubscriptionEndDate.After(now) {
		return nil, billingerrors.Validationf(op, "paid period has ended; start a new subscription")
	}

	branch.Subscription.IsCancelled = false
	branch.Subscription.CancelledAt = nil
	if err := s.store.UpdateBranch(branch); err != nil {
		return nil, err
	}

	s.push(tenantID, wspush.EventSubscriptionUpdated, map[string]string{"tenant_id": tenantID})
	log.Info().Str("tenant_id", tenantID).Str("branch_id", branchID).Msg("Subscription reactivated")
	bs := branchStatusOf(branch)
	return &bs, nil
}

func (s *Service) gatewayInitialize(ctx context.Context, req gateway.InitializeRequest) (*gateway.InitializeResult, error) {
	res, err := s.gateway.Initialize(ctx, req)
	metrics.GatewayRequestsTotal.WithLabelValues("initialize", gatewayOutcome(err)).Inc()
	return res, err
}

func (s *Service) gatewayVerify(ctx context.Context, reference string) (*gateway.VerifyResult, error) {
	res, err := s.gateway.Verify(ctx, reference)
	metrics.GatewayRequestsTotal.WithLabelValues("verify", gatewayOutcome(err)).Inc()
	return res, err
}

func gatewayOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// conflictsWith reports whether a gateway verdict contradicts a
// committed terminal status. Pending verdicts never conflict.
func conflictsWith(local registry.TransactionStatus, gw gateway.VerifyStatus) bool {
	switch gw {
	case gateway.StatusSuccess:
		return local == registry.TransactionFailed
	case gateway.StatusFailed:
		return local == registry.TransactionSuccess
	default:
		return false
	}
}

func paidAtOrNow(paidAt *time.Time) *time.Time {
	if paidAt != nil {
		return paidAt
	}
	now := time.Now().UTC()
	return &now
}

// selectBranches resolves the requested IDs against the snapshot,
// rejecting empty selections and foreign branches. Duplicates collapse.
func selectBranches(op string, branches []*registry.Branch, ids []string) ([]*registry.Branch, error) {
	if len(ids) == 0 {
		return nil, billingerrors.Validationf(op, "no branches selected")
	}
	byID := make(map[string]*registry.Branch, len(branches))
	for _, b := range branches {
		byID[b.ID] = b
	}

	selected := make([]*registry.Branch, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		b, ok := byID[id]
		if !ok {
			return nil, billingerrors.Validationf(op, "unknown branch %s", id)
		}
		selected = append(selected, b)
	}
	return selected, nil
}

func selectablesOf(branches []*registry.Branch) []pricing.Selectable {
	out := make([]pricing.Selectable, 0, len(branches))
	for _, b := range branches {
		out = append(out, pricing.Selectable{ID: b.ID, IsMain: b.IsMain, IsPaid: b.Subscription.IsPaid})
	}
	return out
}

func branchIDsOf(branches []*registry.Branch) []string {
	ids := make([]string, 0, len(branches))
	for _, b := range branches {
		ids = append(ids, b.ID)
	}
	return ids
}
