package billing

import (
	"context"
	"errors"
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

// UpgradePreview is the prorated quote for moving the paid branch set to
// a longer cycle. When the upgrade is not possible, CanUpgrade is false
// and Reason says why.
type UpgradePreview struct {
	CanUpgrade         bool            `json:"can_upgrade"`
	CurrentPlan        pricing.Cycle   `json:"current_plan,omitempty"`
	NewPlan            pricing.Cycle   `json:"new_plan"`
	NewPlanName        string          `json:"new_plan_name,omitempty"`
	DaysRemaining      int             `json:"days_remaining"`
	NewPlanCostKES     decimal.Decimal `json:"new_plan_cost_kes"`
	RemainingCreditKES decimal.Decimal `json:"remaining_credit_kes"`
	AmountToPayKES     decimal.Decimal `json:"amount_to_pay_kes"`
	BranchesIncluded   int             `json:"branches_included"`
	Reason             string          `json:"reason,omitempty"`
}

// upgradeQuote prices the upgrade and returns the paid branch set the
// quote was computed against. Business rules surface as validation
// errors for PreviewUpgrade to translate.
func (s *Service) upgradeQuote(op, tenantID string, newCycle pricing.Cycle) (*UpgradePreview, []string, *registry.Tenant, error) {
	if !newCycle.Valid() {
		return nil, nil, nil, billingerrors.Validationf(op, "unknown billing cycle %q", newCycle)
	}

	tenant, branches, err := s.store.TenantSnapshot(tenantID)
	if err != nil {
		return nil, nil, nil, err
	}
	if tenant == nil {
		return nil, nil, nil, billingerrors.NotFoundf(op, tenantID, "tenant not found")
	}

	now := time.Now().UTC()
	main := mainOf(branches)
	status := entitlement.StatusExpired
	if main != nil {
		status = entitlement.Derive(branchState(main), tenant.TrialEndsAt, now)
	} else if tenant.TrialEndsAt != nil && now.Before(*tenant.TrialEndsAt) {
		status = entitlement.StatusTrial
	}
	if status != entitlement.StatusActive {
		return nil, nil, nil, billingerrors.Validationf(op, "subscription is %s; upgrades need an active subscription", status)
	}

	currentCycle := pricing.Cycle(tenant.BillingCycle)
	currentPlan, ok := s.pricing.Plan(currentCycle)
	if !ok {
		return nil, nil, nil, billingerrors.Conflictf(op, tenantID, "tenant carries unknown billing cycle %q", tenant.BillingCycle)
	}
	if !newCycle.LongerThan(currentCycle) {
		return nil, nil, nil, billingerrors.Validationf(op, "can only upgrade from %s to a longer cycle", currentCycle)
	}
	newPlan, _ := s.pricing.Plan(newCycle)

	paid := make([]*registry.Branch, 0, len(branches))
	for _, b := range branches {
		if b.Subscription.IsPaid {
			paid = append(paid, b)
		}
	}
	set := selectablesOf(paid)

	pricePaid, err := s.pricing.UpgradeSetCost(currentCycle, set)
	if err != nil {
		return nil, nil, nil, billingerrors.Validationf(op, "%v", err)
	}
	newCost, err := s.pricing.UpgradeSetCost(newCycle, set)
	if err != nil {
		return nil, nil, nil, billingerrors.Validationf(op, "%v", err)
	}

	quote := proration.QuoteUpgrade(pricePaid, newCost, *main.Subscription.SubscriptionEndDate, now, currentPlan.DurationDays)
	return &UpgradePreview{
		CanUpgrade:         true,
		CurrentPlan:        currentCycle,
		NewPlan:            newCycle,
		NewPlanName:        newPlan.Name,
		DaysRemaining:      quote.DaysRemaining,
		NewPlanCostKES:     quote.NewCost,
		RemainingCreditKES: quote.Credit,
		AmountToPayKES:     quote.AmountToPay,
		BranchesIncluded:   len(paid),
	}, branchIDsOf(paid), tenant, nil
}

// PreviewUpgrade quotes an upgrade without committing anything. Business
// rules that block the upgrade come back as CanUpgrade false with a
// reason rather than an error.
func (s *Service) PreviewUpgrade(tenantID string, newCycle pricing.Cycle) (*UpgradePreview, error) {
	preview, _, _, err := s.upgradeQuote("preview upgrade", tenantID, newCycle)
	if err != nil {
		if billingerrors.IsValidation(err) {
			return &UpgradePreview{NewPlan: newCycle, Reason: validationReason(err)}, nil
		}
		return nil, err
	}
	return preview, nil
}

const (
	// UpgradeStatusCommitted means the credit covered the upgrade and it
	// is already applied.
	UpgradeStatusCommitted = "upgraded"
	// UpgradeStatusPaymentRequired means the customer must complete a
	// checkout before the upgrade applies.
	UpgradeStatusPaymentRequired = "payment_required"
)

// UpgradeResult reports how an upgrade concluded: committed in place, or
// parked behind a checkout.
type UpgradeResult struct {
	Status           string          `json:"status"`
	Reference        string          `json:"reference"`
	AuthorizationURL string          `json:"authorization_url,omitempty"`
	AmountKES        decimal.Decimal `json:"amount_kes"`
	NewEndDate       *time.Time      `json:"new_end_date,omitempty"`
}

// Upgrade moves the paid branch set to a longer cycle. A fully-credited
// upgrade commits immediately; otherwise the customer is sent to a
// checkout and the upgrade applies on verification. The paid set is
// snapshotted so a concurrent change voids the quote.
func (s *Service) Upgrade(ctx context.Context, tenantID string, newCycle pricing.Cycle) (*UpgradeResult, error) {
	const op = "upgrade subscription"
	preview, paidIDs, tenant, err := s.upgradeQuote(op, tenantID, newCycle)
	if err != nil {
		return nil, err
	}
	newPlan, _ := s.pricing.Plan(newCycle)
	reference := registry.NewReference()

	if preview.AmountToPayKES.Sign() == 0 {
		// Credit covers the whole upgrade. Still goes through the
		// transaction pipeline so the snapshot guard and audit trail hold.
		now := time.Now().UTC()
		txn := &registry.Transaction{
			ID:           registry.NewTransactionID(),
			TenantID:     tenant.ID,
			Reference:    reference,
			Amount:       decimal.Zero,
			Currency:     tenant.Currency,
			BillingCycle: string(newCycle),
			Purpose:      registry.PurposeUpgrade,
			BranchIDs:    paidIDs,
			PaidSnapshot: paidIDs,
		}
		if err := s.store.CreateTransaction(txn); err != nil {
			return nil, err
		}

		end := now.Add(newPlan.Duration())
		_, won, err := s.store.ResolveTransaction(reference, registry.Resolution{
			Status:         registry.TransactionSuccess,
			GatewayMessage: "credit covered upgrade",
			PaymentDate:    &now,
		}, &registry.CommitEffects{
			TenantID:        tenant.ID,
			BranchIDs:       paidIDs,
			StartDate:       now,
			EndDate:         end,
			BillingCycle:    string(newCycle),
			PlanName:        newPlan.Name,
			ExpectedPaidIDs: paidIDs,
		})
		if err != nil {
			if errors.Is(err, registry.ErrSnapshotChanged) {
				return nil, billingerrors.Concurrencyf(op, "paid branch set changed since the upgrade preview; preview again")
			}
			return nil, err
		}
		if won {
			metrics.TransactionsTotal.WithLabelValues(string(registry.PurposeUpgrade), string(registry.TransactionSuccess)).Inc()
			s.push(tenant.ID, wspush.EventSubscriptionUpdated, map[string]string{"tenant_id": tenant.ID, "reference": reference})
		}
		log.Info().
			Str("tenant_id", tenant.ID).
			Str("reference", reference).
			Str("new_cycle", string(newCycle)).
			Time("end_date", end).
			Msg("Upgrade committed from credit")
		return &UpgradeResult{
			Status:     UpgradeStatusCommitted,
			Reference:  reference,
			AmountKES:  decimal.Zero,
			NewEndDate: &end,
		}, nil
	}

	init, err := s.gatewayInitialize(ctx, gateway.InitializeRequest{
		Reference:   reference,
		Email:       tenant.OwnerEmail,
		Amount:      preview.AmountToPayKES,
		Currency:    tenant.Currency,
		CallbackURL: s.callbackURL,
		Metadata: map[string]string{
			"tenant_id": tenant.ID,
			"purpose":   string(registry.PurposeUpgrade),
		},
	})
	if err != nil {
		return nil, err
	}

	txn := &registry.Transaction{
		ID:           registry.NewTransactionID(),
		TenantID:     tenant.ID,
		Reference:    reference,
		Amount:       preview.AmountToPayKES,
		Currency:     tenant.Currency,
		BillingCycle: string(newCycle),
		Purpose:      registry.PurposeUpgrade,
		BranchIDs:    paidIDs,
		PaidSnapshot: paidIDs,
	}
	if err := s.store.CreateTransaction(txn); err != nil {
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues(string(registry.PurposeUpgrade), string(registry.TransactionPending)).Inc()

	log.Info().
		Str("tenant_id", tenant.ID).
		Str("reference", reference).
		Str("new_cycle", string(newCycle)).
		Str("amount_kes", preview.AmountToPayKES.String()).
		Msg("Upgrade checkout initialized")
	return &UpgradeResult{
		Status:           UpgradeStatusPaymentRequired,
		Reference:        reference,
		AuthorizationURL: init.RedirectURL,
		AmountKES:        preview.AmountToPayKES,
	}, nil
}

// validationReason extracts the bare message from a validation error for
// embedding in a can_upgrade=false preview.
func validationReason(err error) string {
	var be *billingerrors.BillingError
	if errors.As(err, &be) && be.Err != nil {
		return be.Err.Error()
	}
	return err.Error()
}
