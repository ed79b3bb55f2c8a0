package api

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/dukahq/billing/internal/billing"
	billingerrors "github.com/dukahq/billing/internal/errors"
	"github.com/dukahq/billing/internal/pricing"
)

// HandleSubscriptionStatus returns the tenant's aggregate subscription
// view: per-branch state, summary counts, and the entitlement flags.
func (h *Handlers) HandleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status, err := h.Billing.SubscriptionStatus(TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleAvailableBranches returns the main location, the branch list,
// and current pricing for the subscribe screen.
func (h *Handlers) HandleAvailableBranches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	out, err := h.Billing.AvailableBranches(TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type initializeRequest struct {
	BillingCycle string   `json:"billing_cycle"`
	BranchIDs    []string `json:"branch_ids"`
}

type checkoutResponse struct {
	Status string `json:"status"`
	*billing.Checkout
}

// HandleInitialize starts a subscription checkout for the selected
// branches and returns the gateway redirect.
func (h *Handlers) HandleInitialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req initializeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	checkout, err := h.Billing.InitializeSubscription(r.Context(), TenantID(r.Context()), pricing.Cycle(req.BillingCycle), req.BranchIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{Status: "pending", Checkout: checkout})
}

type verifyRequest struct {
	Reference string `json:"reference"`
}

// HandleVerify runs the idempotent verify pipeline for a checkout
// reference and returns the committed transaction plus the refreshed
// aggregate.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Reference == "" {
		writeError(w, billingerrors.Validationf("verify transaction", "reference is required"))
		return
	}

	out, err := h.Billing.VerifyTransaction(r.Context(), req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type addBranchesRequest struct {
	BranchIDs []string `json:"branch_ids"`
}

// HandleAddBranches starts a prorated checkout covering every selected
// unpaid branch in one transaction.
func (h *Handlers) HandleAddBranches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req addBranchesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	checkout, err := h.Billing.AddBranches(r.Context(), TenantID(r.Context()), req.BranchIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{Status: "pending", Checkout: checkout})
}

// HandleCancelBranch turns off auto-renew for one branch. Cancelling
// the main location carries a warning in the response.
func (h *Handlers) HandleCancelBranch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	out, err := h.Billing.CancelBranch(TenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleReactivateBranch undoes a cancellation while the paid period
// still runs.
func (h *Handlers) HandleReactivateBranch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	branch, err := h.Billing.ReactivateBranch(TenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branch)
}

// HandleUpgradePreview quotes a plan upgrade without committing
// anything. Ineligible tenants get can_upgrade=false with a reason.
func (h *Handlers) HandleUpgradePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	newCycle := r.URL.Query().Get("new_cycle")
	if newCycle == "" {
		writeError(w, billingerrors.Validationf("preview upgrade", "new_cycle is required"))
		return
	}

	preview, err := h.Billing.PreviewUpgrade(TenantID(r.Context()), pricing.Cycle(newCycle))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

type upgradeRequest struct {
	NewCycle string `json:"new_cycle"`
}

// HandleUpgrade commits a plan upgrade. When remaining credit covers
// the new plan the upgrade lands immediately; otherwise the response
// carries a checkout redirect.
func (h *Handlers) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req upgradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	out, err := h.Billing.Upgrade(r.Context(), TenantID(r.Context()), pricing.Cycle(req.NewCycle))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type planView struct {
	Cycle           pricing.Cycle   `json:"billing_cycle"`
	Name            string          `json:"name"`
	PriceKES        decimal.Decimal `json:"price_kes"`
	BranchPriceKES  decimal.Decimal `json:"branch_price_kes"`
	DurationDays    int             `json:"duration_days"`
	Months          int             `json:"months"`
	MonthlyPriceKES decimal.Decimal `json:"monthly_price_kes"`
	SavingsKES      decimal.Decimal `json:"savings_kes"`
}

// HandlePlans lists the billing cycles with per-branch pricing and the
// savings against paying monthly.
func (h *Handlers) HandlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	plans := h.Pricing.Plans()
	views := make([]planView, 0, len(plans))
	for _, p := range plans {
		views = append(views, planView{
			Cycle:           p.Cycle,
			Name:            p.Name,
			PriceKES:        p.Price,
			BranchPriceKES:  p.BranchPrice(),
			DurationDays:    p.DurationDays,
			Months:          p.Months,
			MonthlyPriceKES: p.MonthlyPrice(),
			SavingsKES:      h.Pricing.Savings(p.Cycle),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": views})
}
