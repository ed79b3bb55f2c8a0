// Package billing orchestrates subscription state: checkouts, the
// idempotent verify pipeline, proration, and the admin overrides.
// Every entitlement mutation flows through here so audit entries,
// metrics, and client invalidations stay attached to the code paths
// that change access.
package billing

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dukahq/billing/internal/audit"
	"github.com/dukahq/billing/internal/auth"
	"github.com/dukahq/billing/internal/entitlement"
	billingerrors "github.com/dukahq/billing/internal/errors"
	"github.com/dukahq/billing/internal/gateway"
	"github.com/dukahq/billing/internal/pricing"
	"github.com/dukahq/billing/internal/registry"
)

const (
	defaultTrialDays = 14
	defaultGraceDays = 30
)

// Notifier pushes invalidation events to connected tenant clients.
type Notifier interface {
	Push(tenantID, eventType string, data any)
}

// Config wires the service's collaborators and policy knobs.
type Config struct {
	Store       *registry.Store
	Gateway     gateway.Gateway
	Pricing     *pricing.Table
	Audit       audit.Recorder
	Notifier    Notifier
	TrialDays   int
	GraceDays   int
	CallbackURL string
}

// Service owns every subscription mutation.
type Service struct {
	store       *registry.Store
	gateway     gateway.Gateway
	pricing     *pricing.Table
	audit       audit.Recorder
	notifier    Notifier
	trialDays   int
	graceDays   int
	callbackURL string
}

// New creates a Service from cfg, applying policy defaults.
func New(cfg Config) *Service {
	if cfg.TrialDays <= 0 {
		cfg.TrialDays = defaultTrialDays
	}
	if cfg.GraceDays <= 0 {
		cfg.GraceDays = defaultGraceDays
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewConsoleRecorder()
	}
	return &Service{
		store:       cfg.Store,
		gateway:     cfg.Gateway,
		pricing:     cfg.Pricing,
		audit:       cfg.Audit,
		notifier:    cfg.Notifier,
		trialDays:   cfg.TrialDays,
		graceDays:   cfg.GraceDays,
		callbackURL: cfg.CallbackURL,
	}
}

func (s *Service) push(tenantID, eventType string, data any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Push(tenantID, eventType, data)
}

// RegisterTenant provisions a business account: the tenant record, its
// main location, and the trial window.
func (s *Service) RegisterTenant(name, subdomain, ownerEmail, passwordHash string) (*registry.Tenant, *registry.Branch, error) {
	const op = "register tenant"
	name = strings.TrimSpace(name)
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	ownerEmail = strings.ToLower(strings.TrimSpace(ownerEmail))
	if name == "" || subdomain == "" || ownerEmail == "" {
		return nil, nil, billingerrors.Validationf(op, "business name, subdomain, and owner email are required")
	}

	if existing, err := s.store.GetTenantByEmail(ownerEmail); err != nil {
		return nil, nil, err
	} else if existing != nil {
		return nil, nil, billingerrors.Validationf(op, "email %s is already registered", ownerEmail)
	}
	if existing, err := s.store.GetTenantBySubdomain(subdomain); err != nil {
		return nil, nil, err
	} else if existing != nil {
		return nil, nil, billingerrors.Validationf(op, "subdomain %s is taken", subdomain)
	}

	tenantID, err := registry.GenerateTenantID()
	if err != nil {
		return nil, nil, err
	}
	branchID, err := registry.GenerateBranchID()
	if err != nil {
		return nil, nil, err
	}

	trialEnds := time.Now().UTC().Add(time.Duration(s.trialDays) * 24 * time.Hour)
	tenant := &registry.Tenant{
		ID:           tenantID,
		Name:         name,
		Subdomain:    subdomain,
		OwnerEmail:   ownerEmail,
		PasswordHash: passwordHash,
		TrialEndsAt:  &trialEnds,
	}
	if err := s.store.CreateTenant(tenant); err != nil {
		return nil, nil, err
	}

	main := &registry.Branch{
		ID:        branchID,
		TenantID:  tenantID,
		Name:      name,
		Subdomain: subdomain,
		IsActive:  true,
		IsMain:    true,
	}
	if err := s.store.CreateBranch(main); err != nil {
		if delErr := s.store.DeleteTenant(tenantID); delErr != nil {
			log.Warn().Err(delErr).Str("tenant_id", tenantID).Msg("Signup rollback: failed to delete tenant record")
		}
		return nil, nil, err
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("subdomain", subdomain).
		Time("trial_ends_at", trialEnds).
		Msg("Tenant registered")
	return tenant, main, nil
}

// AuthenticateTenant checks owner credentials for login. Unknown email
// and wrong password return the same authorization error.
func (s *Service) AuthenticateTenant(email, password string) (*registry.Tenant, error) {
	const op = "tenant login"
	email = strings.ToLower(strings.TrimSpace(email))
	tenant, err := s.store.GetTenantByEmail(email)
	if err != nil {
		return nil, err
	}
	if tenant == nil || !auth.CheckPasswordHash(password, tenant.PasswordHash) {
		return nil, billingerrors.Unauthorizedf(op, "invalid credentials")
	}
	return tenant, nil
}

// BranchStatus is the per-branch slice of the status aggregate. The
// branch's own ID serializes as tenant_id; branches are tenant-like
// identities in the external contract.
type BranchStatus struct {
	BranchID            string     `json:"tenant_id"`
	Name                string     `json:"name"`
	Subdomain           string     `json:"subdomain"`
	IsMain              bool       `json:"is_main"`
	IsPaid              bool       `json:"is_paid"`
	SubscriptionEndDate *time.Time `json:"subscription_end_date,omitempty"`
	IsCancelled         bool       `json:"is_cancelled"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
}

// BranchSummary counts a tenant's branches by paid state.
type BranchSummary struct {
	TotalBranches  int `json:"total_branches"`
	PaidBranches   int `json:"paid_branches"`
	UnpaidBranches int `json:"unpaid_branches"`
}

// SubscriptionStatus is the tenant aggregate, derived fresh from one
// consistent snapshot on every read.
type SubscriptionStatus struct {
	IsActive            bool               `json:"is_active"`
	Status              entitlement.Status `json:"subscription_status"`
	SubscriptionEndDate *time.Time         `json:"subscription_end_date,omitempty"`
	BillingCycle        string             `json:"billing_cycle,omitempty"`
	BranchSubscriptions []BranchStatus     `json:"branch_subscriptions"`
	Summary             BranchSummary      `json:"summary"`
	TrialEndsAt         *time.Time         `json:"trial_ends_at,omitempty"`
	LastPaymentDate     *time.Time         `json:"last_payment_date,omitempty"`
	IsManuallyBlocked   bool               `json:"is_manually_blocked"`
	PastGracePeriod     bool               `json:"past_grace_period"`
}

// SubscriptionStatus returns the tenant's aggregate subscription view.
func (s *Service) SubscriptionStatus(tenantID string) (*SubscriptionStatus, error) {
	const op = "subscription status"
	tenant, branches, err := s.store.TenantSnapshot(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, billingerrors.NotFoundf(op, tenantID, "tenant not found")
	}
	return s.buildStatus(tenant, branches, time.Now().UTC()), nil
}

func (s *Service) buildStatus(tenant *registry.Tenant, branches []*registry.Branch, now time.Time) *SubscriptionStatus {
	st := &SubscriptionStatus{
		BillingCycle:        tenant.BillingCycle,
		BranchSubscriptions: make([]BranchStatus, 0, len(branches)),
		TrialEndsAt:         tenant.TrialEndsAt,
		LastPaymentDate:     tenant.LastPaymentDate,
		IsManuallyBlocked:   tenant.IsManuallyBlocked,
	}

	var main *registry.Branch
	for _, b := range branches {
		if b.IsMain {
			main = b
		}
		st.BranchSubscriptions = append(st.BranchSubscriptions, branchStatusOf(b))
		st.Summary.TotalBranches++
		if b.Subscription.IsPaid {
			st.Summary.PaidBranches++
		} else {
			st.Summary.UnpaidBranches++
		}
	}

	status := entitlement.StatusExpired
	if main != nil {
		status = entitlement.Derive(branchState(main), tenant.TrialEndsAt, now)
		st.SubscriptionEndDate = main.Subscription.SubscriptionEndDate
		st.PastGracePeriod = entitlement.PastGracePeriod(main.Subscription.SubscriptionEndDate, s.graceDays, now)
	} else if tenant.TrialEndsAt != nil && now.Before(*tenant.TrialEndsAt) {
		status = entitlement.StatusTrial
	}
	st.Status = status
	st.IsActive = !tenant.IsManuallyBlocked && status.Writable()
	return st
}

// CanWrite is the write-access gate for one branch, evaluated against a
// single consistent snapshot.
func (s *Service) CanWrite(tenantID, branchID string) (bool, error) {
	const op = "can write"
	tenant, branches, err := s.store.TenantSnapshot(tenantID)
	if err != nil {
		return false, err
	}
	if tenant == nil {
		return false, billingerrors.NotFoundf(op, tenantID, "tenant not found")
	}

	var main, target *registry.Branch
	for _, b := range branches {
		if b.IsMain {
			main = b
		}
		if b.ID == branchID {
			target = b
		}
	}
	if target == nil {
		return false, billingerrors.NotFoundf(op, branchID, "branch not found")
	}

	now := time.Now().UTC()
	status := entitlement.StatusExpired
	if main != nil {
		status = entitlement.Derive(branchState(main), tenant.TrialEndsAt, now)
	}
	return entitlement.CanWrite(tenant.IsManuallyBlocked, branchState(target), status), nil
}

// BranchPricing is the current per-location price pair.
type BranchPricing struct {
	BillingCycle   pricing.Cycle   `json:"billing_cycle"`
	MainPriceKES   decimal.Decimal `json:"main_price_kes"`
	BranchPriceKES decimal.Decimal `json:"branch_price_kes"`
}

// AvailableBranches lists a tenant's locations alongside current
// pricing, for the subscription picker.
type AvailableBranches struct {
	MainLocation *BranchStatus  `json:"main_location"`
	Branches     []BranchStatus `json:"branches"`
	Pricing      BranchPricing  `json:"pricing"`
}

// AvailableBranches returns the tenant's locations and the prices they
// would pay on the tenant's cycle (monthly before the first payment).
func (s *Service) AvailableBranches(tenantID string) (*AvailableBranches, error) {
	const op = "available branches"
	tenant, branches, err := s.store.TenantSnapshot(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, billingerrors.NotFoundf(op, tenantID, "tenant not found")
	}

	cycle := pricing.Cycle(tenant.BillingCycle)
	if !cycle.Valid() {
		cycle = pricing.CycleMonthly
	}
	plan, _ := s.pricing.Plan(cycle)

	out := &AvailableBranches{
		Branches: make([]BranchStatus, 0, len(branches)),
		Pricing: BranchPricing{
			BillingCycle:   cycle,
			MainPriceKES:   plan.Price,
			BranchPriceKES: plan.BranchPrice(),
		},
	}
	for _, b := range branches {
		bs := branchStatusOf(b)
		if b.IsMain {
			out.MainLocation = &bs
			continue
		}
		out.Branches = append(out.Branches, bs)
	}
	return out, nil
}

// CreateBranch adds a location under the tenant, enforcing the branch
// limit. New branches start unpaid and non-main.
func (s *Service) CreateBranch(tenantID, name, subdomain string) (*registry.Branch, error) {
	const op = "create branch"
	name = strings.TrimSpace(name)
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if name == "" {
		return nil, billingerrors.Validationf(op, "branch name is required")
	}

	tenant, err := s.store.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, billingerrors.NotFoundf(op, tenantID, "tenant not found")
	}

	count, err := s.store.CountBranches(tenantID)
	if err != nil {
		return nil, err
	}
	if count >= tenant.MaxBranches {
		return nil, billingerrors.Validationf(op, "branch limit reached (%d)", tenant.MaxBranches)
	}

	branchID, err := registry.GenerateBranchID()
	if err != nil {
		return nil, err
	}
	branch := &registry.Branch{
		ID:        branchID,
		TenantID:  tenantID,
		Name:      name,
		Subdomain: subdomain,
		IsActive:  true,
	}
	if err := s.store.CreateBranch(branch); err != nil {
		return nil, err
	}

	log.Info().Str("tenant_id", tenantID).Str("branch_id", branchID).Str("name", name).Msg("Branch created")
	return branch, nil
}

// ListBranches returns a tenant's branches, main location first.
func (s *Service) ListBranches(tenantID string) ([]*registry.Branch, error) {
	const op = "list branches"
	tenant, err := s.store.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, billingerrors.NotFoundf(op, tenantID, "tenant not found")
	}
	return s.store.ListBranches(tenantID)
}

// DeleteBranch removes a non-main branch that has never carried a paid
// subscription.
func (s *Service) DeleteBranch(tenantID, branchID string) error {
	const op = "delete branch"
	branch, err := s.tenantBranch(op, tenantID, branchID)
	if err != nil {
		return err
	}
	if branch.IsMain {
		return billingerrors.Validationf(op, "the main location cannot be deleted")
	}
	if branch.Subscription.IsPaid || branch.Subscription.SubscriptionEndDate != nil {
		return billingerrors.Validationf(op, "branches that held a paid subscription cannot be deleted")
	}
	if err := s.store.DeleteBranch(branchID); err != nil {
		return err
	}
	log.Info().Str("tenant_id", tenantID).Str("branch_id", branchID).Msg("Branch deleted")
	return nil
}

// tenantBranch loads a branch and scopes it to the tenant; foreign
// branches read as not found.
func (s *Service) tenantBranch(op, tenantID, branchID string) (*registry.Branch, error) {
	branch, err := s.store.GetBranch(branchID)
	if err != nil {
		return nil, err
	}
	if branch == nil || branch.TenantID != tenantID {
		return nil, billingerrors.NotFoundf(op, branchID, "branch not found")
	}
	return branch, nil
}

func branchStatusOf(b *registry.Branch) BranchStatus {
	return BranchStatus{
		BranchID:            b.ID,
		Name:                b.Name,
		Subdomain:           b.Subdomain,
		IsMain:              b.IsMain,
		IsPaid:              b.Subscription.IsPaid,
		SubscriptionEndDate: b.Subscription.SubscriptionEndDate,
		IsCancelled:         b.Subscription.IsCancelled,
		CancelledAt:         b.Subscription.CancelledAt,
	}
}

func branchState(b *registry.Branch) entitlement.BranchState {
	return entitlement.BranchState{
		IsPaid:      b.Subscription.IsPaid,
		EndDate:     b.Subscription.SubscriptionEndDate,
		IsCancelled: b.Subscription.IsCancelled,
	}
}

func mainOf(branches []*registry.Branch) *registry.Branch {
	for _, b := range branches {
		if b.IsMain {
			return b
		}
	}
	return nil
}
