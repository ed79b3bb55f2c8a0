package registry

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Tenant represents a registered business account. Tenants are never
// hard-deleted; blocking and revocation are overlays on this record
// and the main branch's subscription.
type Tenant struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Subdomain         string     `json:"subdomain"`
	OwnerEmail        string     `json:"owner_email"`
	PasswordHash      string     `json:"-"`
	Currency          string     `json:"currency"`
	TaxRate           float64    `json:"tax_rate"`
	MaxBranches       int        `json:"max_branches"`
	SubscriptionPlan  string     `json:"subscription_plan"` // display label only
	BillingCycle      string     `json:"billing_cycle"`     // empty until first payment
	TrialEndsAt       *time.Time `json:"trial_ends_at,omitempty"`
	LastPaymentDate   *time.Time `json:"last_payment_date,omitempty"`
	IsManuallyBlocked bool       `json:"is_manually_blocked"`
	ManuallyBlockedAt *time.Time `json:"manually_blocked_at,omitempty"`
	ManualBlockReason string     `json:"manual_block_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// BranchSubscription is the per-branch subscription lifecycle record.
// Mutated only by the billing service.
type BranchSubscription struct {
	IsPaid              bool       `json:"is_paid"`
	SubscriptionEndDate *time.Time `json:"subscription_end_date,omitempty"`
	IsCancelled         bool       `json:"is_cancelled"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
}

// Branch represents a business location under a tenant. Exactly one
// branch per tenant has IsMain set. Branch IDs are tenant-like
// identities; API payloads serialize them under "tenant_id".
type Branch struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"parent_tenant_id"`
	Name         string             `json:"name"`
	Subdomain    string             `json:"subdomain"`
	IsActive     bool               `json:"is_active"`
	IsMain       bool               `json:"is_main"`
	Subscription BranchSubscription `json:"subscription"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// TransactionStatus is the settlement state of a payment transaction.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// TransactionPurpose records which billing operation opened the transaction.
type TransactionPurpose string

const (
	PurposeSubscribe   TransactionPurpose = "subscribe"
	PurposeAddBranches TransactionPurpose = "add_branches"
	PurposeUpgrade     TransactionPurpose = "upgrade"
)

// Transaction is one payment attempt against the gateway. The
// reference is the idempotency key: it transitions pending to
// success or failed at most once, and replays read back the
// committed row.
type Transaction struct {
	ID                    string             `json:"id"`
	TenantID              string             `json:"tenant_id"`
	Reference             string             `json:"reference"`
	Amount                decimal.Decimal    `json:"amount"`
	Currency              string             `json:"currency"`
	BillingCycle          string             `json:"billing_cycle"`
	Purpose               TransactionPurpose `json:"purpose"`
	BranchIDs             []string           `json:"branch_ids"`
	PaidSnapshot          []string           `json:"paid_snapshot,omitempty"` // upgrade concurrency guard
	Status                TransactionStatus  `json:"status"`
	GatewayMessage        string             `json:"gateway_message,omitempty"`
	PaymentDate           *time.Time         `json:"payment_date,omitempty"`
	SubscriptionStartDate *time.Time         `json:"subscription_start_date,omitempty"`
	SubscriptionEndDate   *time.Time         `json:"subscription_end_date,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// AdminUser is a back-office operator. Managed only through audited
// admin endpoints.
type AdminUser struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

func generateID(prefix string) (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

// GenerateTenantID returns a tenant ID of the form "t-" followed by 10 random
// Crockford base32 characters (50 bits of entropy).
func GenerateTenantID() (string, error) {
	return generateID("t-")
}

// GenerateBranchID returns a branch ID of the form "b-" followed by 10 random
// Crockford base32 characters. Branches are tenant-like identities.
func GenerateBranchID() (string, error) {
	return generateID("b-")
}

// GenerateAdminID returns an admin user ID of the form "u_" followed by 10
// random Crockford base32 characters.
func GenerateAdminID() (string, error) {
	return generateID("u_")
}

// NewReference mints a gateway idempotency key. ULIDs sort by creation
// time, which keeps transaction listings and abandoned-transaction
// sweeps cheap.
func NewReference() string {
	return "ref_" + ulid.Make().String()
}

// NewTransactionID mints a transaction row ID.
func NewTransactionID() string {
	return "txn_" + ulid.Make().String()
}
